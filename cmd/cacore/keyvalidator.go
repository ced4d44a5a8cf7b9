package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/keyvalidator"
)

var keyValidatorCmd = &cobra.Command{
	Use:     "keyvalidator",
	Aliases: []string{"kv"},
	Short:   "Key validator management",
	Long: `Manage the key validators CAs apply to public keys at issuance.

Validators are stored as XML documents and exchanged as zip archives with
one keyvalidator_<name>-<id>.xml entry per validator.

Examples:
  cacore keyvalidator add rsa-2048.xml
  cacore keyvalidator export validators.zip
  cacore keyvalidator import validators.zip`,
}

var kvListCmd = &cobra.Command{
	Use:   "list",
	Short: "List key validators",
	RunE:  runKVList,
}

var kvAddCmd = &cobra.Command{
	Use:   "add <file.xml>",
	Short: "Add a key validator from its XML document",
	Args:  cobra.ExactArgs(1),
	RunE:  runKVAdd,
}

var kvImportCmd = &cobra.Command{
	Use:   "import <archive.zip>",
	Short: "Import key validators from a zip archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runKVImport,
}

var kvExportCmd = &cobra.Command{
	Use:   "export <archive.zip>",
	Short: "Export every key validator to a zip archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runKVExport,
}

var kvRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a key validator",
	Args:  cobra.ExactArgs(1),
	RunE:  runKVRemove,
}

func init() {
	keyValidatorCmd.AddCommand(kvListCmd)
	keyValidatorCmd.AddCommand(kvAddCmd)
	keyValidatorCmd.AddCommand(kvImportCmd)
	keyValidatorCmd.AddCommand(kvExportCmd)
	keyValidatorCmd.AddCommand(kvRemoveCmd)
}

func runKVList(cmd *cobra.Command, args []string) error {
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	vs, err := n.validators.ListKeyValidators(cmd.Context())
	if err != nil {
		return err
	}
	if len(vs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No key validators.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tFAILED ACTION\tPROFILES")
	for _, v := range vs {
		b := v.Common()
		profiles := "all"
		if !b.AllCertificateProfileIDs {
			ids := make([]string, len(b.CertificateProfileIDs))
			for i, id := range b.CertificateProfileIDs {
				ids[i] = strconv.Itoa(id)
			}
			profiles = strings.Join(ids, ",")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", b.ID, b.Name, b.Kind, b.FailedAction, profiles)
	}
	return w.Flush()
}

func runKVAdd(cmd *cobra.Command, args []string) error {
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read key validator: %w", err)
	}
	v, err := keyvalidator.Decode(data)
	if err != nil {
		return err
	}
	id, err := n.validators.AddKeyValidator(cmd.Context(), authz.System(), v)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Key validator %s added with id %d.\n", v.Common().Name, id)
	return nil
}

func runKVImport(cmd *cobra.Command, args []string) error {
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	res, err := n.validators.ImportKeyValidatorsFromZip(cmd.Context(), authz.System(), data)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Imported: %d\n", len(res.Imported))
	for _, name := range res.Ignored {
		fmt.Fprintf(out, "  ignored: %s\n", name)
	}
	return nil
}

func runKVExport(cmd *cobra.Command, args []string) error {
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	count, err := n.validators.ExportKeyValidators(cmd.Context(), authz.System(), &buf)
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d key validator(s) to %s\n", count, args[0])
	return nil
}

func runKVRemove(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid key validator id %q", args[0])
	}
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	if err := n.validators.RemoveKeyValidator(cmd.Context(), authz.System(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Key validator %d removed.\n", id)
	return nil
}
