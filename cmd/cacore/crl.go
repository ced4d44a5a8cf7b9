package main

import (
	"encoding/pem"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/cacore/internal/authz"
)

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "CRL generation and retrieval",
	Long: `Generate and read Certificate Revocation Lists.

Examples:
  # Force a new full CRL
  cacore crl gen "Root CA"

  # Force a delta CRL on top of the last full CRL
  cacore crl gen "Root CA" --delta

  # Issue every CRL that is due, as the scheduler does
  cacore crl run

  # Save the latest CRL as PEM
  cacore crl get "Root CA" --pem --out root.crl`,
}

var crlGenCmd = &cobra.Command{
	Use:   "gen <ca>",
	Short: "Force a new CRL for a CA",
	Args:  cobra.ExactArgs(1),
	RunE:  runCRLGen,
}

var crlRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Generate the full and delta CRLs that are due for every CA",
	RunE:  runCRLRun,
}

var crlListCmd = &cobra.Command{
	Use:   "list <ca>",
	Short: "List the stored CRLs of a CA",
	Args:  cobra.ExactArgs(1),
	RunE:  runCRLList,
}

var crlGetCmd = &cobra.Command{
	Use:   "get <ca>",
	Short: "Write the latest CRL of a CA",
	Args:  cobra.ExactArgs(1),
	RunE:  runCRLGet,
}

var (
	crlGenDelta bool
	crlRunPad   time.Duration
	crlGetDelta bool
	crlGetOut   string
	crlGetPEM   bool
)

func init() {
	crlGenCmd.Flags().BoolVar(&crlGenDelta, "delta", false, "Generate a delta CRL")
	crlRunCmd.Flags().DurationVar(&crlRunPad, "pad", -1, "Extra margin before nextUpdate (default: configuration crl.pad)")
	crlGetCmd.Flags().BoolVar(&crlGetDelta, "delta", false, "Get the latest delta CRL")
	crlGetCmd.Flags().StringVarP(&crlGetOut, "out", "o", "", "Output file (default: stdout)")
	crlGetCmd.Flags().BoolVar(&crlGetPEM, "pem", false, "PEM encode the CRL")

	crlCmd.AddCommand(crlGenCmd)
	crlCmd.AddCommand(crlRunCmd)
	crlCmd.AddCommand(crlListCmd)
	crlCmd.AddCommand(crlGetCmd)
}

func runCRLGen(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	c, err := n.cas.GetCAByName(ctx, authz.System(), args[0])
	if err != nil {
		return err
	}

	kind := "CRL"
	generate := n.crls.ForceCRL
	if crlGenDelta {
		kind = "delta CRL"
		generate = n.crls.ForceDeltaCRL
	}
	ok, err := generate(ctx, authz.System(), c.ID())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s for %s was not generated: another node generated one concurrently", kind, c.Name())
	}
	number, err := n.crls.GetLastCRLNumber(ctx, c.IssuerDN(), crlGenDelta)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s generated for %s: number %d\n", kind, c.Name(), number)
	return nil
}

func runCRLRun(cmd *cobra.Command, args []string) error {
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	pad := crlRunPad
	if pad < 0 {
		pad = n.cfg.CRL.Pad
	}
	full, delta, err := n.crls.RunOnce(cmd.Context(), pad)
	fmt.Fprintf(cmd.OutOrStdout(), "%d full CRL(s), %d delta CRL(s) generated\n", full, delta)
	return err
}

func runCRLList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	c, err := n.cas.GetCAByName(ctx, authz.System(), args[0])
	if err != nil {
		return err
	}
	infos, err := n.crls.ListCRLInfo(ctx, c.IssuerDN())
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No CRLs for %s.\n", c.Name())
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NUMBER\tTYPE\tBASE\tTHIS UPDATE\tNEXT UPDATE\tENTRIES\tSTATUS")
	for _, info := range infos {
		typ, base := "full", "-"
		if info.Delta {
			typ, base = "delta", fmt.Sprint(info.BaseNumber)
		}
		status := "valid"
		if info.Expired(now) {
			status = "expired"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n", info.Number, typ, base,
			info.ThisUpdate.Format(time.RFC3339), info.NextUpdate.Format(time.RFC3339), info.Entries, status)
	}
	return w.Flush()
}

func runCRLGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	c, err := n.cas.GetCAByName(ctx, authz.System(), args[0])
	if err != nil {
		return err
	}
	der, found, err := n.crls.GetLastCRL(ctx, c.IssuerDN(), crlGetDelta)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no CRL found for %s", c.Name())
	}

	data := der
	if crlGetPEM {
		data = pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})
	}
	if crlGetOut == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(crlGetOut, data, 0o644); err != nil {
		return fmt.Errorf("failed to write CRL: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "CRL written to %s\n", crlGetOut)
	return nil
}
