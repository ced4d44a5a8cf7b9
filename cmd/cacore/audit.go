package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/remiblancher/cacore/internal/audit"
	"github.com/remiblancher/cacore/internal/config"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify the hash chain of an audit log",
	Long: `Verify that no event of the audit log was altered, removed or reordered.

Without a path the audit log of the configuration is verified.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditVerify,
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		// Only the path is needed: the store and tokens are not opened.
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		path = cfg.Audit.Path
	}
	if path == "" {
		return fmt.Errorf("no audit log configured")
	}

	count, err := audit.VerifyChain(path)
	if err != nil {
		return fmt.Errorf("audit log %s is invalid after %d event(s): %w", path, count, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Audit log %s is valid: %d event(s)\n", path, count)
	return nil
}
