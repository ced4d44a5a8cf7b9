// Command cacore runs and administers a CA issuance and revocation node.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables (injected by GoReleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configPath string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cacore",
	Short: "CA issuance and revocation core",
	Long: `cacore manages certificate authorities, issues and revokes end-entity
certificates, and generates full and delta CRLs.

Every command works on the store named in the configuration file. Several
nodes may share one store; "cacore serve" runs the CRL scheduler, the CRL
distribution points and the admin API of one node.

Configuration is read from the ini file given by --config, then overridden
by CACORE_* environment variables (a .env file in the working directory
is loaded first).

Examples:
  # Create a root CA with an ECDSA P-384 key in software token 1
  cacore ca init --name "Root CA" --dn "CN=Root CA,O=Example,C=FR" --algorithm ecdsa-p384

  # Issue a certificate for an existing public key
  cacore cert issue --ca "Root CA" --subject "CN=www.example.com" --san dns:www.example.com --pubkey www.pub

  # Put a certificate on hold, then generate a CRL
  cacore cert revoke --ca "Root CA" --reason certificateHold 1f3a...
  cacore crl gen "Root CA"

  # Run the node
  cacore serve --config /etc/cacore/cacore.ini`,
	Version:            fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:       true,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error { return closeNode() },
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CACORE_CONFIG"),
		"Path to the ini configuration file (or set CACORE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override the configured log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(caCmd)
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(crlCmd)
	rootCmd.AddCommand(keyValidatorCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(serveCmd)
}
