package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/remiblancher/cacore/internal/cluster"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Node cache control",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the CA and key validator caches of every node",
	Long: `Clear the caches of this node and, when redis is configured, ask every
other node sharing the store to clear theirs.

Scopes: all, ca, keyvalidator.`,
	RunE: runCacheClear,
}

var (
	cacheScope  string
	cacheReason string
)

func init() {
	cacheClearCmd.Flags().StringVar(&cacheScope, "scope", cluster.ScopeAll, "Caches to clear")
	cacheClearCmd.Flags().StringVar(&cacheReason, "reason", "cli request", "Reason recorded with the request")
	cacheCmd.AddCommand(cacheClearCmd)
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	switch cacheScope {
	case cluster.ScopeAll, cluster.ScopeCA, cluster.ScopeKeyValidators:
	default:
		return fmt.Errorf("unknown scope %q", cacheScope)
	}
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	if err := n.cluster.ClearCaches(cmd.Context(), cacheScope, cacheReason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Caches cleared (scope %s).\n", cacheScope)
	return nil
}
