// Package cli implements the relaymesh command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "relaymesh",
	Short: "Zero-trust bot hub",
	Long:  "Central hub for connected bots: one-time-token onboarding, zero-trust\nhandshakes, encrypted session channels, and policy-guarded message routing\nwith a tamper-evident audit ledger.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to hub YAML config")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
