// Package app provides the entry point for the tabmux command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tabmux/tabmux/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "tabmux",
	DisableAutoGenTag: true,
	Short:             "tabmux is a multi-session broker between AI clients and browser extensions",
	Long: `tabmux routes commands from many concurrent AI client sessions to browser
extensions over a single WebSocket channel per extension. It serializes access
to individual tabs, retries transient failures, and lets multiple broker
instances coexist on one machine through a shared port registry.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the tabmux CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("Failed to bind debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
