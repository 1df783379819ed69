// Package commands implements the sichctl CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sich-link/sich/internal/cliclient"
)

var (
	// client talks to sichd's local control listener, initialized in
	// PersistentPreRunE.
	client *cliclient.Client

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// controlAddr is the sichd control listener address (host:port).
	controlAddr string
)

// rootCmd is the top-level cobra command for sichctl.
var rootCmd = &cobra.Command{
	Use:   "sichctl",
	Short: "CLI client for the sich link daemon",
	Long:  "sichctl communicates with a sichd instance's local control listener to inspect link status and issue commands.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = cliclient.New(controlAddr)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&controlAddr, "addr", "127.0.0.1:14895",
		"sichd control listener address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(armCmd())
	rootCmd.AddCommand(disarmCmd())
	rootCmd.AddCommand(freqSelHopCmd())
	rootCmd.AddCommand(pushConfigCmd())
	rootCmd.AddCommand(txPowerCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
