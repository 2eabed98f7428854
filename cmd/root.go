// Package cmd defines and implements the CLI commands for the runlens executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runlens",
		Short: "Real-time progress aggregation for test runs",
		Long: `runlens tracks externally executed performance and scenario test runs.
It consumes run lifecycle events, aggregates live progress snapshots,
and serves them over an HTTP API together with run/config management.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus RUNLENS_* env vars when unset)")

	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
