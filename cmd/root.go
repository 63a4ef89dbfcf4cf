// Package cmd defines the CLI commands for the riptide executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "riptide",
		Short: "Admission-controlled crawl scheduler and extraction pipeline",
		Long: `riptide schedules crawl requests through budget admission and a
best-first frontier, routes fetched pages between raw and headless
extraction, and persists extracted documents.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())

	return cmd
}

// Execute is the CLI entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
