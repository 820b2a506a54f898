// Package main provides the deckcheck command-line tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"deckcheck/internal/shared/telemetry"
)

var rootCmd = &cobra.Command{
	Use:           "deckcheck",
	Short:         "Review Quarto presentations with a language model",
	Long:          "deckcheck renders a Quarto presentation, asks a language model to score it against eight presentation categories, and prints suggested improvements.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var logLevel string

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "error", "Log level (debug, info, warn, error)")
	rootCmd.PersistentPreRun = func(_ *cobra.Command, _ []string) {
		telemetry.ConfigureStderr(logLevel)
	}
}

func main() {
	defer telemetry.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
