package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"deckcheck/internal/slides"
)

var metricCmd = &cobra.Command{
	Use:   "metric <html-file> <metric>",
	Short: "Compute a slide metric from a rendered HTML deck",
	Long:  "Computes total_slides, code_percent, or image_percent from the HTML rendition of a deck, the same calculation the model's tool call performs.",
	Args:  cobra.ExactArgs(2),
	RunE:  runMetric,
}

func init() {
	metricCmd.ValidArgsFunction = func(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
		if len(args) != 1 {
			return nil, cobra.ShellCompDirectiveDefault
		}
		names := make([]string, 0, len(slides.Metrics))
		for _, m := range slides.Metrics {
			names = append(names, string(m))
		}
		return names, cobra.ShellCompDirectiveNoFileComp
	}
	rootCmd.AddCommand(metricCmd)
}

func runMetric(cmd *cobra.Command, args []string) error {
	metric, err := slides.ParseMetric(strings.TrimSpace(args[1]))
	if err != nil {
		return err
	}
	value, err := slides.Compute(args[0], metric)
	if err != nil {
		return fmt.Errorf("compute %s: %w", metric, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatFloat(value, 'f', -1, 64))
	return nil
}
