package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"deckcheck/internal/bootstrap"
	"deckcheck/internal/deck"
	"deckcheck/internal/pipeline"
	"deckcheck/internal/report"
	"deckcheck/internal/runs"
	"deckcheck/internal/shared/config"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file.qmd>",
	Short: "Render and review a Quarto presentation",
	Long:  "Renders the presentation with quarto, runs the two-step model review (slide counts, then scored suggestions), and prints the report.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

var (
	analyzeAudience string
	analyzeLength   int
	analyzeType     string
	analyzeEvent    string
	analyzeJSON     bool
	analyzeTimeout  time.Duration
)

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeAudience, "audience", "a", "", "Who the talk is for")
	analyzeCmd.Flags().IntVarP(&analyzeLength, "length", "l", 0, "Time cap in minutes (required)")
	analyzeCmd.Flags().StringVarP(&analyzeType, "type", "t", "", "Talk type, e.g. keynote or workshop")
	analyzeCmd.Flags().StringVarP(&analyzeEvent, "event", "e", "", "Event name")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "Print the normalized result as JSON")
	analyzeCmd.Flags().DurationVar(&analyzeTimeout, "timeout", 10*time.Minute, "Overall time limit for the run")

	if err := analyzeCmd.MarkFlagRequired("length"); err != nil {
		panic(fmt.Sprintf("failed to mark length flag as required: %v", err))
	}

	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, analyzeTimeout)
	defer cancel()

	cfg := config.Load()
	engine, err := bootstrap.BuildEngine(ctx, cfg)
	if err != nil {
		return err
	}

	orch, err := pipeline.New(pipeline.Config{
		Renderer: engine.Renderer,
		Analyzer: engine.Analyzer,
		Runs:     runs.NewMemoryRepo(),
		Workers:  1,
		WorkDir:  cfg.WorkDir,
		Provider: engine.LLM.Provider(),
		Model:    engine.LLM.Model(),
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	runID, err := orch.Submit(ctx, deck.Request{
		Audience:      analyzeAudience,
		LengthMinutes: analyzeLength,
		TalkType:      analyzeType,
		Event:         analyzeEvent,
		Source:        deck.FileSource(args[0]),
	})
	if err != nil {
		return err
	}

	st, err := orch.Wait(ctx, runID)
	if err != nil {
		return fmt.Errorf("waiting for run: %w", err)
	}
	if st.Phase != pipeline.PhaseSucceeded || st.Result == nil {
		if st.Failure != nil {
			return fmt.Errorf("%s (%s)", st.Failure.Message, st.Failure.Code)
		}
		return errors.New("run did not complete")
	}

	out := cmd.OutOrStdout()
	if analyzeJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st.Result)
	}
	return printReport(out, report.Build(*st.Result))
}

func printReport(w io.Writer, r report.Report) error {
	fmt.Fprintf(w, "%s\n%s\n\n", r.Title, strings.Repeat("=", len(r.Title)))
	for _, box := range r.ValueBoxes {
		fmt.Fprintf(w, "%-16s %s\n", box.Title+":", box.Value)
	}
	if r.Tone != "" {
		fmt.Fprintf(w, "%-16s %s\n", "Tone:", r.Tone)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Category\tCurrent Score\tScore After Improvements\tGain")
	for _, row := range r.Table {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%+d\n", row.Category, row.CurrentScore, row.ScoreAfterImprovements, row.Gain)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w, "\nImprovements")
	for _, row := range r.Table {
		if row.Improvements == "" {
			continue
		}
		fmt.Fprintf(w, "\n%s\n%s\n", row.Category, row.Improvements)
	}
	return nil
}
