// Package analysis runs the two-turn LLM exchange that scores a rendered deck.
package analysis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"deckcheck/internal/deck"
	"deckcheck/internal/llm"
	"deckcheck/internal/shared/telemetry"
	"deckcheck/internal/slides"
)

// deck_analysis.json keeps the "concistency" key of the deployed prompt
// revision; deck.Normalize canonicalizes it.
//
//go:embed schema/deck_analysis.json
var deckAnalysisSchema []byte

// Schema returns the compiled DeckAnalysis schema.
func Schema() (*llm.Schema, error) {
	return llm.NewSchema("DeckAnalysis", "Structured evaluation of a slide deck.", deckAnalysisSchema)
}

// Analyzer scores a rendered deck using one fresh conversation per call.
type Analyzer struct {
	client  llm.Client
	prompts llm.PromptSet
	schema  *llm.Schema
}

// New builds an Analyzer from a client and prompt set.
func New(client llm.Client, prompts llm.PromptSet) (*Analyzer, error) {
	if client == nil {
		return nil, errors.New("analysis: llm client is required")
	}
	schema, err := Schema()
	if err != nil {
		return nil, err
	}
	return &Analyzer{client: client, prompts: prompts, schema: schema}, nil
}

// Analyze runs the counts turn and then the structured suggestions turn.
func (a *Analyzer) Analyze(ctx context.Context, req deck.Request, rendered deck.RenderedDeck) (deck.RawAnalysis, error) {
	vars := map[string]string{
		"audience":         req.Audience,
		"length":           strconv.Itoa(req.LengthMinutes),
		"type":             req.TalkType,
		"event":            req.Event,
		"markdown_content": rendered.PlainText,
	}
	var temperature *float64
	if a.prompts.Temperature != nil {
		t := *a.prompts.Temperature
		temperature = &t
	}
	conv := a.client.NewConversation(llm.ConversationOptions{
		System:      llm.Interpolate(a.prompts.System, vars),
		Temperature: temperature,
		Tools:       []llm.Tool{slides.Tool(rendered.MarkupPath)},
	})

	start := time.Now()
	reply, err := conv.Chat(ctx, llm.Interpolate(a.prompts.Counts, vars))
	if err != nil {
		return deck.RawAnalysis{}, classify("counts", err)
	}
	telemetry.Info("analysis.counts", map[string]any{
		"provider":     a.client.Provider(),
		"model":        a.client.Model(),
		"reply_length": len(reply),
		"latency_ms":   time.Since(start).Milliseconds(),
	})

	out, err := llm.Extract(ctx, conv, llm.Interpolate(a.prompts.Extract, vars), a.schema)
	if err != nil {
		return deck.RawAnalysis{}, classify("extract", err)
	}

	var raw deck.RawAnalysis
	if err := json.Unmarshal(out, &raw); err != nil {
		return deck.RawAnalysis{}, classify("decode", fmt.Errorf("%w: %v", llm.ErrSchemaMismatch, err))
	}
	telemetry.Info("analysis.complete", map[string]any{
		"provider":   a.client.Provider(),
		"model":      a.client.Model(),
		"categories": len(raw.Categories),
		"latency_ms": time.Since(start).Milliseconds(),
	})
	return raw, nil
}

// classify wraps err as an analysis failure carrying an internal code.
func classify(step string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	wrapped := fmt.Errorf("%w: %s: %w", deck.ErrAnalysisFailure, step, err)
	return deck.WithCode(Code(err), wrapped)
}

// Code maps an llm error to an internal failure code.
func Code(err error) string {
	switch {
	case errors.Is(err, llm.ErrQuotaExhausted):
		return deck.ErrorCodeLLMQuota
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return deck.ErrorCodeLLMTimeout
	case errors.Is(err, llm.ErrSchemaMismatch):
		return deck.ErrorCodeLLMSchemaMismatch
	default:
		return deck.ErrorCodeLLMTransport
	}
}
