package pipeline

import (
	"time"

	"deckcheck/internal/deck"
)

// Phase is the lifecycle position of the active run.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRendering Phase = "rendering"
	PhaseAnalyzing Phase = "analyzing"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	// PhaseSuperseded is only reported to Wait callers; it never becomes the shared state.
	PhaseSuperseded Phase = "superseded"
)

// Terminal reports whether p ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseSuperseded
}

// Failure is the user-visible outcome of a failed run.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// State is a snapshot of the pipeline as seen by the presentation layer.
type State struct {
	RunID     string                 `json:"runId,omitempty"`
	Phase     Phase                  `json:"status"`
	Result    *deck.NormalizedResult `json:"result,omitempty"`
	Failure   *Failure               `json:"failure,omitempty"`
	UpdatedAt time.Time              `json:"updatedAt"`
}
