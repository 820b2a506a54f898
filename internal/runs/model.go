// Package runs keeps the log of pipeline runs and serves it over HTTP.
package runs

import (
	"errors"
	"time"

	"deckcheck/internal/deck"
)

const (
	StatusRendering  = "rendering"
	StatusAnalyzing  = "analyzing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusSuperseded = "superseded"
)

const (
	FeedbackLike    = "like"
	FeedbackDislike = "dislike"
)

var (
	ErrNotFound        = errors.New("run not found")
	ErrInvalidFeedback = errors.New("feedback must be like or dislike")
)

// Run is one recorded pipeline run.
type Run struct {
	ID            string                 `json:"id"`
	Status        string                 `json:"status"`
	Audience      string                 `json:"audience"`
	LengthMinutes int                    `json:"length"`
	TalkType      string                 `json:"type"`
	Event         string                 `json:"event"`
	SourceName    string                 `json:"sourceName"`
	SourceKey     string                 `json:"-"`
	Provider      string                 `json:"provider,omitempty"`
	Model         string                 `json:"model,omitempty"`
	Result        *deck.NormalizedResult `json:"result,omitempty"`
	ErrorCode     string                 `json:"errorCode,omitempty"`
	// ErrorDetail is sanitized internal detail and is never served.
	ErrorDetail string     `json:"-"`
	Feedback    string     `json:"feedback,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// StatusUpdate carries the optional fields written with a status change.
type StatusUpdate struct {
	Result      *deck.NormalizedResult
	ErrorCode   string
	ErrorDetail string
}

// Terminal reports whether status ends a run.
func Terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusSuperseded:
		return true
	default:
		return false
	}
}

// ValidFeedback reports whether v is an accepted feedback value.
func ValidFeedback(v string) bool {
	return v == FeedbackLike || v == FeedbackDislike
}
