package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"deckcheck/internal/shared/telemetry"
)

// RetryDelay is the pause before the single transient retry.
var RetryDelay = 300 * time.Millisecond

// WithRetry wraps client so that every conversation retries a transient
// failure once.
func WithRetry(client Client) Client {
	if client == nil {
		return nil
	}
	return &retryingClient{Client: client}
}

type retryingClient struct {
	Client
}

func (c *retryingClient) NewConversation(opts ConversationOptions) Conversation {
	return &retryingConversation{
		inner:    c.Client.NewConversation(opts),
		provider: c.Provider(),
	}
}

type retryingConversation struct {
	inner    Conversation
	provider string
}

func (r *retryingConversation) Chat(ctx context.Context, message string) (string, error) {
	out, err := r.inner.Chat(ctx, message)
	if err == nil || !ShouldRetry(err) {
		return out, err
	}
	if err := r.pause(ctx, "chat", err); err != nil {
		return "", err
	}
	return r.inner.Chat(ctx, message)
}

func (r *retryingConversation) Structured(ctx context.Context, instruction string, schema *Schema) (json.RawMessage, error) {
	out, err := r.inner.Structured(ctx, instruction, schema)
	if err == nil || !ShouldRetry(err) {
		return out, err
	}
	if err := r.pause(ctx, "structured", err); err != nil {
		return nil, err
	}
	return r.inner.Structured(ctx, instruction, schema)
}

func (r *retryingConversation) pause(ctx context.Context, call string, cause error) error {
	telemetry.Warn("llm.retry", map[string]any{
		"provider": r.provider,
		"call":     call,
		"error":    cause.Error(),
	})
	t := time.NewTimer(RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StatusError lets providers expose the HTTP status of a failed call.
type StatusError interface {
	HTTPStatus() int
}

// ShouldRetry reports whether err looks transient.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExhausted) || errors.Is(err, ErrSchemaMismatch) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se StatusError
	if errors.As(err, &se) {
		status := se.HTTPStatus()
		return status == 429 || status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "server_error") || strings.Contains(msg, "unavailable") {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "tls handshake timeout") ||
		strings.Contains(msg, "eof") {
		return true
	}
	return false
}
