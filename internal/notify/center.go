// Package notify holds the dismissible user notifications raised by failed runs.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"deckcheck/internal/queue"
	"deckcheck/internal/shared/telemetry"
)

// ErrNotFound is returned when dismissing an unknown notification.
var ErrNotFound = errors.New("notification not found")

const (
	LevelError = "error"
	LevelInfo  = "info"
)

// Notification is a one-shot message for the presentation layer.
type Notification struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId"`
	Level     string    `json:"level"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	Dismissed bool      `json:"dismissed"`
}

// DefaultCapacity bounds how many notifications are retained.
const DefaultCapacity = 100

// Center stores notifications in memory and optionally fans them out to a queue.
type Center struct {
	mu       sync.Mutex
	items    []Notification
	capacity int
	queue    queue.Client
	now      func() time.Time
}

// NewCenter creates a Center. q may be nil.
func NewCenter(q queue.Client) *Center {
	return &Center{capacity: DefaultCapacity, queue: q, now: time.Now}
}

// Notify records n and publishes it. Queue failures are logged, never returned.
func (c *Center) Notify(ctx context.Context, n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Level == "" {
		n.Level = LevelError
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = c.now().UTC()
	}

	c.mu.Lock()
	c.items = append(c.items, n)
	if over := len(c.items) - c.capacity; over > 0 {
		c.items = append([]Notification(nil), c.items[over:]...)
	}
	c.mu.Unlock()

	telemetry.Info("notification.raised", map[string]any{
		"notification_id": n.ID,
		"run_id":          n.RunID,
		"level":           n.Level,
		"code":            n.Code,
	})

	if c.queue != nil {
		event := queue.EventRunSucceeded
		if n.Level == LevelError {
			event = queue.EventRunFailed
		}
		err := c.queue.Send(ctx, queue.Message{
			NotificationID: n.ID,
			RunID:          n.RunID,
			Event:          event,
			Code:           n.Code,
			Message:        n.Message,
			OccurredAt:     n.CreatedAt.Format(time.RFC3339),
			Version:        queue.MessageVersion,
		})
		if err != nil {
			telemetry.Error("notification.publish_failed", map[string]any{
				"notification_id": n.ID,
				"run_id":          n.RunID,
				"error":           err.Error(),
			})
		}
	}
	return n
}

// List returns notifications newest first. Dismissed ones are skipped unless
// includeDismissed is set.
func (c *Center) List(includeDismissed bool) []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, 0, len(c.items))
	for i := len(c.items) - 1; i >= 0; i-- {
		if c.items[i].Dismissed && !includeDismissed {
			continue
		}
		out = append(out, c.items[i])
	}
	return out
}

// Dismiss marks a notification as dismissed.
func (c *Center) Dismiss(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.items {
		if c.items[i].ID == id {
			c.items[i].Dismissed = true
			return nil
		}
	}
	return ErrNotFound
}
