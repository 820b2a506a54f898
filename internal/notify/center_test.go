package notify

import (
	"context"
	"errors"
	"testing"

	"deckcheck/internal/queue"
)

func TestNotifyListDismiss(t *testing.T) {
	q := &queue.MemoryClient{}
	c := NewCenter(q)

	first := c.Notify(context.Background(), Notification{RunID: "r1", Code: "RENDER_FAILURE", Message: "render failed"})
	second := c.Notify(context.Background(), Notification{RunID: "r2", Level: LevelInfo, Message: "done"})

	if first.ID == "" || first.Level != LevelError || first.CreatedAt.IsZero() {
		t.Fatalf("expected defaults filled, got %+v", first)
	}

	list := c.List(false)
	if len(list) != 2 || list[0].ID != second.ID {
		t.Fatalf("expected newest first, got %+v", list)
	}

	if err := c.Dismiss(first.ID); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if got := c.List(false); len(got) != 1 || got[0].ID != second.ID {
		t.Fatalf("dismissed notification still listed: %+v", got)
	}
	if got := c.List(true); len(got) != 2 {
		t.Fatalf("expected dismissed notification with includeDismissed, got %d", len(got))
	}
	if err := c.Dismiss("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	sent := q.Sent()
	if len(sent) != 2 || sent[0].Event != queue.EventRunFailed || sent[1].Event != queue.EventRunSucceeded {
		t.Fatalf("unexpected fan-out %+v", sent)
	}
}

type failingQueue struct{}

func (failingQueue) Send(context.Context, queue.Message) error { return errors.New("unavailable") }

func TestNotifySurvivesQueueFailure(t *testing.T) {
	c := NewCenter(failingQueue{})
	c.Notify(context.Background(), Notification{RunID: "r1", Message: "x"})
	if len(c.List(false)) != 1 {
		t.Fatalf("notification must be kept when publishing fails")
	}
}

func TestCapacity(t *testing.T) {
	c := NewCenter(nil)
	c.capacity = 3
	for i := 0; i < 5; i++ {
		c.Notify(context.Background(), Notification{Message: "x"})
	}
	if got := len(c.List(true)); got != 3 {
		t.Fatalf("expected 3 retained, got %d", got)
	}
}
