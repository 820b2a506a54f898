package runs

import "context"

// Repo defines persistence operations for the run log.
type Repo interface {
	Create(ctx context.Context, run Run) error
	GetByID(ctx context.Context, runID string) (Run, error)
	UpdateStatus(ctx context.Context, runID, status string, update StatusUpdate) error
	SetFeedback(ctx context.Context, runID, feedback string) error
	List(ctx context.Context, limit, offset int) ([]Run, error)
}
