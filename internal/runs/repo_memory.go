package runs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores runs in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu   sync.RWMutex
	byID map[string]Run
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[string]Run)}
}

// Create stores the run.
func (r *MemoryRepo) Create(ctx context.Context, run Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[run.ID] = run
	return nil
}

// GetByID returns a run by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, runID string) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.byID[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	return run, nil
}

// UpdateStatus updates the status and any result or error fields.
func (r *MemoryRepo) UpdateStatus(ctx context.Context, runID, status string, update StatusUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.byID[runID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	run.Status = status
	run.UpdatedAt = now
	if update.Result != nil {
		run.Result = update.Result
	}
	if update.ErrorCode != "" {
		run.ErrorCode = update.ErrorCode
	}
	if update.ErrorDetail != "" {
		run.ErrorDetail = update.ErrorDetail
	}
	if Terminal(status) && run.CompletedAt == nil {
		run.CompletedAt = &now
	}
	r.byID[runID] = run
	return nil
}

// SetFeedback records like/dislike feedback on a run.
func (r *MemoryRepo) SetFeedback(ctx context.Context, runID, feedback string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidFeedback(feedback) {
		return ErrInvalidFeedback
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.byID[runID]
	if !ok {
		return ErrNotFound
	}
	run.Feedback = feedback
	run.UpdatedAt = time.Now().UTC()
	r.byID[runID] = run
	return nil
}

// List returns runs newest first.
func (r *MemoryRepo) List(ctx context.Context, limit, offset int) ([]Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	all := make([]Run, 0, len(r.byID))
	for _, run := range r.byID {
		all = append(all, run)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return []Run{}, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], nil
}

var _ Repo = (*MemoryRepo)(nil)
