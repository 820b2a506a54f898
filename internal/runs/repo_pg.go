package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"deckcheck/internal/deck"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const runColumns = `id, status, audience, length_minutes, talk_type, event, source_name, source_key,
       provider, model, result, error_code, error_detail, feedback,
       started_at, completed_at, created_at, updated_at`

// Create inserts a new run.
func (r *PGRepo) Create(ctx context.Context, run Run) error {
	const query = `
INSERT INTO runs (
	id, status, audience, length_minutes, talk_type, event, source_name, source_key,
	provider, model, started_at, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	now := time.Now().UTC()
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	startedAt := now
	if run.StartedAt != nil {
		startedAt = *run.StartedAt
	}
	_, err := r.DB.ExecContext(ctx, query,
		run.ID,
		run.Status,
		run.Audience,
		run.LengthMinutes,
		run.TalkType,
		run.Event,
		run.SourceName,
		run.SourceKey,
		run.Provider,
		run.Model,
		startedAt,
		createdAt,
		now,
	)
	return err
}

// GetByID returns a run by ID.
func (r *PGRepo) GetByID(ctx context.Context, runID string) (Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1 LIMIT 1`
	run, err := scanRun(r.DB.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	return run, nil
}

// UpdateStatus writes a status change. Empty update fields keep their stored values.
func (r *PGRepo) UpdateStatus(ctx context.Context, runID, status string, update StatusUpdate) error {
	const query = `
UPDATE runs
SET status = $2,
    result = COALESCE($3, result),
    error_code = COALESCE($4, error_code),
    error_detail = COALESCE($5, error_detail),
    completed_at = CASE WHEN $6 THEN COALESCE(completed_at, $7) ELSE completed_at END,
    updated_at = $7
WHERE id = $1`
	resultPayload, err := marshalJSONB(update.Result)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, query,
		runID,
		status,
		resultPayload,
		nullString(update.ErrorCode),
		nullString(update.ErrorDetail),
		Terminal(status),
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetFeedback records like/dislike feedback on a run.
func (r *PGRepo) SetFeedback(ctx context.Context, runID, feedback string) error {
	if !ValidFeedback(feedback) {
		return ErrInvalidFeedback
	}
	const query = `UPDATE runs SET feedback = $2, updated_at = $3 WHERE id = $1`
	res, err := r.DB.ExecContext(ctx, query, runID, feedback, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// List returns runs newest first. A non-positive limit returns every run.
func (r *PGRepo) List(ctx context.Context, limit, offset int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.DB.QueryContext(ctx, query, limitArg, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var result sql.NullString
	var errorCode sql.NullString
	var errorDetail sql.NullString
	var feedback sql.NullString
	var startedAt sql.NullTime
	var completedAt sql.NullTime
	err := row.Scan(
		&run.ID,
		&run.Status,
		&run.Audience,
		&run.LengthMinutes,
		&run.TalkType,
		&run.Event,
		&run.SourceName,
		&run.SourceKey,
		&run.Provider,
		&run.Model,
		&result,
		&errorCode,
		&errorDetail,
		&feedback,
		&startedAt,
		&completedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return Run{}, err
	}
	if result.Valid && result.String != "" {
		var nr deck.NormalizedResult
		if err := json.Unmarshal([]byte(result.String), &nr); err != nil {
			return Run{}, fmt.Errorf("decode run %s result: %w", run.ID, err)
		}
		run.Result = &nr
	}
	run.ErrorCode = errorCode.String
	run.ErrorDetail = errorDetail.String
	run.Feedback = feedback.String
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return run, nil
}

func marshalJSONB(v *deck.NormalizedResult) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Repo = (*PGRepo)(nil)
