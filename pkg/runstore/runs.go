package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned by Load for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run status values.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one persisted checkpoint. Context holds the serialized execution
// context; the other columns are denormalized for listing.
type Run struct {
	RunID      string          `json:"run_id"`
	Mode       string          `json:"mode"`
	State      string          `json:"state"`
	Status     string          `json:"status"`
	ResourceID string          `json:"resource_id,omitempty"`
	JobID      string          `json:"job_id,omitempty"`
	Context    json.RawMessage `json:"context,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SaveRun upserts a checkpoint. created_at is kept from the first save.
func (s *Store) SaveRun(ctx context.Context, r Run) error {
	if r.RunID == "" {
		return errors.New("run id is required")
	}
	if len(r.Context) == 0 {
		r.Context = json.RawMessage("{}")
	}
	if r.Status == "" {
		r.Status = StatusRunning
	}
	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, mode, state, status, resource_id, job_id, context_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			mode=excluded.mode,
			state=excluded.state,
			status=excluded.status,
			resource_id=excluded.resource_id,
			job_id=excluded.job_id,
			context_json=excluded.context_json,
			updated_at=excluded.updated_at
	`,
		r.RunID, r.Mode, r.State, r.Status, r.ResourceID, r.JobID, string(r.Context),
		r.CreatedAt.UTC().Format(time.RFC3339Nano), r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.RunID, err)
	}
	return nil
}

// LoadRun returns the latest checkpoint of runID.
func (s *Store) LoadRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, mode, state, status, resource_id, job_id, context_json, created_at, updated_at
		FROM runs WHERE run_id = ?
	`, runID)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return r, nil
}

// ListOptions filters ListRuns.
type ListOptions struct {
	Status string
	Limit  int
}

// ListRuns returns runs, most recently updated first. Context is omitted.
func (s *Store) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	query := `SELECT run_id, mode, state, status, resource_id, job_id, '', created_at, updated_at FROM runs`
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, opts.Status)
	}
	query += ` ORDER BY updated_at DESC, run_id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		r.Context = nil
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r                    Run
		resourceID, jobID    sql.NullString
		contextJSON          string
		createdAt, updatedAt string
	)
	if err := row.Scan(&r.RunID, &r.Mode, &r.State, &r.Status, &resourceID, &jobID, &contextJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.ResourceID = resourceID.String
	r.JobID = jobID.String
	if contextJSON != "" {
		r.Context = json.RawMessage(contextJSON)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &r, nil
}
