package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/3leaps/hpcflow/pkg/runstore"
)

// RunSaver is the write side of runstore.Store.
type RunSaver interface {
	SaveRun(ctx context.Context, r runstore.Run) error
}

// StoreCheckpointer saves contexts into a run store.
type StoreCheckpointer struct {
	Store RunSaver
}

var _ Checkpointer = StoreCheckpointer{}

// Save implements Checkpointer.
func (c StoreCheckpointer) Save(ctx context.Context, ec *ExecutionContext) error {
	data, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("encode context %s: %w", ec.RunID, err)
	}
	return c.Store.SaveRun(ctx, runstore.Run{
		RunID:      ec.RunID,
		Mode:       string(ec.Mode),
		State:      string(ec.State),
		Status:     runStatus(ec),
		ResourceID: ec.ids.ResourceID,
		JobID:      ec.ids.JobID,
		Context:    data,
		CreatedAt:  ec.StartedAt,
		UpdatedAt:  ec.UpdatedAt,
	})
}

func runStatus(ec *ExecutionContext) string {
	switch ec.State {
	case StateSucceeded:
		return runstore.StatusSucceeded
	case StateFailed:
		return runstore.StatusFailed
	default:
		return runstore.StatusRunning
	}
}

// Restore decodes the context of a persisted run.
func Restore(r *runstore.Run) (*ExecutionContext, error) {
	if r == nil || len(r.Context) == 0 {
		return nil, fmt.Errorf("run has no checkpoint")
	}
	var ec ExecutionContext
	if err := json.Unmarshal(r.Context, &ec); err != nil {
		return nil, fmt.Errorf("decode context %s: %w", r.RunID, err)
	}
	if ec.RunID != r.RunID {
		return nil, fmt.Errorf("checkpoint of run %s holds run %s", r.RunID, ec.RunID)
	}
	return &ec, nil
}
