package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/hpcflow/pkg/metrics"
	"github.com/3leaps/hpcflow/pkg/output"
)

// EventObserver writes run events as JSONL records.
type EventObserver struct {
	W   output.Writer
	Log *zap.Logger
}

var _ Observer = (*EventObserver)(nil)

// NewEventObserver returns an observer writing to w.
func NewEventObserver(w output.Writer, log *zap.Logger) *EventObserver {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventObserver{W: w, Log: log}
}

func (o *EventObserver) OnTransition(ctx context.Context, ec *ExecutionContext, from, to State) {
	if from == to {
		return
	}
	ids := ec.IDs()
	rec := &output.TransitionRecord{
		From:         string(from),
		To:           string(to),
		ResourceID:   ids.ResourceID,
		JobID:        ids.JobID,
		Detail:       transitionDetail(ec, from),
		InfraRetries: ec.Counters.InfraRetries,
	}
	o.write(o.W.WriteTransition(ctx, rec))

	if to == StateFailed {
		o.write(o.W.WriteError(ctx, &output.ErrorRecord{
			Code:    ec.FailureError,
			Message: ec.FailureCause,
			State:   string(ec.FailedState),
		}))
	}
}

func (o *EventObserver) OnMetrics(ctx context.Context, ec *ExecutionContext, res *metrics.Result) {
	o.write(o.W.WriteMetrics(ctx, &output.MetricsRecord{
		ResourceID:   ec.IDs().ResourceID,
		ShouldDelete: res.Safe,
		MetricsValue: res.LatestValue,
		Samples:      res.Samples,
	}))
}

func (o *EventObserver) OnFinish(ctx context.Context, ec *ExecutionContext) {
	d := ec.UpdatedAt.Sub(ec.StartedAt)
	ids := ec.IDs()
	o.write(o.W.WriteSummary(ctx, &output.SummaryRecord{
		State:           string(ec.State),
		Succeeded:       ec.Succeeded(),
		ResourceID:      ids.ResourceID,
		JobID:           ids.JobID,
		ResourceDeleted: ec.ResourceDeleted,
		InfraRetries:    ec.Counters.InfraRetries,
		Duration:        d,
		DurationHuman:   d.String(),
		Failure:         ec.FailureError,
		Cause:           ec.FailureCause,
	}))
}

func (o *EventObserver) write(err error) {
	if err != nil {
		o.Log.Warn("Event write failed", zap.Error(err))
	}
}

// transitionDetail is the poll result that decided a transition out of from.
func transitionDetail(ec *ExecutionContext, from State) string {
	switch from {
	case StateCheckStatus:
		if ec.Observed.AssociationLifecycle != "" {
			return ec.Observed.ResourceLifecycle + "/" + ec.Observed.AssociationLifecycle
		}
		return ec.Observed.ResourceLifecycle
	case StateCheckJob:
		if ec.Observed.JobReason != "" {
			return ec.Observed.JobStatus + ": " + ec.Observed.JobReason
		}
		return ec.Observed.JobStatus
	case StateCheckExportTask:
		return ec.Observed.ExportLifecycle
	default:
		return ""
	}
}
