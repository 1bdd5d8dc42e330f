// Package output provides JSONL output for pipeline runs.
//
// Output is structured as typed record envelopes containing state
// transitions, metric evaluations, errors, and a final summary. Each line is
// a self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: hpcflow.<type>.v<version>
const (
	// TypeTransition identifies state transition records.
	TypeTransition = "hpcflow.transition.v1"

	// TypeMetrics identifies export backlog evaluation records.
	TypeMetrics = "hpcflow.metrics.v1"

	// TypeError identifies error records.
	TypeError = "hpcflow.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "hpcflow.summary.v1"

	// TypeRun identifies run listing records.
	TypeRun = "hpcflow.run.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field.
type Record struct {
	// Type identifies the record type (e.g., "hpcflow.transition.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID of the pipeline run.
	RunID string `json:"run_id"`

	// Mode is the pipeline mode (e.g., "auto-export").
	Mode string `json:"mode"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// TransitionRecord is the data payload for a state change.
type TransitionRecord struct {
	From string `json:"from"`
	To   string `json:"to"`

	// ResourceID is the filesystem or volume id once known.
	ResourceID string `json:"resource_id,omitempty"`

	// JobID is the batch job id once submitted.
	JobID string `json:"job_id,omitempty"`

	// Detail is the poll result that drove the transition (e.g., a job
	// status or lifecycle), if any.
	Detail string `json:"detail,omitempty"`

	// InfraRetries is the number of infrastructure failures seen so far.
	InfraRetries int `json:"infra_retries,omitempty"`
}

// MetricsRecord is the data payload for one export backlog evaluation.
type MetricsRecord struct {
	ResourceID   string   `json:"resource_id"`
	ShouldDelete bool     `json:"should_delete"`
	MetricsValue *float64 `json:"metrics_value"`
	Samples      int      `json:"samples"`
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// State is the state in which the error occurred.
	State string `json:"state,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeAccessDenied indicates permission failure.
	ErrCodeAccessDenied = "ACCESS_DENIED"

	// ErrCodeNotFound indicates a resource was not found.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeThrottled indicates rate limiting.
	ErrCodeThrottled = "THROTTLED"

	// ErrCodeJobFailed indicates the batch job failed.
	ErrCodeJobFailed = "JOB_FAILED"

	// ErrCodeResourceFailed indicates provisioning ended in a failed state.
	ErrCodeResourceFailed = "RESOURCE_FAILED"

	// ErrCodeExportFailed indicates the export task failed or was canceled.
	ErrCodeExportFailed = "EXPORT_FAILED"

	// ErrCodeMetricsUnavailable indicates the backlog metric could not be read.
	ErrCodeMetricsUnavailable = "METRICS_UNAVAILABLE"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for the final summary of a run.
type SummaryRecord struct {
	// State is the terminal (or last reached) state.
	State string `json:"state"`

	// Succeeded reports a Succeeded terminal state.
	Succeeded bool `json:"succeeded"`

	ResourceID string `json:"resource_id,omitempty"`
	JobID      string `json:"job_id,omitempty"`

	// ResourceDeleted reports whether the run deleted its resource.
	ResourceDeleted bool `json:"resource_deleted"`

	InfraRetries int `json:"infra_retries"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Failure is the recorded failure error, if any.
	Failure string `json:"failure,omitempty"`

	// Cause is the recorded failure cause, if any.
	Cause string `json:"cause,omitempty"`
}

// RunRecord is the data payload for run listings.
type RunRecord struct {
	State      string    `json:"state"`
	Status     string    `json:"status"`
	ResourceID string    `json:"resource_id,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
