package orchestrator

import (
	"errors"
	"fmt"

	"github.com/3leaps/hpcflow/pkg/cloud"
	"github.com/3leaps/hpcflow/pkg/output"
	"github.com/3leaps/hpcflow/pkg/provision"
)

var (
	// ErrJobFailed is a batch job that ended FAILED for a non-infrastructure reason.
	ErrJobFailed = errors.New("batch job failed")

	// ErrResourceFailed is a resource that reached a failed lifecycle.
	ErrResourceFailed = errors.New("resource provisioning failed")

	// ErrExportFailed is an export task that ended FAILED or CANCELED.
	ErrExportFailed = errors.New("export task failed")

	// ErrInfraRetriesExhausted is a job that kept failing for
	// infrastructure reasons past the configured cap.
	ErrInfraRetriesExhausted = errors.New("infrastructure retries exhausted")
)

// RunFailedError is returned by Run when the run ends in Failed.
type RunFailedError struct {
	RunID string
	State State
	Code  string
	Cause string

	// Err is the original error. It is nil for runs restored from a
	// checkpoint that had already failed.
	Err error
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("run %s failed in %s: %s", e.RunID, e.State, e.Cause)
}

func (e *RunFailedError) Unwrap() error { return e.Err }

// failureCode maps an error to the short code recorded on the context.
func failureCode(err error) string {
	switch {
	case errors.Is(err, ErrJobFailed), errors.Is(err, ErrInfraRetriesExhausted):
		return output.ErrCodeJobFailed
	case errors.Is(err, ErrResourceFailed), errors.Is(err, provision.ErrProvisionRejected):
		return output.ErrCodeResourceFailed
	case errors.Is(err, ErrExportFailed):
		return output.ErrCodeExportFailed
	case cloud.IsAccessDenied(err), cloud.IsInvalidCredentials(err):
		return output.ErrCodeAccessDenied
	case cloud.IsNotFound(err):
		return output.ErrCodeNotFound
	case cloud.IsThrottled(err):
		return output.ErrCodeThrottled
	default:
		return output.ErrCodeInternal
	}
}
