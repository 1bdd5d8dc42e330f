package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/hpcflow/pkg/fleet"
	"github.com/3leaps/hpcflow/pkg/jobrun"
	"github.com/3leaps/hpcflow/pkg/metrics"
	"github.com/3leaps/hpcflow/pkg/pipeline"
	"github.com/3leaps/hpcflow/pkg/provision"
)

// ResourceProvisioner creates, inspects and deletes the managed resource.
type ResourceProvisioner interface {
	Create(ctx context.Context, spec provision.Spec) (*provision.Created, error)
	Status(ctx context.Context, h provision.Handle) (*provision.Status, error)
	Delete(ctx context.Context, resourceID string) error
}

// ExportTasks runs explicit export tasks on a Lustre filesystem.
type ExportTasks interface {
	StartExport(ctx context.Context, runID, fileSystemID string, paths []string) (string, error)
	ExportStatus(ctx context.Context, taskID string) (*provision.ExportStatus, error)
}

// FleetBinder points the compute fleet at a launch template.
type FleetBinder interface {
	PublishLaunchTemplate(ctx context.Context, name, script string) (string, error)
	RebindComputeFleet(ctx context.Context, templateID string, compute pipeline.ComputeConfig) error
	FleetID() string
	Region() string
}

// JobRunner registers, submits and polls batch jobs.
type JobRunner interface {
	RegisterJobSpec(ctx context.Context, spec jobrun.JobSpec) (*jobrun.Definition, error)
	Submit(ctx context.Context, jobName, definition string) (string, error)
	PollJobStatus(ctx context.Context, jobID string) (*jobrun.Status, error)
}

// Checkpointer persists the context. Save is called after every transition.
type Checkpointer interface {
	Save(ctx context.Context, ec *ExecutionContext) error
}

// Observer receives run events.
type Observer interface {
	OnTransition(ctx context.Context, ec *ExecutionContext, from, to State)
	OnMetrics(ctx context.Context, ec *ExecutionContext, res *metrics.Result)
	OnFinish(ctx context.Context, ec *ExecutionContext)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the default Sleeper.
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Target is what the surrounding stack provides to every run.
type Target struct {
	// Bucket is passed to the job as S3_BUCKET_NAME.
	Bucket string

	// FileSystemPath is the Lustre path linked to the bucket and mounted
	// into the container.
	FileSystemPath string

	// ExportPaths are exported by an explicit export task.
	ExportPaths []string

	// JobRoleARN is the role the job container assumes.
	JobRoleARN string
}

// Deps are the collaborators of a Machine. Which are required depends on
// the mode.
type Deps struct {
	Provisioner ResourceProvisioner
	Exports     ExportTasks
	Fleet       FleetBinder
	Lock        fleet.Lock
	Jobs        JobRunner
	Metrics     metrics.Evaluator

	Checkpoint Checkpointer
	Observer   Observer
	Sleep      Sleeper
	Logger     *zap.Logger
	Now        func() time.Time

	Target Target

	// InfraPatterns override the job failure reasons treated as
	// infrastructure failures.
	InfraPatterns []string
}

func (d *Deps) validate(mode pipeline.Mode) error {
	var errs []error
	if d.Jobs == nil {
		errs = append(errs, errors.New("job runner is required"))
	}
	if mode.Resource() != pipeline.ResourceNone {
		if d.Provisioner == nil {
			errs = append(errs, errors.New("resource provisioner is required"))
		}
		if d.Fleet == nil {
			errs = append(errs, errors.New("fleet binder is required"))
		}
	}
	if mode == pipeline.ModeTaskExport && d.Exports == nil {
		errs = append(errs, errors.New("export tasks are required in task-export mode"))
	}
	if mode == pipeline.ModeAutoExport && d.Metrics == nil {
		errs = append(errs, errors.New("metrics evaluator is required in auto-export mode"))
	}
	return errors.Join(errs...)
}

type nopObserver struct{}

func (nopObserver) OnTransition(context.Context, *ExecutionContext, State, State) {}
func (nopObserver) OnMetrics(context.Context, *ExecutionContext, *metrics.Result) {}
func (nopObserver) OnFinish(context.Context, *ExecutionContext)                  {}

type nopCheckpointer struct{}

func (nopCheckpointer) Save(context.Context, *ExecutionContext) error { return nil }
