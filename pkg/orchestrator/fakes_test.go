package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/hpcflow/pkg/cloud"
	"github.com/3leaps/hpcflow/pkg/fleet"
	"github.com/3leaps/hpcflow/pkg/jobrun"
	"github.com/3leaps/hpcflow/pkg/metrics"
	"github.com/3leaps/hpcflow/pkg/pipeline"
	"github.com/3leaps/hpcflow/pkg/provision"
)

// next pops the head of a queue, repeating the last element once the queue
// is down to one.
func next[T any](q *[]T) T {
	v := (*q)[0]
	if len(*q) > 1 {
		*q = (*q)[1:]
	}
	return v
}

type fakeProvisioner struct {
	created   provision.Created
	createErr error
	// createPartial returns created alongside createErr.
	createPartial bool

	statuses  []*provision.Status
	statusErr []error

	deleteErrs []error
	deleted    []string
	specs      []provision.Spec
	polls      int
}

func (f *fakeProvisioner) Create(_ context.Context, spec provision.Spec) (*provision.Created, error) {
	f.specs = append(f.specs, spec)
	c := f.created
	if f.createErr != nil {
		if f.createPartial {
			return &c, f.createErr
		}
		return nil, f.createErr
	}
	return &c, nil
}

func (f *fakeProvisioner) Status(_ context.Context, _ provision.Handle) (*provision.Status, error) {
	f.polls++
	if len(f.statusErr) > 0 {
		if err := f.statusErr[0]; err != nil {
			f.statusErr = f.statusErr[1:]
			return nil, err
		}
		f.statusErr = f.statusErr[1:]
	}
	return next(&f.statuses), nil
}

func (f *fakeProvisioner) Delete(_ context.Context, id string) error {
	if len(f.deleteErrs) > 0 {
		err := f.deleteErrs[0]
		f.deleteErrs = f.deleteErrs[1:]
		if err != nil {
			return err
		}
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeExports struct {
	taskID   string
	paths    []string
	statuses []*provision.ExportStatus
	started  int
}

func (f *fakeExports) StartExport(_ context.Context, _, _ string, paths []string) (string, error) {
	f.started++
	f.paths = paths
	return f.taskID, nil
}

func (f *fakeExports) ExportStatus(_ context.Context, _ string) (*provision.ExportStatus, error) {
	return next(&f.statuses), nil
}

type fakeFleet struct {
	templates map[string]string
	rebinds   []string
	compute   pipeline.ComputeConfig
	events    *[]string
}

func (f *fakeFleet) PublishLaunchTemplate(_ context.Context, name, script string) (string, error) {
	if f.templates == nil {
		f.templates = map[string]string{}
	}
	f.templates[name] = script
	f.record("publish " + name)
	return "lt-" + name, nil
}

func (f *fakeFleet) RebindComputeFleet(_ context.Context, templateID string, compute pipeline.ComputeConfig) error {
	f.rebinds = append(f.rebinds, templateID)
	f.compute = compute
	f.record("rebind " + templateID)
	return nil
}

func (f *fakeFleet) FleetID() string { return "ce-shared" }
func (f *fakeFleet) Region() string  { return "us-east-1" }

func (f *fakeFleet) record(e string) {
	if f.events != nil {
		*f.events = append(*f.events, e)
	}
}

type fakeJobs struct {
	statuses []*jobrun.Status
	pollErrs []error

	specs   []jobrun.JobSpec
	submits []string
	polls   int
	events  *[]string
}

func (f *fakeJobs) RegisterJobSpec(_ context.Context, spec jobrun.JobSpec) (*jobrun.Definition, error) {
	f.specs = append(f.specs, spec)
	return &jobrun.Definition{Name: spec.Name, ARN: "arn:aws:batch:us-east-1:123456789012:job-definition/" + spec.Name + ":1", Revision: 1}, nil
}

func (f *fakeJobs) Submit(_ context.Context, name, def string) (string, error) {
	f.submits = append(f.submits, name+"@"+def)
	if f.events != nil {
		*f.events = append(*f.events, "submit "+name)
	}
	return "job-0001", nil
}

func (f *fakeJobs) PollJobStatus(_ context.Context, id string) (*jobrun.Status, error) {
	f.polls++
	if len(f.pollErrs) > 0 {
		err := f.pollErrs[0]
		f.pollErrs = f.pollErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	st := *next(&f.statuses)
	st.JobID = id
	return &st, nil
}

type fakeMetrics struct {
	results []metrics.Result
	errs    []error
	calls   int
}

func (f *fakeMetrics) Evaluate(_ context.Context, _ string) (*metrics.Result, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	r := next(&f.results)
	return &r, nil
}

// recordingLock wraps a MemoryLock and records lock events.
type recordingLock struct {
	*fleet.MemoryLock
	events *[]string
}

func (l recordingLock) Acquire(ctx context.Context, fleetID, owner string) (string, error) {
	tok, err := l.MemoryLock.Acquire(ctx, fleetID, owner)
	if err == nil {
		*l.events = append(*l.events, "acquire")
	}
	return tok, err
}

func (l recordingLock) Release(ctx context.Context, fleetID, token string) error {
	*l.events = append(*l.events, "release")
	return l.MemoryLock.Release(ctx, fleetID, token)
}

type memCheckpointer struct {
	mu     sync.Mutex
	states []State
	last   []byte
}

func (c *memCheckpointer) Save(_ context.Context, ec *ExecutionContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := ec.MarshalJSON()
	if err != nil {
		return err
	}
	c.states = append(c.states, ec.State)
	c.last = data
	return nil
}

type sleepRecorder struct {
	sleeps []time.Duration
	// cancelAfter cancels the run on the n-th sleep when set.
	cancelAfter int
	cancel      context.CancelFunc
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.sleeps = append(s.sleeps, d)
	if s.cancel != nil && len(s.sleeps) == s.cancelAfter {
		s.cancel()
	}
	return ctx.Err()
}

func throttled() error {
	return &cloud.CloudError{Service: "test", Op: "Describe", Err: cloud.ErrThrottled}
}

func testConfig(t *testing.T, mode pipeline.Mode, extra map[string]string) pipeline.Config {
	t.Helper()
	values := map[string]string{
		"mode":                             string(mode),
		"jobDefinitionContainerImage":      "123456789012.dkr.ecr.us-east-1.amazonaws.com/solver:latest",
		"waitForResourceCreationSeconds":   "30",
		"waitForJobCompletionSeconds":      "300",
		"waitForCheckMetricsSeconds":       "10",
		"waitForDataRepositoryTaskSeconds": "300",
		"waitForFleetLockSeconds":          "30",
	}
	for k, v := range extra {
		values[k] = v
	}
	cfg, _, err := pipeline.Parse(values)
	require.NoError(t, err)
	return *cfg
}

var (
	lustreReady = &provision.Status{
		Resource:       provision.LifecycleAvailable,
		Association:    provision.LifecycleAvailable,
		HasAssociation: true,
		MountName:      "abcdwbmv",
	}
	lustreCreating = &provision.Status{
		Resource:       provision.LifecycleCreating,
		Association:    provision.LifecycleCreating,
		HasAssociation: true,
	}
	volumeReady = &provision.Status{Resource: provision.LifecycleAvailable}

	jobRunning   = &jobrun.Status{Status: jobrun.StatusRunning}
	jobSucceeded = &jobrun.Status{Status: jobrun.StatusSucceeded}
	jobHostEC2   = &jobrun.Status{Status: jobrun.StatusFailed, Reason: "Host EC2 (instance i-0abc) terminated."}
	jobAppError  = &jobrun.Status{Status: jobrun.StatusFailed, Reason: "Essential container in task exited"}
)
