package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/hpcflow/pkg/cloud"
	"github.com/3leaps/hpcflow/pkg/fleet"
	"github.com/3leaps/hpcflow/pkg/jobrun"
	"github.com/3leaps/hpcflow/pkg/metrics"
	"github.com/3leaps/hpcflow/pkg/output"
	"github.com/3leaps/hpcflow/pkg/pipeline"
	"github.com/3leaps/hpcflow/pkg/provision"
)

type harness struct {
	prov    *fakeProvisioner
	exports *fakeExports
	fleet   *fakeFleet
	jobs    *fakeJobs
	metrics *fakeMetrics
	lock    *fleet.MemoryLock
	ckpt    *memCheckpointer
	sleeper *sleepRecorder
	events  []string
}

func newHarness() *harness {
	h := &harness{
		prov:    &fakeProvisioner{created: provision.Created{ResourceID: "fs-0123456789abcdef0", AssociationID: "dra-0abc"}},
		exports: &fakeExports{taskID: "task-0abc"},
		jobs:    &fakeJobs{statuses: []*jobrun.Status{jobSucceeded}},
		metrics: &fakeMetrics{results: []metrics.Result{{Safe: true, LatestValue: ptr(0.0), Samples: 15}}},
		lock:    fleet.NewMemoryLock(time.Hour),
		ckpt:    &memCheckpointer{},
		sleeper: &sleepRecorder{},
	}
	h.prov.statuses = []*provision.Status{lustreReady}
	h.fleet = &fakeFleet{events: &h.events}
	h.jobs.events = &h.events
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Provisioner: h.prov,
		Exports:     h.exports,
		Fleet:       h.fleet,
		Lock:        recordingLock{MemoryLock: h.lock, events: &h.events},
		Jobs:        h.jobs,
		Metrics:     h.metrics,
		Checkpoint:  h.ckpt,
		Sleep:       h.sleeper.sleep,
		Target: Target{
			Bucket:         "pipeline-data",
			FileSystemPath: "/scratch",
			ExportPaths:    []string{"/scratch/results"},
			JobRoleARN:     "arn:aws:iam::123456789012:role/job",
		},
	}
}

func (h *harness) run(ctx context.Context, t *testing.T, cfg pipeline.Config) (*ExecutionContext, error) {
	t.Helper()
	m, err := New(cfg.Mode, h.deps())
	require.NoError(t, err)
	ec, err := m.Start("run-1", cfg)
	require.NoError(t, err)
	return ec, m.Run(ctx, ec)
}

func ptr[T any](v T) *T { return &v }

func TestRun_AutoExportWithDelete(t *testing.T) {
	h := newHarness()
	h.prov.statuses = []*provision.Status{lustreCreating, lustreReady}
	h.jobs.statuses = []*jobrun.Status{jobRunning, jobSucceeded}
	h.metrics.results = []metrics.Result{
		{Safe: false, LatestValue: ptr(12.0), Samples: 15},
		{Safe: true, LatestValue: ptr(0.0), Samples: 15},
	}

	ec, err := h.run(context.Background(), t, testConfig(t, pipeline.ModeAutoExport, nil))
	require.NoError(t, err)

	assert.Equal(t, []State{
		StateCreateResource,
		StateWaitCreate, StateCheckStatus, StateWaitCreate, StateCheckStatus,
		StateBindFleet, StateRegisterJob, StateSubmitJob,
		StateWaitJob, StateCheckJob, StateWaitJob, StateCheckJob,
		StateEvaluateMetrics, StateWaitMetrics, StateEvaluateMetrics,
		StateDeleteResource, StateSucceeded,
	}, h.ckpt.states)
	assert.Equal(t, []time.Duration{
		30 * time.Second, 30 * time.Second,
		300 * time.Second, 300 * time.Second,
		10 * time.Second,
	}, h.sleeper.sleeps)

	assert.True(t, ec.Succeeded())
	assert.True(t, ec.ResourceDeleted)
	assert.Equal(t, []string{"fs-0123456789abcdef0"}, h.prov.deleted)
	assert.Equal(t, 2, h.metrics.calls)

	require.Len(t, h.prov.specs, 1)
	assert.Equal(t, pipeline.ModeAutoExport, h.prov.specs[0].Mode)

	ids := ec.IDs()
	assert.Equal(t, "abcdwbmv", ids.MountName)
	assert.Equal(t, "lt-lustre-mount-fs-0123456789abcdef0", ids.LaunchTemplateID)
	assert.Equal(t, "job-0001", ids.JobID)

	script := h.fleet.templates["lustre-mount-fs-0123456789abcdef0"]
	assert.Contains(t, script, "file_system_id=fs-0123456789abcdef0\n")
	assert.Contains(t, script, "region=us-east-1\n")
	assert.Contains(t, script, "fsx_mount_name=abcdwbmv\n")
	assert.Equal(t, []string{"lt-lustre-mount-fs-0123456789abcdef0"}, h.fleet.rebinds)
	assert.True(t, h.fleet.compute.IsZero(), "no fleet overrides configured")

	require.Len(t, h.jobs.specs, 1)
	spec := h.jobs.specs[0]
	assert.Equal(t, "lustre-job-definition-fs-0123456789abcdef0", spec.Name)
	assert.Equal(t, map[string]string{"S3_BUCKET_NAME": "pipeline-data"}, spec.Environment)
	assert.Equal(t, []jobrun.Mount{{VolumeName: "scratch", HostPath: "/fsx/scratch", ContainerPath: "/scratch"}}, spec.Mounts)
	assert.Equal(t, 5, spec.Retry.Attempts)
	assert.Equal(t, "arn:aws:iam::123456789012:role/job", spec.JobRoleARN)
	assert.Equal(t, []string{"lustre-job-fs-0123456789abcdef0@arn:aws:batch:us-east-1:123456789012:job-definition/lustre-job-definition-fs-0123456789abcdef0:1"}, h.jobs.submits)
}

func TestRun_TaskExport(t *testing.T) {
	h := newHarness()
	h.exports.statuses = []*provision.ExportStatus{
		{TaskID: "task-0abc", Lifecycle: provision.ExportExecuting},
		{TaskID: "task-0abc", Lifecycle: provision.ExportSucceeded},
	}

	ec, err := h.run(context.Background(), t, testConfig(t, pipeline.ModeTaskExport, nil))
	require.NoError(t, err)

	assert.Equal(t, []State{
		StateCreateResource, StateWaitCreate, StateCheckStatus,
		StateBindFleet, StateRegisterJob, StateSubmitJob, StateWaitJob, StateCheckJob,
		StateCreateExportTask, StateWaitExport, StateCheckExportTask, StateWaitExport, StateCheckExportTask,
		StateDeleteResource, StateSucceeded,
	}, h.ckpt.states)
	assert.Equal(t, 1, h.exports.started)
	assert.Equal(t, []string{"/scratch/results"}, h.exports.paths)
	assert.Equal(t, "task-0abc", ec.IDs().ExportTaskID)
	assert.Equal(t, provision.ExportSucceeded, ec.Observed.ExportLifecycle)
	assert.Zero(t, h.metrics.calls)
	assert.True(t, ec.ResourceDeleted)
}

func TestRun_InfraFailureThenSuccess(t *testing.T) {
	h := newHarness()
	h.jobs.statuses = []*jobrun.Status{jobHostEC2, jobSucceeded}

	ec, err := h.run(context.Background(), t, testConfig(t, pipeline.ModeAutoExport, nil))
	require.NoError(t, err)

	assert.Equal(t, 2, h.jobs.polls)
	assert.Equal(t, 1, ec.Counters.InfraRetries)
	assert.Len(t, h.jobs.submits, 1, "the orchestrator re-polls, it never resubmits")
	assert.True(t, ec.ResourceDeleted)
}

func TestRun_SucceededWithoutDelete(t *testing.T) {
	tests := []struct {
		name  string
		mode  pipeline.Mode
		extra map[string]string
	}{
		{name: "auto-export with deleteLustre=false", mode: pipeline.ModeAutoExport, extra: map[string]string{"deleteLustre": "false"}},
		{name: "task-export with deleteLustre=false", mode: pipeline.ModeTaskExport, extra: map[string]string{"deleteLustre": "false"}},
		{name: "volume keeps its volume by default", mode: pipeline.ModeVolume},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.prov.created = provision.Created{ResourceID: "vol-0abc"}
			h.prov.statuses = []*provision.Status{volumeReady}
			if tt.mode != pipeline.ModeVolume {
				h.prov.created = provision.Created{ResourceID: "fs-0abc", AssociationID: "dra-1"}
				h.prov.statuses = []*provision.Status{lustreReady}
			}

			ec, err := h.run(context.Background(), t, testConfig(t, tt.mode, tt.extra))
			require.NoError(t, err)

			assert.True(t, ec.Succeeded())
			assert.False(t, ec.ResourceDeleted)
			assert.Empty(t, h.prov.deleted)
			assert.Zero(t, h.metrics.calls)
			assert.Zero(t, h.exports.started)
			assert.Equal(t, StateCheckJob, h.ckpt.states[len(h.ckpt.states)-2])
		})
	}
}

func TestRun_JobFailureFailsOnce(t *testing.T) {
	h := newHarness()
	h.jobs.statuses = []*jobrun.Status{jobAppError}

	ec, err := h.run(context.Background(), t, testConfig(t, pipeline.ModeAutoExport, nil))
	require.Error(t, err)

	var runErr *RunFailedError
	require.ErrorAs(t, err, &runErr)
	assert.ErrorIs(t, err, ErrJobFailed)
	assert.Equal(t, StateCheckJob, runErr.State)

	assert.Equal(t, 1, h.jobs.polls)
	assert.True(t, ec.Failed())
	assert.Equal(t, output.ErrCodeJobFailed, ec.FailureError)
	assert.Contains(t, ec.FailureCause, "Essential container in task exited")
	assert.Empty(t, h.prov.deleted, "failed runs leave the resource in place")
}

func TestRun_InfraRetryCap(t *testing.T) {
	tests := []struct {
		name      string
		max       string
		wantPolls int
	}{
		{name: "cap of two", max: "2", wantPolls: 3},
		{name: "cap of zero polls until success", max: "0", wantPolls: 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.jobs.statuses = []*jobrun.Status{jobHostEC2, jobHostEC2, jobHostEC2, jobHostEC2, jobHostEC2, jobSucceeded}

			ec, err := h.run(context.Background(), t, testConfig(t, pipeline.ModeAutoExport, map[string]string{"maxInfraRetries": tt.max}))
			assert.Equal(t, tt.wantPolls, h.jobs.polls)
			if tt.max == "0" {
				require.NoError(t, err)
				assert.Equal(t, 5, ec.Counters.InfraRetries)
				return
			}
			assert.ErrorIs(t, err, ErrInfraRetriesExhausted)
			assert.Equal(t, 3, ec.Counters.InfraRetries)
			assert.Equal(t, output.ErrCodeJobFailed, ec.FailureError)
		})
	}
}

func TestRun_LockReleasedAfterSubmit(t *testing.T) {
	h := newHarness()

	ec, err := h.run(context.Background(), t, testConfig(t, pipeline.ModeAutoExport, nil))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"acquire",
		"publish lustre-mount-fs-0123456789abcdef0",
		"rebind lt-lustre-mount-fs-0123456789abcdef0",
		"submit lustre-job-fs-0123456789abcdef0",
		"release",
	}, h.events)
	assert.True(t, ec.LockReleased)

	_, err = h.lock.Acquire(context.Background(), "ce-shared", "another-run")
	assert.NoError(t, err, "fleet is free once the job is queued")
}

func TestRun_WaitsForHeldLock(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	other, err := h.lock.Acquire(ctx, "ce-shared", "other-run")
	require.NoError(t, err)

	sleeps := 0
	deps := h.deps()
	deps.Sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		if sleeps == 2 {
			assert.Equal(t, 30*time.Second, d)
			require.NoError(t, h.lock.Release(ctx, "ce-shared", other))
		}
		return nil
	}

	m, err := New(pipeline.ModeAutoExport, deps)
	require.NoError(t, err)
	ec, err := m.Start("run-1", testConfig(t, pipeline.ModeAutoExport, nil))
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx, ec))

	assert.Equal(t, 1, ec.Counters.LockWaits)
	assert.Contains(t, h.ckpt.states, StateBindFleet)
}

func TestRun_LockReleasedOnFailureBeforeSubmit(t *testing.T) {
	h := newHarness()
	deps := h.deps()
	deps.Jobs = &failingRegister{fakeJobs: h.jobs}

	m, err := New(pipeline.ModeAutoExport, deps)
	require.NoError(t, err)
	ec, err := m.Start("run-1", testConfig(t, pipeline.ModeAutoExport, nil))
	require.NoError(t, err)

	err = m.Run(context.Background(), ec)
	require.Error(t, err)
	assert.Equal(t, StateRegisterJob, ec.FailedState)
	assert.Equal(t, output.ErrCodeAccessDenied, ec.FailureError)
	assert.True(t, ec.LockReleased)

	_, err = h.lock.Acquire(context.Background(), "ce-shared", "another-run")
	assert.NoError(t, err)
}

type failingRegister struct{ *fakeJobs }

func (f *failingRegister) RegisterJobSpec(context.Context, jobrun.JobSpec) (*jobrun.Definition, error) {
	return nil, &cloud.CloudError{Service: "batch", Op: "RegisterJobDefinition", Err: cloud.ErrAccessDenied}
}

func TestRun_CancelAndResume(t *testing.T) {
	h := newHarness()
	cfg := testConfig(t, pipeline.ModeAutoExport, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sleeper.cancel = cancel
	h.sleeper.cancelAfter = 2 // WaitCreate, then WaitJob

	ec, err := h.run(ctx, t, cfg)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateWaitJob, ec.State, "a cancelled run stays where it was")
	assert.Empty(t, h.prov.deleted, "nothing is rolled back")
	assert.Equal(t, StateWaitJob, h.ckpt.states[len(h.ckpt.states)-1])

	restored := &ExecutionContext{}
	require.NoError(t, restored.UnmarshalJSON(h.ckpt.last))
	assert.Equal(t, ec.IDs(), restored.IDs())

	h2 := newHarness()
	h2.lock = h.lock
	m, err := New(cfg.Mode, h2.deps())
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background(), restored))

	assert.Empty(t, h2.prov.specs, "resume does not provision again")
	assert.Empty(t, h2.jobs.submits, "resume does not resubmit")
	assert.Equal(t, []string{"fs-0123456789abcdef0"}, h2.prov.deleted)
	assert.True(t, restored.Succeeded())
}

func TestRun_ResumeAfterLostLease(t *testing.T) {
	h := newHarness()
	cfg := testConfig(t, pipeline.ModeAutoExport, nil)

	// Checkpointed in BindFleet; the lease it held has since expired.
	ec := NewExecutionContext("run-1", cfg, StateBindFleet, time.Now())
	ec.SetResourceID("fs-0123456789abcdef0")
	ec.SetAssociationID("dra-0abc")
	ec.SetMountName("abcdwbmv")
	ec.ReplaceLockToken("token-from-before-crash")

	m, err := New(cfg.Mode, h.deps())
	require.NoError(t, err)
	require.NotPanics(t, func() { err = m.Run(context.Background(), ec) })
	require.NoError(t, err)

	assert.True(t, ec.Succeeded())
	assert.NotEqual(t, "token-from-before-crash", ec.IDs().LockToken)
	assert.True(t, ec.LockReleased)
	assert.Equal(t, []string{"acquire", "publish lustre-mount-fs-0123456789abcdef0", "rebind lt-lustre-mount-fs-0123456789abcdef0", "submit lustre-job-fs-0123456789abcdef0", "release"}, h.events)

	_, err = h.lock.Acquire(context.Background(), "ce-shared", "another-run")
	assert.NoError(t, err, "the new lease was released after submit")
}

func TestRun_TransientErrorsReenterWait(t *testing.T) {
	h := newHarness()
	h.prov.statusErr = []error{throttled(), nil}
	h.jobs.pollErrs = []error{throttled(), nil}

	ec, err := h.run(context.Background(), t, testConfig(t, pipeline.ModeAutoExport, nil))
	require.NoError(t, err)

	assert.Equal(t, 2, ec.Counters.ResourcePolls)
	assert.Equal(t, 2, ec.Counters.JobPolls)
	assert.Equal(t, []State{
		StateCreateResource,
		StateWaitCreate, StateCheckStatus, StateWaitCreate, StateCheckStatus,
		StateBindFleet, StateRegisterJob, StateSubmitJob,
		StateWaitJob, StateCheckJob, StateWaitJob, StateCheckJob,
		StateEvaluateMetrics, StateDeleteResource, StateSucceeded,
	}, h.ckpt.states)
}

func TestRun_NonTransientStatusErrorFails(t *testing.T) {
	h := newHarness()
	h.prov.statusErr = []error{&cloud.CloudError{Service: "fsx", Op: "DescribeFileSystems", Err: cloud.ErrAccessDenied}}

	ec, err := h.run(context.Background(), t, testConfig(t, pipeline.ModeAutoExport, nil))
	require.Error(t, err)
	assert.Equal(t, StateCheckStatus, ec.FailedState)
	assert.Equal(t, output.ErrCodeAccessDenied, ec.FailureError)
}

func TestRun_MetricsErrorsKeepLooping(t *testing.T) {
	h := newHarness()
	h.metrics.errs = []error{errors.New("GetMetricData: timeout"), nil}

	ec, err := h.run(context.Background(), t, testConfig(t, pipeline.ModeAutoExport, nil))
	require.NoError(t, err)

	assert.Equal(t, 2, h.metrics.calls)
	assert.Equal(t, 2, ec.Counters.MetricsPolls)
	assert.Contains(t, h.ckpt.states, StateWaitMetrics)
	assert.True(t, ec.ResourceDeleted)
}

func TestRun_ResourceFailed(t *testing.T) {
	h := newHarness()
	h.prov.statuses = []*provision.Status{{
		Resource:    provision.LifecycleFailed,
		RawResource: "FAILED",
		Message:     "insufficient capacity",
	}}

	ec, err := h.run(context.Background(), t, testConfig(t, pipeline.ModeAutoExport, nil))
	assert.ErrorIs(t, err, ErrResourceFailed)
	assert.Equal(t, output.ErrCodeResourceFailed, ec.FailureError)
	assert.Contains(t, ec.FailureCause, "insufficient capacity")
	assert.Empty(t, h.events, "the fleet is never touched")
}

func TestRun_ProvisionRejected(t *testing.T) {
	h := newHarness()
	h.prov.createErr = &provision.ProvisionError{Op: "CreateFileSystem", Kind: pipeline.ResourceLustre, Err: errors.New("invalid subnet")}

	ec, err := h.run(context.Background(), t, testConfig(t, pipeline.ModeAutoExport, nil))
	assert.ErrorIs(t, err, provision.ErrProvisionRejected)
	assert.Equal(t, StateCreateResource, ec.FailedState)
	assert.Equal(t, output.ErrCodeResourceFailed, ec.FailureError)
	assert.Empty(t, ec.IDs().ResourceID)
}

func TestRun_ProvisionPartiallyCreated(t *testing.T) {
	h := newHarness()
	h.prov.created = provision.Created{ResourceID: "fs-partial"}
	h.prov.createPartial = true
	h.prov.createErr = &provision.ProvisionError{
		Op:         "CreateDataRepositoryAssociation",
		Kind:       pipeline.ResourceLustre,
		ResourceID: "fs-partial",
		Err:        errors.New("bucket not found"),
	}

	ec, err := h.run(context.Background(), t, testConfig(t, pipeline.ModeAutoExport, nil))
	assert.ErrorIs(t, err, provision.ErrProvisionRejected)
	assert.True(t, ec.Failed())
	assert.Equal(t, StateCreateResource, ec.FailedState)
	assert.Equal(t, "fs-partial", ec.IDs().ResourceID, "the leftover filesystem is recorded")
	assert.Empty(t, h.prov.deleted, "failures leave the resource in place")

	restored := &ExecutionContext{}
	require.NoError(t, restored.UnmarshalJSON(h.ckpt.last))
	assert.Equal(t, "fs-partial", restored.IDs().ResourceID)
}

func TestRun_ExportFailed(t *testing.T) {
	for _, lifecycle := range []string{provision.ExportFailed, provision.ExportCanceled} {
		t.Run(lifecycle, func(t *testing.T) {
			h := newHarness()
			h.exports.statuses = []*provision.ExportStatus{{TaskID: "task-0abc", Lifecycle: lifecycle}}

			ec, err := h.run(context.Background(), t, testConfig(t, pipeline.ModeTaskExport, nil))
			assert.ErrorIs(t, err, ErrExportFailed)
			assert.Equal(t, output.ErrCodeExportFailed, ec.FailureError)
			assert.Empty(t, h.prov.deleted)
		})
	}
}

func TestRun_VolumeWithDelete(t *testing.T) {
	h := newHarness()
	h.prov.created = provision.Created{ResourceID: "vol-0abc"}
	h.prov.statuses = []*provision.Status{volumeReady}
	h.prov.deleteErrs = []error{&cloud.CloudError{Service: "ec2", Op: "DeleteVolume", Err: cloud.ErrResourceBusy}}

	ec, err := h.run(context.Background(), t, testConfig(t, pipeline.ModeVolume, map[string]string{"deleteEbs": "true"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"vol-0abc"}, h.prov.deleted)
	assert.Equal(t, 1, ec.Counters.DeleteRetries)
	assert.Contains(t, h.fleet.templates, "ebs-mount-vol-0abc")
	assert.Contains(t, h.fleet.templates["ebs-mount-vol-0abc"], "vol-0abc")

	require.Len(t, h.jobs.specs, 1)
	assert.Equal(t, "ebs-job-definition-vol-0abc", h.jobs.specs[0].Name)
	assert.Equal(t, []jobrun.Mount{{VolumeName: "data", HostPath: "/data", ContainerPath: "/data"}}, h.jobs.specs[0].Mounts)
	assert.Zero(t, h.metrics.calls)
	assert.Zero(t, h.exports.started)
}

func TestRun_JobOnly(t *testing.T) {
	h := newHarness()
	h.jobs.statuses = []*jobrun.Status{jobRunning, jobSucceeded}

	m, err := New(pipeline.ModeJobOnly, Deps{
		Jobs:       h.jobs,
		Checkpoint: h.ckpt,
		Sleep:      h.sleeper.sleep,
		Target:     Target{Bucket: "pipeline-data"},
	})
	require.NoError(t, err)

	ec, err := m.Start("run-7", testConfig(t, pipeline.ModeJobOnly, nil))
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background(), ec))

	assert.Equal(t, []State{
		StateRegisterJob, StateSubmitJob, StateWaitJob, StateCheckJob, StateWaitJob, StateCheckJob, StateSucceeded,
	}, h.ckpt.states)
	require.Len(t, h.jobs.specs, 1)
	assert.Equal(t, "batch-job-definition-run-7", h.jobs.specs[0].Name)
	assert.Empty(t, h.jobs.specs[0].Mounts)
	assert.Equal(t, []string{"batch-job-run-7@arn:aws:batch:us-east-1:123456789012:job-definition/batch-job-definition-run-7:1"}, h.jobs.submits)
}

func TestRun_TerminalContextReturnsImmediately(t *testing.T) {
	h := newHarness()
	m, err := New(pipeline.ModeAutoExport, h.deps())
	require.NoError(t, err)

	ec, err := m.Start("run-1", testConfig(t, pipeline.ModeAutoExport, nil))
	require.NoError(t, err)
	ec.State = StateFailed
	ec.FailedState = StateCheckJob
	ec.FailureError = output.ErrCodeJobFailed
	ec.FailureCause = "boom"

	err = m.Run(context.Background(), ec)
	var runErr *RunFailedError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "boom", runErr.Cause)
	assert.Nil(t, runErr.Err)
	assert.Empty(t, h.prov.specs)
}

func TestNew_RequiresDepsForMode(t *testing.T) {
	tests := []struct {
		name string
		mode pipeline.Mode
		deps Deps
		want string
	}{
		{name: "no job runner", mode: pipeline.ModeJobOnly, deps: Deps{}, want: "job runner"},
		{name: "volume needs provisioner", mode: pipeline.ModeVolume, deps: Deps{Jobs: &fakeJobs{}}, want: "resource provisioner"},
		{name: "auto export needs metrics", mode: pipeline.ModeAutoExport, deps: Deps{Jobs: &fakeJobs{}, Provisioner: &fakeProvisioner{}, Fleet: &fakeFleet{}}, want: "metrics evaluator"},
		{name: "task export needs exports", mode: pipeline.ModeTaskExport, deps: Deps{Jobs: &fakeJobs{}, Provisioner: &fakeProvisioner{}, Fleet: &fakeFleet{}}, want: "export tasks"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.mode, tt.deps)
			assert.ErrorContains(t, err, tt.want)
		})
	}

	_, err := New(pipeline.Mode("bogus"), Deps{Jobs: &fakeJobs{}})
	assert.Error(t, err)
}

func TestRun_RejectsMismatchedMode(t *testing.T) {
	h := newHarness()
	m, err := New(pipeline.ModeTaskExport, h.deps())
	require.NoError(t, err)

	_, err = m.Start("run-1", testConfig(t, pipeline.ModeAutoExport, nil))
	assert.Error(t, err)

	ec := NewExecutionContext("run-1", testConfig(t, pipeline.ModeAutoExport, nil), StateCreateResource, time.Now())
	assert.Error(t, m.Run(context.Background(), ec))
}
