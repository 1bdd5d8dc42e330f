package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/hpcflow/pkg/cloud"
	"github.com/3leaps/hpcflow/pkg/fleet"
	"github.com/3leaps/hpcflow/pkg/jobrun"
	"github.com/3leaps/hpcflow/pkg/pipeline"
	"github.com/3leaps/hpcflow/pkg/provision"
)

func (m *Machine) createResource(ctx context.Context, ec *ExecutionContext) (State, error) {
	created, err := m.deps.Provisioner.Create(ctx, provision.Spec{
		RunID:  ec.RunID,
		Mode:   ec.Mode,
		Lustre: ec.Config.Lustre,
		Volume: ec.Config.Volume,
	})
	if err != nil {
		// A partly created resource stays in place; record it for the operator.
		if created != nil && created.ResourceID != "" {
			ec.SetResourceID(created.ResourceID)
		}
		return "", err
	}

	ec.SetResourceID(created.ResourceID)
	if created.AssociationID != "" {
		ec.SetAssociationID(created.AssociationID)
	}
	if created.MountName != "" {
		ec.SetMountName(created.MountName)
	}
	m.log.Info("Resource requested",
		zap.String("run_id", ec.RunID),
		zap.String("resource_id", created.ResourceID),
		zap.String("association_id", created.AssociationID))
	return StateWaitCreate, nil
}

func (m *Machine) checkStatus(ctx context.Context, ec *ExecutionContext) (State, error) {
	ec.Counters.ResourcePolls++
	st, err := m.deps.Provisioner.Status(ctx, provision.Handle{
		ResourceID:    ec.ResourceID(),
		AssociationID: ec.ids.AssociationID,
	})
	if err != nil {
		if cloud.IsRetryable(err) {
			m.log.Warn("Resource status unavailable, retrying", zap.String("run_id", ec.RunID), zap.Error(err))
			return StateWaitCreate, nil
		}
		return "", err
	}

	ec.Observed.ResourceLifecycle = string(st.Resource)
	ec.Observed.AssociationLifecycle = string(st.Association)

	switch {
	case st.Ready():
		if st.MountName != "" {
			ec.SetMountName(st.MountName)
		}
		return StateBindFleet, nil
	case st.Failed():
		msg := st.Message
		if msg == "" {
			msg = fmt.Sprintf("resource %s, association %s", st.RawResource, st.RawAssociation)
		}
		return "", fmt.Errorf("%w: %s: %s", ErrResourceFailed, ec.ResourceID(), msg)
	default:
		return StateWaitCreate, nil
	}
}

func (m *Machine) bindFleet(ctx context.Context, ec *ExecutionContext) (State, error) {
	fleetID := m.deps.Fleet.FleetID()

	if m.deps.Lock != nil && !ec.LockReleased {
		token, err := m.deps.Lock.Acquire(ctx, fleetID, ec.RunID)
		if errors.Is(err, fleet.ErrLockHeld) {
			ec.Counters.LockWaits++
			m.log.Info("Fleet busy, waiting for lock",
				zap.String("run_id", ec.RunID),
				zap.String("fleet", fleetID),
				zap.Int("waits", ec.Counters.LockWaits))
			if err := m.sleep(ctx, ec, ec.Config.Waits.FleetLock); err != nil {
				return "", err
			}
			return StateBindFleet, nil
		}
		if err != nil {
			return "", err
		}
		if prev := ec.ReplaceLockToken(token); prev != "" && prev != token {
			m.log.Warn("Fleet lease lost while suspended, holding a new one",
				zap.String("run_id", ec.RunID),
				zap.String("fleet", fleetID))
		}
	}

	params := fleet.BootParams{
		Kind:       ec.Mode.Resource(),
		ResourceID: ec.ResourceID(),
		Region:     m.deps.Fleet.Region(),
	}
	if params.Kind == pipeline.ResourceLustre {
		params.MountName = ec.MountName()
	}
	script, err := fleet.BuildBootScript(params)
	if err != nil {
		return "", err
	}

	templateID, err := m.deps.Fleet.PublishLaunchTemplate(ctx, launchTemplateName(ec), script)
	if err != nil {
		return "", err
	}
	ec.SetLaunchTemplateID(templateID)

	if err := m.deps.Fleet.RebindComputeFleet(ctx, templateID, ec.Config.Compute); err != nil {
		return "", err
	}
	m.log.Info("Fleet bound",
		zap.String("run_id", ec.RunID),
		zap.String("fleet", fleetID),
		zap.String("launch_template_id", templateID))
	return StateRegisterJob, nil
}

func (m *Machine) registerJob(ctx context.Context, ec *ExecutionContext) (State, error) {
	env := map[string]string{}
	if m.deps.Target.Bucket != "" {
		env["S3_BUCKET_NAME"] = m.deps.Target.Bucket
	}

	def, err := m.deps.Jobs.RegisterJobSpec(ctx, jobrun.JobSpec{
		Name:        jobDefinitionName(ec),
		Image:       ec.Config.Job.ContainerImage,
		Vcpus:       ec.Config.Job.Vcpus,
		MemoryMiB:   ec.Config.Job.MemoryMiB,
		JobRoleARN:  m.deps.Target.JobRoleARN,
		Environment: env,
		Mounts:      jobMounts(ec.Mode.Resource(), m.deps.Target.FileSystemPath),
		Retry:       jobrun.DefaultRetryPolicy(ec.Config.Job.RetryAttempts),
	})
	if err != nil {
		return "", err
	}
	ec.SetJobDefinition(def.Name, def.ARN)
	return StateSubmitJob, nil
}

func (m *Machine) submitJob(ctx context.Context, ec *ExecutionContext) (State, error) {
	jobID, err := m.deps.Jobs.Submit(ctx, jobName(ec), ec.JobDefinitionRef())
	if err != nil {
		return "", err
	}
	ec.SetJobID(jobID)
	m.log.Info("Job submitted", zap.String("run_id", ec.RunID), zap.String("job_id", jobID))

	m.releaseLock(ctx, ec)
	return StateWaitJob, nil
}

func (m *Machine) checkJob(ctx context.Context, ec *ExecutionContext) (State, error) {
	ec.Counters.JobPolls++
	st, err := m.deps.Jobs.PollJobStatus(ctx, ec.JobID())
	if err != nil {
		if cloud.IsRetryable(err) {
			m.log.Warn("Job status unavailable, retrying", zap.String("run_id", ec.RunID), zap.Error(err))
			return StateWaitJob, nil
		}
		return "", err
	}

	ec.Observed.JobStatus = st.Status
	ec.Observed.JobReason = st.Reason
	ec.Observed.JobAttempts = st.Attempts

	// Ordered: the first matching rule wins.
	switch {
	case st.Succeeded() && ec.Config.DeleteOnCompletion:
		return m.graph.PostJob, nil
	case st.Succeeded():
		return StateSucceeded, nil
	case st.Failed() && jobrun.IsInfraFailure(st.Reason, m.deps.InfraPatterns...):
		ec.Counters.InfraRetries++
		limit := ec.Config.MaxInfraRetries
		if limit > 0 && ec.Counters.InfraRetries > limit {
			return "", fmt.Errorf("%w: job %s failed %d times: %s", ErrInfraRetriesExhausted, st.JobID, ec.Counters.InfraRetries, st.Reason)
		}
		m.log.Warn("Job failed on infrastructure, polling again",
			zap.String("run_id", ec.RunID),
			zap.String("job_id", st.JobID),
			zap.String("reason", st.Reason),
			zap.Int("infra_retries", ec.Counters.InfraRetries))
		return StateWaitJob, nil
	case st.Failed():
		return "", fmt.Errorf("%w: job %s: %s", ErrJobFailed, st.JobID, st.Reason)
	default:
		return StateWaitJob, nil
	}
}

func (m *Machine) evaluateMetrics(ctx context.Context, ec *ExecutionContext) (State, error) {
	ec.Counters.MetricsPolls++
	res, err := m.deps.Metrics.Evaluate(ctx, ec.ResourceID())
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Unavailable metrics never allow deletion.
		m.log.Warn("Export backlog metrics unavailable",
			zap.String("run_id", ec.RunID),
			zap.String("resource_id", ec.ResourceID()),
			zap.Error(err))
		ec.Observed.MetricsSafe = false
		ec.Observed.MetricsValue = nil
		return StateWaitMetrics, nil
	}

	ec.Observed.MetricsSafe = res.Safe
	ec.Observed.MetricsValue = res.LatestValue
	m.deps.Observer.OnMetrics(ctx, ec, res)

	if res.Safe {
		return StateDeleteResource, nil
	}
	return StateWaitMetrics, nil
}

func (m *Machine) createExportTask(ctx context.Context, ec *ExecutionContext) (State, error) {
	paths := m.deps.Target.ExportPaths
	if len(paths) == 0 && m.deps.Target.FileSystemPath != "" {
		paths = []string{m.deps.Target.FileSystemPath}
	}
	taskID, err := m.deps.Exports.StartExport(ctx, ec.RunID, ec.ResourceID(), paths)
	if err != nil {
		return "", err
	}
	ec.SetExportTaskID(taskID)
	m.log.Info("Export task started", zap.String("run_id", ec.RunID), zap.String("task_id", taskID))
	return StateWaitExport, nil
}

func (m *Machine) checkExportTask(ctx context.Context, ec *ExecutionContext) (State, error) {
	ec.Counters.ExportPolls++
	st, err := m.deps.Exports.ExportStatus(ctx, ec.ExportTaskID())
	if err != nil {
		if cloud.IsRetryable(err) {
			m.log.Warn("Export task status unavailable, retrying", zap.String("run_id", ec.RunID), zap.Error(err))
			return StateWaitExport, nil
		}
		return "", err
	}

	ec.Observed.ExportLifecycle = st.Lifecycle
	switch {
	case st.Succeeded():
		return StateDeleteResource, nil
	case st.Failed():
		return "", fmt.Errorf("%w: task %s ended %s: %s", ErrExportFailed, st.TaskID, st.Lifecycle, st.Message)
	default:
		return StateWaitExport, nil
	}
}

func (m *Machine) deleteResource(ctx context.Context, ec *ExecutionContext) (State, error) {
	id := ec.ResourceID()
	if err := m.deps.Provisioner.Delete(ctx, id); err != nil {
		if cloud.IsRetryable(err) {
			ec.Counters.DeleteRetries++
			m.log.Warn("Resource busy, retrying delete",
				zap.String("run_id", ec.RunID),
				zap.String("resource_id", id),
				zap.Error(err))
			if err := m.sleep(ctx, ec, ec.Config.Waits.ResourceCreation); err != nil {
				return "", err
			}
			return StateDeleteResource, nil
		}
		return "", err
	}
	ec.ResourceDeleted = true
	m.log.Info("Resource deleted", zap.String("run_id", ec.RunID), zap.String("resource_id", id))
	return StateSucceeded, nil
}
