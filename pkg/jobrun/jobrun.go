// Package jobrun registers, submits and monitors the batch job of a
// pipeline run and classifies job failures.
package jobrun

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/hpcflow/pkg/cloud"
)

// Batch job statuses.
const (
	StatusSubmitted = "SUBMITTED"
	StatusPending   = "PENDING"
	StatusRunnable  = "RUNNABLE"
	StatusStarting  = "STARTING"
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// InfraFailurePattern matches status reasons attributed to the host
// instance rather than the job (e.g. a reclaimed spot instance).
const InfraFailurePattern = "*Host EC2*"

// Action is what the retry strategy does when a rule matches.
type Action string

const (
	ActionRetry Action = "RETRY"
	ActionExit  Action = "EXIT"
)

// ExitRule is one EvaluateOnExit entry. Empty matchers are omitted.
type ExitRule struct {
	OnStatusReason string
	OnReason       string
	OnExitCode     string
	Action         Action
}

// RetryPolicy is the job definition's retry strategy.
type RetryPolicy struct {
	Attempts int
	Rules    []ExitRule
}

// DefaultRetryPolicy retries host failures up to attempts and exits on
// anything else.
func DefaultRetryPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		Attempts: attempts,
		Rules: []ExitRule{
			{OnStatusReason: "Host EC2*", Action: ActionRetry},
			{OnReason: "*", Action: ActionExit},
		},
	}
}

// Mount exposes a host directory inside the container.
type Mount struct {
	VolumeName    string
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// JobSpec describes the job definition to register.
type JobSpec struct {
	Name        string
	Image       string
	Vcpus       int
	MemoryMiB   int
	JobRoleARN  string
	Environment map[string]string
	Mounts      []Mount
	Retry       RetryPolicy
}

// Definition is a registered job definition.
type Definition struct {
	Name     string
	ARN      string
	Revision int
}

// Status is a point-in-time view of a job.
type Status struct {
	JobID    string
	Status   string
	Reason   string
	Attempts int
}

// Succeeded reports a successful job.
func (s *Status) Succeeded() bool { return s != nil && s.Status == StatusSucceeded }

// Failed reports a failed job.
func (s *Status) Failed() bool { return s != nil && s.Status == StatusFailed }

// BatchAPI is the subset of the Batch client used by the runner.
type BatchAPI interface {
	RegisterJobDefinition(ctx context.Context, params *batch.RegisterJobDefinitionInput, optFns ...func(*batch.Options)) (*batch.RegisterJobDefinitionOutput, error)
	SubmitJob(ctx context.Context, params *batch.SubmitJobInput, optFns ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
	DescribeJobs(ctx context.Context, params *batch.DescribeJobsInput, optFns ...func(*batch.Options)) (*batch.DescribeJobsOutput, error)
}

// BatchRunner runs jobs on one job queue.
type BatchRunner struct {
	client   BatchAPI
	jobQueue string
	pacer    *cloud.Pacer
}

// NewBatchRunner returns a runner for jobQueue. pacer may be nil.
func NewBatchRunner(client BatchAPI, jobQueue string, pacer *cloud.Pacer) (*BatchRunner, error) {
	if jobQueue == "" {
		return nil, errors.New("jobrun: job queue is required")
	}
	return &BatchRunner{client: client, jobQueue: jobQueue, pacer: pacer}, nil
}

// RegisterJobSpec registers (or adds a revision of) a container job definition.
func (r *BatchRunner) RegisterJobSpec(ctx context.Context, spec JobSpec) (*Definition, error) {
	out, err := r.client.RegisterJobDefinition(ctx, registerInput(spec))
	if err != nil {
		return nil, cloud.WrapError("batch", "RegisterJobDefinition", spec.Name, err)
	}
	return &Definition{
		Name:     aws.ToString(out.JobDefinitionName),
		ARN:      aws.ToString(out.JobDefinitionArn),
		Revision: int(aws.ToInt32(out.Revision)),
	}, nil
}

func registerInput(spec JobSpec) *batch.RegisterJobDefinitionInput {
	props := &types.ContainerProperties{
		Image: aws.String(spec.Image),
		ResourceRequirements: []types.ResourceRequirement{
			{Type: types.ResourceType("VCPU"), Value: aws.String(strconv.Itoa(spec.Vcpus))},
			{Type: types.ResourceType("MEMORY"), Value: aws.String(strconv.Itoa(spec.MemoryMiB))},
		},
	}
	if spec.JobRoleARN != "" {
		props.JobRoleArn = aws.String(spec.JobRoleARN)
	}

	keys := make([]string, 0, len(spec.Environment))
	for k := range spec.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		props.Environment = append(props.Environment, types.KeyValuePair{
			Name:  aws.String(k),
			Value: aws.String(spec.Environment[k]),
		})
	}

	for _, m := range spec.Mounts {
		props.Volumes = append(props.Volumes, types.Volume{
			Name: aws.String(m.VolumeName),
			Host: &types.Host{SourcePath: aws.String(m.HostPath)},
		})
		props.MountPoints = append(props.MountPoints, types.MountPoint{
			SourceVolume:  aws.String(m.VolumeName),
			ContainerPath: aws.String(m.ContainerPath),
			ReadOnly:      aws.Bool(m.ReadOnly),
		})
	}

	retry := &types.RetryStrategy{Attempts: aws.Int32(int32(spec.Retry.Attempts))}
	for _, rule := range spec.Retry.Rules {
		eval := types.EvaluateOnExit{Action: types.RetryAction(strings.ToUpper(string(rule.Action)))}
		if rule.OnStatusReason != "" {
			eval.OnStatusReason = aws.String(rule.OnStatusReason)
		}
		if rule.OnReason != "" {
			eval.OnReason = aws.String(rule.OnReason)
		}
		if rule.OnExitCode != "" {
			eval.OnExitCode = aws.String(rule.OnExitCode)
		}
		retry.EvaluateOnExit = append(retry.EvaluateOnExit, eval)
	}

	return &batch.RegisterJobDefinitionInput{
		JobDefinitionName:   aws.String(spec.Name),
		Type:                types.JobDefinitionTypeContainer,
		ContainerProperties: props,
		RetryStrategy:       retry,
	}
}

// Submit queues a job and returns its id.
func (r *BatchRunner) Submit(ctx context.Context, jobName, definition string) (string, error) {
	out, err := r.client.SubmitJob(ctx, &batch.SubmitJobInput{
		JobName:       aws.String(jobName),
		JobQueue:      aws.String(r.jobQueue),
		JobDefinition: aws.String(definition),
	})
	if err != nil {
		return "", cloud.WrapError("batch", "SubmitJob", jobName, err)
	}
	if aws.ToString(out.JobId) == "" {
		return "", &cloud.CloudError{Service: "batch", Op: "SubmitJob", Resource: jobName, Err: errors.New("response has no job id")}
	}
	return aws.ToString(out.JobId), nil
}

// PollJobStatus describes a job.
func (r *BatchRunner) PollJobStatus(ctx context.Context, jobID string) (*Status, error) {
	if err := r.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	out, err := r.client.DescribeJobs(ctx, &batch.DescribeJobsInput{Jobs: []string{jobID}})
	if err != nil {
		return nil, cloud.WrapError("batch", "DescribeJobs", jobID, err)
	}
	if len(out.Jobs) == 0 {
		return nil, &cloud.CloudError{Service: "batch", Op: "DescribeJobs", Resource: jobID, Err: cloud.ErrNotFound}
	}

	job := out.Jobs[0]
	return &Status{
		JobID:    jobID,
		Status:   string(job.Status),
		Reason:   aws.ToString(job.StatusReason),
		Attempts: len(job.Attempts),
	}, nil
}

// IsInfraFailure reports whether reason matches one of patterns (glob,
// '*' matches any run of characters). With no patterns InfraFailurePattern
// is used.
func IsInfraFailure(reason string, patterns ...string) bool {
	if len(patterns) == 0 {
		patterns = []string{InfraFailurePattern}
	}
	// Status reasons are free text; '/' carries no path meaning here.
	subject := strings.ReplaceAll(reason, "/", " ")
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, subject); err == nil && ok {
			return true
		}
	}
	return false
}
