package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/3leaps/hpcflow/pkg/pipeline"
)

// Identifiers are the cloud-side names a run accumulates. Each is set once;
// setting a different value is a logic defect and panics.
type Identifiers struct {
	ResourceID        string `json:"resource_id,omitempty"`
	AssociationID     string `json:"association_id,omitempty"`
	MountName         string `json:"mount_name,omitempty"`
	LaunchTemplateID  string `json:"launch_template_id,omitempty"`
	LockToken         string `json:"lock_token,omitempty"`
	JobDefinitionName string `json:"job_definition_name,omitempty"`
	JobDefinitionARN  string `json:"job_definition_arn,omitempty"`
	JobID             string `json:"job_id,omitempty"`
	ExportTaskID      string `json:"export_task_id,omitempty"`
}

// Observations hold the latest poll results.
type Observations struct {
	ResourceLifecycle    string   `json:"resource_lifecycle,omitempty"`
	AssociationLifecycle string   `json:"association_lifecycle,omitempty"`
	JobStatus            string   `json:"job_status,omitempty"`
	JobReason            string   `json:"job_reason,omitempty"`
	JobAttempts          int      `json:"job_attempts,omitempty"`
	ExportLifecycle      string   `json:"export_lifecycle,omitempty"`
	MetricsSafe          bool     `json:"metrics_safe"`
	MetricsValue         *float64 `json:"metrics_value,omitempty"`
}

// Counters count loop iterations.
type Counters struct {
	ResourcePolls int `json:"resource_polls"`
	JobPolls      int `json:"job_polls"`
	MetricsPolls  int `json:"metrics_polls"`
	ExportPolls   int `json:"export_polls"`
	LockWaits     int `json:"lock_waits"`
	DeleteRetries int `json:"delete_retries"`
	InfraRetries  int `json:"infra_retries"`
}

// ExecutionContext is the complete state of one run. It is owned by a single
// Machine.Run call at a time and is serialized at every checkpoint.
type ExecutionContext struct {
	RunID  string
	Mode   pipeline.Mode
	State  State
	Config pipeline.Config

	Observed Observations
	Counters Counters

	LockReleased    bool
	ResourceDeleted bool

	// FailureError is a short code, FailureCause the full message. Both are
	// set when the run enters Failed.
	FailureError string
	FailureCause string
	FailedState  State

	StartedAt time.Time
	UpdatedAt time.Time

	ids Identifiers
}

// NewExecutionContext returns the context of a new run starting at initial.
func NewExecutionContext(runID string, cfg pipeline.Config, initial State, now time.Time) *ExecutionContext {
	return &ExecutionContext{
		RunID:     runID,
		Mode:      cfg.Mode,
		State:     initial,
		Config:    cfg,
		StartedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// IDs returns a copy of the identifiers. Unset ones are empty.
func (ec *ExecutionContext) IDs() Identifiers { return ec.ids }

func setOnce(field *string, name, value string) {
	if value == "" {
		panic(fmt.Sprintf("orchestrator: %s set to empty value", name))
	}
	if *field != "" && *field != value {
		panic(fmt.Sprintf("orchestrator: %s already set to %q, refusing %q", name, *field, value))
	}
	*field = value
}

func mustGet(value, name string) string {
	if value == "" {
		panic(fmt.Sprintf("orchestrator: %s read before it was set", name))
	}
	return value
}

func (ec *ExecutionContext) SetResourceID(v string)       { setOnce(&ec.ids.ResourceID, "resource id", v) }
func (ec *ExecutionContext) SetAssociationID(v string)    { setOnce(&ec.ids.AssociationID, "association id", v) }
func (ec *ExecutionContext) SetMountName(v string)        { setOnce(&ec.ids.MountName, "mount name", v) }
func (ec *ExecutionContext) SetLaunchTemplateID(v string) { setOnce(&ec.ids.LaunchTemplateID, "launch template id", v) }
func (ec *ExecutionContext) SetJobID(v string)            { setOnce(&ec.ids.JobID, "job id", v) }
func (ec *ExecutionContext) SetExportTaskID(v string)     { setOnce(&ec.ids.ExportTaskID, "export task id", v) }

// ReplaceLockToken records the fleet lease token and returns the previous
// one. Unlike the other identifiers it may change: a resumed run whose lease
// expired while it was suspended acquires a new one.
func (ec *ExecutionContext) ReplaceLockToken(v string) string {
	if v == "" {
		panic("orchestrator: lock token set to empty value")
	}
	prev := ec.ids.LockToken
	ec.ids.LockToken = v
	return prev
}

// SetJobDefinition records the registered definition. arn may be empty.
func (ec *ExecutionContext) SetJobDefinition(name, arn string) {
	setOnce(&ec.ids.JobDefinitionName, "job definition name", name)
	if arn != "" {
		setOnce(&ec.ids.JobDefinitionARN, "job definition arn", arn)
	}
}

func (ec *ExecutionContext) ResourceID() string { return mustGet(ec.ids.ResourceID, "resource id") }
func (ec *ExecutionContext) MountName() string  { return mustGet(ec.ids.MountName, "mount name") }
func (ec *ExecutionContext) JobID() string      { return mustGet(ec.ids.JobID, "job id") }
func (ec *ExecutionContext) ExportTaskID() string {
	return mustGet(ec.ids.ExportTaskID, "export task id")
}

// JobDefinitionRef is the ARN when known, else the name.
func (ec *ExecutionContext) JobDefinitionRef() string {
	if ec.ids.JobDefinitionARN != "" {
		return ec.ids.JobDefinitionARN
	}
	return mustGet(ec.ids.JobDefinitionName, "job definition name")
}

// Succeeded reports a Succeeded terminal state.
func (ec *ExecutionContext) Succeeded() bool { return ec.State == StateSucceeded }

// Failed reports a Failed terminal state.
func (ec *ExecutionContext) Failed() bool { return ec.State == StateFailed }

type contextJSON struct {
	RunID           string          `json:"run_id"`
	Mode            pipeline.Mode   `json:"mode"`
	State           State           `json:"state"`
	Config          pipeline.Config `json:"config"`
	IDs             Identifiers     `json:"ids"`
	Observed        Observations    `json:"observed"`
	Counters        Counters        `json:"counters"`
	LockReleased    bool            `json:"lock_released"`
	ResourceDeleted bool            `json:"resource_deleted"`
	FailureError    string          `json:"failure_error,omitempty"`
	FailureCause    string          `json:"failure_cause,omitempty"`
	FailedState     State           `json:"failed_state,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// MarshalJSON implements json.Marshaler.
func (ec *ExecutionContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(contextJSON{
		RunID:           ec.RunID,
		Mode:            ec.Mode,
		State:           ec.State,
		Config:          ec.Config,
		IDs:             ec.ids,
		Observed:        ec.Observed,
		Counters:        ec.Counters,
		LockReleased:    ec.LockReleased,
		ResourceDeleted: ec.ResourceDeleted,
		FailureError:    ec.FailureError,
		FailureCause:    ec.FailureCause,
		FailedState:     ec.FailedState,
		StartedAt:       ec.StartedAt,
		UpdatedAt:       ec.UpdatedAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (ec *ExecutionContext) UnmarshalJSON(data []byte) error {
	var c contextJSON
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	*ec = ExecutionContext{
		RunID:           c.RunID,
		Mode:            c.Mode,
		State:           c.State,
		Config:          c.Config,
		Observed:        c.Observed,
		Counters:        c.Counters,
		LockReleased:    c.LockReleased,
		ResourceDeleted: c.ResourceDeleted,
		FailureError:    c.FailureError,
		FailureCause:    c.FailureCause,
		FailedState:     c.FailedState,
		StartedAt:       c.StartedAt,
		UpdatedAt:       c.UpdatedAt,
		ids:             c.IDs,
	}
	return nil
}
