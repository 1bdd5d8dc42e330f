// Package orchestrator drives one pipeline run through its lifecycle:
// provision a resource, bind it to the compute fleet, run the batch job,
// export results and delete the resource.
//
// A run is a walk over a state graph fixed by the run's mode. Every state
// is a step that inspects or mutates cloud resources and names the next
// state; waits are explicit states so that a run can be checkpointed and
// resumed between any two steps.
package orchestrator

// State names a node of the run graph.
type State string

const (
	StateCreateResource   State = "CreateResource"
	StateWaitCreate       State = "WaitCreate"
	StateCheckStatus      State = "CheckStatus"
	StateBindFleet        State = "BindFleet"
	StateRegisterJob      State = "RegisterJob"
	StateSubmitJob        State = "SubmitJob"
	StateWaitJob          State = "WaitJob"
	StateCheckJob         State = "CheckJob"
	StateEvaluateMetrics  State = "EvaluateMetrics"
	StateWaitMetrics      State = "WaitMetrics"
	StateCreateExportTask State = "CreateExportTask"
	StateWaitExport       State = "WaitExport"
	StateCheckExportTask  State = "CheckExportTask"
	StateDeleteResource   State = "DeleteResource"
	StateSucceeded        State = "Succeeded"
	StateFailed           State = "Failed"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

func (s State) String() string { return string(s) }
