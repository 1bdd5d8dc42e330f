package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/hpcflow/pkg/fleet"
	"github.com/3leaps/hpcflow/pkg/pipeline"
)

type stepFunc func(ctx context.Context, ec *ExecutionContext) (State, error)

// Machine runs executions of one mode.
type Machine struct {
	graph *Graph
	deps  Deps
	log   *zap.Logger
	steps map[State]stepFunc
}

// New builds the machine for mode.
func New(mode pipeline.Mode, deps Deps) (*Machine, error) {
	g, err := BuildGraph(mode)
	if err != nil {
		return nil, err
	}
	if err := deps.validate(mode); err != nil {
		return nil, fmt.Errorf("orchestrator %s: %w", mode, err)
	}
	if deps.Sleep == nil {
		deps.Sleep = ContextSleep
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Checkpoint == nil {
		deps.Checkpoint = nopCheckpointer{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	m := &Machine{graph: g, deps: deps, log: deps.Logger.With(zap.String("mode", string(mode)))}
	m.steps = map[State]stepFunc{
		StateCreateResource:   m.createResource,
		StateWaitCreate:       m.waitFor(StateCheckStatus, func(c pipeline.Config) time.Duration { return c.Waits.ResourceCreation }),
		StateCheckStatus:      m.checkStatus,
		StateBindFleet:        m.bindFleet,
		StateRegisterJob:      m.registerJob,
		StateSubmitJob:        m.submitJob,
		StateWaitJob:          m.waitFor(StateCheckJob, func(c pipeline.Config) time.Duration { return c.Waits.JobCompletion }),
		StateCheckJob:         m.checkJob,
		StateEvaluateMetrics:  m.evaluateMetrics,
		StateWaitMetrics:      m.waitFor(StateEvaluateMetrics, func(c pipeline.Config) time.Duration { return c.Waits.CheckMetrics }),
		StateCreateExportTask: m.createExportTask,
		StateWaitExport:       m.waitFor(StateCheckExportTask, func(c pipeline.Config) time.Duration { return c.Waits.ExportTask }),
		StateCheckExportTask:  m.checkExportTask,
		StateDeleteResource:   m.deleteResource,
	}
	return m, nil
}

// Graph returns the state graph of the machine.
func (m *Machine) Graph() *Graph { return m.graph }

// Start returns the context of a new run. The configuration must have the
// machine's mode.
func (m *Machine) Start(runID string, cfg pipeline.Config) (*ExecutionContext, error) {
	if cfg.Mode != m.graph.Mode {
		return nil, fmt.Errorf("config mode %s does not match machine mode %s", cfg.Mode, m.graph.Mode)
	}
	return NewExecutionContext(runID, cfg, m.graph.Initial, m.deps.Now()), nil
}

// Run advances ec until it reaches a terminal state or ctx is done.
//
// It returns nil for Succeeded, a *RunFailedError for Failed, and ctx.Err()
// when cancelled. A cancelled run stays in its current state and nothing is
// rolled back; Run can be called again with the same context to resume.
func (m *Machine) Run(ctx context.Context, ec *ExecutionContext) error {
	if ec.Mode != m.graph.Mode {
		return fmt.Errorf("run %s has mode %s, machine has %s", ec.RunID, ec.Mode, m.graph.Mode)
	}
	if !m.graph.Has(ec.State) {
		return fmt.Errorf("run %s: state %s is not part of the %s graph", ec.RunID, ec.State, ec.Mode)
	}

	log := m.log.With(zap.String("run_id", ec.RunID))
	log.Info("Run started", zap.String("state", string(ec.State)))
	m.checkpoint(ctx, ec)

	var failure error
	for !ec.State.Terminal() {
		if err := ctx.Err(); err != nil {
			return m.interrupted(ctx, ec, err)
		}

		from := ec.State
		next, err := m.steps[from](ctx, ec)
		if err != nil {
			if ctx.Err() != nil {
				return m.interrupted(ctx, ec, ctx.Err())
			}
			failure = err
			m.recordFailure(ctx, ec, from, err)
			next = StateFailed
		}
		m.transition(ctx, ec, from, next)
	}

	m.deps.Observer.OnFinish(ctx, ec)
	if ec.Failed() {
		log.Error("Run failed",
			zap.String("state", string(ec.FailedState)),
			zap.String("error", ec.FailureError),
			zap.String("cause", ec.FailureCause))
		return &RunFailedError{RunID: ec.RunID, State: ec.FailedState, Code: ec.FailureError, Cause: ec.FailureCause, Err: failure}
	}
	log.Info("Run succeeded", zap.Bool("resource_deleted", ec.ResourceDeleted))
	return nil
}

func (m *Machine) transition(ctx context.Context, ec *ExecutionContext, from, to State) {
	if !m.graph.Allows(from, to) {
		panic(fmt.Sprintf("orchestrator: illegal transition %s -> %s in %s graph", from, to, m.graph.Mode))
	}
	ec.State = to
	ec.UpdatedAt = m.deps.Now().UTC()

	if from != to {
		m.log.Debug("Transition",
			zap.String("run_id", ec.RunID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
	m.deps.Observer.OnTransition(ctx, ec, from, to)
	m.checkpoint(ctx, ec)
}

func (m *Machine) checkpoint(ctx context.Context, ec *ExecutionContext) {
	// A cancelled run is still checkpointed.
	if err := m.deps.Checkpoint.Save(context.WithoutCancel(ctx), ec); err != nil {
		m.log.Warn("Checkpoint failed", zap.String("run_id", ec.RunID), zap.Error(err))
	}
}

func (m *Machine) interrupted(ctx context.Context, ec *ExecutionContext, err error) error {
	m.log.Warn("Run interrupted",
		zap.String("run_id", ec.RunID),
		zap.String("state", string(ec.State)),
		zap.Error(err))
	m.checkpoint(ctx, ec)
	return err
}

func (m *Machine) recordFailure(ctx context.Context, ec *ExecutionContext, state State, err error) {
	ec.FailureError = failureCode(err)
	ec.FailureCause = err.Error()
	ec.FailedState = state

	// A failure before submission must not wedge the fleet.
	m.releaseLock(ctx, ec)
}

// sleep checkpoints and then waits.
func (m *Machine) sleep(ctx context.Context, ec *ExecutionContext, d time.Duration) error {
	m.checkpoint(ctx, ec)
	return m.deps.Sleep(ctx, d)
}

func (m *Machine) waitFor(next State, wait func(pipeline.Config) time.Duration) stepFunc {
	return func(ctx context.Context, ec *ExecutionContext) (State, error) {
		if err := m.deps.Sleep(ctx, wait(ec.Config)); err != nil {
			return "", err
		}
		return next, nil
	}
}

func (m *Machine) releaseLock(ctx context.Context, ec *ExecutionContext) {
	token := ec.ids.LockToken
	if m.deps.Lock == nil || m.deps.Fleet == nil || token == "" || ec.LockReleased {
		return
	}
	err := m.deps.Lock.Release(context.WithoutCancel(ctx), m.deps.Fleet.FleetID(), token)
	if err != nil {
		m.log.Warn("Fleet lock release failed",
			zap.String("run_id", ec.RunID),
			zap.String("fleet", m.deps.Fleet.FleetID()),
			zap.Error(err))
	}
	// A lost lease is as good as released.
	if err == nil || errors.Is(err, fleet.ErrLockLost) {
		ec.LockReleased = true
	}
}
