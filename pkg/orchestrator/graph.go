package orchestrator

import (
	"fmt"
	"sort"

	"github.com/3leaps/hpcflow/pkg/pipeline"
)

// Graph is the state graph of one mode. It is built once and never changes.
type Graph struct {
	Mode pipeline.Mode

	// Initial is the first state of a new run.
	Initial State

	// PostJob is where CheckJob goes when the job succeeded and the resource
	// is to be deleted.
	PostJob State

	edges map[State]map[State]bool
}

// BuildGraph returns the graph for mode.
func BuildGraph(mode pipeline.Mode) (*Graph, error) {
	g := &Graph{Mode: mode, edges: map[State]map[State]bool{}}

	// Shared job segment.
	g.add(StateRegisterJob, StateSubmitJob)
	g.add(StateSubmitJob, StateWaitJob)
	g.add(StateWaitJob, StateCheckJob)
	g.add(StateCheckJob, StateWaitJob, StateSucceeded)

	if mode.Resource() != pipeline.ResourceNone {
		g.Initial = StateCreateResource
		g.add(StateCreateResource, StateWaitCreate)
		g.add(StateWaitCreate, StateCheckStatus)
		g.add(StateCheckStatus, StateWaitCreate, StateBindFleet)
		g.add(StateBindFleet, StateBindFleet, StateRegisterJob)
		g.add(StateDeleteResource, StateDeleteResource, StateSucceeded)
	}

	switch mode {
	case pipeline.ModeAutoExport:
		g.PostJob = StateEvaluateMetrics
		g.add(StateEvaluateMetrics, StateWaitMetrics, StateDeleteResource)
		g.add(StateWaitMetrics, StateEvaluateMetrics)
	case pipeline.ModeTaskExport:
		g.PostJob = StateCreateExportTask
		g.add(StateCreateExportTask, StateWaitExport)
		g.add(StateWaitExport, StateCheckExportTask)
		g.add(StateCheckExportTask, StateWaitExport, StateDeleteResource)
	case pipeline.ModeVolume:
		g.PostJob = StateDeleteResource
	case pipeline.ModeJobOnly:
		g.Initial = StateRegisterJob
		g.PostJob = StateSucceeded
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	g.add(StateCheckJob, g.PostJob)

	// Every non-terminal state may fail.
	for from := range g.edges {
		g.edges[from][StateFailed] = true
	}
	return g, nil
}

func (g *Graph) add(from State, to ...State) {
	if g.edges[from] == nil {
		g.edges[from] = map[State]bool{}
	}
	for _, t := range to {
		g.edges[from][t] = true
	}
}

// Has reports whether s is a state of the graph.
func (g *Graph) Has(s State) bool {
	if s.Terminal() {
		return true
	}
	_, ok := g.edges[s]
	return ok
}

// Allows reports whether from -> to is an edge.
func (g *Graph) Allows(from, to State) bool {
	return g.edges[from][to]
}

// States lists the non-terminal states, sorted.
func (g *Graph) States() []State {
	out := make([]State, 0, len(g.edges))
	for s := range g.edges {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Next lists the successors of from, sorted.
func (g *Graph) Next(from State) []State {
	out := make([]State, 0, len(g.edges[from]))
	for s := range g.edges[from] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
