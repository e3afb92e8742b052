package engine

import (
	"sort"
)

// execGraph is the incremental readiness index over a validated plan.
// It tracks, per step, how many dependencies have not yet reached a
// terminal state and how many of the terminal ones did not succeed,
// so that completion handling touches only the direct dependents of
// the finished step instead of re-scanning the whole graph.
//
// The graph is owned by the scheduler's run loop and must not be
// shared across goroutines.
type execGraph struct {
	plan  *Plan
	index map[string]int // step ID -> declaration index

	// dependents maps a step to the steps that depend on it.
	dependents map[string][]string

	// pendingDeps counts dependencies that are not yet terminal.
	pendingDeps map[string]int

	// failedDeps counts dependencies that ended failed or skipped.
	failedDeps map[string]int
}

func newExecGraph(plan *Plan) *execGraph {
	g := &execGraph{
		plan:        plan,
		index:       make(map[string]int, len(plan.Steps)),
		dependents:  make(map[string][]string, len(plan.Steps)),
		pendingDeps: make(map[string]int, len(plan.Steps)),
		failedDeps:  make(map[string]int, len(plan.Steps)),
	}
	for i := range plan.Steps {
		g.index[plan.Steps[i].ID] = i
	}
	for i := range plan.Steps {
		step := &plan.Steps[i]
		g.pendingDeps[step.ID] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], step.ID)
		}
	}
	return g
}

// declarationIndex returns the position of the step in the plan.
func (g *execGraph) declarationIndex(id string) int {
	return g.index[id]
}

// initialReady returns the zero-dependency steps in declaration order.
func (g *execGraph) initialReady() []string {
	var ready []string
	for i := range g.plan.Steps {
		if g.pendingDeps[g.plan.Steps[i].ID] == 0 {
			ready = append(ready, g.plan.Steps[i].ID)
		}
	}
	return ready
}

// markTerminal records that a step reached a terminal state and
// returns the steps that became ready and the steps that must be
// skipped as a consequence. A non-best-effort step whose dependencies
// include a failure is skipped, and its skip cascades to transitive
// dependents. Both slices are in declaration order.
func (g *execGraph) markTerminal(id string, succeeded bool) (ready, skipped []string) {
	type terminal struct {
		id        string
		succeeded bool
	}
	queue := []terminal{{id, succeeded}}

	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]

		for _, dep := range g.dependents[t.id] {
			g.pendingDeps[dep]--
			if !t.succeeded {
				g.failedDeps[dep]++
			}
			if g.pendingDeps[dep] != 0 {
				continue
			}
			// All dependencies terminal; decide the dependent's fate.
			step := g.plan.StepByID(dep)
			switch {
			case g.failedDeps[dep] == 0:
				ready = append(ready, dep)
			case step != nil && step.BestEffort:
				// Best-effort steps wait for all dependencies to reach
				// a terminal state, then run regardless of failures.
				ready = append(ready, dep)
			default:
				skipped = append(skipped, dep)
				queue = append(queue, terminal{dep, false})
			}
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		return g.index[ready[i]] < g.index[ready[j]]
	})
	sort.Slice(skipped, func(i, j int) bool {
		return g.index[skipped[i]] < g.index[skipped[j]]
	})
	return ready, skipped
}
