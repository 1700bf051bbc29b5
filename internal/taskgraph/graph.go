// Package taskgraph builds and validates the dependency graph of a
// workflow's tasks: missing-dependency detection, cycle detection via
// Kahn's algorithm, and ready-set computation for the orchestrator's
// execution loop. Grounded on the teacher's dag_engine.go buildDAG and the
// original orchestrator.py's _validate_dependencies.
package taskgraph

import (
	"errors"
	"fmt"

	"github.com/bioflow/orchestrator/internal/workflow"
)

// ErrMissingDependency is returned when a task depends on an id absent
// from the same task set.
var ErrMissingDependency = errors.New("missing dependency")

// ErrCycleDetected is returned when the dependency graph contains a cycle.
var ErrCycleDetected = errors.New("cycle detected")

// Graph is the validated dependency graph of one workflow's tasks.
type Graph struct {
	children map[string][]string // task_id -> dependents
	inDegree map[string]int      // task_id -> number of unresolved dependencies
	order    []string            // a valid topological order
}

// Build validates tasks and constructs their dependency graph.
//
// Step 1: every dependency id must refer to a task within the same set,
// else ErrMissingDependency.
// Step 2: the graph must be acyclic, checked via Kahn's algorithm; any
// node that never reaches in-degree 0 indicates a cycle.
func Build(tasks map[string]*workflow.Task) (*Graph, error) {
	children := make(map[string][]string, len(tasks))
	inDegree := make(map[string]int, len(tasks))

	for id := range tasks {
		inDegree[id] = 0
	}
	for id, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := tasks[dep]; !ok {
				return nil, fmt.Errorf("%w: task %s depends on unknown task %s", ErrMissingDependency, id, dep)
			}
			children[dep] = append(children[dep], id)
			inDegree[id]++
		}
	}

	// Kahn's algorithm: repeatedly remove zero-in-degree nodes.
	remaining := make(map[string]int, len(inDegree))
	for id, d := range inDegree {
		remaining[id] = d
	}
	var queue, order []string
	for id, d := range remaining {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, child := range children[id] {
			remaining[child]--
			if remaining[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if len(order) != len(tasks) {
		return nil, ErrCycleDetected
	}

	return &Graph{children: children, inDegree: inDegree, order: order}, nil
}

// TopologicalOrder returns a valid topological order of the task ids.
func (g *Graph) TopologicalOrder() []string {
	return append([]string(nil), g.order...)
}

// Children returns the task ids that depend directly on id.
func (g *Graph) Children(id string) []string {
	return g.children[id]
}

// ReadySet returns the ids of tasks that are PENDING and whose
// dependencies are all COMPLETED (spec §4.6 step 1).
func ReadySet(tasks map[string]*workflow.Task) []string {
	var ready []string
	for id, t := range tasks {
		if t.Status != workflow.TaskPending {
			continue
		}
		allDone := true
		for _, dep := range t.Dependencies {
			if d, ok := tasks[dep]; !ok || d.Status != workflow.TaskCompleted {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, id)
		}
	}
	return ready
}

// TransitivelyDependsOnDead reports whether task id transitively depends on
// any task in dead (spec §4.6 step 2's deadlock-without-progress check).
func TransitivelyDependsOnDead(tasks map[string]*workflow.Task, id string, dead map[string]bool) bool {
	visited := make(map[string]bool)
	var walk func(string) bool
	walk = func(cur string) bool {
		if visited[cur] {
			return false
		}
		visited[cur] = true
		t, ok := tasks[cur]
		if !ok {
			return false
		}
		for _, dep := range t.Dependencies {
			if dead[dep] {
				return true
			}
			if walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(id)
}
