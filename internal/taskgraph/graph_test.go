package taskgraph

import (
	"errors"
	"testing"

	"github.com/bioflow/orchestrator/internal/workflow"
)

func pendingTask(id string, deps ...string) *workflow.Task {
	return &workflow.Task{TaskID: id, Dependencies: deps, Status: workflow.TaskPending}
}

func TestBuildRejectsMissingDependency(t *testing.T) {
	tasks := map[string]*workflow.Task{
		"t1": pendingTask("t1", "ghost"),
	}
	_, err := Build(tasks)
	if !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("expected ErrMissingDependency, got %v", err)
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	tasks := map[string]*workflow.Task{
		"a": pendingTask("a", "c"),
		"b": pendingTask("b", "a"),
		"c": pendingTask("c", "b"),
	}
	_, err := Build(tasks)
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestBuildDiamondProducesValidTopologicalOrder(t *testing.T) {
	tasks := map[string]*workflow.Task{
		"a": pendingTask("a"),
		"b": pendingTask("b", "a"),
		"c": pendingTask("c", "a"),
		"d": pendingTask("d", "b", "c"),
	}
	g, err := Build(tasks)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	order := g.TopologicalOrder()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["a"] > pos["c"] || pos["b"] > pos["d"] || pos["c"] > pos["d"] {
		t.Fatalf("order violates dependency edges: %v", order)
	}
}

func TestReadySetOnlyPendingWithCompletedDeps(t *testing.T) {
	a := pendingTask("a")
	a.Status = workflow.TaskCompleted
	b := pendingTask("b", "a")
	c := pendingTask("c", "a")
	c.Status = workflow.TaskRunning
	tasks := map[string]*workflow.Task{"a": a, "b": b, "c": c}

	ready := ReadySet(tasks)
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("expected only b ready, got %v", ready)
	}
}

func TestTransitivelyDependsOnDead(t *testing.T) {
	tasks := map[string]*workflow.Task{
		"t1": pendingTask("t1"),
		"t2": pendingTask("t2", "t1"),
	}
	dead := map[string]bool{"t1": true}
	if !TransitivelyDependsOnDead(tasks, "t2", dead) {
		t.Fatal("expected t2 to transitively depend on dead t1")
	}
	if TransitivelyDependsOnDead(tasks, "t1", dead) {
		t.Fatal("t1 itself is not considered to depend on dead (only checks its dependencies)")
	}
}
