package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/bioflow/orchestrator/internal/notify"
	"github.com/bioflow/orchestrator/internal/registry"
	"github.com/bioflow/orchestrator/internal/retry"
	"github.com/bioflow/orchestrator/internal/scheduler"
	"github.com/bioflow/orchestrator/internal/state"
	"github.com/bioflow/orchestrator/internal/workflow"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *registry.Registry) {
	t.Helper()
	meter := otel.Meter("test")
	st, err := state.Open(filepath.Join(t.TempDir(), "wf.db"), meter)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sched := scheduler.New(4, meter)
	reg := registry.New()
	o := New(st, sched, reg, notify.LogSink{}, otel.Tracer("test"), retry.Instruments{},
		WithRetryPolicy(retry.Policy{MaxRetries: 3, BaseDelay: 5 * time.Millisecond}))
	return o, reg
}

func taskDef(id string, deps ...string) *workflow.Task {
	return &workflow.Task{TaskID: id, Name: id, FunctionRef: id, Dependencies: deps, TimeoutSecs: 5}
}

// Scenario 1: linear three-step, all succeed.
func TestLinearThreeStepAllSucceed(t *testing.T) {
	o, reg := newTestOrchestrator(t)
	var order []string
	for _, id := range []string{"t1", "t2", "t3"} {
		id := id
		reg.Register(id, func(ctx context.Context, args workflow.Args, cancel <-chan struct{}) (workflow.Result, error) {
			order = append(order, id)
			return workflow.Result{"value": "ok"}, nil
		})
	}
	tasks := []*workflow.Task{taskDef("t1"), taskDef("t2", "t1"), taskDef("t3", "t2")}

	id, err := o.Create(context.Background(), "linear", tasks)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ws, err := o.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ws.Status != workflow.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", ws.Status)
	}
	if ws.Progress != 100.0 {
		t.Fatalf("expected progress 100, got %v", ws.Progress)
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		if ws.Tasks[id].Result["value"] != "ok" {
			t.Fatalf("task %s missing result", id)
		}
	}
	if !(ws.Tasks["t1"].StartedAt.Before(*ws.Tasks["t2"].StartedAt) || ws.Tasks["t1"].StartedAt.Equal(*ws.Tasks["t2"].StartedAt)) {
		t.Fatalf("expected t1 to start no later than t2")
	}
}

// Scenario 2: diamond with parallel middle.
func TestDiamondParallelMiddleOverlaps(t *testing.T) {
	o, reg := newTestOrchestrator(t)
	sleepy := func(ctx context.Context, args workflow.Args, cancel <-chan struct{}) (workflow.Result, error) {
		time.Sleep(60 * time.Millisecond)
		return workflow.Result{}, nil
	}
	reg.Register("a", sleepy)
	reg.Register("b", sleepy)
	reg.Register("c", sleepy)
	reg.Register("d", sleepy)

	tasks := []*workflow.Task{
		taskDef("a"),
		taskDef("b", "a"),
		taskDef("c", "a"),
		taskDef("d", "b", "c"),
	}
	id, err := o.Create(context.Background(), "diamond", tasks)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ws, err := o.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ws.Status != workflow.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", ws.Status)
	}
	b, c, d := ws.Tasks["b"], ws.Tasks["c"], ws.Tasks["d"]
	if !b.StartedAt.Before(*c.CompletedAt) || !c.StartedAt.Before(*b.CompletedAt) {
		t.Fatalf("expected b and c to overlap: b=[%v,%v] c=[%v,%v]", b.StartedAt, b.CompletedAt, c.StartedAt, c.CompletedAt)
	}
	if d.StartedAt.Before(*b.CompletedAt) || d.StartedAt.Before(*c.CompletedAt) {
		t.Fatalf("expected d to start after both b and c completed")
	}
}

// Scenario 3: transient failure then success.
func TestTransientFailureThenSuccess(t *testing.T) {
	o, reg := newTestOrchestrator(t)
	var attempts int32
	reg.Register("flaky", func(ctx context.Context, args workflow.Args, cancel <-chan struct{}) (workflow.Result, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return nil, &workflow.TaskError{Kind: workflow.ErrTransientIo, Message: "network blip"}
		}
		return workflow.Result{"ok": true}, nil
	})

	tasks := []*workflow.Task{taskDef("flaky")}
	id, err := o.Create(context.Background(), "flaky-wf", tasks)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ws, err := o.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ws.Status != workflow.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", ws.Status)
	}
	if ws.Tasks["flaky"].RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", ws.Tasks["flaky"].RetryCount)
	}
}

// Scenario 4: exhausted retries block dependent.
func TestExhaustedRetriesBlockDependent(t *testing.T) {
	o, reg := newTestOrchestrator(t)
	reg.Register("t1", func(ctx context.Context, args workflow.Args, cancel <-chan struct{}) (workflow.Result, error) {
		return nil, &workflow.TaskError{Kind: workflow.ErrTransientIo, Message: "always down"}
	})
	t2Ran := false
	reg.Register("t2", func(ctx context.Context, args workflow.Args, cancel <-chan struct{}) (workflow.Result, error) {
		t2Ran = true
		return workflow.Result{}, nil
	})

	t1 := taskDef("t1")
	t1.MaxRetries = 2
	tasks := []*workflow.Task{t1, taskDef("t2", "t1")}
	id, err := o.Create(context.Background(), "blocked", tasks)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ws, err := o.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ws.Status != workflow.StatusFailed {
		t.Fatalf("expected FAILED, got %s", ws.Status)
	}
	if ws.Tasks["t1"].RetryCount != 2 || ws.Tasks["t1"].Status != workflow.TaskFailed {
		t.Fatalf("expected t1 failed with retry_count=2, got %+v", ws.Tasks["t1"])
	}
	if ws.Tasks["t2"].Status != workflow.TaskFailed || ws.Tasks["t2"].Error.Kind != workflow.ErrDependency {
		t.Fatalf("expected t2 failed/Dependency, got %+v", ws.Tasks["t2"])
	}
	if t2Ran {
		t.Fatal("t2 must never have executed")
	}
}

// Scenario 5: cycle rejection.
func TestCycleRejection(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	tasks := []*workflow.Task{taskDef("a", "c"), taskDef("b", "a"), taskDef("c", "b")}
	_, err := o.Create(context.Background(), "cyclic", tasks)
	if !errors.Is(err, CycleDetected) {
		t.Fatalf("expected CycleDetected, got %v", err)
	}
	ids, _ := o.List(context.Background())
	for _, id := range ids {
		if id != "" {
			t.Fatalf("expected no workflow persisted after rejected create, found %v", ids)
		}
	}
}

// Scenario 6: resume after crash.
func TestResumeAfterCrash(t *testing.T) {
	o, reg := newTestOrchestrator(t)
	reg.Register("t1", func(ctx context.Context, args workflow.Args, cancel <-chan struct{}) (workflow.Result, error) {
		return workflow.Result{"step": 1}, nil
	})
	t2Ran := false
	reg.Register("t2", func(ctx context.Context, args workflow.Args, cancel <-chan struct{}) (workflow.Result, error) {
		t2Ran = true
		return workflow.Result{"step": 2}, nil
	})

	tasks := []*workflow.Task{taskDef("t1"), taskDef("t2", "t1")}
	id, err := o.Create(context.Background(), "resumable", tasks)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Simulate a crash after t1 completed: persist a state where t1 is
	// COMPLETED and t2 is still PENDING, as if the process had died right
	// after the first save.
	ws, err := o.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	now := time.Now()
	ws.Tasks["t1"].Status = workflow.TaskCompleted
	ws.Tasks["t1"].CompletedAt = &now
	ws.Tasks["t1"].Result = workflow.Result{"step": 1}
	if err := o.store.Save(context.Background(), ws); err != nil {
		t.Fatalf("simulate crash save: %v", err)
	}

	t1RanAgain := false
	reg.Register("t1", func(ctx context.Context, args workflow.Args, cancel <-chan struct{}) (workflow.Result, error) {
		t1RanAgain = true
		return workflow.Result{"step": 1}, nil
	})

	final, err := o.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute after simulated crash: %v", err)
	}
	if final.Status != workflow.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", final.Status)
	}
	if t1RanAgain {
		t.Fatal("t1 must not be re-executed; it was already COMPLETED")
	}
	if !t2Ran {
		t.Fatal("t2 must execute after resume")
	}
}

func TestEmptyTaskSetCompletesImmediately(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	id, err := o.Create(context.Background(), "empty", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ws, err := o.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ws.Status != workflow.StatusCompleted || ws.Progress != 100 {
		t.Fatalf("expected immediate COMPLETED/100, got %s/%v", ws.Status, ws.Progress)
	}
}

func TestUnregisteredTaskFunctionFailsValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	tasks := []*workflow.Task{taskDef("ghost-func")}
	id, err := o.Create(context.Background(), "unregistered", tasks)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ws, err := o.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ws.Status != workflow.StatusFailed {
		t.Fatalf("expected FAILED, got %s", ws.Status)
	}
	if ws.Tasks["ghost-func"].Error.Kind != workflow.ErrValidation {
		t.Fatalf("expected Validation error, got %+v", ws.Tasks["ghost-func"].Error)
	}
}
