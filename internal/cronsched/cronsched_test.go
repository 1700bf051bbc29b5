package cronsched

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/bioflow/orchestrator/internal/notify"
	"github.com/bioflow/orchestrator/internal/orchestrator"
	"github.com/bioflow/orchestrator/internal/registry"
	"github.com/bioflow/orchestrator/internal/retry"
	"github.com/bioflow/orchestrator/internal/scheduler"
	"github.com/bioflow/orchestrator/internal/state"
	"github.com/bioflow/orchestrator/internal/workflow"
)

func newTestFixture(t *testing.T) (*CronScheduler, *registry.Registry) {
	t.Helper()
	meter := otel.Meter("test")
	st, err := state.Open(filepath.Join(t.TempDir(), "wf.db"), meter)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sched := scheduler.New(4, meter)
	reg := registry.New()
	orch := orchestrator.New(st, sched, reg, notify.LogSink{}, otel.Tracer("test"), retry.Instruments{})
	cs := New(st, orch, otel.Tracer("test"), meter)
	return cs, reg
}

func TestEventTriggerReExecutesWorkflow(t *testing.T) {
	cs, reg := newTestFixture(t)
	var runs int32
	reg.Register("touch", func(ctx context.Context, args workflow.Args, cancel <-chan struct{}) (workflow.Result, error) {
		atomic.AddInt32(&runs, 1)
		return workflow.Result{}, nil
	})

	cfg := &ScheduleConfig{
		WorkflowName: "nightly-rescreen",
		Tasks:        []*workflow.Task{{TaskID: "t1", Name: "t1", FunctionRef: "touch", TimeoutSecs: 5}},
		EventType:    "panel.updated",
		EventFilter:  map[string]any{"panel": "kinase"},
		Enabled:      true,
	}
	if err := cs.AddSchedule(context.Background(), cfg); err != nil {
		t.Fatalf("add schedule: %v", err)
	}

	if err := cs.TriggerEvent(context.Background(), "panel.updated", map[string]any{"panel": "phosphatase"}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&runs) != 0 {
		t.Fatal("mismatched filter must not trigger the workflow")
	}

	if err := cs.TriggerEvent(context.Background(), "panel.updated", map[string]any{"panel": "kinase"}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&runs) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Fatalf("expected exactly one run, got %d", runs)
	}
}

func TestSchedulePersistsUntilRemoved(t *testing.T) {
	cs, _ := newTestFixture(t)
	cfg := &ScheduleConfig{
		WorkflowName: "weekly",
		Tasks:        []*workflow.Task{{TaskID: "t1", Name: "t1", FunctionRef: "noop"}},
		CronExpr:     "0 0 3 * * *",
		Enabled:      true,
	}
	if err := cs.AddSchedule(context.Background(), cfg); err != nil {
		t.Fatalf("add schedule: %v", err)
	}

	listed, err := cs.ListSchedules()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].WorkflowName != "weekly" {
		t.Fatalf("expected one persisted schedule named weekly, got %+v", listed)
	}

	if err := cs.RemoveSchedule("weekly"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	listed, err = cs.ListSchedules()
	if err != nil {
		t.Fatalf("list after remove: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected no schedules after removal, got %+v", listed)
	}
}

func TestCloneTasksResetsExecutionState(t *testing.T) {
	now := time.Now()
	original := []*workflow.Task{{
		TaskID: "t1", Status: workflow.TaskFailed, RetryCount: 3,
		Result: workflow.Result{"x": 1}, Error: &workflow.TaskError{Kind: workflow.ErrInternal},
		CompletedAt: &now,
	}}
	cloned := cloneTasks(original)
	if cloned[0].Status != workflow.TaskPending || cloned[0].RetryCount != 0 || cloned[0].Result != nil || cloned[0].Error != nil || cloned[0].CompletedAt != nil {
		t.Fatalf("expected a fully reset task template, got %+v", cloned[0])
	}
	if original[0].Status != workflow.TaskFailed {
		t.Fatal("cloneTasks must not mutate the original template")
	}
}
