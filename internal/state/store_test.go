package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/bioflow/orchestrator/internal/workflow"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflows.db")
	s, err := Open(path, otel.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ws := &workflow.WorkflowState{
		WorkflowID: "wf-1",
		Name:       "peptide-panel",
		Status:     workflow.StatusRunning,
		Tasks:      map[string]*workflow.Task{},
		CreatedAt:  time.Now(),
		Progress:   0,
	}
	if err := s.Save(ctx, ws); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := s.Load(ctx, "wf-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil || loaded.Name != "peptide-panel" {
		t.Fatalf("unexpected loaded state: %+v", loaded)
	}

	byName, err := s.LoadByName(ctx, "peptide-panel")
	if err != nil || byName == nil || byName.WorkflowID != "wf-1" {
		t.Fatalf("load by name failed: %v %+v", err, byName)
	}
}

func TestLoadMissingIsNilNotError(t *testing.T) {
	s := openTestStore(t)
	ws, err := s.Load(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("expected no error for missing id, got %v", err)
	}
	if ws != nil {
		t.Fatalf("expected nil state, got %+v", ws)
	}
}

func TestDeleteThenListReflectsRemoval(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ws := &workflow.WorkflowState{WorkflowID: "wf-2", Name: "x", Tasks: map[string]*workflow.Task{}, CreatedAt: time.Now()}
	if err := s.Save(ctx, ws); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Delete("wf-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ids, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, id := range ids {
		if id == "wf-2" {
			t.Fatal("expected wf-2 to be removed from list")
		}
	}
}

func TestCleanupOnlyRemovesTerminalOlderThanCutoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := &workflow.WorkflowState{
		WorkflowID: "old-done",
		Name:       "old-done",
		Status:     workflow.StatusCompleted,
		Tasks:      map[string]*workflow.Task{},
		CreatedAt:  time.Now().Add(-48 * time.Hour),
	}
	recent := &workflow.WorkflowState{
		WorkflowID: "recent-done",
		Name:       "recent-done",
		Status:     workflow.StatusCompleted,
		Tasks:      map[string]*workflow.Task{},
		CreatedAt:  time.Now(),
	}
	oldRunning := &workflow.WorkflowState{
		WorkflowID: "old-running",
		Name:       "old-running",
		Status:     workflow.StatusRunning,
		Tasks:      map[string]*workflow.Task{},
		CreatedAt:  time.Now().Add(-48 * time.Hour),
	}
	for _, ws := range []*workflow.WorkflowState{old, recent, oldRunning} {
		if err := s.Save(ctx, ws); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	removed, err := s.Cleanup(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected exactly 1 removed, got %d", removed)
	}
	if ws, _ := s.Load(ctx, "old-done"); ws != nil {
		t.Fatal("expected old completed workflow to be removed")
	}
	if ws, _ := s.Load(ctx, "recent-done"); ws == nil {
		t.Fatal("expected recent completed workflow to survive")
	}
	if ws, _ := s.Load(ctx, "old-running"); ws == nil {
		t.Fatal("expected non-terminal workflow to survive regardless of age")
	}
}
