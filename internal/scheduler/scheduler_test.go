package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/bioflow/orchestrator/internal/workflow"
)

func TestSubmitRunsToCompletion(t *testing.T) {
	s := New(2, otel.Meter("test"))
	out := s.Submit(context.Background(), "t1", time.Second, func(ctx context.Context, cancel <-chan struct{}) (workflow.Result, error) {
		return workflow.Result{"ok": true}, nil
	})
	outcome := <-out
	if outcome.Err != nil {
		t.Fatalf("unexpected error: %v", outcome.Err)
	}
	if outcome.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", outcome.Status)
	}
}

func TestSubmitBoundsConcurrency(t *testing.T) {
	s := New(1, otel.Meter("test"))
	var concurrent int32
	var maxConcurrent int32
	release := make(chan struct{})

	body := func(ctx context.Context, cancel <-chan struct{}) (workflow.Result, error) {
		n := atomic.AddInt32(&concurrent, 1)
		if n > atomic.LoadInt32(&maxConcurrent) {
			atomic.StoreInt32(&maxConcurrent, n)
		}
		<-release
		atomic.AddInt32(&concurrent, -1)
		return workflow.Result{}, nil
	}

	out1 := s.Submit(context.Background(), "a", time.Second, body)
	out2 := s.Submit(context.Background(), "b", time.Second, body)

	time.Sleep(20 * time.Millisecond)
	close(release)
	<-out1
	<-out2

	if atomic.LoadInt32(&maxConcurrent) > 1 {
		t.Fatalf("expected max concurrency 1, observed %d", maxConcurrent)
	}
}

func TestSubmitTimeoutProducesTimeoutError(t *testing.T) {
	s := New(1, otel.Meter("test"))
	out := s.Submit(context.Background(), "slow", 10*time.Millisecond, func(ctx context.Context, cancel <-chan struct{}) (workflow.Result, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return workflow.Result{}, nil
		}
	})
	outcome := <-out
	if outcome.Err == nil {
		t.Fatal("expected timeout error")
	}
	te, ok := outcome.Err.(*workflow.TaskError)
	if !ok || te.Kind != workflow.ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", outcome.Err)
	}
}

func TestZeroTimeoutFailsImmediatelyWithoutRunningBody(t *testing.T) {
	s := New(1, otel.Meter("test"))
	var ran int32
	out := s.Submit(context.Background(), "instant", 0, func(ctx context.Context, cancel <-chan struct{}) (workflow.Result, error) {
		atomic.AddInt32(&ran, 1)
		return workflow.Result{"ok": true}, nil
	})
	outcome := <-out
	if atomic.LoadInt32(&ran) != 0 {
		t.Fatal("a zero-timeout task must never execute its body")
	}
	te, ok := outcome.Err.(*workflow.TaskError)
	if !ok || te.Kind != workflow.ErrTimeout {
		t.Fatalf("expected ErrTimeout for a zero timeout, got %v", outcome.Err)
	}
	if outcome.Status != StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", outcome.Status)
	}
}

func TestCancelMarksTaskCancelled(t *testing.T) {
	s := New(1, otel.Meter("test"))
	started := make(chan struct{})
	out := s.Submit(context.Background(), "cancel-me", time.Minute, func(ctx context.Context, cancel <-chan struct{}) (workflow.Result, error) {
		close(started)
		<-cancel
		return nil, ctx.Err()
	})

	<-started
	s.Cancel("cancel-me")
	outcome := <-out
	if outcome.Status != StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", outcome.Status)
	}
}

func TestShutdownWaitsForInflight(t *testing.T) {
	s := New(1, otel.Meter("test"))
	done := make(chan struct{})
	out := s.Submit(context.Background(), "a", time.Second, func(ctx context.Context, cancel <-chan struct{}) (workflow.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return workflow.Result{}, nil
	})
	go func() {
		s.Shutdown()
		close(done)
	}()
	<-out
	<-done
}
