// Package scheduler implements the Task Scheduler (C4): a bounded
// worker pool that executes single tasks with a per-attempt timeout and
// cooperative cancellation. Narrowed from the teacher's dag_engine.go
// worker/executeTask pair — retry and caching are deliberately left to
// internal/retry and internal/cache per the spec's component boundaries.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bioflow/orchestrator/internal/workflow"
)

// ErrShutdown is returned by Submit once the scheduler has begun shutting down.
var ErrShutdown = errors.New("scheduler: shutting down")

// ObservableStatus is the scheduler-visible status of a submitted task
// (spec §4.4 status contract — narrower than the full workflow.TaskStatus
// enum, which belongs to the orchestrator).
type ObservableStatus string

const (
	StatusRunning   ObservableStatus = "RUNNING"
	StatusCompleted ObservableStatus = "COMPLETED"
	StatusCancelled ObservableStatus = "CANCELLED"
)

// Outcome is delivered on a task's result channel once it settles.
type Outcome struct {
	TaskID string
	Result workflow.Result
	Err    error
	Status ObservableStatus
}

// Body is the function a task execution actually runs: opaque args already
// bound, cooperative cancellation token, typed result/error out.
type Body func(ctx context.Context, cancel <-chan struct{}) (workflow.Result, error)

type inflight struct {
	cancel context.CancelFunc
	status ObservableStatus
}

// Scheduler is a process-wide bounded worker pool shared by every workflow
// (spec §5: "at most max_workers tasks run simultaneously across all
// workflows sharing the scheduler").
type Scheduler struct {
	sem chan struct{}

	mu       sync.Mutex
	inflight map[string]*inflight
	wg       sync.WaitGroup
	shutdown bool

	taskDuration metric.Float64Histogram
	parallelism  metric.Int64Gauge
}

// New creates a Scheduler bounded to maxWorkers concurrent task bodies.
func New(maxWorkers int, meter metric.Meter) *Scheduler {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	duration, _ := meter.Float64Histogram("bioflow_task_duration_ms")
	parallelism, _ := meter.Int64Gauge("bioflow_task_parallelism")
	return &Scheduler{
		sem:          make(chan struct{}, maxWorkers),
		inflight:     make(map[string]*inflight),
		taskDuration: duration,
		parallelism:  parallelism,
	}
}

// Submit runs body in a worker drawn from the bounded pool, honoring
// timeout, and delivers exactly one Outcome on the returned channel. The
// task transitions to RUNNING as soon as a worker slot is acquired.
func (s *Scheduler) Submit(ctx context.Context, taskID string, timeout time.Duration, body Body) <-chan Outcome {
	out := make(chan Outcome, 1)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		out <- Outcome{TaskID: taskID, Err: ErrShutdown, Status: StatusCancelled}
		close(out)
		return out
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(out)

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			out <- Outcome{TaskID: taskID, Err: ctx.Err(), Status: StatusCancelled}
			return
		}
		defer func() { <-s.sem }()

		// A zero (or negative) timeout is an already-expired deadline, not
		// "unbounded" (spec §4.4/§8): the task never runs, it fails
		// immediately as a timeout.
		if timeout <= 0 {
			out <- Outcome{TaskID: taskID, Err: &workflow.TaskError{
				Kind:    workflow.ErrTimeout,
				Message: "task timeout is zero: deadline already expired",
			}, Status: StatusCancelled}
			return
		}

		taskCtx, cancelFn := context.WithTimeout(ctx, timeout)
		defer cancelFn()

		s.mu.Lock()
		s.inflight[taskID] = &inflight{cancel: cancelFn, status: StatusRunning}
		s.mu.Unlock()
		if s.parallelism != nil {
			s.parallelism.Record(ctx, 1)
		}

		cancelCh := make(chan struct{})
		go func() {
			<-taskCtx.Done()
			close(cancelCh)
		}()

		start := time.Now()
		result, err := body(taskCtx, cancelCh)
		if s.parallelism != nil {
			s.parallelism.Record(ctx, -1)
		}
		if s.taskDuration != nil {
			s.taskDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("task_id", taskID)))
		}

		status := StatusCompleted
		if err != nil {
			switch {
			case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
				err = workflow.NewTaskError(workflow.ErrTimeout, err)
				status = StatusCancelled
			case errors.Is(taskCtx.Err(), context.Canceled):
				err = workflow.NewTaskError(workflow.ErrCancelled, err)
				status = StatusCancelled
			}
		}

		s.mu.Lock()
		delete(s.inflight, taskID)
		s.mu.Unlock()

		out <- Outcome{TaskID: taskID, Result: result, Err: err, Status: status}
	}()

	return out
}

// Cancel requests cancellation of an in-flight task by closing its
// cancellation token. Tasks that don't observe it still run to timeout.
func (s *Scheduler) Cancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.inflight[taskID]; ok {
		f.cancel()
	}
}

// Status returns the scheduler-observable status of taskID, or false if
// the task is not currently tracked (absent).
func (s *Scheduler) Status(taskID string) (ObservableStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.inflight[taskID]
	if !ok {
		return "", false
	}
	return f.status, true
}

// Shutdown stops accepting new submissions and waits for every in-flight
// task to finish cooperatively. Idempotent.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.mu.Unlock()
	s.wg.Wait()
}
