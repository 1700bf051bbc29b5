// Package orchestrator implements the Orchestrator (C6): the top-level
// engine that builds the task graph, drives the ready-set loop, and
// coordinates the State Store, Task Scheduler, and Error
// Classifier/Notifier. The Artifact Cache is not used here; task
// functions consult it themselves. Grounded on the teacher's dag_engine.go Execute/
// buildDAG/executeDAG (Kahn's-algorithm ready-set loop, worker pool
// coordination) and the original orchestrator.py WorkflowOrchestrator,
// whose public methods this type's public contract mirrors almost
// one-to-one.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bioflow/orchestrator/internal/notify"
	"github.com/bioflow/orchestrator/internal/registry"
	"github.com/bioflow/orchestrator/internal/retry"
	"github.com/bioflow/orchestrator/internal/scheduler"
	"github.com/bioflow/orchestrator/internal/state"
	"github.com/bioflow/orchestrator/internal/taskgraph"
	"github.com/bioflow/orchestrator/internal/workflow"
)

// CycleDetected and MissingDependency mirror taskgraph's sentinel errors
// at the orchestrator's public boundary (spec §4.6 construction-time
// validation).
var (
	CycleDetected     = taskgraph.ErrCycleDetected
	MissingDependency = taskgraph.ErrMissingDependency
)

// Orchestrator is the top-level workflow engine.
type Orchestrator struct {
	store    *state.Store
	sched    *scheduler.Scheduler
	registry *registry.Registry
	notifier notify.Sink
	retryPolicy retry.Policy
	retryInst   retry.Instruments
	tracer      trace.Tracer

	mu       sync.Mutex
	running  map[string]context.CancelFunc // workflow_id -> cancel of its execution loop
	pauseReq map[string]bool               // workflow_id -> pause requested
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

// WithRetryPolicy overrides the default linear retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Orchestrator) { o.retryPolicy = p }
}

// New builds an Orchestrator over the given collaborators.
func New(store *state.Store, sched *scheduler.Scheduler, reg *registry.Registry, notifier notify.Sink, tracer trace.Tracer, retryInst retry.Instruments, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		sched:       sched,
		registry:    reg,
		notifier:    notifier,
		retryPolicy: retry.DefaultPolicy,
		retryInst:   retryInst,
		tracer:      tracer,
		running:     make(map[string]context.CancelFunc),
		pauseReq:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Create validates and persists a new workflow, returning its workflow_id.
func (o *Orchestrator) Create(ctx context.Context, name string, tasks []*workflow.Task) (string, error) {
	taskMap := make(map[string]*workflow.Task, len(tasks))
	now := time.Now()
	for _, t := range tasks {
		if t.MaxRetries == 0 {
			t.MaxRetries = o.retryPolicy.MaxRetries
		}
		t.Status = workflow.TaskPending
		t.CreatedAt = now
		taskMap[t.TaskID] = t
	}

	if _, err := taskgraph.Build(taskMap); err != nil {
		return "", err
	}

	id := uuid.NewString()
	ws := &workflow.WorkflowState{
		WorkflowID: id,
		Name:       name,
		Status:     workflow.StatusCreated,
		Tasks:      taskMap,
		CreatedAt:  now,
	}
	ws.RecomputeProgress()

	if err := o.store.Save(ctx, ws); err != nil {
		return "", fmt.Errorf("orchestrator: persist new workflow: %w", err)
	}
	return id, nil
}

// Status returns a snapshot of the persisted WorkflowState, or nil if unknown.
func (o *Orchestrator) Status(ctx context.Context, workflowID string) (*workflow.WorkflowState, error) {
	ws, err := o.store.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, nil
	}
	return ws.Snapshot(), nil
}

// List enumerates the ids of all persisted workflows.
func (o *Orchestrator) List(ctx context.Context) ([]string, error) {
	return o.store.List()
}

// Cleanup removes every terminal workflow older than olderThan.
func (o *Orchestrator) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return o.store.Cleanup(ctx, time.Now().Add(-olderThan))
}

// Pause transitions a RUNNING workflow to PAUSED once in-flight tasks
// drain. No-op if the workflow is not currently RUNNING under this
// Orchestrator instance.
func (o *Orchestrator) Pause(workflowID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[workflowID]; ok {
		o.pauseReq[workflowID] = true
	}
}

// Resume re-enters the ready-set loop for a PAUSED workflow. It is a thin
// wrapper over Execute: a PAUSED workflow's tasks are already in the
// correct PENDING/COMPLETED mix for the loop to pick back up.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) (*workflow.WorkflowState, error) {
	ws, err := o.store.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, fmt.Errorf("orchestrator: unknown workflow %s", workflowID)
	}
	if ws.Status != workflow.StatusPaused {
		return ws.Snapshot(), nil
	}
	return o.Execute(ctx, workflowID)
}

// Cancel cancels every in-flight task of workflowID via its execution
// context and marks non-terminal tasks CANCELLED. No-op if the workflow
// is already terminal.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID string) error {
	o.mu.Lock()
	cancel, running := o.running[workflowID]
	o.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	// Not currently executing under this process: mark terminal directly.
	ws, err := o.store.Load(ctx, workflowID)
	if err != nil {
		return err
	}
	if ws == nil || isTerminal(ws.Status) {
		return nil
	}
	for _, t := range ws.Tasks {
		if !t.Status.IsTerminal() {
			t.Status = workflow.TaskCancelled
			now := time.Now()
			t.CompletedAt = &now
		}
	}
	ws.Status = workflow.StatusCancelled
	now := time.Now()
	ws.CompletedAt = &now
	return o.store.Save(ctx, ws)
}

func isTerminal(s workflow.Status) bool {
	return s == workflow.StatusCompleted || s == workflow.StatusFailed || s == workflow.StatusCancelled
}

// Execute runs workflowID to a terminal state (or PAUSED, if a pause was
// requested mid-run), persisting after every task-status transition, and
// returns the final snapshot.
func (o *Orchestrator) Execute(parentCtx context.Context, workflowID string) (*workflow.WorkflowState, error) {
	ws, err := o.store.Load(parentCtx, workflowID)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, fmt.Errorf("orchestrator: unknown workflow %s", workflowID)
	}

	applyResumeSemantics(ws)

	if len(ws.Tasks) == 0 {
		ws.Status = workflow.StatusCompleted
		ws.Progress = 100
		now := time.Now()
		ws.StartedAt = &now
		ws.CompletedAt = &now
		if err := o.store.Save(parentCtx, ws); err != nil {
			return nil, err
		}
		return ws.Snapshot(), nil
	}

	ctx, cancel := context.WithCancel(parentCtx)
	o.mu.Lock()
	o.running[workflowID] = cancel
	o.pauseReq[workflowID] = false
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, workflowID)
		delete(o.pauseReq, workflowID)
		o.mu.Unlock()
		cancel()
	}()

	ctx, span := o.tracer.Start(ctx, "orchestrator.execute")
	span.SetAttributes(attribute.String("workflow_id", workflowID), attribute.String("workflow_name", ws.Name))
	defer span.End()

	ws.Status = workflow.StatusRunning
	if ws.StartedAt == nil {
		now := time.Now()
		ws.StartedAt = &now
	}
	if err := o.store.Save(ctx, ws); err != nil {
		return nil, err
	}

	aggregator := make(chan workflow.Task, len(ws.Tasks)*2)
	outstanding := 0

	for {
		select {
		case <-ctx.Done():
			o.finalizeCancelled(ctx, ws)
			return ws.Snapshot(), nil
		default:
		}

		o.mu.Lock()
		paused := o.pauseReq[workflowID]
		o.mu.Unlock()

		ready := taskgraph.ReadySet(ws.Tasks)
		if !paused && len(ready) > 0 {
			for _, id := range ready {
				o.submit(ctx, ws, id, aggregator)
				outstanding++
			}
		}

		if outstanding == 0 {
			if paused {
				ws.Status = workflow.StatusPaused
				return ws.Snapshot(), o.store.Save(ctx, ws)
			}
			done, dead := countDoneAndDead(ws.Tasks)
			if done+dead == len(ws.Tasks) {
				o.finalizeTerminal(ctx, ws)
				return ws.Snapshot(), nil
			}
			if blocked := blockDeadDependents(ws.Tasks, deadSet(ws.Tasks)); blocked {
				o.finalizeTerminal(ctx, ws)
				return ws.Snapshot(), nil
			}
			ws.Status = workflow.StatusFailed
			now := time.Now()
			ws.CompletedAt = &now
			o.store.Save(ctx, ws)
			o.notify(ctx, workflow.Notification{
				WorkflowID: workflowID,
				Kind:       workflow.ErrInternal,
				Message:    "deadlock: no ready tasks and no dead tasks to block on",
				Timestamp:  now,
			})
			return ws.Snapshot(), nil
		}

		var settled workflow.Task
		select {
		case <-ctx.Done():
			o.finalizeCancelled(ctx, ws)
			return ws.Snapshot(), nil
		case settled = <-aggregator:
		}
		outstanding--
		ws.Tasks[settled.TaskID] = &settled
		ws.RecomputeProgress()
		if err := o.store.Save(ctx, ws); err != nil {
			return ws.Snapshot(), err
		}

		if settled.Status == workflow.TaskRetrying {
			outstanding++ // still "outstanding" while it backs off
			o.scheduleRetry(ctx, ws, settled.TaskID, aggregator)
		}
	}
}

// submit runs one task through the scheduler, classifies its outcome, and
// forwards the settled Task onto agg.
func (o *Orchestrator) submit(ctx context.Context, ws *workflow.WorkflowState, taskID string, agg chan<- workflow.Task) {
	t := ws.Tasks[taskID]
	t.Status = workflow.TaskRunning
	now := time.Now()
	t.StartedAt = &now
	o.store.Save(ctx, ws)

	fn, resolveErr := o.registry.Resolve(t.FunctionRef)

	key := ws.WorkflowID + ":" + taskID
	out := o.sched.Submit(ctx, key, t.Timeout(), func(taskCtx context.Context, cancel <-chan struct{}) (workflow.Result, error) {
		if resolveErr != nil {
			return nil, resolveErr
		}
		return fn(taskCtx, t.Arguments, cancel)
	})

	go func() {
		outcome := <-out
		agg <- o.classify(*t, outcome)
	}()
}

// classify turns a scheduler Outcome into the task's next persisted state.
func (o *Orchestrator) classify(t workflow.Task, outcome scheduler.Outcome) workflow.Task {
	now := time.Now()
	if outcome.Err == nil {
		t.Status = workflow.TaskCompleted
		t.Result = outcome.Result
		t.CompletedAt = &now
		t.Error = nil
		return t
	}

	te := workflow.NewTaskError(workflow.ErrInternal, outcome.Err)
	t.Error = te

	if te.Kind == workflow.ErrCancelled {
		t.Status = workflow.TaskCancelled
		t.CompletedAt = &now
		return t
	}

	if te.Kind.Retryable() && t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.Status = workflow.TaskRetrying
		return t
	}

	t.Status = workflow.TaskFailed
	t.CompletedAt = &now
	return t
}

// scheduleRetry waits out the linear backoff for taskID then re-marks it
// PENDING so the main loop's ready-set computation picks it back up, and
// wakes the loop via agg.
func (o *Orchestrator) scheduleRetry(ctx context.Context, ws *workflow.WorkflowState, taskID string, agg chan<- workflow.Task) {
	t := *ws.Tasks[taskID]
	go func() {
		err := retry.Wait(ctx, o.retryPolicy, t.RetryCount, o.retryInst)
		if err != nil {
			t.Status = workflow.TaskCancelled
			t.Error = workflow.NewTaskError(workflow.ErrCancelled, err)
			now := time.Now()
			t.CompletedAt = &now
			agg <- t
			return
		}
		t.Status = workflow.TaskPending
		t.StartedAt = nil
		agg <- t
	}()
}

func (o *Orchestrator) finalizeTerminal(ctx context.Context, ws *workflow.WorkflowState) {
	now := time.Now()
	ws.CompletedAt = &now
	anyFailed, anyCancelled := false, false
	for _, t := range ws.Tasks {
		switch t.Status {
		case workflow.TaskFailed:
			anyFailed = true
		case workflow.TaskCancelled:
			anyCancelled = true
		}
	}
	switch {
	case anyFailed:
		ws.Status = workflow.StatusFailed
	case anyCancelled:
		ws.Status = workflow.StatusCancelled
	default:
		ws.Status = workflow.StatusCompleted
	}
	ws.RecomputeProgress()
	o.store.Save(ctx, ws)

	if ws.Status == workflow.StatusFailed {
		o.notifyFirstFailure(ctx, ws)
	}
}

func (o *Orchestrator) finalizeCancelled(ctx context.Context, ws *workflow.WorkflowState) {
	now := time.Now()
	for _, t := range ws.Tasks {
		if !t.Status.IsTerminal() {
			t.Status = workflow.TaskCancelled
			t.CompletedAt = &now
		}
	}
	ws.Status = workflow.StatusCancelled
	ws.CompletedAt = &now
	o.store.Save(ctx, ws)
}

func (o *Orchestrator) notifyFirstFailure(ctx context.Context, ws *workflow.WorkflowState) {
	for id, t := range ws.Tasks {
		if t.Status == workflow.TaskFailed && t.Error != nil {
			o.notify(ctx, workflow.Notification{
				WorkflowID: ws.WorkflowID,
				TaskID:     id,
				Kind:       t.Error.Kind,
				Message:    t.Error.Message,
				Timestamp:  time.Now(),
			})
			return
		}
	}
}

func (o *Orchestrator) notify(ctx context.Context, n workflow.Notification) {
	if o.notifier == nil {
		return
	}
	_ = o.notifier.Deliver(ctx, n)
}

// applyResumeSemantics normalizes a loaded state per spec §4.6 Resume
// semantics: RUNNING tasks (crashed mid-flight) reset to PENDING, RETRYING
// tasks become PENDING with their retry_count preserved.
func applyResumeSemantics(ws *workflow.WorkflowState) {
	for _, t := range ws.Tasks {
		switch t.Status {
		case workflow.TaskRunning, workflow.TaskRetrying:
			t.Status = workflow.TaskPending
			t.StartedAt = nil
		}
	}
}

func countDoneAndDead(tasks map[string]*workflow.Task) (done, dead int) {
	for _, t := range tasks {
		switch t.Status {
		case workflow.TaskCompleted:
			done++
		case workflow.TaskFailed, workflow.TaskCancelled:
			dead++
		}
	}
	return
}

func deadSet(tasks map[string]*workflow.Task) map[string]bool {
	dead := make(map[string]bool)
	for id, t := range tasks {
		if t.Status == workflow.TaskFailed || t.Status == workflow.TaskCancelled {
			dead[id] = true
		}
	}
	return dead
}

// blockDeadDependents marks every remaining PENDING task that transitively
// depends on a dead task as FAILED/Dependency (spec §4.6 step 2), and
// reports whether it did so for at least one task — i.e., whether the
// workflow has reached a terminal state through this path.
func blockDeadDependents(tasks map[string]*workflow.Task, dead map[string]bool) bool {
	if len(dead) == 0 {
		return false
	}
	blockedAny := false
	now := time.Now()
	for id, t := range tasks {
		if t.Status != workflow.TaskPending {
			continue
		}
		if taskgraph.TransitivelyDependsOnDead(tasks, id, dead) {
			t.Status = workflow.TaskFailed
			t.Error = &workflow.TaskError{Kind: workflow.ErrDependency, Message: "a dependency failed terminally"}
			t.CompletedAt = &now
			blockedAny = true
		}
	}
	return blockedAny
}
