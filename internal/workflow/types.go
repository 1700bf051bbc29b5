// Package workflow defines the data model shared by every orchestration
// component: tasks, workflow state, error kinds, and the task-function ABI.
package workflow

import (
	"context"
	"time"
)

// TaskStatus is the lifecycle state of a single Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
	TaskRetrying  TaskStatus = "RETRYING"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Status is the lifecycle state of a WorkflowState.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// ErrorKind classifies a task failure for retry and escalation purposes.
type ErrorKind string

const (
	ErrTransientIo ErrorKind = "TransientIo"
	ErrTimeout     ErrorKind = "Timeout"
	ErrValidation  ErrorKind = "Validation"
	ErrDependency  ErrorKind = "Dependency"
	ErrCancelled   ErrorKind = "Cancelled"
	ErrInternal    ErrorKind = "Internal"
)

// Retryable reports whether k may be retried within budget.
func (k ErrorKind) Retryable() bool {
	return k == ErrTransientIo || k == ErrTimeout
}

// TaskError is the typed error carried by a task outcome.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *TaskError) Error() string { return string(e.Kind) + ": " + e.Message }

// NewTaskError wraps a plain error with a kind, defaulting unknown errors to Internal.
func NewTaskError(kind ErrorKind, err error) *TaskError {
	if err == nil {
		return nil
	}
	if te, ok := err.(*TaskError); ok {
		return te
	}
	if kind == "" {
		kind = ErrInternal
	}
	return &TaskError{Kind: kind, Message: err.Error()}
}

// Args and Result are the opaque envelopes forwarded verbatim between the
// orchestrator and task functions. The core never interprets their contents
// except to serialize them for persistence and fingerprinting.
type Args map[string]any
type Result map[string]any

// Func is the task-function ABI: opaque args in, cooperative cancellation
// token, result or typed error out.
type Func func(ctx context.Context, args Args, cancel <-chan struct{}) (Result, error)

// Task is a single unit of work inside a Workflow.
type Task struct {
	TaskID      string         `json:"task_id"`
	Name        string         `json:"name"`
	FunctionRef string         `json:"function_ref"`
	Arguments   Args           `json:"arguments"`
	Dependencies []string      `json:"dependencies"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	TimeoutSecs float64        `json:"timeout_seconds"`
	Status      TaskStatus     `json:"status"`
	Result      Result         `json:"result,omitempty"`
	Error       *TaskError     `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Timeout returns the per-attempt timeout as a time.Duration.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSecs * float64(time.Second))
}

// WorkflowState is the full, persistable state of one workflow execution.
type WorkflowState struct {
	WorkflowID  string           `json:"workflow_id"`
	Name        string           `json:"name"`
	Status      Status           `json:"status"`
	Tasks       map[string]*Task `json:"tasks"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Progress    float64          `json:"progress"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// RecomputeProgress sets Progress to the completed fraction of all tasks,
// never allowing it to decrease (spec: progress monotonicity).
func (w *WorkflowState) RecomputeProgress() {
	if len(w.Tasks) == 0 {
		w.Progress = 100.0
		return
	}
	completed := 0
	for _, t := range w.Tasks {
		if t.Status == TaskCompleted {
			completed++
		}
	}
	next := float64(completed) / float64(len(w.Tasks)) * 100.0
	if next > w.Progress {
		w.Progress = next
	}
}

// Snapshot returns a deep-enough copy of the state for external readers,
// so that no caller retains a reference the orchestrator's coordination
// goroutine might mutate concurrently.
func (w *WorkflowState) Snapshot() *WorkflowState {
	cp := *w
	cp.Tasks = make(map[string]*Task, len(w.Tasks))
	for id, t := range w.Tasks {
		tc := *t
		cp.Tasks[id] = &tc
	}
	return &cp
}

// Notification is the payload delivered to a notify.Sink on terminal failure.
type Notification struct {
	WorkflowID  string    `json:"workflow_id"`
	TaskID      string    `json:"task_id,omitempty"`
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Diagnostics string    `json:"diagnostics,omitempty"`
}
