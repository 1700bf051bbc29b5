// Package cronsched implements periodic (re-)execution of registered
// workflow templates (C10): a supplement to spec.md §4.6 that a real
// deployment needs (e.g. a nightly re-screen of a protein panel) and that
// the teacher repo already implements for an analogous need. Grounded on
// the teacher's scheduler.go Scheduler type, narrowed to the
// Orchestrator's actual public contract — this package never touches a
// workflow's task graph or persisted instance state directly, only
// Orchestrator.Create/Execute.
package cronsched

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/bioflow/orchestrator/internal/orchestrator"
	"github.com/bioflow/orchestrator/internal/state"
	"github.com/bioflow/orchestrator/internal/workflow"
)

// ScheduleConfig defines when and how to periodically re-execute a named
// workflow template. Tasks is the template: each trigger clones it to a
// fresh PENDING set and hands it to Orchestrator.Create.
type ScheduleConfig struct {
	WorkflowName  string            `json:"workflow_name"`
	Tasks         []*workflow.Task  `json:"tasks"`
	CronExpr      string            `json:"cron_expr,omitempty"`
	EventType     string            `json:"event_type,omitempty"`
	EventFilter   map[string]any    `json:"event_filter,omitempty"`
	Enabled       bool              `json:"enabled"`
	MaxConcurrent int               `json:"max_concurrent,omitempty"`
	TimeoutSecs   float64           `json:"timeout_seconds,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type eventHandler struct {
	mu          sync.Mutex
	schedules   []*ScheduleConfig
	running     int
	lastTrigger time.Time
}

// CronScheduler periodically re-submits named workflow templates to the
// Orchestrator, either on a cron expression or in response to an event
// delivered over the event bus (C9).
type CronScheduler struct {
	cron   *cron.Cron
	store  *state.Store // schedule-config persistence only, never workflow instances
	orch   *orchestrator.Orchestrator
	tracer trace.Tracer

	mu            sync.RWMutex
	entryIDs      map[string]cron.EntryID
	eventHandlers map[string]*eventHandler

	runs     metric.Int64Counter
	failures metric.Int64Counter
	triggers metric.Int64Counter
}

// New builds a CronScheduler with second-precision cron expressions.
func New(store *state.Store, orch *orchestrator.Orchestrator, tracer trace.Tracer, meter metric.Meter) *CronScheduler {
	runs, _ := meter.Int64Counter("bioflow_schedule_runs_total")
	failures, _ := meter.Int64Counter("bioflow_schedule_failures_total")
	triggers, _ := meter.Int64Counter("bioflow_schedule_event_triggers_total")
	return &CronScheduler{
		cron:          cron.New(cron.WithSeconds()),
		store:         store,
		orch:          orch,
		tracer:        tracer,
		entryIDs:      make(map[string]cron.EntryID),
		eventHandlers: make(map[string]*eventHandler),
		runs:          runs,
		failures:      failures,
		triggers:      triggers,
	}
}

// Start begins dispatching cron-triggered executions.
func (c *CronScheduler) Start() {
	c.cron.Start()
	slog.Info("cron scheduler started")
}

// Stop waits for in-flight cron dispatches to finish, bounded by ctx.
func (c *CronScheduler) Stop(ctx context.Context) error {
	stopCtx := c.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddSchedule registers cfg's trigger (cron or event) and persists it.
func (c *CronScheduler) AddSchedule(ctx context.Context, cfg *ScheduleConfig) error {
	ctx, span := c.tracer.Start(ctx, "cronsched.add_schedule", trace.WithAttributes(
		attribute.String("workflow", cfg.WorkflowName),
		attribute.String("cron", cfg.CronExpr),
	))
	defer span.End()

	if err := c.register(cfg); err != nil {
		return err
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cronsched: marshal schedule: %w", err)
	}
	_ = ctx
	return c.store.PutSchedule(cfg.WorkflowName, data)
}

func (c *CronScheduler) register(cfg *ScheduleConfig) error {
	switch {
	case cfg.CronExpr != "":
		entryID, err := c.cron.AddFunc(cfg.CronExpr, func() { c.runScheduled(context.Background(), cfg) })
		if err != nil {
			return fmt.Errorf("cronsched: add cron schedule: %w", err)
		}
		c.mu.Lock()
		c.entryIDs[cfg.WorkflowName] = entryID
		c.mu.Unlock()
	case cfg.EventType != "":
		c.registerEventHandler(cfg)
	default:
		return fmt.Errorf("cronsched: either cron_expr or event_type must be set")
	}
	return nil
}

// RemoveSchedule unregisters and un-persists a named schedule.
func (c *CronScheduler) RemoveSchedule(name string) error {
	c.mu.Lock()
	if id, ok := c.entryIDs[name]; ok {
		c.cron.Remove(id)
		delete(c.entryIDs, name)
	}
	for eventType, h := range c.eventHandlers {
		h.mu.Lock()
		kept := h.schedules[:0]
		for _, s := range h.schedules {
			if s.WorkflowName != name {
				kept = append(kept, s)
			}
		}
		h.schedules = kept
		empty := len(h.schedules) == 0
		h.mu.Unlock()
		if empty {
			delete(c.eventHandlers, eventType)
		}
	}
	c.mu.Unlock()
	return c.store.DeleteSchedule(name)
}

// ListSchedules returns every persisted schedule config.
func (c *CronScheduler) ListSchedules() ([]*ScheduleConfig, error) {
	raw, err := c.store.ListSchedules()
	if err != nil {
		return nil, err
	}
	out := make([]*ScheduleConfig, 0, len(raw))
	for _, data := range raw {
		var cfg ScheduleConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			continue // skip corrupt entries, consistent with state.Store's list semantics
		}
		out = append(out, &cfg)
	}
	return out, nil
}

// TriggerEvent re-executes every enabled schedule registered for eventType
// whose EventFilter matches eventData (spec supplement: event-driven
// re-execution, fed by C9's event bus).
func (c *CronScheduler) TriggerEvent(ctx context.Context, eventType string, eventData map[string]any) error {
	ctx, span := c.tracer.Start(ctx, "cronsched.trigger_event", trace.WithAttributes(attribute.String("event_type", eventType)))
	defer span.End()

	c.mu.RLock()
	handler, ok := c.eventHandlers[eventType]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if c.triggers != nil {
		c.triggers.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
	}

	handler.mu.Lock()
	schedules := append([]*ScheduleConfig(nil), handler.schedules...)
	handler.mu.Unlock()

	for _, cfg := range schedules {
		cfg := cfg
		if !cfg.Enabled || !matchesFilter(eventData, cfg.EventFilter) {
			continue
		}
		handler.mu.Lock()
		if cfg.MaxConcurrent > 0 && handler.running >= cfg.MaxConcurrent {
			handler.mu.Unlock()
			slog.Warn("max concurrent scheduled executions reached", "workflow", cfg.WorkflowName, "max", cfg.MaxConcurrent)
			continue
		}
		handler.running++
		handler.lastTrigger = time.Now()
		handler.mu.Unlock()

		go func() {
			defer func() {
				handler.mu.Lock()
				handler.running--
				handler.mu.Unlock()
			}()
			execCtx := context.Background()
			if cfg.TimeoutSecs > 0 {
				var cancel context.CancelFunc
				execCtx, cancel = context.WithTimeout(execCtx, time.Duration(cfg.TimeoutSecs*float64(time.Second)))
				defer cancel()
			}
			c.runScheduled(execCtx, cfg)
		}()
	}
	return nil
}

func (c *CronScheduler) registerEventHandler(cfg *ScheduleConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.eventHandlers[cfg.EventType]
	if !ok {
		h = &eventHandler{}
		c.eventHandlers[cfg.EventType] = h
	}
	h.schedules = append(h.schedules, cfg)
}

// runScheduled clones cfg's task template into a fresh run and drives it
// through the Orchestrator exactly as a CLI `run` would.
func (c *CronScheduler) runScheduled(ctx context.Context, cfg *ScheduleConfig) {
	ctx, span := c.tracer.Start(ctx, "cronsched.run_workflow", trace.WithAttributes(attribute.String("workflow", cfg.WorkflowName)))
	defer span.End()
	start := time.Now()

	id, err := c.orch.Create(ctx, cfg.WorkflowName, cloneTasks(cfg.Tasks))
	if err != nil {
		slog.Error("scheduled workflow construction failed", "workflow", cfg.WorkflowName, "error", err)
		c.recordFailure(ctx, cfg.WorkflowName)
		return
	}
	ws, err := c.orch.Execute(ctx, id)
	if err != nil {
		slog.Error("scheduled workflow execution failed", "workflow", cfg.WorkflowName, "error", err, "duration_ms", time.Since(start).Milliseconds())
		c.recordFailure(ctx, cfg.WorkflowName)
		return
	}
	if c.runs != nil {
		c.runs.Add(ctx, 1, metric.WithAttributes(
			attribute.String("workflow", cfg.WorkflowName),
			attribute.String("status", string(ws.Status)),
		))
	}
	slog.Info("scheduled workflow completed",
		"workflow", cfg.WorkflowName, "workflow_id", id, "status", ws.Status,
		"duration_ms", time.Since(start).Milliseconds())
}

func (c *CronScheduler) recordFailure(ctx context.Context, name string) {
	if c.failures != nil {
		c.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", name)))
	}
}

// RestoreSchedules reloads every persisted schedule config and re-registers
// its cron/event trigger without re-persisting it, for use on startup.
func (c *CronScheduler) RestoreSchedules(ctx context.Context) error {
	_ = ctx
	schedules, err := c.ListSchedules()
	if err != nil {
		return fmt.Errorf("cronsched: list schedules: %w", err)
	}
	restored, failed := 0, 0
	for _, cfg := range schedules {
		if !cfg.Enabled {
			continue
		}
		if err := c.register(cfg); err != nil {
			slog.Error("failed to restore schedule", "workflow", cfg.WorkflowName, "error", err)
			failed++
			continue
		}
		restored++
	}
	slog.Info("schedules restored", "restored", restored, "failed", failed)
	return nil
}

func matchesFilter(eventData, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	for k, want := range filter {
		got, ok := eventData[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// cloneTasks resets a task template to a fresh, unexecuted PENDING set.
func cloneTasks(tasks []*workflow.Task) []*workflow.Task {
	out := make([]*workflow.Task, len(tasks))
	for i, t := range tasks {
		tc := *t
		tc.RetryCount = 0
		tc.Status = workflow.TaskPending
		tc.Result = nil
		tc.Error = nil
		tc.StartedAt = nil
		tc.CompletedAt = nil
		out[i] = &tc
	}
	return out
}
