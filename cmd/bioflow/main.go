// Command bioflow is the host program around the orchestration core:
// a thin CLI plus an optional long-running `serve` mode exposing the
// HTTP API, the cron/event scheduler, and the NATS event bus. Grounded
// on services/orchestrator/main.go's signal-handling and telemetry
// init/shutdown sequence, restructured as a spf13/cobra command tree
// (spec.md §6 CLI surface: run, resume --from, status, cancel).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/bioflow/orchestrator/internal/cronsched"
	"github.com/bioflow/orchestrator/internal/eventbus"
	"github.com/bioflow/orchestrator/internal/httpapi"
	"github.com/bioflow/orchestrator/internal/notify"
	"github.com/bioflow/orchestrator/internal/orchestrator"
	"github.com/bioflow/orchestrator/internal/pipeline"
	"github.com/bioflow/orchestrator/internal/registry"
	"github.com/bioflow/orchestrator/internal/resilience"
	"github.com/bioflow/orchestrator/internal/retry"
	"github.com/bioflow/orchestrator/internal/scheduler"
	"github.com/bioflow/orchestrator/internal/state"
	"github.com/bioflow/orchestrator/internal/telemetry"
	"github.com/bioflow/orchestrator/internal/workflow"
)

// Exit codes per spec.md §6: 0 success, 1 workflow failed, 2
// construction error (cycle/missing dependency), 130 cancelled by signal.
const (
	exitSuccess      = 0
	exitFailed       = 1
	exitConstructErr = 2
	exitCancelled    = 130
)

const defaultStatePath = "./data/bioflow.db"
const defaultCacheDir = "./data/cache"

type app struct {
	store         *state.Store
	orch          *orchestrator.Orchestrator
	reg           *registry.Registry
	shutdownTrace func(context.Context) error
	shutdownMeter func(context.Context) error
	promHandler   http.Handler
}

func newApp(ctx context.Context, statePath string) (*app, error) {
	shutdownTrace := telemetry.InitTracer(ctx, "bioflow")
	shutdownMeter, meter, promHandler := telemetry.InitMeter(ctx, "bioflow")

	st, err := state.Open(statePath, meter)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	workers := 4
	if n, err := strconv.Atoi(os.Getenv("BIOFLOW_MAX_WORKERS")); err == nil && n >= 1 {
		workers = n
	}
	sched := scheduler.New(workers, meter)
	reg := registry.New()

	limiter := resilience.NewRateLimiter(20, 5, time.Minute, 200, meter)
	breaker := resilience.NewCircuitBreaker(time.Minute, 6, 5, 0.5, 30*time.Second, 3, meter)
	fetcher, err := pipeline.NewFetcher(defaultCacheDir, limiter, breaker)
	if err != nil {
		return nil, fmt.Errorf("init pipeline fetcher: %w", err)
	}
	fetcher.Register(reg)

	sinks := []notify.Sink{notify.LogSink{}}
	if url := os.Getenv("NATS_URL"); url != "" {
		if bus, err := eventbus.Connect(url); err != nil {
			slog.Warn("nats connect failed, falling back to log-only notifications", "error", err)
		} else {
			sinks = append(sinks, &notify.NATSSink{Conn: bus.Conn, Subject: "bioflow.notifications"})
		}
	}
	sink := notify.MultiSink{Sinks: sinks}

	orch := orchestrator.New(st, sched, reg, sink, otel.Tracer("bioflow"), retry.Instruments{},
		orchestrator.WithRetryPolicy(retry.Policy{MaxRetries: 3, BaseDelay: 2 * time.Second}))

	return &app{
		store: st, orch: orch, reg: reg,
		shutdownTrace: shutdownTrace, shutdownMeter: shutdownMeter, promHandler: promHandler,
	}, nil
}

func (a *app) close(ctx context.Context) {
	_ = a.store.Close()
	if a.shutdownTrace != nil {
		telemetry.Flush(ctx, a.shutdownTrace)
	}
	if a.shutdownMeter != nil {
		_ = a.shutdownMeter(ctx)
	}
}

func loadWorkflowFile(path string) (string, []*workflow.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read workflow file: %w", err)
	}
	var spec struct {
		Name  string           `json:"name"`
		Tasks []*workflow.Task `json:"tasks"`
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return "", nil, fmt.Errorf("decode workflow file: %w", err)
	}
	return spec.Name, spec.Tasks, nil
}

func printState(ws *workflow.WorkflowState) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(ws)
}

func main() {
	telemetry.InitLogging("bioflow")

	root := &cobra.Command{
		Use:   "bioflow",
		Short: "Dependency-aware workflow orchestration core for bioinformatics pipelines",
	}

	var statePath string
	root.PersistentFlags().StringVar(&statePath, "state", defaultStatePath, "path to the bbolt state database")

	root.AddCommand(
		newRunCmd(&statePath),
		newResumeCmd(&statePath),
		newStatusCmd(&statePath),
		newCancelCmd(&statePath),
		newListCmd(&statePath),
		newServeCmd(&statePath),
	)

	if err := root.Execute(); err != nil {
		os.Exit(exitConstructErr)
	}
}

func newRunCmd(statePath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create and execute a workflow from a JSON definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *statePath)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			name, tasks, err := loadWorkflowFile(file)
			if err != nil {
				os.Exit(exitConstructErr)
			}
			id, err := a.orch.Create(ctx, name, tasks)
			if err != nil {
				fmt.Fprintln(os.Stderr, "construction error:", err)
				os.Exit(exitConstructErr)
			}

			ws, err := a.orch.Execute(ctx, id)
			if ctx.Err() != nil {
				os.Exit(exitCancelled)
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, "execute error:", err)
				os.Exit(exitFailed)
			}
			printState(ws)
			if ws.Status != workflow.StatusCompleted {
				os.Exit(exitFailed)
			}
			os.Exit(exitSuccess)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "workflow", "", "path to a workflow definition JSON file")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func newResumeCmd(statePath *string) *cobra.Command {
	var id, from string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a persisted workflow, optionally forcing re-execution from a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *statePath)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if from != "" {
				ws, err := a.store.Load(ctx, id)
				if err != nil {
					return err
				}
				if ws == nil {
					fmt.Fprintln(os.Stderr, "unknown workflow:", id)
					os.Exit(exitConstructErr)
				}
				t, ok := ws.Tasks[from]
				if !ok {
					fmt.Fprintln(os.Stderr, "unknown task:", from)
					os.Exit(exitConstructErr)
				}
				t.Status = workflow.TaskPending
				t.RetryCount = 0
				t.Result = nil
				t.Error = nil
				t.StartedAt = nil
				t.CompletedAt = nil
				ws.Status = workflow.StatusRunning
				if err := a.store.Save(ctx, ws); err != nil {
					return err
				}
			}

			ws, err := a.orch.Execute(ctx, id)
			if ctx.Err() != nil {
				os.Exit(exitCancelled)
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, "resume error:", err)
				os.Exit(exitFailed)
			}
			printState(ws)
			if ws.Status != workflow.StatusCompleted {
				os.Exit(exitFailed)
			}
			os.Exit(exitSuccess)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workflow id to resume")
	cmd.Flags().StringVar(&from, "from", "", "reset this task to PENDING before resuming")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newStatusCmd(statePath *string) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current state of a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, *statePath)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			ws, err := a.orch.Status(ctx, id)
			if err != nil {
				return err
			}
			if ws == nil {
				fmt.Fprintln(os.Stderr, "unknown workflow:", id)
				os.Exit(exitConstructErr)
			}
			printState(ws)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workflow id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newCancelCmd(statePath *string) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a running workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, *statePath)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if err := a.orch.Cancel(ctx, id); err != nil {
				return err
			}
			fmt.Println("cancel requested:", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workflow id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newListCmd(statePath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every persisted workflow id",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, *statePath)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			ids, err := a.orch.List(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func newServeCmd(statePath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, cron/event scheduler, and event bus consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *statePath)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			meter := otel.GetMeterProvider().Meter("bioflow-cron")
			cs := cronsched.New(a.store, a.orch, otel.Tracer("bioflow"), meter)
			if err := cs.RestoreSchedules(ctx); err != nil {
				slog.Warn("failed to restore persisted schedules", "error", err)
			}
			cs.Start()
			defer func() {
				_ = cs.Stop(context.Background())
			}()

			var bus *eventbus.Bus
			if url := os.Getenv("NATS_URL"); url != "" {
				b, err := eventbus.Connect(url)
				if err != nil {
					slog.Warn("event bus connect failed, running without upstream events", "error", err)
				} else {
					bus = b
					if _, err := bus.Subscribe("bioflow.events", cs); err != nil {
						slog.Warn("event bus subscribe failed", "error", err)
					}
					defer bus.Close()
				}
			}

			srv := &http.Server{Addr: addr, Handler: httpapi.New(a.orch, a.promHandler).Handler()}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("http server error", "error", err)
					stop()
				}
			}()
			slog.Info("bioflow serve started", "addr", addr)

			<-ctx.Done()
			slog.Info("shutdown initiated")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			slog.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	return cmd
}
