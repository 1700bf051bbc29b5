// Package notify implements the pluggable terminal-failure notification
// path (spec §4.5, §6): a Sink interface with log, webhook, and NATS
// implementations. Delivery is at-most-once; a sink's failure is logged
// and dropped, never surfaced to the workflow (spec §9 open question
// resolution).
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bioflow/orchestrator/internal/workflow"
)

// Sink delivers a terminal-failure Notification somewhere outside the core.
type Sink interface {
	Deliver(ctx context.Context, n workflow.Notification) error
}

// LogSink writes the notification as a structured slog entry. Always
// available; used as the fallback sink and alongside any other sink.
type LogSink struct {
	Logger *slog.Logger
}

// Deliver logs n at warn level.
func (s LogSink) Deliver(ctx context.Context, n workflow.Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("workflow terminal failure",
		"workflow_id", n.WorkflowID,
		"task_id", n.TaskID,
		"kind", n.Kind,
		"message", n.Message,
		"timestamp", n.Timestamp,
	)
	return nil
}

// WebhookSink POSTs the notification as JSON to a fixed URL using a pooled
// *http.Client, grounded on the teacher's HTTPPlugin/HTTPTaskExecutor
// connection-pooling pattern.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

// NewWebhookSink builds a WebhookSink with a client tuned for a small
// number of outbound notification calls, reusing connections across
// deliveries.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL: url,
		Client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Deliver POSTs n as JSON to s.URL.
func (s *WebhookSink) Deliver(ctx context.Context, n workflow.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// MultiSink fans a notification out to every child sink, logging (not
// failing) any individual delivery error.
type MultiSink struct {
	Sinks  []Sink
	Logger *slog.Logger
}

// Deliver attempts delivery to every child sink; failures are logged, not
// propagated, consistent with "delivery failure must not itself fail the
// workflow" (spec §4.5).
func (m MultiSink) Deliver(ctx context.Context, n workflow.Notification) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, sink := range m.Sinks {
		if err := sink.Deliver(ctx, n); err != nil {
			logger.Error("notification delivery failed", "error", err)
		}
	}
	return nil
}
