// Package eventbus wraps github.com/nats-io/nats.go for the two NATS
// touchpoints this module has (C9): notify.NATSSink publishes terminal
// failures, and Bus here subscribes to upstream events and feeds them to
// the cron scheduler's event-driven triggers (ScheduleConfig.EventType).
// Trace-context propagation is grounded on the teacher's
// libs/go/core/natsctx helper, adapted to this module's tracer name.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Trigger is implemented by internal/cronsched.CronScheduler; kept as a
// narrow interface here so eventbus never imports the scheduler's full
// public surface, only the one call it drives.
type Trigger interface {
	TriggerEvent(ctx context.Context, eventType string, eventData map[string]any) error
}

// Bus subscribes to a NATS subject and feeds decoded events to a Trigger.
type Bus struct {
	Conn *nats.Conn
}

// Connect dials NATS at url. Grounded on nats.go's standard connect pattern.
func Connect(url string) (*Bus, error) {
	conn, err := nats.Connect(url, nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}
	return &Bus{Conn: conn}, nil
}

// Close closes the underlying connection without draining it first.
func (b *Bus) Close() {
	if b.Conn != nil {
		b.Conn.Close()
	}
}

// event is the wire shape of an event-bus message: an event type and an
// opaque payload forwarded verbatim to ScheduleConfig.EventFilter matching.
type event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Subscribe consumes subject, extracting trace context from message
// headers and invoking trigger.TriggerEvent for each decoded event.
// Malformed messages are logged and dropped, never crash the consumer.
func (b *Bus) Subscribe(subject string, trigger Trigger) (*nats.Subscription, error) {
	return b.Conn.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("bioflow-eventbus")
		ctx, span := tr.Start(ctx, "eventbus.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var ev event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			slog.Warn("eventbus: dropping malformed message", "subject", subject, "error", err)
			return
		}
		if err := trigger.TriggerEvent(ctx, ev.Type, ev.Data); err != nil {
			slog.Warn("eventbus: trigger failed", "event_type", ev.Type, "error", err)
		}
	})
}

// Publish injects the current trace context into message headers and
// publishes an event to subject, for producers upstream of this module
// (e.g. an ingestion service announcing "panel.updated").
func Publish(ctx context.Context, conn *nats.Conn, subject, eventType string, data map[string]any) error {
	payload, err := json.Marshal(event{Type: eventType, Data: data})
	if err != nil {
		return fmt.Errorf("eventbus: marshal: %w", err)
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return conn.PublishMsg(&nats.Msg{Subject: subject, Data: payload, Header: hdr})
}
