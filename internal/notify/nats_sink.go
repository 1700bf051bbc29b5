package notify

import (
	"context"
	"encoding/json"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"

	"github.com/bioflow/orchestrator/internal/workflow"
)

var propagator = propagation.TraceContext{}

// NATSSink publishes the notification to a fixed NATS subject, injecting
// the trace context into message headers so a consumer can continue the
// trace. Adapted from libs/go/core/natsctx.Publish.
type NATSSink struct {
	Conn    *nats.Conn
	Subject string
}

// Deliver publishes n as JSON to s.Subject.
func (s *NATSSink) Deliver(ctx context.Context, n workflow.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: s.Subject, Data: data, Header: hdr}
	return s.Conn.PublishMsg(msg)
}
