// Package retry implements the linear backoff retry policy mandated by
// spec §4.5. Shaped after the teacher's libs/go/core/resilience.Retry
// helper (generic, context-aware sleep, otel instrumentation) but the
// growth function is linear (retry_delay × retry_count), not exponential:
// this is a deliberate divergence from the teacher documented in
// DESIGN.md, not an oversight.
package retry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Policy is the linear backoff retry policy for one task.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultPolicy mirrors spec §4.5's stated defaults (max_retries=3, base
// retry_delay=5s).
var DefaultPolicy = Policy{MaxRetries: 3, BaseDelay: 5 * time.Second}

// Delay returns the backoff duration before retry attempt retryCount,
// linear in the number of attempts already made.
func (p Policy) Delay(retryCount int) time.Duration {
	return p.BaseDelay * time.Duration(retryCount)
}

// Instruments are the otel counters recorded by Wait.
type Instruments struct {
	Attempts metric.Int64Counter
	Aborted  metric.Int64Counter
}

// NewInstruments builds the counters from meter, using the bioflow_ prefix.
func NewInstruments(meter metric.Meter) Instruments {
	attempts, _ := meter.Int64Counter("bioflow_retry_attempts_total")
	aborted, _ := meter.Int64Counter("bioflow_retry_aborted_total")
	return Instruments{Attempts: attempts, Aborted: aborted}
}

// Wait sleeps for the backoff duration corresponding to retryCount, or
// returns ctx.Err() immediately if ctx is cancelled during the wait — a
// cancellation observed during backoff aborts it immediately (spec §5).
func Wait(ctx context.Context, p Policy, retryCount int, inst Instruments) error {
	if inst.Attempts != nil {
		inst.Attempts.Add(ctx, 1)
	}
	delay := p.Delay(retryCount)
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		if inst.Aborted != nil {
			inst.Aborted.Add(ctx, 1)
		}
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
