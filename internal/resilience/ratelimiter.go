package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// RateLimiter is a token bucket with a secondary sliding-window cap for
// fairness across task functions sharing one outbound service's quota.
// Refill happens lazily on each Allow check based on elapsed time.
type RateLimiter struct {
	mu           sync.Mutex
	capacity     int64
	fillRate     float64
	available    float64
	lastRefill   time.Time
	windowStart  time.Time
	windowDur    time.Duration
	windowCount  int64
	maxPerWindow int64

	windowDrops metric.Int64Counter
	tokenDrops  metric.Int64Counter
}

// NewRateLimiter creates a combined token bucket + sliding window limiter.
func NewRateLimiter(capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64, meter metric.Meter) *RateLimiter {
	windowDrops, _ := meter.Int64Counter("bioflow_resilience_ratelimiter_window_drops_total")
	tokenDrops, _ := meter.Int64Counter("bioflow_resilience_ratelimiter_token_drops_total")
	return &RateLimiter{
		capacity:     capacity,
		fillRate:     fillRate,
		available:    float64(capacity),
		lastRefill:   time.Now(),
		windowStart:  time.Now(),
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
		windowDrops:  windowDrops,
		tokenDrops:   tokenDrops,
	}
}

// Allow returns whether one token can be consumed now.
func (r *RateLimiter) Allow() bool {
	return r.AllowN(1)
}

// AllowN attempts to consume n tokens.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed > 0 {
		if refill := elapsed * r.fillRate; refill > 0 {
			r.available = math.Min(float64(r.capacity), r.available+refill)
			r.lastRefill = now
		}
	}

	if now.Sub(r.windowStart) >= r.windowDur {
		r.windowStart = now
		r.windowCount = 0
	}

	if r.maxPerWindow > 0 && r.windowCount+n > r.maxPerWindow {
		if r.windowDrops != nil {
			r.windowDrops.Add(context.Background(), 1)
		}
		return false
	}

	if float64(n) <= r.available {
		r.available -= float64(n)
		r.windowCount += n
		return true
	}
	if r.tokenDrops != nil {
		r.tokenDrops.Add(context.Background(), 1)
	}
	return false
}

// ReserveAfter returns the duration after which n tokens will be available.
func (r *RateLimiter) ReserveAfter(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed > 0 {
		if refill := elapsed * r.fillRate; refill > 0 {
			r.available = math.Min(float64(r.capacity), r.available+refill)
			r.lastRefill = now
		}
	}

	need := float64(n)
	if r.available >= need {
		return 0
	}
	shortfall := need - r.available
	return time.Duration((shortfall / r.fillRate) * float64(time.Second))
}
