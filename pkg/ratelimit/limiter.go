package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

// Prometheus metrics for admission control.
var (
	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_ratelimit_wait_seconds",
		Help:    "Time spent waiting for quota headroom per admission",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
	})

	rateLimitThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_ratelimit_throttles_total",
		Help: "Total number of admission waits by limiting dimension",
	}, []string{"dimension"})
)

var (
	// ErrCostExceedsCapacity is returned when a single cost can never fit.
	ErrCostExceedsCapacity = errors.New("cost exceeds limiter capacity")

	// ErrNegativeCost is returned for a cost below zero in either dimension.
	ErrNegativeCost = errors.New("cost must not be negative")
)

// DefaultWindow is the rolling window used when Config.Window is zero.
const DefaultWindow = time.Minute

// Config holds limiter capacities. A capacity <= 0 disables that dimension.
type Config struct {
	// RequestsPerWindow is the request-count capacity.
	RequestsPerWindow int64

	// WeightPerWindow is the weight capacity (e.g. tokens per minute).
	WeightPerWindow int64

	// Window is the rolling window span (default one minute).
	Window time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Window < 0 {
		return fmt.Errorf("window must be >= 0 (got %s)", c.Window)
	}
	return nil
}

// Reservation describes a successful admission.
type Reservation struct {
	// At is the instant the capacity was reserved.
	At time.Time

	// Cost is the reserved cost.
	Cost work.Cost

	// Waited is the total time spent waiting for headroom.
	Waited time.Duration
}

// Limiter is a dual-dimension rolling-window admission gate. It is safe for
// concurrent use; every read-modify-write of the windows happens under mu.
type Limiter struct {
	mu       sync.Mutex
	requests *window
	weight   *window

	clock  clock.Clock
	logger zerolog.Logger
}

// NewLimiter creates a limiter. A nil clock uses the real clock.
func NewLimiter(cfg Config, clk clock.Clock, logger zerolog.Logger) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	span := cfg.Window
	if span == 0 {
		span = DefaultWindow
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Limiter{
		requests: newWindow(cfg.RequestsPerWindow, span),
		weight:   newWindow(cfg.WeightPerWindow, span),
		clock:    clk,
		logger:   logger,
	}, nil
}

// Check reports a configuration error if cost is negative or can never be
// admitted.
func (l *Limiter) Check(cost work.Cost) error {
	if cost.IsNegative() {
		return &work.CallError{
			Kind:    work.KindConfiguration,
			Message: fmt.Sprintf("cost {requests: %d, weight: %d}", cost.Requests, cost.Weight),
			Err:     ErrNegativeCost,
		}
	}
	if !l.requests.unlimited() && cost.Requests > l.requests.capacity {
		return &work.CallError{
			Kind:    work.KindConfiguration,
			Message: fmt.Sprintf("request cost %d > capacity %d", cost.Requests, l.requests.capacity),
			Err:     ErrCostExceedsCapacity,
		}
	}
	if !l.weight.unlimited() && cost.Weight > l.weight.capacity {
		return &work.CallError{
			Kind:    work.KindConfiguration,
			Message: fmt.Sprintf("weight cost %d > capacity %d", cost.Weight, l.weight.capacity),
			Err:     ErrCostExceedsCapacity,
		}
	}
	return nil
}

// Fits reports whether cost could ever be admitted.
func (l *Limiter) Fits(cost work.Cost) bool {
	return l.Check(cost) == nil
}

// Admit blocks until both dimensions have headroom for cost, then reserves
// it atomically. Throttling is not an error: the only errors are a cost that
// can never fit (KindConfiguration) and ctx cancellation.
func (l *Limiter) Admit(ctx context.Context, cost work.Cost) (Reservation, error) {
	if err := l.Check(cost); err != nil {
		return Reservation{}, err
	}
	if cost.IsZero() {
		return Reservation{At: l.clock.Now(), Cost: cost}, nil
	}

	start := l.clock.Now()
	for {
		l.mu.Lock()
		now := l.clock.Now()
		l.requests.prune(now)
		l.weight.prune(now)

		reqWait := l.requests.delay(now, cost.Requests)
		weightWait := l.weight.delay(now, cost.Weight)
		if reqWait == 0 && weightWait == 0 {
			l.requests.reserve(now, cost.Requests)
			l.weight.reserve(now, cost.Weight)
			l.mu.Unlock()

			waited := now.Sub(start)
			rateLimitWaitSeconds.Observe(waited.Seconds())
			return Reservation{At: now, Cost: cost, Waited: waited}, nil
		}
		l.mu.Unlock()

		wait, dim := reqWait, DimensionRequests
		if weightWait > wait {
			wait, dim = weightWait, DimensionWeight
		}
		rateLimitThrottlesTotal.WithLabelValues(string(dim)).Inc()
		l.logger.Debug().
			Str("dimension", string(dim)).
			Dur("wait", wait).
			Int64("weight", cost.Weight).
			Msg("Waiting for quota headroom")

		timer := l.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Reservation{}, ctx.Err()
		case <-timer.C():
			// Re-check: other callers may have taken the freed capacity.
		}
	}
}

// Usage returns a snapshot of current consumption.
func (l *Limiter) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.requests.prune(now)
	l.weight.prune(now)
	return Usage{
		Requests: DimensionUsage{Used: l.requests.used, Capacity: l.requests.capacity},
		Weight:   DimensionUsage{Used: l.weight.used, Capacity: l.weight.capacity},
		At:       now,
	}
}
