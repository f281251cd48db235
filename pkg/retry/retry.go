// Package retry wraps a single logical call with bounded retry and
// backoff. Each invocation runs an explicit state machine:
//
//	Attempting -> Succeeded | Retrying | Failed
//	Retrying   -> Attempting (after the backoff delay)
//
// A Fatal classification fails immediately with the error as-is. A
// Retryable error is retried until MaxRetries retries have been spent, after
// which the call fails with an *ExhaustedError, so a call that always fails
// retryably makes exactly MaxRetries+1 attempts.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/Sternrassler/quota-dispatcher/pkg/backoff"
	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"error_kind"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error kind",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error kind",
	}, []string{"error_kind"})
)

// State is a retry state machine state.
type State string

const (
	StateAttempting State = "attempting"
	StateRetrying   State = "retrying"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Outcome is the per-call retry context, returned alongside the result.
type Outcome struct {
	State         State
	Attempts      int
	ElapsedDelay  time.Duration
	LastErrorKind work.ErrorKind
}

// Executor runs calls with bounded retry. It holds no per-call state and is
// safe for concurrent use by all workers.
type Executor struct {
	maxRetries int
	policy     *backoff.Policy
	classify   Classifier
	clock      clock.Clock
	logger     zerolog.Logger
}

// NewExecutor creates an executor. A nil clock uses the real clock.
func NewExecutor(maxRetries int, policy *backoff.Policy, classify Classifier, clk clock.Clock, logger zerolog.Logger) (*Executor, error) {
	if maxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", maxRetries)
	}
	if policy == nil {
		return nil, fmt.Errorf("backoff policy is required")
	}
	if classify == nil {
		classify = ClassifyKinds(work.DefaultRetryable...)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Executor{
		maxRetries: maxRetries,
		policy:     policy,
		classify:   classify,
		clock:      clk,
		logger:     logger,
	}, nil
}

// MaxRetries returns the configured retry budget.
func (e *Executor) MaxRetries() int {
	return e.maxRetries
}

// Do executes op until it succeeds, fails fatally, or exhausts the retry
// budget. op receives the zero-based attempt number; callers that consume
// shared quota per attempt must reserve it inside op. The backoff sleep
// suspends only the calling goroutine and returns early on ctx cancellation.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context, attempt int) (T, error)) (T, Outcome, error) {
	var zero T
	out := Outcome{State: StateAttempting}

	for attempt := 0; ; attempt++ {
		out.Attempts = attempt + 1

		v, err := op(ctx, attempt)
		if err == nil {
			out.State = StateSucceeded
			if attempt > 0 {
				e.logger.Info().
					Str("error_kind", string(out.LastErrorKind)).
					Int("attempt", out.Attempts).
					Msg("Call succeeded after retry")
			}
			return v, out, nil
		}

		kind := work.KindOf(err)
		out.LastErrorKind = kind

		if e.classify(err) == Fatal {
			out.State = StateFailed
			return zero, out, err
		}

		if attempt >= e.maxRetries {
			out.State = StateFailed
			retryExhaustedTotal.WithLabelValues(string(kind)).Inc()
			e.logger.Warn().
				Err(err).
				Str("error_kind", string(kind)).
				Int("attempts", out.Attempts).
				Msg("Retry attempts exhausted")
			return zero, out, &ExhaustedError{Attempts: out.Attempts, Last: err}
		}

		out.State = StateRetrying
		delay := e.policy.NextDelay(attempt)
		retriesTotal.WithLabelValues(string(kind)).Inc()
		retryBackoffSeconds.WithLabelValues(string(kind)).Observe(delay.Seconds())

		e.logger.Debug().
			Err(err).
			Str("error_kind", string(kind)).
			Int("attempt", out.Attempts).
			Dur("backoff", delay).
			Msg("Retrying call after backoff")

		timer := e.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			out.State = StateFailed
			e.logger.Warn().
				Str("error_kind", string(kind)).
				Int("attempt", out.Attempts).
				Msg("Context cancelled during retry backoff")
			return zero, out, fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C():
		}
		out.ElapsedDelay += delay
		out.State = StateAttempting
	}
}
