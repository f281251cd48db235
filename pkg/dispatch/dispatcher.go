package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/Sternrassler/quota-dispatcher/pkg/backoff"
	"github.com/Sternrassler/quota-dispatcher/pkg/ratelimit"
	"github.com/Sternrassler/quota-dispatcher/pkg/retry"
	"github.com/Sternrassler/quota-dispatcher/pkg/sink"
	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

// Prometheus metrics for the worker pool.
var (
	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_items_total",
		Help: "Total number of results delivered by status and error kind",
	}, []string{"status", "error_kind"})

	inflightItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_inflight",
		Help: "Number of items currently being processed by workers",
	})

	sinkErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_sink_errors_total",
		Help: "Total number of results the sink failed to accept",
	})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_batch_size",
		Help:    "Number of items per batched call",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	})
)

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the clock used by the limiter, backoff sleeps and the run
// summary. Tests pass a fake clock.
func WithClock(clk clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithRandSource sets the jitter source of the backoff policy.
func WithRandSource(src rand.Source) Option {
	return func(d *Dispatcher) { d.rand = src }
}

// WithBatchCaller enables batched mode when Config.BatchSize > 1.
func WithBatchCaller(bc work.BatchCaller) Option {
	return func(d *Dispatcher) { d.batchCaller = bc }
}

// WithUsageStore publishes limiter usage on every progress tick.
func WithUsageStore(store *ratelimit.UsageStore) Option {
	return func(d *Dispatcher) { d.usage = store }
}

// WithRunID fixes the run ID instead of generating one per Run.
func WithRunID(id string) Option {
	return func(d *Dispatcher) { d.runID = id }
}

// Dispatcher owns the limiter, retry executor, caller and sink of one
// pipeline. A Dispatcher may be reused for several sequential or concurrent
// runs; they share its quota.
type Dispatcher struct {
	cfg         Config
	caller      work.Caller
	batchCaller work.BatchCaller
	sink        sink.Sink

	limiter  *ratelimit.Limiter
	executor *retry.Executor
	usage    *ratelimit.UsageStore

	clock  clock.Clock
	rand   rand.Source
	logger zerolog.Logger
	runID  string
}

// New validates cfg and builds a Dispatcher. caller may be nil in batched
// mode. All structural problems are reported here, before any item is
// processed, wrapped in ErrInvalidConfig.
func New(cfg Config, caller work.Caller, s sink.Sink, opts ...Option) (*Dispatcher, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1
	}
	if cfg.RetryableErrorKinds == nil {
		cfg.RetryableErrorKinds = append([]work.ErrorKind(nil), work.DefaultRetryable...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:    cfg,
		caller: caller,
		sink:   s,
		clock:  clock.RealClock{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.sink == nil {
		return nil, fmt.Errorf("%w: sink is required", ErrInvalidConfig)
	}
	if cfg.BatchSize > 1 && d.batchCaller == nil {
		return nil, fmt.Errorf("%w: batch_size %d requires a batch caller", ErrInvalidConfig, cfg.BatchSize)
	}
	if cfg.BatchSize == 1 && d.caller == nil {
		return nil, fmt.Errorf("%w: caller is required", ErrInvalidConfig)
	}
	if d.rand == nil {
		d.rand = rand.NewSource(time.Now().UnixNano())
	}

	limiter, err := ratelimit.NewLimiter(cfg.Limits(), d.clock, d.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	policy, err := backoff.New(cfg.Backoff(), d.rand)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	executor, err := retry.NewExecutor(cfg.MaxRetries, policy, retry.ClassifyKinds(cfg.RetryableErrorKinds...), d.clock, d.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	d.limiter = limiter
	d.executor = executor
	return d, nil
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Limiter returns the dispatcher's rate limiter.
func (d *Dispatcher) Limiter() *ratelimit.Limiter {
	return d.limiter
}

// callContext derives the per-attempt context.
func (d *Dispatcher) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.cfg.CallTimeout)
}

// admit reserves cost for one attempt. Cancellation is reported as
// KindCancelled so that a run deadline is never mistaken for a transient
// fault and retried.
func (d *Dispatcher) admit(ctx context.Context, cost work.Cost) error {
	if err := ctx.Err(); err != nil {
		return work.NewError(work.KindCancelled, err)
	}
	if _, err := d.limiter.Admit(ctx, cost); err != nil {
		if ctx.Err() != nil {
			return work.NewError(work.KindCancelled, err)
		}
		return err
	}
	return nil
}

// runFailure reclassifies err as cancelled when the run itself was
// cancelled.
func runFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil && work.KindOf(err) != work.KindCancelled {
		return work.NewError(work.KindCancelled, err)
	}
	return err
}

// processItem runs one item through admission and retry.
func (d *Dispatcher) processItem(ctx context.Context, item work.WorkItem) work.Result {
	if err := d.limiter.Check(item.Cost); err != nil {
		return work.FailureFromError(item.SequenceID, err)
	}

	payload, out, err := retry.Do(ctx, d.executor, func(ctx context.Context, attempt int) (json.RawMessage, error) {
		if err := d.admit(ctx, item.Cost); err != nil {
			return nil, err
		}
		callCtx, cancel := d.callContext(ctx)
		defer cancel()
		return d.caller.Call(callCtx, item.Payload)
	})
	if err != nil {
		return work.FailureFromError(item.SequenceID, runFailure(ctx, err)).WithAttempts(out.Attempts)
	}
	return work.Success(item.SequenceID, payload).WithAttempts(out.Attempts)
}

// processBatch runs a batch as one call and demultiplexes the reply.
func (d *Dispatcher) processBatch(ctx context.Context, items []work.WorkItem) []work.Result {
	table := sink.NewCorrelationTable(items)
	payloads := make([]json.RawMessage, len(items))
	cost := work.Cost{Requests: 1}
	for i, it := range items {
		payloads[i] = it.Payload
		cost = cost.Add(work.Cost{Weight: it.Cost.Weight})
	}
	batchSize.Observe(float64(len(items)))

	subs, out, err := retry.Do(ctx, d.executor, func(ctx context.Context, attempt int) ([]work.SubResult, error) {
		if err := d.admit(ctx, cost); err != nil {
			return nil, err
		}
		callCtx, cancel := d.callContext(ctx)
		defer cancel()
		return d.batchCaller.CallBatch(callCtx, payloads)
	})

	var results []work.Result
	if err != nil {
		results = table.FailAll(runFailure(ctx, err))
	} else {
		results = table.Demux(subs)
	}
	for i := range results {
		results[i] = results[i].WithAttempts(out.Attempts)
	}
	return results
}

// batchFits reports whether adding next to a batch of weight w keeps the
// batched call admissible.
func (d *Dispatcher) batchFits(weight int64, next work.WorkItem) bool {
	return d.limiter.Fits(work.Cost{Requests: 1, Weight: weight}.Add(work.Cost{Weight: next.Cost.Weight}))
}
