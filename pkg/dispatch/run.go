package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/quota-dispatcher/pkg/logging"
	"github.com/Sternrassler/quota-dispatcher/pkg/source"
	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

// ErrIncomplete reports a run whose delivered results do not match the
// pulled items. It indicates a defect, never an item failure.
var ErrIncomplete = errors.New("result count does not match pulled items")

// Summary describes a finished run.
type Summary struct {
	RunID      string        `json:"run_id"`
	Pulled     int64         `json:"pulled"`
	Succeeded  int64         `json:"succeeded"`
	Failed     int64         `json:"failed"`
	SinkErrors int64         `json:"sink_errors"`
	Duration   time.Duration `json:"duration"`
}

// Complete reports whether every pulled item produced a result.
func (s Summary) Complete() bool {
	return s.Pulled == s.Succeeded+s.Failed
}

// puller serializes access to the source so each item reaches exactly one
// worker. The first non-recoverable source error stops all pulling.
type puller struct {
	mu   sync.Mutex
	src  source.Source
	done bool
	err  error
}

// next returns the next item, a *source.MalformedError for a bad input
// line, or io.EOF once pulling has stopped for any reason.
func (p *puller) next(ctx context.Context) (work.WorkItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done || ctx.Err() != nil {
		p.done = true
		return work.WorkItem{}, io.EOF
	}

	item, err := p.src.Next(ctx)
	var malformed *source.MalformedError
	switch {
	case err == nil, errors.As(err, &malformed):
		return item, err
	case errors.Is(err, io.EOF), ctx.Err() != nil:
		p.done = true
	default:
		p.done = true
		p.err = fmt.Errorf("pull work item: %w", err)
	}
	return work.WorkItem{}, io.EOF
}

func (p *puller) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// run is the state of one Run invocation.
type run struct {
	d      *Dispatcher
	id     string
	pull   *puller
	logger zerolog.Logger

	// sinkCtx outlives cancellation so drained results are still persisted.
	sinkCtx context.Context

	pulled     atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	sinkErrors atomic.Int64

	errMu   sync.Mutex
	sinkErr []error

	progress rate.Sometimes
}

// Run drains src through the worker pool and returns once the source is
// exhausted (or pulling stopped) and every pulled item has produced a
// Result. Item failures are delivered to the sink, not returned. The
// returned error joins a source failure, sink errors and a completeness
// defect, if any.
func (d *Dispatcher) Run(ctx context.Context, src source.Source) (Summary, error) {
	id := d.runID
	if id == "" {
		id = uuid.NewString()
	}
	interval := d.cfg.ProgressInterval
	if interval == 0 {
		interval = 10 * time.Second
	}

	r := &run{
		d:        d,
		id:       id,
		pull:     &puller{src: src},
		logger:   d.logger.With().Str("run_id", id).Logger(),
		sinkCtx:  context.WithoutCancel(ctx),
		progress: rate.Sometimes{Interval: interval},
	}

	start := d.clock.Now()
	r.logger.Info().
		Int("concurrency", d.cfg.Concurrency).
		Int64("requests_per_minute", d.cfg.RequestsPerMinute).
		Int64("weight_units_per_minute", d.cfg.WeightUnitsPerMinute).
		Int("batch_size", d.cfg.BatchSize).
		Int("max_retries", d.executor.MaxRetries()).
		Msg("Starting dispatch run")

	var g errgroup.Group
	for i := 0; i < d.cfg.Concurrency; i++ {
		workerID := i
		g.Go(func() error {
			if d.cfg.BatchSize > 1 {
				r.batchWorker(ctx, workerID)
			} else {
				r.worker(ctx, workerID)
			}
			return r.pull.failure()
		})
	}
	runErr := g.Wait()

	summary := Summary{
		RunID:      id,
		Pulled:     r.pulled.Load(),
		Succeeded:  r.succeeded.Load(),
		Failed:     r.failed.Load(),
		SinkErrors: r.sinkErrors.Load(),
		Duration:   d.clock.Since(start),
	}
	r.publishUsage()

	errs := []error{runErr}
	r.errMu.Lock()
	errs = append(errs, r.sinkErr...)
	r.errMu.Unlock()
	if !summary.Complete() {
		errs = append(errs, fmt.Errorf("%w: pulled %d, delivered %d", ErrIncomplete, summary.Pulled, summary.Succeeded+summary.Failed))
	}
	err := errors.Join(errs...)

	event := r.logger.Info()
	if err != nil {
		event = r.logger.Warn().Err(err)
	}
	event.
		Int64("pulled", summary.Pulled).
		Int64("succeeded", summary.Succeeded).
		Int64("failed", summary.Failed).
		Int64("sink_errors", summary.SinkErrors).
		Dur("duration", summary.Duration).
		Bool("cancelled", ctx.Err() != nil).
		Msg("Dispatch run finished")

	return summary, err
}

// take pulls one item. ok is false once pulling has stopped. A malformed
// input line is answered with a request Failure right away and skipped.
func (r *run) take(ctx context.Context) (work.WorkItem, bool) {
	for {
		item, err := r.pull.next(ctx)
		if errors.Is(err, io.EOF) {
			return work.WorkItem{}, false
		}
		r.pulled.Add(1)

		var malformed *source.MalformedError
		if errors.As(err, &malformed) {
			r.logger.Warn().
				Err(err).
				Uint64("sequence_id", malformed.SequenceID).
				Msg("Skipping malformed work item")
			r.emit(work.Failure(malformed.SequenceID, work.KindRequest, err.Error()))
			continue
		}
		return item, true
	}
}

// worker processes one item at a time until pulling stops.
func (r *run) worker(ctx context.Context, workerID int) {
	processed := 0
	for {
		item, ok := r.take(ctx)
		if !ok {
			break
		}

		inflightItems.Inc()
		res := r.d.processItem(ctx, item)
		inflightItems.Dec()

		r.emit(res)
		processed++
	}

	r.logger.Debug().
		Int("worker_id", workerID).
		Int("items_processed", processed).
		Msg("Worker completed")
}

// batchWorker groups items into batched calls. An item that would push the
// batch past the limiter capacity is carried into the next batch.
func (r *run) batchWorker(ctx context.Context, workerID int) {
	var (
		carry     *work.WorkItem
		exhausted bool
		processed int
	)

	for {
		var items []work.WorkItem
		var weight int64

		if carry != nil {
			items = append(items, *carry)
			weight = carry.Cost.Weight
			carry = nil
		}

		for !exhausted && len(items) < r.d.cfg.BatchSize {
			item, ok := r.take(ctx)
			if !ok {
				exhausted = true
				break
			}
			if err := r.d.limiter.Check(work.Cost{Requests: 1, Weight: item.Cost.Weight}); err != nil {
				r.emit(work.FailureFromError(item.SequenceID, err))
				continue
			}
			if !r.d.batchFits(weight, item) {
				carry = &item
				break
			}
			items = append(items, item)
			weight = work.SaturatingAdd(weight, item.Cost.Weight)
		}

		if len(items) == 0 {
			if carry == nil && exhausted {
				break
			}
			continue
		}

		inflightItems.Add(float64(len(items)))
		results := r.d.processBatch(ctx, items)
		inflightItems.Sub(float64(len(items)))

		for _, res := range results {
			r.emit(res)
		}
		processed += len(items)
	}

	r.logger.Debug().
		Int("worker_id", workerID).
		Int("items_processed", processed).
		Msg("Batch worker completed")
}

// emit counts a result and hands it to the sink. Sink errors never drop the
// result from the count.
func (r *run) emit(res work.Result) {
	logger := logging.ForItem(r.logger, res.SequenceID)
	if res.IsSuccess() {
		r.succeeded.Add(1)
	} else {
		r.failed.Add(1)
		logger.Debug().
			Str("error_kind", string(res.Kind)).
			Int("attempts", res.Attempts).
			Str("detail", res.Detail).
			Msg("Item failed")
	}
	itemsTotal.WithLabelValues(string(res.Status), string(res.Kind)).Inc()

	if err := r.d.sink.Accept(r.sinkCtx, res); err != nil {
		r.sinkErrors.Add(1)
		sinkErrorsTotal.Inc()
		logger.Error().Err(err).Msg("Sink rejected result")
		r.errMu.Lock()
		r.sinkErr = append(r.sinkErr, fmt.Errorf("sink result %d: %w", res.SequenceID, err))
		r.errMu.Unlock()
	}

	r.progress.Do(r.reportProgress)
}

func (r *run) reportProgress() {
	u := r.d.limiter.Usage()
	r.logger.Info().
		Int64("pulled", r.pulled.Load()).
		Int64("succeeded", r.succeeded.Load()).
		Int64("failed", r.failed.Load()).
		Int64("requests_used", u.Requests.Used).
		Int64("weight_used", u.Weight.Used).
		Msg("Dispatch progress")
	r.publishUsage()
}

func (r *run) publishUsage() {
	if r.d.usage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.sinkCtx, 2*time.Second)
	defer cancel()
	if err := r.d.usage.Publish(ctx, r.id, r.d.limiter.Usage()); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to publish limiter usage")
	}
}
