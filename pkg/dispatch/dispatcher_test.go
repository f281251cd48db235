package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/Sternrassler/quota-dispatcher/pkg/sink"
	"github.com/Sternrassler/quota-dispatcher/pkg/source"
	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

type itemPayload struct {
	ID int `json:"id"`
}

func payloads(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(fmt.Sprintf(`{"id":%d}`, i))
	}
	return out
}

func payloadID(t *testing.T, p json.RawMessage) int {
	t.Helper()
	var v itemPayload
	require.NoError(t, json.Unmarshal(p, &v))
	return v.ID
}

// echo succeeds instantly with the request payload.
var echo = work.CallerFunc(func(_ context.Context, p json.RawMessage) (json.RawMessage, error) {
	return p, nil
})

// fastConfig is an unlimited configuration with millisecond backoff.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Concurrency = 4
	cfg.RequestsPerMinute = 0
	cfg.WeightUnitsPerMinute = 0
	cfg.MaxRetries = 3
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 4 * time.Millisecond
	return cfg
}

func newTestDispatcher(t *testing.T, cfg Config, caller work.Caller, s sink.Sink, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{
		WithLogger(zerolog.New(io.Discard)),
		WithRandSource(rand.NewSource(1)),
	}, opts...)
	d, err := New(cfg, caller, s, opts...)
	require.NoError(t, err)
	return d
}

// assertComplete checks that results hold exactly one entry per id in [0,n).
func assertComplete(t *testing.T, results []work.Result, n int) {
	t.Helper()
	require.Len(t, results, n)
	seen := make(map[uint64]bool, n)
	for _, r := range results {
		if seen[r.SequenceID] {
			t.Fatalf("duplicate result for sequence_id %d", r.SequenceID)
		}
		seen[r.SequenceID] = true
		if r.SequenceID >= uint64(n) {
			t.Fatalf("unexpected sequence_id %d", r.SequenceID)
		}
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"negative batch size", func(c *Config) { c.BatchSize = -2 }},
		{"zero base delay", func(c *Config) { c.BaseDelay = 0 }},
		{"max below base", func(c *Config) { c.MaxDelay = c.BaseDelay / 2 }},
		{"unknown retryable kind", func(c *Config) { c.RetryableErrorKinds = []work.ErrorKind{"flaky"} }},
		{"negative window", func(c *Config) { c.Window = -time.Second }},
		{"batch without batch caller", func(c *Config) { c.BatchSize = 8 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, echo, sink.NewCollector())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	t.Run("missing sink", func(t *testing.T) {
		_, err := New(fastConfig(), echo, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
	t.Run("missing caller", func(t *testing.T) {
		_, err := New(fastConfig(), nil, sink.NewCollector())
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestRun_Completeness(t *testing.T) {
	const n = 200
	var attempts sync.Map

	caller := work.CallerFunc(func(_ context.Context, p json.RawMessage) (json.RawMessage, error) {
		var v itemPayload
		_ = json.Unmarshal(p, &v)
		count, _ := attempts.LoadOrStore(v.ID, new(atomic.Int32))
		k := count.(*atomic.Int32).Add(1)

		switch {
		case v.ID%7 == 0:
			return nil, work.NewError(work.KindRequest, errors.New("invalid prompt"))
		case v.ID%5 == 0 && k == 1:
			return nil, work.NewError(work.KindTransient, errors.New("502 bad gateway"))
		}
		return p, nil
	})

	collector := sink.NewCollector()
	d := newTestDispatcher(t, fastConfig(), caller, collector)

	summary, err := d.Run(context.Background(), source.NewSliceSource(payloads(n), nil))
	require.NoError(t, err)

	results := collector.Sorted()
	assertComplete(t, results, n)
	assert.True(t, summary.Complete())
	assert.Equal(t, int64(n), summary.Pulled)
	assert.NotEmpty(t, summary.RunID)

	for _, r := range results {
		switch {
		case r.SequenceID%7 == 0:
			assert.Equal(t, work.KindRequest, r.Kind, "item %d", r.SequenceID)
			assert.Equal(t, 1, r.Attempts, "fatal item %d must not be retried", r.SequenceID)
		case r.SequenceID%5 == 0:
			assert.True(t, r.IsSuccess(), "item %d", r.SequenceID)
			assert.Equal(t, 2, r.Attempts)
		default:
			assert.True(t, r.IsSuccess(), "item %d", r.SequenceID)
			assert.Equal(t, int(r.SequenceID), payloadID(t, r.Payload))
			assert.Equal(t, 1, r.Attempts)
		}
	}
	assert.Equal(t, int64(n/7+1), summary.Failed)
}

func TestRun_RetryExhausted(t *testing.T) {
	var calls atomic.Int32
	caller := work.CallerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, work.NewError(work.KindQuota, errors.New("429 too many requests"))
	})

	cfg := fastConfig()
	cfg.MaxRetries = 2
	cfg.Concurrency = 1
	collector := sink.NewCollector()
	d := newTestDispatcher(t, cfg, caller, collector)

	_, err := d.Run(context.Background(), source.NewSliceSource(payloads(1), nil))
	require.NoError(t, err)

	results := collector.Results()
	require.Len(t, results, 1)
	assert.Equal(t, work.KindExhausted, results[0].Kind)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRun_ConcreteThroughputScenario(t *testing.T) {
	clk := testclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	cfg := fastConfig()
	cfg.Concurrency = 5
	cfg.RequestsPerMinute = 20

	collector := sink.NewCollector()
	d := newTestDispatcher(t, cfg, echo, collector, WithClock(clk))

	done := make(chan struct{})
	var summary Summary
	var runErr error
	go func() {
		defer close(done)
		summary, runErr = d.Run(context.Background(), source.NewSliceSource(payloads(100), source.FixedWeight(1)))
	}()

drive:
	for {
		select {
		case <-done:
			break drive
		default:
		}
		if clk.HasWaiters() {
			clk.Step(time.Second)
		} else {
			time.Sleep(100 * time.Microsecond)
		}
	}

	require.NoError(t, runErr)
	assertComplete(t, collector.Results(), 100)
	assert.Equal(t, int64(100), summary.Succeeded)

	// 20 admissions per minute: the last 20 start after four full windows.
	if summary.Duration < 240*time.Second || summary.Duration > 300*time.Second {
		t.Errorf("Duration = %v, want within [240s, 300s]", summary.Duration)
	}
}

func TestRun_CancellationDrainsInFlight(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())

	cfg := fastConfig()
	cfg.Concurrency = 3
	cfg.RequestsPerMinute = 2

	collector := sink.NewCollector()
	d := newTestDispatcher(t, cfg, echo, collector, WithClock(clk))
	src := source.NewSliceSource(payloads(10), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var summary Summary
	var runErr error
	go func() {
		defer close(done)
		summary, runErr = d.Run(ctx, src)
	}()

	require.Eventually(t, func() bool { return collector.Len() == 2 && clk.HasWaiters() }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}

	require.NoError(t, runErr)
	assert.True(t, summary.Complete())
	assert.Equal(t, int64(2), summary.Succeeded)
	assert.Less(t, summary.Pulled, int64(10))

	results := collector.Results()
	assert.Len(t, results, int(summary.Pulled))
	for _, r := range results {
		if !r.IsSuccess() {
			assert.Equal(t, work.KindCancelled, r.Kind, "item %d", r.SequenceID)
		}
	}

	// Items never pulled stay in the source.
	next, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(summary.Pulled), next.SequenceID)
}

func TestRun_OversizedItemIsConfigurationFailure(t *testing.T) {
	var calls atomic.Int32
	caller := work.CallerFunc(func(_ context.Context, p json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return p, nil
	})

	cfg := fastConfig()
	cfg.WeightUnitsPerMinute = 100

	collector := sink.NewCollector()
	d := newTestDispatcher(t, cfg, caller, collector)

	_, err := d.Run(context.Background(), source.NewSliceSource(payloads(3), source.FixedWeight(500)))
	require.NoError(t, err)

	results := collector.Results()
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, work.KindConfiguration, r.Kind)
		assert.Zero(t, r.Attempts)
	}
	assert.Zero(t, calls.Load())
}

func TestRun_MalformedInputLine(t *testing.T) {
	input := strings.Join([]string{`{"id":0}`, `{not json`, ``, `{"id":2}`}, "\n")

	collector := sink.NewCollector()
	d := newTestDispatcher(t, fastConfig(), echo, collector)

	summary, err := d.Run(context.Background(), source.NewJSONLSource(strings.NewReader(input), nil))
	require.NoError(t, err)

	results := collector.Sorted()
	assertComplete(t, results, 3)
	assert.True(t, results[0].IsSuccess())
	assert.Equal(t, work.KindRequest, results[1].Kind)
	assert.Contains(t, results[1].Detail, "line 2")
	assert.True(t, results[2].IsSuccess())
	assert.Equal(t, int64(1), summary.Failed)
}

type failingSource struct {
	inner source.Source
	after int
	n     int
}

var errSourceBroken = errors.New("queue connection lost")

func (s *failingSource) Next(ctx context.Context) (work.WorkItem, error) {
	if s.n >= s.after {
		return work.WorkItem{}, errSourceBroken
	}
	s.n++
	return s.inner.Next(ctx)
}

func TestRun_SourceErrorStopsPulling(t *testing.T) {
	collector := sink.NewCollector()
	d := newTestDispatcher(t, fastConfig(), echo, collector)

	src := &failingSource{inner: source.NewSliceSource(payloads(10), nil), after: 4}
	summary, err := d.Run(context.Background(), src)
	require.Error(t, err)
	assert.ErrorIs(t, err, errSourceBroken)

	assert.Equal(t, int64(4), summary.Pulled)
	assertComplete(t, collector.Results(), 4)
}

func TestRun_SinkErrorsAreReported(t *testing.T) {
	errDisk := errors.New("disk full")
	var accepted atomic.Int32
	s := sink.Func(func(_ context.Context, r work.Result) error {
		if r.SequenceID == 3 {
			return errDisk
		}
		accepted.Add(1)
		return nil
	})

	d := newTestDispatcher(t, fastConfig(), echo, s)
	summary, err := d.Run(context.Background(), source.NewSliceSource(payloads(6), nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, errDisk)

	assert.True(t, summary.Complete())
	assert.Equal(t, int64(6), summary.Succeeded)
	assert.Equal(t, int64(1), summary.SinkErrors)
	assert.Equal(t, int32(5), accepted.Load())
}

func TestRun_SinkContextSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var sinkCtxErrs atomic.Int32
	s := sink.Func(func(sctx context.Context, r work.Result) error {
		cancel()
		if sctx.Err() != nil {
			sinkCtxErrs.Add(1)
		}
		return nil
	})

	cfg := fastConfig()
	cfg.Concurrency = 1
	d := newTestDispatcher(t, cfg, echo, s)

	summary, err := d.Run(ctx, source.NewSliceSource(payloads(5), nil))
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Pulled)
	assert.Zero(t, sinkCtxErrs.Load())
}

// reversingBatch answers with sub-results in reverse order, tagged by index.
func reversingBatch(sizes *[]int, mu *sync.Mutex) work.BatchCaller {
	return work.BatchCallerFunc(func(_ context.Context, ps []json.RawMessage) ([]work.SubResult, error) {
		mu.Lock()
		*sizes = append(*sizes, len(ps))
		mu.Unlock()

		subs := make([]work.SubResult, 0, len(ps))
		for i := len(ps) - 1; i >= 0; i-- {
			subs = append(subs, work.SubResult{Index: work.IndexOf(i), Payload: ps[i]})
		}
		return subs, nil
	})
}

func TestRun_BatchCorrelation(t *testing.T) {
	var (
		mu    sync.Mutex
		sizes []int
	)

	cfg := fastConfig()
	cfg.BatchSize = 4
	cfg.Concurrency = 2

	collector := sink.NewCollector()
	d := newTestDispatcher(t, cfg, nil, collector, WithBatchCaller(reversingBatch(&sizes, &mu)))

	summary, err := d.Run(context.Background(), source.NewSliceSource(payloads(10), nil))
	require.NoError(t, err)
	assert.True(t, summary.Complete())

	results := collector.Sorted()
	assertComplete(t, results, 10)
	for _, r := range results {
		require.True(t, r.IsSuccess())
		assert.Equal(t, int(r.SequenceID), payloadID(t, r.Payload), "result routed to wrong item")
	}

	total := 0
	for _, s := range sizes {
		assert.LessOrEqual(t, s, 4)
		total += s
	}
	assert.Equal(t, 10, total)
}

func TestRun_BatchCarriesOverflowingItem(t *testing.T) {
	var (
		mu    sync.Mutex
		sizes []int
	)

	cfg := fastConfig()
	cfg.BatchSize = 5
	cfg.Concurrency = 1
	cfg.WeightUnitsPerMinute = 100
	cfg.Window = 20 * time.Millisecond

	collector := sink.NewCollector()
	d := newTestDispatcher(t, cfg, nil, collector, WithBatchCaller(reversingBatch(&sizes, &mu)))

	_, err := d.Run(context.Background(), source.NewSliceSource(payloads(5), source.FixedWeight(40)))
	require.NoError(t, err)

	assertComplete(t, collector.Results(), 5)
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

// negativeForID charges -5000 for one payload id and w for the rest.
func negativeForID(id int, w int64) source.Estimator {
	return func(p json.RawMessage) int64 {
		var v itemPayload
		if err := json.Unmarshal(p, &v); err == nil && v.ID == id {
			return -5000
		}
		return w
	}
}

func TestRun_NegativeWeightIsConfigurationFailure(t *testing.T) {
	var calls atomic.Int32
	caller := work.CallerFunc(func(_ context.Context, p json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return p, nil
	})

	cfg := fastConfig()
	cfg.WeightUnitsPerMinute = 1000

	collector := sink.NewCollector()
	d := newTestDispatcher(t, cfg, caller, collector)

	_, err := d.Run(context.Background(), source.NewSliceSource(payloads(3), negativeForID(1, 10)))
	require.NoError(t, err)

	results := collector.Sorted()
	assertComplete(t, results, 3)
	assert.Equal(t, work.KindConfiguration, results[1].Kind)
	assert.Zero(t, results[1].Attempts)
	assert.True(t, results[0].IsSuccess())
	assert.True(t, results[2].IsSuccess())
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(20), d.Limiter().Usage().Weight.Used)
}

func TestRun_BatchNegativeWeightDoesNotHideBatchCost(t *testing.T) {
	var (
		mu    sync.Mutex
		sizes []int
	)

	cfg := fastConfig()
	cfg.BatchSize = 5
	cfg.Concurrency = 1
	cfg.WeightUnitsPerMinute = 4000

	collector := sink.NewCollector()
	d := newTestDispatcher(t, cfg, nil, collector, WithBatchCaller(reversingBatch(&sizes, &mu)))

	_, err := d.Run(context.Background(), source.NewSliceSource(payloads(5), negativeForID(2, 990)))
	require.NoError(t, err)

	results := collector.Sorted()
	assertComplete(t, results, 5)
	for _, r := range results {
		if r.SequenceID == 2 {
			assert.Equal(t, work.KindConfiguration, r.Kind)
			continue
		}
		assert.True(t, r.IsSuccess(), "item %d", r.SequenceID)
	}
	assert.Equal(t, []int{4}, sizes)
	assert.Equal(t, int64(4*990), d.Limiter().Usage().Weight.Used, "every admitted unit of weight is metered")
}

func TestRun_BatchWithoutIndexFailsWholeBatch(t *testing.T) {
	bc := work.BatchCallerFunc(func(_ context.Context, ps []json.RawMessage) ([]work.SubResult, error) {
		subs := make([]work.SubResult, len(ps))
		for i := range ps {
			subs[i] = work.SubResult{Payload: ps[i]}
		}
		return subs, nil
	})

	cfg := fastConfig()
	cfg.BatchSize = 3
	cfg.Concurrency = 1

	collector := sink.NewCollector()
	d := newTestDispatcher(t, cfg, nil, collector, WithBatchCaller(bc))

	_, err := d.Run(context.Background(), source.NewSliceSource(payloads(3), nil))
	require.NoError(t, err)

	for _, r := range collector.Results() {
		assert.Equal(t, work.KindConfiguration, r.Kind)
	}
}

func TestRun_IndependentDispatchers(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	cfg := fastConfig()
	cfg.RequestsPerMinute = 3

	a := newTestDispatcher(t, cfg, echo, sink.NewCollector(), WithClock(clk))
	b := newTestDispatcher(t, cfg, echo, sink.NewCollector(), WithClock(clk))

	// Each dispatcher has its own quota: both finish without the clock moving.
	_, err := a.Run(context.Background(), source.NewSliceSource(payloads(3), nil))
	require.NoError(t, err)
	_, err = b.Run(context.Background(), source.NewSliceSource(payloads(3), nil))
	require.NoError(t, err)

	assert.Equal(t, int64(3), a.Limiter().Usage().Requests.Used)
	assert.Equal(t, int64(3), b.Limiter().Usage().Requests.Used)
}
