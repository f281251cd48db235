// Package sink receives results from dispatcher workers.
//
// Every Sink must be safe for concurrent Accept calls. Sinks do not reorder
// results; each Result keeps its SequenceID so consumers can restore input
// order if they need it. The package also provides CorrelationTable, which
// demultiplexes batched responses back to their originating items by the
// provider-reported index.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

// Sink persists or emits results.
type Sink interface {
	Accept(ctx context.Context, r work.Result) error
}

// Func adapts a function to the Sink interface.
type Func func(ctx context.Context, r work.Result) error

// Accept implements Sink.
func (f Func) Accept(ctx context.Context, r work.Result) error {
	return f(ctx, r)
}

// Collector keeps results in memory.
type Collector struct {
	mu      sync.Mutex
	results []work.Result
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Accept implements Sink.
func (c *Collector) Accept(_ context.Context, r work.Result) error {
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
	return nil
}

// Results returns results in arrival order.
func (c *Collector) Results() []work.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]work.Result(nil), c.results...)
}

// Sorted returns results ordered by SequenceID.
func (c *Collector) Sorted() []work.Result {
	out := c.Results()
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceID < out[j].SequenceID })
	return out
}

// Len returns the number of accepted results.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

// JSONLSink appends one JSON document per result to a writer.
type JSONLSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLSink creates a sink writing to w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{enc: json.NewEncoder(w)}
}

// Accept implements Sink.
func (s *JSONLSink) Accept(_ context.Context, r work.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(r); err != nil {
		return fmt.Errorf("write result %d: %w", r.SequenceID, err)
	}
	return nil
}

// Multi fans a result out to several sinks. All sinks are tried; the first
// error is returned.
type Multi []Sink

// Accept implements Sink.
func (m Multi) Accept(ctx context.Context, r work.Result) error {
	var first error
	for _, s := range m {
		if err := s.Accept(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}
