package work

import (
	"context"
	"encoding/json"
	"math"
)

// Cost is the estimated consumption of a call along both quota dimensions.
type Cost struct {
	// Requests is the request-count dimension (1 per call).
	Requests int64 `json:"requests"`

	// Weight is the weight dimension, typically an estimated token count.
	Weight int64 `json:"weight"`
}

// Add returns the component-wise sum of two costs, saturating at
// math.MaxInt64 and math.MinInt64.
func (c Cost) Add(o Cost) Cost {
	return Cost{Requests: SaturatingAdd(c.Requests, o.Requests), Weight: SaturatingAdd(c.Weight, o.Weight)}
}

// IsNegative reports whether either dimension is below zero.
func (c Cost) IsNegative() bool {
	return c.Requests < 0 || c.Weight < 0
}

// SaturatingAdd returns a+b clamped to the int64 range.
func SaturatingAdd(a, b int64) int64 {
	s := a + b
	switch {
	case a > 0 && b > 0 && s < 0:
		return math.MaxInt64
	case a < 0 && b < 0 && s >= 0:
		return math.MinInt64
	}
	return s
}

// SaturatingMul returns a*b for non-negative operands, clamped to
// math.MaxInt64. Negative operands count as zero.
func SaturatingMul(a, b int64) int64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	if a > math.MaxInt64/b {
		return math.MaxInt64
	}
	return a * b
}

// IsZero reports whether the cost consumes nothing.
func (c Cost) IsZero() bool {
	return c.Requests == 0 && c.Weight == 0
}

// WorkItem is one logical unit of work. It is immutable once created.
type WorkItem struct {
	// SequenceID is unique within a run and assigned monotonically at ingestion.
	SequenceID uint64 `json:"sequence_id"`

	// Payload is the opaque request body handed to the Caller.
	Payload json.RawMessage `json:"payload"`

	// Cost is the admission estimate for this item.
	Cost Cost `json:"cost"`
}

// Caller performs a single remote call.
type Caller interface {
	Call(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

// SubResult is one entry of a batched response.
type SubResult struct {
	// Index is the provider-reported position of the originating request in
	// the submitted batch. Nil when the provider omitted it.
	Index *int

	// Payload is the sub-response body on success.
	Payload json.RawMessage

	// Err is set when the provider reported a per-entry failure.
	Err error
}

// BatchCaller performs one remote call carrying several payloads. The
// returned entries may be in any order; Index identifies their origin.
type BatchCaller interface {
	CallBatch(ctx context.Context, payloads []json.RawMessage) ([]SubResult, error)
}

// BatchCallerFunc adapts a function to the BatchCaller interface.
type BatchCallerFunc func(ctx context.Context, payloads []json.RawMessage) ([]SubResult, error)

// CallBatch implements BatchCaller.
func (f BatchCallerFunc) CallBatch(ctx context.Context, payloads []json.RawMessage) ([]SubResult, error) {
	return f(ctx, payloads)
}

// IndexOf is a convenience for building SubResult.Index.
func IndexOf(i int) *int {
	return &i
}
