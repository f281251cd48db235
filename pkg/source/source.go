// Package source produces work items lazily, one pull at a time.
//
// A Source hands each item to exactly one caller: Next is the single shared
// mutation point and every implementation serializes it. Sources are pull
// based so a dispatcher holds at most its in-flight items plus the source's
// small read-ahead buffer. End of stream is signalled with io.EOF. Sources
// are not restartable mid-stream.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

// Source yields work items until io.EOF.
type Source interface {
	Next(ctx context.Context) (work.WorkItem, error)
}

// MalformedError reports an input record that could not become a work item.
// Its sequence ID has been consumed, so the dispatcher can still emit a
// Result for it.
type MalformedError struct {
	SequenceID uint64
	Line       int
	Err        error
}

// Error implements the error interface.
func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed record %d (line %d): %v", e.SequenceID, e.Line, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *MalformedError) Unwrap() error {
	return e.Err
}

// ErrorKind implements work.Kinded.
func (e *MalformedError) ErrorKind() work.ErrorKind {
	return work.KindRequest
}

// sequencer assigns monotonically increasing sequence IDs.
type sequencer struct {
	next uint64
}

func (s *sequencer) take() uint64 {
	id := s.next
	s.next++
	return id
}

// SliceSource serves a fixed list of payloads.
type SliceSource struct {
	mu       sync.Mutex
	payloads []json.RawMessage
	pos      int
	seq      sequencer
	estimate Estimator
}

// NewSliceSource creates a source over payloads. A nil estimator uses
// EstimateTokens.
func NewSliceSource(payloads []json.RawMessage, estimate Estimator) *SliceSource {
	if estimate == nil {
		estimate = EstimateTokens
	}
	return &SliceSource{payloads: payloads, estimate: estimate}
}

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) (work.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return work.WorkItem{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pos >= len(s.payloads) {
		return work.WorkItem{}, io.EOF
	}
	p := s.payloads[s.pos]
	s.pos++
	return newItem(s.seq.take(), p, s.estimate), nil
}

// ChanSource adapts a channel of payloads, for generator-backed and
// unbounded streams. The stream ends when the channel is closed.
type ChanSource struct {
	mu       sync.Mutex
	ch       <-chan json.RawMessage
	seq      sequencer
	estimate Estimator
}

// NewChanSource creates a source draining ch.
func NewChanSource(ch <-chan json.RawMessage, estimate Estimator) *ChanSource {
	if estimate == nil {
		estimate = EstimateTokens
	}
	return &ChanSource{ch: ch, estimate: estimate}
}

// Next implements Source. It blocks until a payload arrives, the channel is
// closed, or ctx is done.
func (s *ChanSource) Next(ctx context.Context) (work.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return work.WorkItem{}, ctx.Err()
	case p, ok := <-s.ch:
		if !ok {
			return work.WorkItem{}, io.EOF
		}
		return newItem(s.seq.take(), p, s.estimate), nil
	}
}

func newItem(id uint64, payload json.RawMessage, estimate Estimator) work.WorkItem {
	return work.WorkItem{
		SequenceID: id,
		Payload:    payload,
		Cost:       work.Cost{Requests: 1, Weight: estimate(payload)},
	}
}
