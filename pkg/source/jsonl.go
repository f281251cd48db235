package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

// MaxLineSize bounds a single JSONL record.
const MaxLineSize = 16 * 1024 * 1024

// JSONLSource reads one JSON document per line. Blank lines are skipped.
// Lines that are not valid JSON consume a sequence ID and are reported as
// *MalformedError; read failures are returned as-is and end the stream.
type JSONLSource struct {
	mu       sync.Mutex
	scanner  *bufio.Scanner
	line     int
	seq      sequencer
	estimate Estimator
	err      error
}

// NewJSONLSource creates a source reading from r. A nil estimator uses
// EstimateTokens.
func NewJSONLSource(r io.Reader, estimate Estimator) *JSONLSource {
	if estimate == nil {
		estimate = EstimateTokens
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &JSONLSource{scanner: scanner, estimate: estimate}
}

// Next implements Source.
func (s *JSONLSource) Next(ctx context.Context) (work.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return work.WorkItem{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return work.WorkItem{}, s.err
	}

	for s.scanner.Scan() {
		s.line++
		raw := bytes.TrimSpace(s.scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		id := s.seq.take()
		if !json.Valid(raw) {
			return work.WorkItem{}, &MalformedError{SequenceID: id, Line: s.line, Err: errors.New("invalid JSON")}
		}
		// The scanner reuses its buffer.
		payload := make(json.RawMessage, len(raw))
		copy(payload, raw)
		return newItem(id, payload, s.estimate), nil
	}

	if err := s.scanner.Err(); err != nil {
		s.err = fmt.Errorf("read input line %d: %w", s.line+1, err)
		return work.WorkItem{}, s.err
	}
	s.err = io.EOF
	return work.WorkItem{}, io.EOF
}
