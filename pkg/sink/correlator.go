package sink

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

// Correlation errors. Both classify as work.KindConfiguration: guessing an
// order would silently attach responses to the wrong items.
var (
	ErrMissingIndex   = errors.New("batched response entry has no index")
	ErrDuplicateIndex = errors.New("batched response index reported twice")
	ErrIndexRange     = errors.New("batched response index out of range")
)

// CorrelationTable maps the request-local index of a batched call to the
// originating SequenceIDs. It lives only for the duration of one call.
type CorrelationTable struct {
	ids []uint64
}

// NewCorrelationTable records the submission order of items.
func NewCorrelationTable(items []work.WorkItem) *CorrelationTable {
	ids := make([]uint64, len(items))
	for i, it := range items {
		ids[i] = it.SequenceID
	}
	return &CorrelationTable{ids: ids}
}

// Len returns the batch size.
func (t *CorrelationTable) Len() int {
	return len(t.ids)
}

// SequenceID returns the originating item of index i.
func (t *CorrelationTable) SequenceID(i int) (uint64, bool) {
	if i < 0 || i >= len(t.ids) {
		return 0, false
	}
	return t.ids[i], true
}

// Demux routes sub-results to their items by Index, ignoring the order in
// which they appear. It returns exactly one Result per submitted item, in
// submission order:
//   - a missing, duplicate or out-of-range index fails the whole batch with
//     work.KindConfiguration;
//   - an item without a sub-result fails with work.KindRequest;
//   - a sub-result carrying Err fails with work.KindOf(Err).
func (t *CorrelationTable) Demux(subs []work.SubResult) []work.Result {
	results := make([]work.Result, len(t.ids))
	filled := make([]bool, len(t.ids))

	for pos, sub := range subs {
		var err error
		switch {
		case sub.Index == nil:
			err = fmt.Errorf("%w (entry %d)", ErrMissingIndex, pos)
		case *sub.Index < 0 || *sub.Index >= len(t.ids):
			err = fmt.Errorf("%w: %d not in [0,%d)", ErrIndexRange, *sub.Index, len(t.ids))
		case filled[*sub.Index]:
			err = fmt.Errorf("%w: %d", ErrDuplicateIndex, *sub.Index)
		}
		if err != nil {
			return t.FailAll(work.NewError(work.KindConfiguration, err))
		}

		i := *sub.Index
		filled[i] = true
		if sub.Err != nil {
			results[i] = work.FailureFromError(t.ids[i], sub.Err)
		} else {
			results[i] = work.Success(t.ids[i], sub.Payload)
		}
	}

	for i, ok := range filled {
		if !ok {
			results[i] = work.Failure(t.ids[i], work.KindRequest, "no entry for this item in batched response")
		}
	}
	return results
}

// FailAll returns a Failure for every item of the batch.
func (t *CorrelationTable) FailAll(err error) []work.Result {
	results := make([]work.Result, len(t.ids))
	for i, id := range t.ids {
		results[i] = work.FailureFromError(id, err)
	}
	return results
}
