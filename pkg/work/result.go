package work

import "encoding/json"

// Status tags a Result as success or failure.
type Status string

const (
	// StatusSuccess marks a Result carrying a response payload.
	StatusSuccess Status = "success"

	// StatusFailure marks a Result carrying an error kind and detail.
	StatusFailure Status = "failure"
)

// Result is the outcome of one WorkItem.
type Result struct {
	SequenceID uint64          `json:"sequence_id"`
	Status     Status          `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Kind       ErrorKind       `json:"error_kind,omitempty"`
	Detail     string          `json:"detail,omitempty"`

	// Attempts is the number of attempts the retry executor made (0 when
	// the item failed before reaching it).
	Attempts int `json:"attempts"`
}

// Success builds a successful Result.
func Success(id uint64, payload json.RawMessage) Result {
	return Result{SequenceID: id, Status: StatusSuccess, Payload: payload}
}

// Failure builds a failed Result.
func Failure(id uint64, kind ErrorKind, detail string) Result {
	return Result{SequenceID: id, Status: StatusFailure, Kind: kind, Detail: detail}
}

// FailureFromError builds a failed Result classified with KindOf.
func FailureFromError(id uint64, err error) Result {
	return Failure(id, KindOf(err), err.Error())
}

// IsSuccess reports whether r is a success.
func (r Result) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// WithAttempts returns a copy of r with Attempts set.
func (r Result) WithAttempts(n int) Result {
	r.Attempts = n
	return r
}
