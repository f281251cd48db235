package source

import (
	"encoding/json"

	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

// BytesPerToken is the rough ratio used to turn payload size into tokens.
const BytesPerToken = 4

// Estimator returns the weight-dimension cost of a payload.
type Estimator func(payload json.RawMessage) int64

// completionBudget are the request fields that reserve output tokens.
type completionBudget struct {
	MaxTokens           *int64 `json:"max_tokens"`
	MaxCompletionTokens *int64 `json:"max_completion_tokens"`
	N                   *int64 `json:"n"`
}

// EstimateTokens approximates the token cost of a completion-style request:
// ceil(len(payload)/BytesPerToken) for the prompt plus max_tokens
// (or max_completion_tokens) times n for the completions. Negative budgets
// count as zero and the result saturates at math.MaxInt64.
func EstimateTokens(payload json.RawMessage) int64 {
	prompt := (int64(len(payload)) + BytesPerToken - 1) / BytesPerToken

	var b completionBudget
	if err := json.Unmarshal(payload, &b); err != nil {
		// Arrays and scalars carry no budget fields.
		return prompt
	}

	var completion int64
	switch {
	case b.MaxCompletionTokens != nil:
		completion = *b.MaxCompletionTokens
	case b.MaxTokens != nil:
		completion = *b.MaxTokens
	}
	n := int64(1)
	if b.N != nil && *b.N > 0 {
		n = *b.N
	}
	return work.SaturatingAdd(prompt, work.SaturatingMul(completion, n))
}

// FixedWeight returns an Estimator charging w per payload. A negative w
// charges nothing.
func FixedWeight(w int64) Estimator {
	w = max(w, 0)
	return func(json.RawMessage) int64 { return w }
}
