package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

// batchRequest is the wire format of a batched call.
type batchRequest struct {
	Requests []json.RawMessage `json:"requests"`
}

// batchEntry is one sub-result. Index refers to the position in
// batchRequest.Requests; entries may arrive in any order.
type batchEntry struct {
	Index    *int            `json:"index"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
}

type batchResponse struct {
	Data []batchEntry `json:"data"`
}

// HTTPBatchCaller posts several payloads in one call.
type HTTPBatchCaller struct {
	c *HTTPCaller
}

// CallBatch implements work.BatchCaller. Sub-results are returned in the
// order the provider sent them, tagged with the provider's index.
func (b *HTTPBatchCaller) CallBatch(ctx context.Context, payloads []json.RawMessage) ([]work.SubResult, error) {
	body, err := json.Marshal(batchRequest{Requests: payloads})
	if err != nil {
		return nil, work.NewError(work.KindRequest, fmt.Errorf("marshal batch: %w", err))
	}

	data, err := b.c.post(ctx, "batch", b.c.config.BatchEndpoint, body)
	if err != nil {
		return nil, err
	}

	var resp batchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &work.CallError{Kind: work.KindTransient, Message: "decode batch response", Err: err}
	}

	subs := make([]work.SubResult, len(resp.Data))
	for i, e := range resp.Data {
		subs[i] = work.SubResult{Index: e.Index, Payload: e.Response}
		if len(e.Error) > 0 && string(e.Error) != "null" {
			d, _ := parseErrorBody(append(append([]byte(`{"error":`), e.Error...), '}'))
			subs[i].Err = &work.CallError{Kind: classifyErrorDetail(d), Message: d.Message}
			subs[i].Payload = nil
		}
	}
	return subs, nil
}
