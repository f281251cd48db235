package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

// StatusOverloaded is a non-standard status some gateways use for
// provider-side throttling.
const StatusOverloaded = 520

// ClassifyStatus maps an HTTP status to an error kind. It returns "" for
// non-error statuses.
func ClassifyStatus(code int) work.ErrorKind {
	switch {
	case code == http.StatusTooManyRequests, code == StatusOverloaded:
		return work.KindQuota
	case code == http.StatusRequestTimeout, code >= 500:
		return work.KindTransient
	case code >= 400:
		return work.KindRequest
	default:
		return ""
	}
}

// classifyNetworkError maps a transport failure to an error kind.
func classifyNetworkError(err error) work.ErrorKind {
	if errors.Is(err, context.Canceled) {
		return work.KindCancelled
	}
	return work.KindTransient
}

// errorBody is the provider error envelope. Both {"error": "text"} and
// {"error": {"message": ..., "type": ...}} are accepted.
type errorBody struct {
	Error json.RawMessage `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// parseErrorBody extracts the provider error message from body. ok is false
// when body carries no error.
func parseErrorBody(body []byte) (detail errorDetail, ok bool) {
	var env errorBody
	if err := json.Unmarshal(body, &env); err != nil || len(env.Error) == 0 || string(env.Error) == "null" {
		return errorDetail{}, false
	}

	var text string
	if err := json.Unmarshal(env.Error, &text); err == nil {
		return errorDetail{Message: text}, true
	}
	if err := json.Unmarshal(env.Error, &detail); err != nil {
		return errorDetail{Message: string(env.Error)}, true
	}
	return detail, true
}

// classifyErrorDetail maps an error reported inside a response body.
func classifyErrorDetail(d errorDetail) work.ErrorKind {
	text := strings.ToLower(d.Message + " " + d.Type)
	switch {
	case strings.Contains(text, "rate limit"), strings.Contains(text, "rate_limit"),
		strings.Contains(text, "quota"), strings.Contains(text, "too many requests"):
		return work.KindQuota
	case strings.Contains(text, "overloaded"), strings.Contains(text, "server_error"),
		strings.Contains(text, "timeout"), strings.Contains(text, "temporarily unavailable"):
		return work.KindTransient
	default:
		return work.KindRequest
	}
}

// statusError builds the error for a non-2xx response.
func statusError(resp *http.Response, body []byte) *work.CallError {
	msg := resp.Status
	if d, ok := parseErrorBody(body); ok && d.Message != "" {
		msg = d.Message
	}
	return &work.CallError{
		Kind:       ClassifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}
