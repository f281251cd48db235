package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/quota-dispatcher/internal/testutil"
	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

func newTestCaller(t *testing.T, mock *testutil.MockAPI) *HTTPCaller {
	t.Helper()
	cfg := DefaultConfig(mock.URL() + "/v1/complete")
	cfg.BatchEndpoint = mock.URL() + "/v1/batch"
	cfg.Headers = map[string]string{"Authorization": "Bearer test-key"}

	c, err := New(cfg, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	return c
}

func TestNew_RequiresEndpoint(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestHTTPCaller_Success(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/v1/complete", testutil.NewOKResponse(`{"text":"hello"}`))

	c := newTestCaller(t, mock)
	got, err := c.Call(context.Background(), json.RawMessage(`{"prompt":"hi"}`))
	require.NoError(t, err)

	assert.JSONEq(t, `{"text":"hello"}`, string(got))
	assert.JSONEq(t, `{"prompt":"hi"}`, string(mock.GetLastRequestBody()))
	assert.Equal(t, "Bearer test-key", mock.LastRequestHeader.Get("Authorization"))
	assert.Equal(t, "application/json", mock.LastRequestHeader.Get("Content-Type"))
	assert.Equal(t, "quota-dispatcher/1.0", mock.LastRequestHeader.Get("User-Agent"))
}

func TestHTTPCaller_ErrorKinds(t *testing.T) {
	tests := []struct {
		name       string
		resp       testutil.MockResponse
		wantKind   work.ErrorKind
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "429 is quota",
			resp:       testutil.NewRateLimitResponse(),
			wantKind:   work.KindQuota,
			wantStatus: http.StatusTooManyRequests,
			wantMsg:    "Rate limit reached",
		},
		{
			name:       "520 is quota",
			resp:       testutil.MockResponse{StatusCode: StatusOverloaded},
			wantKind:   work.KindQuota,
			wantStatus: StatusOverloaded,
		},
		{
			name:       "500 is transient",
			resp:       testutil.NewServerErrorResponse(),
			wantKind:   work.KindTransient,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "400 is request",
			resp:       testutil.NewBadRequestResponse("messages is required"),
			wantKind:   work.KindRequest,
			wantStatus: http.StatusBadRequest,
			wantMsg:    "messages is required",
		},
		{
			name:       "200 with rate limit body is quota",
			resp:       testutil.NewErrorBodyResponse("rate limit exceeded, slow down"),
			wantKind:   work.KindQuota,
			wantStatus: http.StatusOK,
			wantMsg:    "rate limit exceeded",
		},
		{
			name:       "200 with other error body is request",
			resp:       testutil.NewErrorBodyResponse("context length exceeded"),
			wantKind:   work.KindRequest,
			wantStatus: http.StatusOK,
		},
		{
			name:       "200 with invalid JSON is transient",
			resp:       testutil.NewOKResponse(`{"truncated":`),
			wantKind:   work.KindTransient,
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockAPI()
			defer mock.Close()
			mock.SetResponse("/v1/complete", tt.resp)

			c := newTestCaller(t, mock)
			_, err := c.Call(context.Background(), json.RawMessage(`{}`))
			require.Error(t, err)

			var callErr *work.CallError
			require.True(t, errors.As(err, &callErr), "error %T is not *work.CallError", err)
			assert.Equal(t, tt.wantKind, callErr.Kind)
			assert.Equal(t, tt.wantKind, work.KindOf(err))
			assert.Equal(t, tt.wantStatus, callErr.StatusCode)
			if tt.wantMsg != "" {
				assert.Contains(t, callErr.Error(), tt.wantMsg)
			}
		})
	}
}

func TestHTTPCaller_TimeoutIsTransient(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/v1/complete", testutil.MockResponse{StatusCode: http.StatusOK, Body: `{}`, Delay: 200 * time.Millisecond})

	c := newTestCaller(t, mock)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, work.KindTransient, work.KindOf(err))
}

func TestHTTPCaller_NetworkError(t *testing.T) {
	mock := testutil.NewMockAPI()
	url := mock.URL()
	mock.Close()

	c, err := New(DefaultConfig(url+"/v1/complete"), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	_, err = c.Call(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, work.KindTransient, work.KindOf(err))
}

func TestHTTPBatchCaller_PermutedReply(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/v1/batch", testutil.NewBatchHandler(testutil.Reverse))

	c := newTestCaller(t, mock)
	bc, err := c.Batch()
	require.NoError(t, err)

	payloads := []json.RawMessage{json.RawMessage(`{"n":0}`), json.RawMessage(`{"n":1}`), json.RawMessage(`{"n":2}`)}
	subs, err := bc.CallBatch(context.Background(), payloads)
	require.NoError(t, err)
	require.Len(t, subs, 3)

	for pos, sub := range subs {
		require.NotNil(t, sub.Index, "entry %d", pos)
		assert.Equal(t, 2-pos, *sub.Index)
		assert.JSONEq(t, string(payloads[*sub.Index]), string(sub.Payload))
		assert.NoError(t, sub.Err)
	}
}

func TestHTTPBatchCaller_SubErrors(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/v1/batch", testutil.NewOKResponse(`{"data":[
		{"index":1,"error":{"message":"Rate limit reached"}},
		{"index":0,"response":{"ok":true}},
		{"response":{"orphan":true}}
	]}`))

	c := newTestCaller(t, mock)
	bc, err := c.Batch()
	require.NoError(t, err)

	subs, err := bc.CallBatch(context.Background(), []json.RawMessage{json.RawMessage(`{}`), json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.Len(t, subs, 3)

	assert.Equal(t, 1, *subs[0].Index)
	assert.Equal(t, work.KindQuota, work.KindOf(subs[0].Err))
	assert.Nil(t, subs[0].Payload)

	assert.Equal(t, 0, *subs[1].Index)
	assert.NoError(t, subs[1].Err)

	assert.Nil(t, subs[2].Index)
}

func TestHTTPCaller_BatchRequiresEndpoint(t *testing.T) {
	c, err := New(DefaultConfig("http://localhost/v1/complete"))
	require.NoError(t, err)
	_, err = c.Batch()
	require.Error(t, err)
}
