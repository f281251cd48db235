// Package transport provides HTTP implementations of work.Caller and
// work.BatchCaller for JSON APIs.
//
// Every failure is returned as a *work.CallError so the retry executor can
// classify it:
//
//   - 429 and 520 are quota errors
//   - 408, 5xx, network failures and per-call timeouts are transient
//   - other 4xx are request errors
//   - a 2xx body of the form {"error": ...} is an error as well, classified
//     by its message (rate limit messages are quota errors)
//
// The transport does not retry; retrying belongs to the dispatcher.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/quota-dispatcher/pkg/cache"
	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

// Prometheus metrics for HTTP calls.
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_http_requests_total",
		Help: "Total HTTP calls by endpoint kind and status",
	}, []string{"mode", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_http_request_duration_seconds",
		Help:    "HTTP call duration in seconds by endpoint kind",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"mode"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_http_errors_total",
		Help: "Total HTTP call errors by error kind",
	}, []string{"error_kind"})
)

// MaxResponseSize bounds the bytes read from one response.
const MaxResponseSize = 32 * 1024 * 1024

// Config holds the HTTP caller configuration.
type Config struct {
	// Endpoint receives one payload per POST.
	Endpoint string

	// BatchEndpoint receives {"requests": [...]} for batched calls.
	BatchEndpoint string

	// UserAgent header sent with every request.
	UserAgent string

	// Headers are added to every request (e.g. Authorization).
	Headers map[string]string

	// Timeout is the http.Client timeout. Per-attempt deadlines come from
	// the caller's context.
	Timeout time.Duration
}

// DefaultConfig returns a configuration for endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:  endpoint,
		UserAgent: "quota-dispatcher/1.0",
		Timeout:   120 * time.Second,
	}
}

// Option customizes an HTTPCaller.
type Option func(*HTTPCaller)

// WithHTTPClient sets a custom HTTP client (for testing).
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPCaller) { c.httpClient = client }
}

// WithCache serves identical requests from the response cache.
func WithCache(m *cache.Manager) Option {
	return func(c *HTTPCaller) { c.cache = m }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *HTTPCaller) { c.logger = logger }
}

// HTTPCaller posts one JSON payload per call. It is safe for concurrent use
// and shared read-only by all workers.
type HTTPCaller struct {
	httpClient *http.Client
	cache      *cache.Manager
	config     Config
	logger     zerolog.Logger
}

// New creates an HTTPCaller.
func New(cfg Config, opts ...Option) (*HTTPCaller, error) {
	if cfg.Endpoint == "" && cfg.BatchEndpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	c := &HTTPCaller{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		logger:     log.With().Str("component", "http-caller").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Batch returns a batch caller sharing c's client, headers and logger.
func (c *HTTPCaller) Batch() (*HTTPBatchCaller, error) {
	if c.config.BatchEndpoint == "" {
		return nil, fmt.Errorf("batch endpoint is required")
	}
	return &HTTPBatchCaller{c: c}, nil
}

// Call implements work.Caller.
func (c *HTTPCaller) Call(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if c.config.Endpoint == "" {
		return nil, work.NewError(work.KindConfiguration, errors.New("no single-call endpoint configured"))
	}

	key := cache.Key{Endpoint: c.config.Endpoint, Payload: payload}
	if c.cache != nil {
		entry, err := c.cache.Get(ctx, key)
		switch {
		case err == nil:
			c.logger.Debug().Str("cache_key", key.String()).Msg("Serving response from cache")
			return entry.Payload, nil
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Msg("Cache get error")
		}
	}

	body, err := c.post(ctx, "single", c.config.Endpoint, payload)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, body); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		}
	}
	return body, nil
}

// post sends body and returns the response body of a successful call.
func (c *HTTPCaller) post(ctx context.Context, mode, url string, body []byte) (json.RawMessage, error) {
	start := time.Now()
	defer func() {
		httpRequestDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, work.NewError(work.KindConfiguration, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := classifyNetworkError(err)
		httpErrorsTotal.WithLabelValues(string(kind)).Inc()
		httpRequestsTotal.WithLabelValues(mode, "network_error").Inc()
		c.logger.Warn().Err(err).Str("mode", mode).Msg("HTTP request failed")
		return nil, &work.CallError{Kind: kind, Message: "http request", Err: err}
	}
	defer resp.Body.Close()

	httpRequestsTotal.WithLabelValues(mode, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		kind := classifyNetworkError(err)
		httpErrorsTotal.WithLabelValues(string(kind)).Inc()
		return nil, &work.CallError{Kind: kind, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode >= 400 {
		callErr := statusError(resp, data)
		httpErrorsTotal.WithLabelValues(string(callErr.Kind)).Inc()
		c.logger.Warn().
			Str("mode", mode).
			Int("status", resp.StatusCode).
			Str("error_kind", string(callErr.Kind)).
			Msg("API request error")
		return nil, callErr
	}

	if d, ok := parseErrorBody(data); ok {
		kind := classifyErrorDetail(d)
		httpErrorsTotal.WithLabelValues(string(kind)).Inc()
		c.logger.Warn().
			Str("mode", mode).
			Str("error_kind", string(kind)).
			Str("message", d.Message).
			Msg("API reported error in response body")
		return nil, &work.CallError{Kind: kind, StatusCode: resp.StatusCode, Message: d.Message}
	}

	if !json.Valid(data) {
		httpErrorsTotal.WithLabelValues(string(work.KindTransient)).Inc()
		return nil, &work.CallError{Kind: work.KindTransient, StatusCode: resp.StatusCode, Message: "response is not valid JSON"}
	}
	return data, nil
}
