// Package metrics provides the Prometheus registry and HTTP handler for the
// dispatcher. All metrics are defined in their respective packages
// (ratelimit, retry, dispatch, transport, cache) to maintain modularity and
// avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is where the scrape handler registers its own request
	// counters. Package metrics are registered via promauto.
	Registry = prometheus.DefaultRegisterer

	// Gatherer is the source of the exposed series.
	Gatherer = prometheus.DefaultGatherer
)

// Handler serves all registered metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - dispatch_ratelimit_wait_seconds (Histogram): Time spent waiting for quota headroom per admission
//   - dispatch_ratelimit_throttles_total{dimension} (Counter): Admission waits by limiting dimension
//
// Per-run window usage is not exported as a gauge, since several
// dispatchers may share a process. It is published per run_id through
// ratelimit.UsageStore instead.
//
// Retry Metrics (pkg/retry):
//   - dispatch_retries_total{error_kind} (Counter): Retry attempts by error kind
//   - dispatch_retry_backoff_seconds{error_kind} (Histogram): Backoff duration by error kind
//   - dispatch_retry_exhausted_total{error_kind} (Counter): Items that exhausted max retries
//
// Worker Pool Metrics (pkg/dispatch):
//   - dispatch_items_total{status, error_kind} (Counter): Delivered results
//   - dispatch_inflight (Gauge): Items currently held by workers
//   - dispatch_sink_errors_total (Counter): Results the sink failed to accept
//   - dispatch_batch_size (Histogram): Items per batched call
//
// HTTP Metrics (pkg/transport):
//   - dispatch_http_requests_total{mode, status} (Counter): Calls by mode (single, batch) and HTTP status
//   - dispatch_http_request_duration_seconds{mode} (Histogram): Call duration
//   - dispatch_http_errors_total{error_kind} (Counter): Call errors by kind
//
// Cache Metrics (pkg/cache):
//   - dispatch_cache_hits_total (Counter): Response cache hits
//   - dispatch_cache_misses_total (Counter): Response cache misses
//   - dispatch_cache_size_bytes (Gauge): Bytes written to the cache
//   - dispatch_cache_errors_total{operation} (Counter): Cache operation errors
//
// Example Prometheus Queries:
//
//   # Throughput (results per second)
//   sum(rate(dispatch_items_total[1m]))
//
//   # Failure ratio by kind
//   sum by (error_kind) (rate(dispatch_items_total{status="failure"}[5m]))
//     / sum(rate(dispatch_items_total[5m]))
//
//   # Time spent throttled
//   rate(dispatch_ratelimit_wait_seconds_sum[5m])
//
//   # Which dimension throttles most
//   sum by (dimension) (rate(dispatch_ratelimit_throttles_total[5m]))
//
//   # P95 call latency
//   histogram_quantile(0.95, rate(dispatch_http_request_duration_seconds_bucket[5m]))
