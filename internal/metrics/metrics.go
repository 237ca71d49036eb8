// Package metrics provides Prometheus metrics for replica sync and URL caching.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicasync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replicasync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replicasync_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// Remote object store
	remoteOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replicasync_remote_operation_duration_seconds",
			Help:    "Remote object store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	remoteOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicasync_remote_operations_total",
			Help: "Total remote object store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Replica sync
	syncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicasync_sync_runs_total",
			Help: "Snapshot publish runs by outcome",
		},
		[]string{"outcome"},
	)

	syncBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replicasync_sync_bytes_total",
			Help: "Total bytes published to the remote snapshot",
		},
	)

	restoreTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicasync_restore_total",
			Help: "Snapshot restores by outcome",
		},
		[]string{"outcome"},
	)

	// URL cache
	urlLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicasync_url_lookups_total",
			Help: "Access URL lookups by result",
		},
		[]string{"result"},
	)

	urlCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "replicasync_url_cache_entries",
			Help: "Number of entries in the access URL cache",
		},
	)

	warmedItemsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replicasync_warmed_items_total",
			Help: "Objects visited by the URL cache warmer",
		},
	)

	// Worker pools
	poolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replicasync_pool_queue_depth",
			Help: "Pending tasks per worker pool",
		},
		[]string{"pool"},
	)

	poolInlineTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicasync_pool_inline_runs_total",
			Help: "Tasks run on the submitting goroutine because the backlog was full",
		},
		[]string{"pool"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// RecordRemoteOperation records a remote object store call.
func RecordRemoteOperation(backend, operation string, duration time.Duration, ok bool) {
	remoteOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	remoteOperationsTotal.WithLabelValues(backend, operation, status(ok)).Inc()
}

// RecordSync records a publish run. outcome is one of ok, error, skipped.
func RecordSync(outcome string, bytes int64) {
	syncRunsTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		syncBytes.Add(float64(bytes))
	}
}

// RecordRestore records a restore attempt. outcome is one of ok, missing, error.
func RecordRestore(outcome string) {
	restoreTotal.WithLabelValues(outcome).Inc()
}

// RecordURLLookup records a URL cache lookup. result is one of hit, miss, error, public.
func RecordURLLookup(result string) {
	urlLookupsTotal.WithLabelValues(result).Inc()
}

// SetURLCacheEntries sets the current URL cache size.
func SetURLCacheEntries(n int) {
	urlCacheEntries.Set(float64(n))
}

// RecordWarmedItem counts one object visited by the warmer.
func RecordWarmedItem() {
	warmedItemsTotal.Inc()
}

// SetPoolQueueDepth sets the backlog length of a worker pool.
func SetPoolQueueDepth(pool string, n int) {
	poolQueueDepth.WithLabelValues(pool).Set(float64(n))
}

// RecordPoolInline counts a task executed on the caller because the pool was saturated.
func RecordPoolInline(pool string) {
	poolInlineTotal.WithLabelValues(pool).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by route pattern so path parameters do not explode the series.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
