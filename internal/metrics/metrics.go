// Package metrics provides Prometheus metrics for remote fetches and local
// mirror operations.
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
	// Remote catalog requests
	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serverfiles_remote_requests_total",
			Help: "Total number of requests sent to the file server",
		},
		[]string{"kind", "status"},
	)

	remoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "serverfiles_remote_request_duration_seconds",
			Help:    "Time until response headers were received from the file server",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "serverfiles_bytes_downloaded_total",
			Help: "Total bytes streamed from the file server",
		},
	)

	snapshotState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "serverfiles_snapshot_entries",
			Help: "Entries in the last loaded __INFO__ snapshot, -1 when absent",
		},
	)

	// Local mirror
	cacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serverfiles_cache_operations_total",
			Help: "Local mirror operations by result",
		},
		[]string{"op", "result"},
	)

	lockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "serverfiles_lock_wait_seconds",
			Help:    "Time spent waiting for a per-path lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Serve
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serverfiles_http_requests_total",
			Help: "Requests answered by the serve command",
		},
		[]string{"method", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRemoteRequest records one request to the file server. status is 0
// when the transport failed before a response arrived.
func ObserveRemoteRequest(kind string, status int, started time.Time) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	remoteRequestsTotal.WithLabelValues(kind, label).Inc()
	remoteRequestDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// AddDownloadedBytes increments the downloaded byte counter.
func AddDownloadedBytes(n int64) {
	if n > 0 {
		bytesDownloaded.Add(float64(n))
	}
}

// SetSnapshotEntries records the size of a loaded snapshot; pass -1 for absent.
func SetSnapshotEntries(n int) {
	snapshotState.Set(float64(n))
}

// RecordCacheOperation counts a mirror operation outcome.
func RecordCacheOperation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheOperationsTotal.WithLabelValues(op, result).Inc()
}

// ObserveLockWait records how long a caller waited for a path lock.
func ObserveLockWait(d time.Duration) {
	lockWaitDuration.Observe(d.Seconds())
}

// RecordHTTPRequest counts a request served by the serve command.
func RecordHTTPRequest(method string, status int) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
