// Package metrics exposes Prometheus collectors for the regwatch service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	storeOperationsTotal       *prometheus.CounterVec
	storePrunedVersionsTotal   prometheus.Counter
	writerPagesTotal           *prometheus.CounterVec
	writerBytesTotal           *prometheus.CounterVec
	writerRetriesTotal         prometheus.Counter
	writerFallbacksTotal       *prometheus.CounterVec
	contentChangesTotal        *prometheus.CounterVec
	extractorBufferBytes       prometheus.Histogram
	runsTotal                  *prometheus.CounterVec
	runPeakMemoryBytes         prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		storeOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regwatch_store_operations_total",
				Help: "Versioned store operations, labeled by operation and result.",
			},
			[]string{"op", "result"},
		)

		storePrunedVersionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "regwatch_store_pruned_versions_total",
				Help: "History records removed by the retention cap.",
			},
		)

		writerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regwatch_writer_pages_total",
				Help: "Pages persisted by the writer, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		writerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regwatch_writer_bytes_total",
				Help: "Bytes written by the writer, labeled by site.",
			},
			[]string{"site"},
		)

		writerRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "regwatch_writer_lock_retries_total",
				Help: "Write attempts retried because the target file was locked.",
			},
		)

		writerFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regwatch_writer_fallbacks_total",
				Help: "Writes redirected to a fallback file, labeled by location.",
			},
			[]string{"location"},
		)

		contentChangesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regwatch_content_changes_total",
				Help: "Saved pages whose content hash differed from the latest version.",
			},
			[]string{"site"},
		)

		extractorBufferBytes = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "regwatch_extractor_buffer_bytes",
				Help:    "Extractor buffer size observed at each flush.",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 8),
			},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regwatch_runs_total",
				Help: "Completed writer runs, labeled by final status.",
			},
			[]string{"status"},
		)

		runPeakMemoryBytes = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "regwatch_run_peak_memory_bytes",
				Help: "Peak heap usage recorded by the most recent run.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveStoreOp counts a store operation outcome.
func ObserveStoreOp(op string, err error) {
	Init()
	storeOperationsTotal.WithLabelValues(op, result(err)).Inc()
}

// ObservePrunedVersions adds n to the pruned history counter.
func ObservePrunedVersions(n int) {
	Init()
	if n > 0 {
		storePrunedVersionsTotal.Add(float64(n))
	}
}

// ObservePage records one writer outcome for the page's site.
func ObservePage(pageURL string, success bool, bytesWritten int64) {
	Init()
	site := SanitizeSite(pageURL)
	status := "success"
	if !success {
		status = "failed"
	}
	writerPagesTotal.WithLabelValues(site, status).Inc()
	if bytesWritten > 0 {
		writerBytesTotal.WithLabelValues(site).Add(float64(bytesWritten))
	}
}

// ObserveWriteRetry counts a lock-contention retry.
func ObserveWriteRetry() {
	Init()
	writerRetriesTotal.Inc()
}

// ObserveFallback counts a write that landed in a fallback location ("same_dir" or "default_dir").
func ObserveFallback(location string) {
	Init()
	writerFallbacksTotal.WithLabelValues(location).Inc()
}

// ObserveContentChange counts a page whose content changed since the last version.
func ObserveContentChange(pageURL string) {
	Init()
	contentChangesTotal.WithLabelValues(SanitizeSite(pageURL)).Inc()
}

// ObserveExtractorBuffer records the extractor buffer size after a flush.
func ObserveExtractorBuffer(bytes int) {
	Init()
	extractorBufferBytes.Observe(float64(bytes))
}

// ObserveRun records a finished run and its peak memory.
func ObserveRun(status string, peakMemoryBytes uint64) {
	Init()
	runsTotal.WithLabelValues(status).Inc()
	runPeakMemoryBytes.Set(float64(peakMemoryBytes))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
