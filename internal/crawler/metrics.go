package crawler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TotalRequests tracks the number of HTTP requests dispatched by the crawler.
	TotalRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "regwatch_crawler_requests_total",
		Help: "The total number of HTTP requests sent.",
	})
	// TotalRequestErrors tracks the number of requests that resulted in an error.
	TotalRequestErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "regwatch_crawler_request_errors_total",
		Help: "The total number of failed HTTP requests.",
	})
	// TotalSkippedVisited counts discovered links skipped because a previous run already processed them.
	TotalSkippedVisited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "regwatch_crawler_skipped_visited_total",
		Help: "The total number of links skipped because they were already visited.",
	})
	// TotalRateLimitHits tracks the number of times the crawler was rate-limited (HTTP 429).
	TotalRateLimitHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "regwatch_crawler_rate_limit_hits_total",
		Help: "The total number of times the crawler was rate limited.",
	})
	// TotalForbiddenHits tracks the number of times the crawler received a forbidden response (HTTP 403).
	TotalForbiddenHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "regwatch_crawler_forbidden_hits_total",
		Help: "The total number of times the crawler received a forbidden response.",
	})
	// TotalRobotsDenied counts requests dropped because robots.txt disallows them.
	TotalRobotsDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "regwatch_crawler_robots_denied_total",
		Help: "The total number of requests skipped because robots.txt disallowed them.",
	})
	// RateLimitDelay records how long requests waited for a per-host token.
	RateLimitDelay = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "regwatch_crawler_rate_limit_delay_seconds",
		Help:    "Time spent waiting for the per-host rate limiter.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"host"})
)

func observeRateLimitDelay(host string, waited time.Duration) {
	RateLimitDelay.WithLabelValues(host).Observe(waited.Seconds())
}
