// Package metrics holds the Prometheus collectors for the publish pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MediaFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xpost_media_fetch_total",
			Help: "Media downloads by outcome",
		},
		[]string{"result"}, // "ok", "rejected", "error"
	)

	MediaFetchBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xpost_media_fetch_bytes",
			Help:    "Size of downloaded media in bytes",
			Buckets: prometheus.ExponentialBuckets(64<<10, 4, 8), // 64KiB .. 1GiB
		},
	)

	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xpost_publish_total",
			Help: "Per-platform publish attempts by outcome",
		},
		[]string{"platform", "result"},
	)

	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xpost_publish_duration_seconds",
			Help:    "Per-platform publish latency in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"platform"},
	)

	PollAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xpost_poll_attempts_total",
			Help: "Status polls issued against asynchronous media jobs",
		},
		[]string{"platform"},
	)

	SegmentsUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xpost_twitter_segments_total",
			Help: "Chunked upload segments appended",
		},
	)

	SessionLogins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xpost_session_logins_total",
			Help: "Platform logins performed by the session cache",
		},
		[]string{"platform", "result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xpost_circuit_breaker_state",
			Help: "Circuit breaker state per platform (0=closed, 1=half-open, 2=open)",
		},
		[]string{"platform"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xpost_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "status"},
	)
)

// RecordPublish records one platform outcome.
func RecordPublish(platform string, success bool, elapsed time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	PublishTotal.WithLabelValues(platform, result).Inc()
	PublishDuration.WithLabelValues(platform).Observe(elapsed.Seconds())
}

// RecordLogin records one session login.
func RecordLogin(platform string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	SessionLogins.WithLabelValues(platform, result).Inc()
}
