// Package metrics exposes Prometheus collectors for the crawl execution core.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	boundedCallsTotal          *prometheus.CounterVec
	boundedCallDurationSeconds *prometheus.HistogramVec
	boundedOrphanedCalls       *prometheus.GaugeVec
	throttleWaitSeconds        *prometheus.HistogramVec
	throttlePermitsHeld        *prometheus.GaugeVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	queueDepth                 *prometheus.GaugeVec
	sessionEventsTotal         *prometheus.CounterVec
	documentsTotal             *prometheus.CounterVec
	passesTotal                *prometheus.CounterVec
	activeWorkers              *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		boundedCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlcore_bounded_calls_total",
				Help: "Bounded calls completed, labeled by call name and outcome kind.",
			},
			[]string{"call", "kind"},
		)

		boundedCallDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlcore_bounded_call_duration_seconds",
				Help:    "Caller-observed wait for bounded calls.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"call"},
		)

		boundedOrphanedCalls = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawlcore_bounded_orphaned_calls",
				Help: "Calls abandoned by their caller that are still running.",
			},
			[]string{"call"},
		)

		throttleWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlcore_throttle_wait_seconds",
				Help:    "Time spent waiting for a bin permit.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"bin"},
		)

		throttlePermitsHeld = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawlcore_throttle_permits_held",
				Help: "Permits currently held per bin.",
			},
			[]string{"bin"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlcore_rate_limit_delay_seconds",
				Help:    "Delay introduced by connector API rate limiters.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"key"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawlcore_queue_depth",
				Help: "Entries waiting in a queue.",
			},
			[]string{"queue"},
		)

		sessionEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlcore_session_events_total",
				Help: "Session lifecycle events, labeled by connection and event.",
			},
			[]string{"connection", "event"},
		)

		documentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlcore_documents_total",
				Help: "Documents processed, labeled by connection and result code.",
			},
			[]string{"connection", "result"},
		)

		passesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlcore_passes_total",
				Help: "Crawl passes finished, labeled by pass and result.",
			},
			[]string{"pass", "result"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawlcore_active_workers",
				Help: "Workers currently processing a queue entry.",
			},
			[]string{"pool"},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeLabel lowercases a label value and substitutes "unknown" for blanks.
func SanitizeLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}

// ObserveBoundedCall records the outcome and wait of a bounded call.
func ObserveBoundedCall(call, kind string, wait time.Duration) {
	Init()
	boundedCallsTotal.WithLabelValues(call, kind).Inc()
	boundedCallDurationSeconds.WithLabelValues(call).Observe(wait.Seconds())
}

// IncOrphanedCalls counts a call left running after its caller gave up.
func IncOrphanedCalls(call string) {
	Init()
	boundedOrphanedCalls.WithLabelValues(call).Inc()
}

// DecOrphanedCalls records that an abandoned call finally returned.
func DecOrphanedCalls(call string) {
	Init()
	boundedOrphanedCalls.WithLabelValues(call).Dec()
}

// ObserveThrottleWait records how long an acquire waited on a bin.
func ObserveThrottleWait(bin string, wait time.Duration) {
	Init()
	throttleWaitSeconds.WithLabelValues(SanitizeLabel(bin)).Observe(wait.Seconds())
}

// AddPermitsHeld moves the held-permit gauge for bin by delta.
func AddPermitsHeld(bin string, delta int) {
	Init()
	throttlePermitsHeld.WithLabelValues(SanitizeLabel(bin)).Add(float64(delta))
}

// ObserveRateLimitDelay records how long a rate limiter held back a call.
func ObserveRateLimitDelay(key string, wait time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeLabel(key)).Observe(wait.Seconds())
}

// SetQueueDepth publishes the current size of a named queue.
func SetQueueDepth(queue string, depth int) {
	Init()
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// ObserveSessionEvent counts a session lifecycle event (created, destroyed, ...).
func ObserveSessionEvent(connection, event string) {
	Init()
	sessionEventsTotal.WithLabelValues(connection, event).Inc()
}

// ObserveDocument counts one processed document.
func ObserveDocument(connection, result string) {
	Init()
	documentsTotal.WithLabelValues(connection, result).Inc()
}

// ObservePass counts a finished pass.
func ObservePass(pass, result string) {
	Init()
	passesTotal.WithLabelValues(pass, result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers(pool string) {
	Init()
	activeWorkers.WithLabelValues(pool).Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers(pool string) {
	Init()
	activeWorkers.WithLabelValues(pool).Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
