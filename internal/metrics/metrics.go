// Package metrics exposes Prometheus collectors for the pipeline service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal           *prometheus.CounterVec
	admissionRejectsTotal   *prometheus.CounterVec
	fetchAttemptsTotal      *prometheus.CounterVec
	fetchDurationSeconds    *prometheus.HistogramVec
	breakerState            *prometheus.GaugeVec
	itemsDeliveredTotal     prometheus.Counter
	duplicatesDroppedTotal  prometheus.Counter
	itemFailuresTotal       *prometheus.CounterVec
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDurationSecs *prometheus.HistogramVec
	activeRequests          prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		requestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediafetch_requests_total",
				Help: "Total pipeline requests, labeled by reference kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		admissionRejectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediafetch_admission_rejects_total",
				Help: "Requests turned away by the admission controller, labeled by gate.",
			},
			[]string{"reason"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediafetch_fetch_attempts_total",
				Help: "Backend fetch attempts, labeled by backend and outcome.",
			},
			[]string{"backend", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mediafetch_fetch_duration_seconds",
				Help:    "Histogram of backend fetch latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 15, 30, 60},
			},
			[]string{"backend"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mediafetch_breaker_state",
				Help: "Circuit breaker state per backend (0 closed, 1 open, 2 half-open).",
			},
			[]string{"backend"},
		)

		itemsDeliveredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mediafetch_items_delivered_total",
				Help: "Total media items included in delivery batches.",
			},
		)

		duplicatesDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mediafetch_duplicates_dropped_total",
				Help: "Total descriptors dropped by the deduplicator.",
			},
		)

		itemFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediafetch_item_failures_total",
				Help: "Item-level failures absorbed within a batch, labeled by reason.",
			},
			[]string{"reason"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)

		activeRequests = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediafetch_active_requests",
				Help: "Requests currently holding a pipeline worker slot.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountRequest increments the request counter.
func CountRequest(kind, outcome string) {
	if requestsTotal != nil {
		requestsTotal.WithLabelValues(kind, outcome).Inc()
	}
}

// CountAdmissionReject increments the admission rejection counter.
func CountAdmissionReject(reason string) {
	if admissionRejectsTotal != nil {
		admissionRejectsTotal.WithLabelValues(reason).Inc()
	}
}

// ObserveFetchAttempt records one backend call.
func ObserveFetchAttempt(backend, outcome string, latency time.Duration) {
	if fetchAttemptsTotal != nil {
		fetchAttemptsTotal.WithLabelValues(backend, outcome).Inc()
	}
	if fetchDurationSeconds != nil {
		fetchDurationSeconds.WithLabelValues(backend).Observe(latency.Seconds())
	}
}

// SetBreakerState records the breaker state for a backend.
func SetBreakerState(backend string, state int) {
	if breakerState != nil {
		breakerState.WithLabelValues(backend).Set(float64(state))
	}
}

// CountDelivered adds to the delivered-items counter.
func CountDelivered(n int) {
	if itemsDeliveredTotal != nil && n > 0 {
		itemsDeliveredTotal.Add(float64(n))
	}
}

// CountDuplicates adds to the dropped-duplicates counter.
func CountDuplicates(n int) {
	if duplicatesDroppedTotal != nil && n > 0 {
		duplicatesDroppedTotal.Add(float64(n))
	}
}

// CountItemFailure increments the absorbed item-failure counter.
func CountItemFailure(reason string) {
	if itemFailuresTotal != nil {
		itemFailuresTotal.WithLabelValues(reason).Inc()
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal != nil {
		httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	}
	if httpRequestDurationSecs != nil {
		httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
	}
}

// IncActiveRequests increments the active request gauge.
func IncActiveRequests() {
	if activeRequests != nil {
		activeRequests.Inc()
	}
}

// DecActiveRequests decrements the active request gauge.
func DecActiveRequests() {
	if activeRequests != nil {
		activeRequests.Dec()
	}
}
