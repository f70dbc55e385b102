// Package telemetry exposes Prometheus collectors for the scraper service.
package telemetry

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
	scraperRunsTotal        *prometheus.CounterVec
	scraperItemsFoundTotal  *prometheus.CounterVec
	scraperActiveWorkers    prometheus.Gauge
	scraperCircuitOpenTotal *prometheus.CounterVec
	scraperFetchSeconds     *prometheus.HistogramVec
	scraperRateLimitSeconds *prometheus.HistogramVec
	scraperStartsRejected   prometheus.Counter
	httpRequestSeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_runs_total",
				Help: "Total number of worker iterations, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		scraperItemsFoundTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_items_found_total",
				Help: "Total number of new items persisted, labeled by source.",
			},
			[]string{"source"},
		)

		scraperActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_workers",
				Help: "Number of polling workers currently running.",
			},
		)

		scraperCircuitOpenTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_circuit_open_total",
				Help: "Total circuit-open transitions, labeled by source.",
			},
			[]string{"source"},
		)

		scraperFetchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies including retries, labeled by source.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"source"},
		)

		scraperRateLimitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delay_seconds",
				Help:    "Histogram of delays imposed by upstream rate limiting.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 120},
			},
			[]string{"source"},
		)

		scraperStartsRejected = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_starts_rejected_total",
				Help: "Total start requests rejected by resource limits.",
			},
		)

		httpRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of control API request latencies.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"method", "route", "status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun records one worker iteration outcome.
func ObserveRun(source string, success bool, itemsFound int) {
	outcome := "error"
	if success {
		outcome = "success"
	}
	scraperRunsTotal.WithLabelValues(source, outcome).Inc()
	if itemsFound > 0 {
		scraperItemsFoundTotal.WithLabelValues(source).Add(float64(itemsFound))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	scraperActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	scraperActiveWorkers.Dec()
}

// ObserveCircuitOpen counts a circuit-open transition for the source.
func ObserveCircuitOpen(source string) {
	scraperCircuitOpenTotal.WithLabelValues(source).Inc()
}

// ObserveFetch records the total duration of one fetch, retries included.
func ObserveFetch(source string, duration time.Duration) {
	scraperFetchSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records an upstream-imposed wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	scraperRateLimitSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveStartRejected counts a start rejected by a resource cap.
func ObserveStartRejected() {
	scraperStartsRejected.Inc()
}

// ObserveHTTPRequest records one control API request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestSeconds.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
