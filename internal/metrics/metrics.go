// Package metrics exposes Prometheus collectors for the generation service.
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
	generationRunsTotal    *prometheus.CounterVec
	generationStageSeconds *prometheus.HistogramVec
	progressEventsTotal    *prometheus.CounterVec
	activeSubscribers      prometheus.Gauge
	activeRuns             prometheus.Gauge
	clientsEvictedTotal    prometheus.Counter

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		generationRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenario_generation_runs_total",
				Help: "Total number of generation runs, labeled by terminal status.",
			},
			[]string{"status"},
		)

		generationStageSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scenario_generation_stage_seconds",
				Help:    "Histogram of per-stage durations, labeled by stage.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
			},
			[]string{"stage"},
		)

		progressEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenario_progress_events_total",
				Help: "Total progress events published, labeled by status.",
			},
			[]string{"status"},
		)

		activeSubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scenario_active_subscribers",
				Help: "Number of currently attached progress subscribers.",
			},
		)

		activeRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scenario_active_runs",
				Help: "Number of generation runs currently in flight.",
			},
		)

		clientsEvictedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scenario_clients_evicted_total",
				Help: "Total clients removed by the cleanup sweep.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenario_http_requests_total",
				Help: "Total HTTP requests, labeled by method, route, and status code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scenario_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latency, labeled by method and route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun increments the run counter for the given terminal status.
func ObserveRun(status string) {
	generationRunsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records the duration of one pipeline stage.
func ObserveStage(stage string, duration time.Duration) {
	generationStageSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveEvent increments the published-event counter.
func ObserveEvent(status string) {
	progressEventsTotal.WithLabelValues(status).Inc()
}

// IncSubscribers increments the attached-subscribers gauge.
func IncSubscribers() {
	activeSubscribers.Inc()
}

// DecSubscribers decrements the attached-subscribers gauge.
func DecSubscribers() {
	activeSubscribers.Dec()
}

// IncActiveRuns increments the in-flight runs gauge.
func IncActiveRuns() {
	activeRuns.Inc()
}

// DecActiveRuns decrements the in-flight runs gauge.
func DecActiveRuns() {
	activeRuns.Dec()
}

// ObserveHTTPRequest records metrics for one served HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// AddEvicted records clients removed by a cleanup sweep.
func AddEvicted(n int) {
	if n > 0 {
		clientsEvictedTotal.Add(float64(n))
	}
}
