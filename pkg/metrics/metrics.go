// Package metrics defines the Prometheus metric collectors used by the
// ingestion and matching services and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the services.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	IngestionRunsTotal       *prometheus.CounterVec
	IngestionRunDuration     *prometheus.HistogramVec
	IngestionStageDuration   *prometheus.HistogramVec
	IngestionRecordsTotal    *prometheus.CounterVec
	IngestionRejectedTotal   *prometheus.CounterVec
	IngestionSourceRunning   *prometheus.GaugeVec
	FeedBytes                *prometheus.GaugeVec
	HealthWarningsTotal      *prometheus.CounterVec
	NotificationsFailedTotal *prometheus.CounterVec

	MatchQueriesTotal  *prometheus.CounterVec
	MatchLatency       *prometheus.HistogramVec
	MatchResultsCount  prometheus.Histogram
	MatchCandidates    prometheus.Histogram
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter
	CacheInvalidations prometheus.Counter

	FeedCircuitState *prometheus.GaugeVec
	FeedRetriesTotal *prometheus.CounterVec
}

// New creates all collectors and registers them with reg. A nil reg uses the
// default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		IngestionRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_runs_total",
				Help: "Completed ingestion runs by source and terminal status.",
			},
			[]string{"source", "status"},
		),
		IngestionRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestion_run_duration_seconds",
				Help:    "Wall time of ingestion runs in seconds.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"source"},
		),
		IngestionStageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestion_stage_duration_seconds",
				Help:    "Duration of pipeline stages (fetch, parse, reconcile) in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 3, 10),
			},
			[]string{"source", "stage"},
		),
		IngestionRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_records_total",
				Help: "Reconciled records by source and outcome (added, updated, unchanged, error).",
			},
			[]string{"source", "outcome"},
		),
		IngestionRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_triggers_rejected_total",
				Help: "Triggers rejected because a run for the source was already in progress.",
			},
			[]string{"source", "trigger"},
		),
		IngestionSourceRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingestion_source_running",
				Help: "1 while a run for the source is executing.",
			},
			[]string{"source"},
		),
		FeedBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingestion_feed_bytes",
				Help: "Size of the most recently downloaded feed.",
			},
			[]string{"source"},
		),
		HealthWarningsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_health_warnings_total",
				Help: "Warnings raised by the periodic health check.",
			},
			[]string{"source", "kind"},
		),
		NotificationsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_failed_total",
				Help: "Notifications that could not be delivered, by event type.",
			},
			[]string{"type"},
		),
		MatchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "match_queries_total",
				Help: "Total match queries by result type (hit, zero_result, error).",
			},
			[]string{"result_type"},
		),
		MatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "match_latency_seconds",
				Help:    "Match query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		MatchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "match_results_count",
				Help:    "Number of matches above the threshold per query.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
		MatchCandidates: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "match_candidates_count",
				Help:    "Number of candidate entities scored per query.",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses.",
			},
		),
		CacheInvalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_invalidations_total",
				Help: "Total number of cache invalidations triggered by completed runs.",
			},
		),
		FeedCircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "feed_circuit_state",
				Help: "Feed host circuit state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"feed"},
		),
		FeedRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_fetch_retries_total",
				Help: "Feed download attempts that failed and were retried.",
			},
			[]string{"feed"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.IngestionRunsTotal,
		m.IngestionRunDuration,
		m.IngestionStageDuration,
		m.IngestionRecordsTotal,
		m.IngestionRejectedTotal,
		m.IngestionSourceRunning,
		m.FeedBytes,
		m.HealthWarningsTotal,
		m.NotificationsFailedTotal,
		m.MatchQueriesTotal,
		m.MatchLatency,
		m.MatchResultsCount,
		m.MatchCandidates,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidations,
		m.FeedCircuitState,
		m.FeedRetriesTotal,
	)

	return m
}

// NewNop returns collectors registered on a private registry, for tests and
// tools that do not expose /metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
