package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ==========================================================================
	// Pipeline Metrics
	// ==========================================================================
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Total pipeline runs",
		},
		[]string{"status"}, // completed, cancelled, error
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_duration_seconds",
			Help:    "Duration of a full pipeline run",
			Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	IndexListingsScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_listings_scanned_total",
			Help: "Listings seen during index scans",
		},
		[]string{"source"},
	)

	IndexListingsNew = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_listings_new_total",
			Help: "Listings that passed deduplication",
		},
		[]string{"source"},
	)

	IndexDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_duplicates_total",
			Help: "Listings dropped as duplicates",
		},
		[]string{"source"},
	)

	DetailFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detail_fetches_total",
			Help: "Detail page fetches",
		},
		[]string{"source", "status"}, // ok, error, skipped
	)

	DetailQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "detail_queue_depth",
			Help: "Listings selected for detail enrichment in the current run",
		},
	)

	// ==========================================================================
	// Scoring Metrics
	// ==========================================================================
	ScoreDistribution = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "annonce_score",
			Help:    "Distribution of final scores",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annonce_alerts_total",
			Help: "Scored listings by alert level",
		},
		[]string{"level"},
	)

	// ==========================================================================
	// Rate Limiter / Circuit Breaker Metrics
	// ==========================================================================
	RateLimiterRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limiter_rejected_total",
			Help: "Acquires rejected because the circuit was open",
		},
		[]string{"source"},
	)

	SourceBlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_blocks_total",
			Help: "Block responses (403/429/anti-bot) per source",
		},
		[]string{"source"},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_open",
			Help: "1 when the source's circuit breaker is open",
		},
		[]string{"source"},
	)

	// ==========================================================================
	// Notification Metrics
	// ==========================================================================
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Outbound notifications",
		},
		[]string{"kind", "status"}, // kind: new, update, alert; status: ok, error
	)

	// ==========================================================================
	// Repository Metrics
	// ==========================================================================
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_query_total",
			Help: "Total number of database queries",
		},
		[]string{"query_type", "table"},
	)

	DBErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_errors_total",
			Help: "Repository operations that returned an error",
		},
	)

	// ==========================================================================
	// HTTP Metrics (operator API)
	// ==========================================================================
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// ==========================================================================
	// Runner Metrics
	// ==========================================================================
	RunnerCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runner_cycles_total",
			Help: "Completed runner cycles",
		},
	)

	RunnerZeroYieldStreak = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runner_zero_yield_streak",
			Help: "Consecutive cycles that produced zero listings",
		},
	)

	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)
