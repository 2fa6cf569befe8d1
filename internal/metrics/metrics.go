package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aggregator"

var (
	// Dispatcher
	DispatchJobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "jobs_total",
		Help:      "Total jobs dispatched, partitioned by whether an active job was reused",
	}, []string{"reused"})

	DispatchUnitsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "units_published_total",
		Help:      "Total work units published at attempt 1",
	}, []string{"provider"})

	DispatchPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "publish_errors_total",
		Help:      "Total work units that could not be published",
	}, []string{"provider"})

	// Worker
	WorkerAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "attempts_total",
		Help:      "Total unit attempts executed",
	}, []string{"provider", "chain"})

	WorkerResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "results_total",
		Help:      "Total terminal unit results",
	}, []string{"provider", "chain", "status", "error_code"})

	WorkerDuplicateResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "duplicate_results_total",
		Help:      "Terminal results for units that were already resolved",
	}, []string{"provider"})

	WorkerAttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "attempt_duration_seconds",
		Help:      "Wall-clock duration of one unit attempt",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"provider", "chain"})

	WorkerPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "panics_total",
		Help:      "Provider handler panics recovered by the worker",
	}, []string{"provider"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "jobs_completed_total",
		Help:      "Jobs whose last unit resolved, partitioned by clean or degraded outcome",
	}, []string{"outcome"})

	// Retry scheduler
	RetriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retry",
		Name:      "scheduled_total",
		Help:      "Total retries scheduled",
	}, []string{"provider", "attempt"})

	RetryPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retry",
		Name:      "publish_errors_total",
		Help:      "Retries whose republish failed",
	}, []string{"provider"})

	RetriesPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "retry",
		Name:      "pending",
		Help:      "Retries waiting for their delay to elapse",
	})

	// Granular sub-orchestrator
	GranularOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "granular",
		Name:      "operations_total",
		Help:      "Granular sub-operations by outcome",
	}, []string{"operation", "outcome"})

	GranularSuccessRate = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "granular",
		Name:      "success_rate",
		Help:      "Per-unit sub-operation success rate",
		Buckets:   []float64{0.1, 0.3, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
	}, []string{"provider", "chain"})

	// Chain RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total chain RPC calls by method and status",
	}, []string{"chain", "method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total RPC calls that waited for a rate limit token",
	}, []string{"chain"})

	RPCCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "circuit_state",
		Help:      "Circuit breaker state per endpoint (0 closed, 1 open, 2 half-open)",
	}, []string{"chain"})

	// Math
	ClampedValues = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "clmath",
		Name:      "clamped_values_total",
		Help:      "Amounts clamped into the representable range",
	}, []string{"field"})

	// Caches
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Cache hits by cache and tier",
	}, []string{"cache", "tier"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Cache misses by cache",
	}, []string{"cache"})

	CacheLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "loads_total",
		Help:      "Loader invocations by cache and outcome",
	}, []string{"cache", "outcome"})

	// Pricing
	PriceResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pricing",
		Name:      "resolutions_total",
		Help:      "Price lookups by the resolver that answered",
	}, []string{"resolver"})

	// Broker
	BrokerPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "published_total",
		Help:      "Messages published by routing key",
	}, []string{"routing_key"})

	BrokerPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "publish_errors_total",
		Help:      "Failed publishes by routing key",
	}, []string{"routing_key"})

	// Provider HTTP clients
	ProviderHTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "http_requests_total",
		Help:      "Outbound provider API requests by provider and status",
	}, []string{"provider", "status"})

	ProviderHTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "http_request_duration_seconds",
		Help:      "Outbound provider API request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})

	// API
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})

	// Archive
	ArchiveWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archive",
		Name:      "writes_total",
		Help:      "Archived results by outcome",
	}, []string{"outcome"})

	ArchivePurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archive",
		Name:      "purged_rows_total",
		Help:      "Archived results removed by retention",
	})

	DBPoolOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db_pool",
		Name:      "open_connections",
		Help:      "Open database connections",
	}, []string{"db"})

	DBPoolInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db_pool",
		Name:      "in_use_connections",
		Help:      "Database connections currently in use",
	}, []string{"db"})

	DBPoolIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db_pool",
		Name:      "idle_connections",
		Help:      "Idle database connections",
	}, []string{"db"})

	DBPoolWaitCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db_pool",
		Name:      "wait_count",
		Help:      "Total connections waited for",
	}, []string{"db"})

	DBPoolWaitDurationSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db_pool",
		Name:      "wait_duration_seconds",
		Help:      "Total time blocked waiting for a connection",
	}, []string{"db"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts delivered by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by cooldown",
	}, []string{"channel", "type"})
)
