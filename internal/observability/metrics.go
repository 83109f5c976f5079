package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NOTE: All metrics are defined globally here, so every binary registers the
// full set and reports zero values for subsystems it does not run.

// namespace defines the global prefix for all metrics (e.g., plangate_...).
const namespace = "plangate"

// lowLatencyBuckets defines custom buckets for the render hot path.
// Range: 1ms to 500ms.
var lowLatencyBuckets = []float64{.001, .002, .005, .010, .015, .020, .025, .030, .050, .100, .500}

var (
	// -------------------------------------------------------------------------
	// CONTROL PLANE (HTTP)
	// -------------------------------------------------------------------------

	// ControlPlaneReqDuration measures the latency of HTTP requests.
	// Metric: plangate_control_plane_http_handling_seconds
	ControlPlaneReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "control_plane",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests in Control Plane",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// ControlPlaneReqTotal counts the total number of HTTP requests.
	ControlPlaneReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "control_plane",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests in Control Plane",
	}, []string{"method", "route", "code"})

	// ControlPlaneNotifyTotal counts cache update notifications after writes.
	ControlPlaneNotifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "control_plane",
		Name:      "notifications_total",
		Help:      "Total cache update notifications enqueued after writes",
	}, []string{"status"}) // success, fail

	// -------------------------------------------------------------------------
	// DATA PLANE (gRPC + Cache)
	// -------------------------------------------------------------------------

	// DataPlaneGrpcDuration measures the latency of gRPC evaluate requests.
	// Metric: plangate_data_plane_grpc_handling_seconds
	DataPlaneGrpcDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "grpc_handling_seconds",
		Help:      "Time taken to handle gRPC evaluate requests",
		Buckets:   lowLatencyBuckets,
	}, []string{"method", "code"})

	// DataPlaneGrpcTotal counts the total number of gRPC requests.
	DataPlaneGrpcTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "grpc_requests_total",
		Help:      "Total gRPC evaluate requests",
	}, []string{"method", "code"})

	// DataPlaneDecisions counts render decisions by reason.
	DataPlaneDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "decisions_total",
		Help:      "Total render decisions grouped by outcome and reason",
	}, []string{"render", "reason"})

	// --- Cache L1 Metrics (Otter) ---

	DataPlaneCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "l1_cache_hits_total",
		Help:      "Total L1 cache hits (in-memory)",
	})

	DataPlaneCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "l1_cache_misses_total",
		Help:      "Total L1 cache misses",
	})

	// DataPlaneCacheEvictions tracks items removed due to capacity pressure.
	DataPlaneCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "l1_cache_evictions_total",
		Help:      "Total items evicted due to capacity pressure",
	})

	// Otter's S3-FIFO tracks item count, not byte size.
	DataPlaneCacheUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "l1_cache_items_count",
		Help:      "Current number of items in the L1 cache",
	})

	// DataPlaneCacheDropped tracks writes rejected by the cache.
	DataPlaneCacheDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "l1_cache_dropped_total",
		Help:      "Total sets dropped due to write buffer contention",
	})

	DataPlaneInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "l1_invalidations_total",
		Help:      "Total cache invalidation events received via PubSub",
	})

	// -------------------------------------------------------------------------
	// MEMBERSHIP RESOLUTION
	// -------------------------------------------------------------------------

	// ResolverLookups counts viewer membership lookups by source.
	ResolverLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "lookups_total",
		Help:      "Total viewer membership lookups grouped by source",
	}, []string{"source"}) // cache, store, fallback

	// ResolverBreakerState reports the circuit breaker state (0 closed, 1 half-open, 2 open).
	ResolverBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "breaker_state",
		Help:      "Membership resolver circuit breaker state (0 closed, 1 half-open, 2 open)",
	})

	// -------------------------------------------------------------------------
	// SYNCER (Workers)
	// -------------------------------------------------------------------------

	// SyncerJobDuration measures freshness (latency from enqueue to processed).
	SyncerJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "job_processing_duration_seconds",
		Help:      "End-to-end latency from enqueue to processing finish",
		Buckets:   prometheus.DefBuckets,
	})

	SyncerJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "jobs_total",
		Help:      "Total propagation jobs processed",
	}, []string{"status"}) // success, fail

	SyncerHydratedRules = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "hydrated_rules_total",
		Help:      "Total element rules written to Redis during hydration",
	})

	RedisQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "redis_queue_depth",
		Help:      "Current number of items in the update queue",
	})

	// -------------------------------------------------------------------------
	// REDIS (go-redis pool)
	// -------------------------------------------------------------------------

	// RedisPoolConnections reports pool gauges by state (total, idle, stale).
	RedisPoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "pool_connections",
		Help:      "Current Redis pool sizes grouped by state",
	}, []string{"state"})

	RedisPoolHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "pool_hits_total",
		Help:      "Times a free connection was found in the pool",
	})

	RedisPoolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "pool_misses_total",
		Help:      "Times a free connection was not found in the pool",
	})

	RedisPoolTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis",
		Name:      "pool_timeouts_total",
		Help:      "Times a wait for a pool connection timed out",
	})

	// -------------------------------------------------------------------------
	// DATABASE (pgxpool)
	// -------------------------------------------------------------------------

	// DatabasePoolConnections reports pool gauges by state (total, idle, in_use, max).
	DatabasePoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_connections",
		Help:      "Current connection pool sizes grouped by state",
	}, []string{"state"})

	DatabasePoolAcquireCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_count_total",
		Help:      "Cumulative count of successful connection acquisitions",
	})

	DatabasePoolAcquireDuration = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_duration_seconds_total",
		Help:      "Cumulative time spent acquiring connections",
	})

	DatabasePoolWaitCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_wait_count_total",
		Help:      "Cumulative count of acquisitions that had to wait for a connection",
	})
)
