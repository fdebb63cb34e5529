package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Index Build Metrics
// =============================================================================

var (
	// InsertsTotal counts leaf inserts by result ("ok", "invalid")
	InsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_inserts_total",
			Help: "Total number of vectors inserted into the index",
		},
		[]string{"result"},
	)

	// OptimizeDurationSeconds measures full tree rebuilds
	OptimizeDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canopy_optimize_duration_seconds",
			Help:    "Duration of full tree construction",
			Buckets: []float64{0.01, 0.1, 1, 5, 15, 60, 300, 900},
		},
	)

	// LayerBuildDurationSeconds measures a single buildParentLayer call
	LayerBuildDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canopy_layer_build_duration_seconds",
			Help:    "Duration of building one parent layer",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 60},
		},
	)

	// LayersBuiltTotal counts accepted layers by whether they were fully balanced
	LayersBuiltTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_layers_built_total",
			Help: "Total number of parent layers accepted",
		},
		[]string{"valid"},
	)

	// BalanceIterations observes refinement iterations per layer
	BalanceIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canopy_balance_iterations",
			Help:    "Refinement iterations spent balancing one layer",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 25, 50},
		},
	)

	// TreeLeaves tracks the number of leaves in the index
	TreeLeaves = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_tree_leaves",
			Help: "Number of leaf nodes in the index",
		},
	)

	// TreeDepth tracks the layer of the top of the tree
	TreeDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_tree_depth",
			Help: "Layer number of the top layer (0 when unbuilt)",
		},
	)

	// TopLayerSize tracks the number of top-level nodes
	TopLayerSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_top_layer_size",
			Help: "Number of nodes in the top layer",
		},
	)
)

// =============================================================================
// Search Metrics
// =============================================================================

var (
	// SearchesTotal counts queries by result ("ok", "invalid", "empty")
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_searches_total",
			Help: "Total number of similarity queries",
		},
		[]string{"result"},
	)

	// SearchDurationSeconds measures query latency
	SearchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canopy_search_duration_seconds",
			Help:    "Latency of similarity queries",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		},
	)

	// SearchNodesScored observes how many node vectors a query scored
	SearchNodesScored = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canopy_search_nodes_scored",
			Help:    "Number of node vectors scored per query across all layers",
			Buckets: prometheus.ExponentialBuckets(8, 2, 14),
		},
	)
)

// =============================================================================
// Persistence Metrics
// =============================================================================

var (
	// RowsExportedTotal counts flattened rows produced
	RowsExportedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_rows_exported_total",
			Help: "Total number of tree rows exported",
		},
	)

	// RowsImportedTotal counts rows loaded back into a tree
	RowsImportedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_rows_imported_total",
			Help: "Total number of tree rows imported",
		},
	)

	// ImportFailuresTotal counts rejected row sets
	ImportFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_import_failures_total",
			Help: "Total number of row imports rejected as corrupt",
		},
	)

	// ArtifactBytes observes the size of written and read tree artifacts
	ArtifactBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopy_artifact_bytes",
			Help:    "Size of tree artifacts in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
		},
		[]string{"op"},
	)

	// ArtifactDurationSeconds measures backend operations
	ArtifactDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopy_artifact_duration_seconds",
			Help:    "Duration of artifact backend operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)
)

// =============================================================================
// Service & Upstream Metrics
// =============================================================================

var (
	// LogEntriesTotal counts log entries by level
	LogEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_log_entries_total",
			Help: "Total number of log entries by level",
		},
		[]string{"level"},
	)

	// EmbedderRequestsTotal counts embedding calls by result
	EmbedderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_embedder_requests_total",
			Help: "Total number of embedding provider calls",
		},
		[]string{"result"},
	)

	// EmbedderDurationSeconds measures embedding provider latency
	EmbedderDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canopy_embedder_duration_seconds",
			Help:    "Latency of embedding provider calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	// EmbedderBreakerState reports the breaker state (0 closed, 1 open, 2 half-open)
	EmbedderBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canopy_embedder_breaker_state",
			Help: "Circuit breaker state guarding the embedding provider",
		},
		[]string{"name"},
	)

	// RateLimitRequestsTotal counts limiter decisions by scope ("flight", "embedder") and result
	RateLimitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_rate_limit_requests_total",
			Help: "Total number of requests seen by a rate limiter",
		},
		[]string{"scope", "result"},
	)

	// FlightOperationsTotal counts Flight calls by method and status code
	FlightOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_flight_operations_total",
			Help: "The total number of processed Arrow Flight operations",
		},
		[]string{"method", "status"},
	)

	// FlightDurationSeconds measures Flight call latency
	FlightDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopy_flight_duration_seconds",
			Help:    "Duration of Arrow Flight operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// FlightExportChunkRows records the row count of each exported record batch
	FlightExportChunkRows = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canopy_flight_export_chunk_rows",
			Help:    "Rows per record batch streamed by a tree export",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		},
	)

	// HealthChecksTotal counts component checks by component and status
	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_health_checks_total",
			Help: "Total number of component health checks",
		},
		[]string{"component", "status"},
	)
)

// =============================================================================
// Cache & Pool Metrics
// =============================================================================

var (
	// CacheHitsTotal counts cache hits by cache name
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	// CacheMissesTotal counts misses, including expired entries
	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	// CacheEvictionsTotal counts LRU evictions
	CacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_cache_evictions_total",
			Help: "Total number of cache evictions",
		},
		[]string{"cache"},
	)

	// CacheSize reports the number of cached entries
	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canopy_cache_size",
			Help: "Current number of cached entries",
		},
		[]string{"cache"},
	)

	// BufferPoolOperations counts get/put on the artifact buffer pool
	BufferPoolOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_buffer_pool_operations_total",
			Help: "Total number of buffer pool operations",
		},
		[]string{"op"},
	)
)
