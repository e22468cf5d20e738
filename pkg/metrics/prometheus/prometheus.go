package prometheus

import (
	"strconv"
	"time"

	"content-core/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Upstream
	fetches      *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	fallbacks    *prometheus.CounterVec
	dedupe       *prometheus.CounterVec
	circuitState *prometheus.GaugeVec
	circuitOpens *prometheus.CounterVec
	rejections   *prometheus.CounterVec

	// Cache
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheSets      *prometheus.CounterVec
	cacheDeletes   *prometheus.CounterVec
	cacheErrors    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	getLatency     *prometheus.HistogramVec

	// Async writer
	queueDepth    *prometheus.GaugeVec
	droppedWrites *prometheus.CounterVec
	asyncWrites   *prometheus.CounterVec

	// Chain-level
	chainHits    *prometheus.CounterVec
	chainMisses  prometheus.Counter
	chainLatency *prometheus.HistogramVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	// 0.1ms to ~3s for cache operations, 5ms to ~40s for upstream calls
	cacheBuckets := prometheus.ExponentialBuckets(0.0001, 2, 15)
	upstreamBuckets := prometheus.ExponentialBuckets(0.005, 2, 14)

	return &PrometheusCollector{
		namespace: namespace,
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_fetches_total",
				Help:      "Upstream calls by endpoint, transport and outcome",
			},
			[]string{"endpoint", "transport", "outcome"},
		),
		fetchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_fetch_duration_seconds",
				Help:      "Upstream call latency including retries",
				Buckets:   upstreamBuckets,
			},
			[]string{"endpoint", "transport"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_retries_total",
				Help:      "Retry attempts per endpoint",
			},
			[]string{"endpoint"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graphql_fallbacks_total",
				Help:      "GraphQL to REST fallbacks by reason",
			},
			[]string{"reason"},
		),
		dedupe: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dedupe_calls_total",
				Help:      "Deduplicated calls by role (leader or shared)",
			},
			[]string{"role"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state per endpoint (0=closed, 1=open, 2=half-open)",
			},
			[]string{"endpoint"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Total number of circuit breaker opens per endpoint",
			},
			[]string{"endpoint"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_rejections_total",
				Help:      "Calls refused before reaching the network",
			},
			[]string{"endpoint", "reason"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Content cache hits by layer",
			},
			[]string{"layer"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Content cache misses by layer",
			},
			[]string{"layer"},
		),
		cacheSets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_sets_total",
				Help:      "Content cache writes by layer",
			},
			[]string{"layer"},
		),
		cacheDeletes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_deletes_total",
				Help:      "Content cache deletes by layer",
			},
			[]string{"layer"},
		),
		cacheErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_errors_total",
				Help:      "Failed cache operations by layer and operation",
			},
			[]string{"layer", "operation"},
		),
		cacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Entries evicted under size or count pressure",
			},
			[]string{"layer"},
		),
		getLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cache_get_duration_seconds",
				Help:      "Latency of cache reads by layer",
				Buckets:   cacheBuckets,
			},
			[]string{"layer"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Writes queued for a deeper cache layer",
			},
			[]string{"layer"},
		),
		droppedWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_writes_total",
				Help:      "Deferred cache writes dropped under backpressure",
			},
			[]string{"layer"},
		),
		asyncWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "async_writes_total",
				Help:      "Deferred cache writes applied, by outcome",
			},
			[]string{"layer", "status"},
		),
		chainHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chain_hits_total",
				Help:      "Total number of chain-level cache hits",
			},
			[]string{"layer_index"},
		),
		chainMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chain_misses_total",
				Help:      "Total number of chain-level cache misses",
			},
		),
		chainLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chain_get_duration_seconds",
				Help:      "Chain get operation total latency",
				Buckets:   cacheBuckets,
			},
			[]string{"hit"},
		),
	}
}

// Register registers all metrics with the given Prometheus registerer.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.fetches,
		pc.fetchLatency,
		pc.retries,
		pc.fallbacks,
		pc.dedupe,
		pc.circuitState,
		pc.circuitOpens,
		pc.rejections,
		pc.cacheHits,
		pc.cacheMisses,
		pc.cacheSets,
		pc.cacheDeletes,
		pc.cacheErrors,
		pc.cacheEvictions,
		pc.getLatency,
		pc.queueDepth,
		pc.droppedWrites,
		pc.asyncWrites,
		pc.chainHits,
		pc.chainMisses,
		pc.chainLatency,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// RecordFetch records one upstream call outcome.
func (pc *PrometheusCollector) RecordFetch(endpoint, transport, outcome string, duration time.Duration) {
	pc.fetches.WithLabelValues(endpoint, transport, outcome).Inc()
	pc.fetchLatency.WithLabelValues(endpoint, transport).Observe(duration.Seconds())
}

// RecordRetry records a retry attempt.
func (pc *PrometheusCollector) RecordRetry(endpoint string, attempt int) {
	pc.retries.WithLabelValues(endpoint).Inc()
}

// RecordFallback records a GraphQL to REST fallback.
func (pc *PrometheusCollector) RecordFallback(reason string) {
	pc.fallbacks.WithLabelValues(reason).Inc()
}

// RecordDedupe records a deduplicated call.
func (pc *PrometheusCollector) RecordDedupe(shared bool) {
	role := "leader"
	if shared {
		role = "shared"
	}
	pc.dedupe.WithLabelValues(role).Inc()
}

// RecordCircuitState records the current circuit breaker state.
func (pc *PrometheusCollector) RecordCircuitState(endpoint string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(endpoint).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(endpoint).Inc()
	}
}

// RecordRejection records a call refused before reaching the network.
func (pc *PrometheusCollector) RecordRejection(endpoint, reason string) {
	pc.rejections.WithLabelValues(endpoint, reason).Inc()
}

// RecordGet records a cache get operation.
func (pc *PrometheusCollector) RecordGet(layer string, hit bool, duration time.Duration) {
	if hit {
		pc.cacheHits.WithLabelValues(layer).Inc()
	} else {
		pc.cacheMisses.WithLabelValues(layer).Inc()
	}
	pc.getLatency.WithLabelValues(layer).Observe(duration.Seconds())
}

// RecordSet records a cache set operation.
func (pc *PrometheusCollector) RecordSet(layer string, success bool, duration time.Duration) {
	pc.cacheSets.WithLabelValues(layer).Inc()
	if !success {
		pc.cacheErrors.WithLabelValues(layer, "set").Inc()
	}
}

// RecordDelete records a cache delete operation.
func (pc *PrometheusCollector) RecordDelete(layer string, success bool, duration time.Duration) {
	pc.cacheDeletes.WithLabelValues(layer).Inc()
	if !success {
		pc.cacheErrors.WithLabelValues(layer, "delete").Inc()
	}
}

// RecordEviction records evicted entries.
func (pc *PrometheusCollector) RecordEviction(layer string, count int) {
	pc.cacheEvictions.WithLabelValues(layer).Add(float64(count))
}

// RecordQueueDepth records the current async writer queue depth.
func (pc *PrometheusCollector) RecordQueueDepth(layer string, depth int) {
	pc.queueDepth.WithLabelValues(layer).Set(float64(depth))
}

// RecordWriteDropped records a dropped async write.
func (pc *PrometheusCollector) RecordWriteDropped(layer string) {
	pc.droppedWrites.WithLabelValues(layer).Inc()
}

// RecordAsyncWrite records an async write operation.
func (pc *PrometheusCollector) RecordAsyncWrite(layer string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	pc.asyncWrites.WithLabelValues(layer, status).Inc()
}

// RecordChainGet records a chain-level get operation.
func (pc *PrometheusCollector) RecordChainGet(hit bool, layerIndex int, totalDuration time.Duration) {
	hitLabel := "false"
	if hit {
		pc.chainHits.WithLabelValues(strconv.Itoa(layerIndex)).Inc()
		hitLabel = "true"
	} else {
		pc.chainMisses.Inc()
	}
	pc.chainLatency.WithLabelValues(hitLabel).Observe(totalDuration.Seconds())
}
