package memory

import (
	"sync"
	"time"

	"content-core/pkg/metrics"
)

// MemoryCollector implements MetricsCollector in memory. It backs the JSON
// admin endpoint and the tests.
type MemoryCollector struct {
	mu sync.RWMutex

	layerMetrics    map[string]*LayerMetrics
	endpointMetrics map[string]*EndpointMetrics

	fallbacks     map[string]int64
	dedupeShared  int64
	dedupeLeaders int64

	chainHits        int64
	chainMisses      int64
	chainHitsByLayer map[int]int64
}

// LayerMetrics holds metrics for a single cache layer.
type LayerMetrics struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Deletes   int64
	Errors    int64
	Evictions int64

	QueueDepth    int
	DroppedWrites int64
	AsyncWrites   int64
	AsyncErrors   int64

	TotalGetTime time.Duration
}

// EndpointMetrics holds metrics for one upstream endpoint key.
type EndpointMetrics struct {
	// Fetches is keyed by "<transport>/<outcome>".
	Fetches      map[string]int64
	Retries      int64
	Rejections   map[string]int64
	CircuitState metrics.CircuitState
	CircuitOpens int64
	TotalLatency time.Duration
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		layerMetrics:     make(map[string]*LayerMetrics),
		endpointMetrics:  make(map[string]*EndpointMetrics),
		fallbacks:        make(map[string]int64),
		chainHitsByLayer: make(map[int]int64),
	}
}

// layer returns the LayerMetrics for name, creating it if needed. Must be
// called with mc.mu held.
func (mc *MemoryCollector) layer(name string) *LayerMetrics {
	lm, ok := mc.layerMetrics[name]
	if !ok {
		lm = &LayerMetrics{}
		mc.layerMetrics[name] = lm
	}
	return lm
}

// endpoint returns the EndpointMetrics for key. Must be called with mc.mu held.
func (mc *MemoryCollector) endpoint(key string) *EndpointMetrics {
	em, ok := mc.endpointMetrics[key]
	if !ok {
		em = &EndpointMetrics{
			Fetches:    make(map[string]int64),
			Rejections: make(map[string]int64),
		}
		mc.endpointMetrics[key] = em
	}
	return em
}

// RecordFetch records one upstream call outcome.
func (mc *MemoryCollector) RecordFetch(endpoint, transport, outcome string, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	em := mc.endpoint(endpoint)
	em.Fetches[transport+"/"+outcome]++
	em.TotalLatency += duration
}

// RecordRetry records a retry attempt.
func (mc *MemoryCollector) RecordRetry(endpoint string, attempt int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.endpoint(endpoint).Retries++
}

// RecordFallback records a GraphQL to REST fallback.
func (mc *MemoryCollector) RecordFallback(reason string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.fallbacks[reason]++
}

// RecordDedupe records whether a caller joined an in-flight or memoized call.
func (mc *MemoryCollector) RecordDedupe(shared bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if shared {
		mc.dedupeShared++
	} else {
		mc.dedupeLeaders++
	}
}

// RecordCircuitState records the current circuit breaker state.
func (mc *MemoryCollector) RecordCircuitState(endpoint string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	em := mc.endpoint(endpoint)
	if em.CircuitState != metrics.CircuitOpen && state == metrics.CircuitOpen {
		em.CircuitOpens++
	}
	em.CircuitState = state
}

// RecordRejection records a call refused before reaching the network.
func (mc *MemoryCollector) RecordRejection(endpoint, reason string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.endpoint(endpoint).Rejections[reason]++
}

// RecordGet records a cache get operation.
func (mc *MemoryCollector) RecordGet(layer string, hit bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	if hit {
		lm.Hits++
	} else {
		lm.Misses++
	}
	lm.TotalGetTime += duration
}

// RecordSet records a cache set operation.
func (mc *MemoryCollector) RecordSet(layer string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	lm.Sets++
	if !success {
		lm.Errors++
	}
}

// RecordDelete records a cache delete operation.
func (mc *MemoryCollector) RecordDelete(layer string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	lm.Deletes++
	if !success {
		lm.Errors++
	}
}

// RecordEviction records entries evicted under size or count pressure.
func (mc *MemoryCollector) RecordEviction(layer string, count int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.layer(layer).Evictions += int64(count)
}

// RecordQueueDepth records the current async writer queue depth.
func (mc *MemoryCollector) RecordQueueDepth(layer string, depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.layer(layer).QueueDepth = depth
}

// RecordWriteDropped records a dropped async write.
func (mc *MemoryCollector) RecordWriteDropped(layer string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.layer(layer).DroppedWrites++
}

// RecordAsyncWrite records an async write operation.
func (mc *MemoryCollector) RecordAsyncWrite(layer string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	lm.AsyncWrites++
	if !success {
		lm.AsyncErrors++
	}
}

// RecordChainGet records a chain-level get operation.
func (mc *MemoryCollector) RecordChainGet(hit bool, layerIndex int, totalDuration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if hit {
		mc.chainHits++
		mc.chainHitsByLayer[layerIndex]++
	} else {
		mc.chainMisses++
	}
}

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	LayerMetrics     map[string]LayerMetrics    `json:"layers"`
	EndpointMetrics  map[string]EndpointMetrics `json:"endpoints"`
	Fallbacks        map[string]int64           `json:"fallbacks"`
	DedupeShared     int64                      `json:"dedupe_shared"`
	DedupeLeaders    int64                      `json:"dedupe_leaders"`
	ChainHits        int64                      `json:"chain_hits"`
	ChainMisses      int64                      `json:"chain_misses"`
	ChainHitsByLayer map[int]int64              `json:"chain_hits_by_layer"`
}

// Snapshot returns a deep copy of the current metrics state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	snapshot := Snapshot{
		LayerMetrics:     make(map[string]LayerMetrics, len(mc.layerMetrics)),
		EndpointMetrics:  make(map[string]EndpointMetrics, len(mc.endpointMetrics)),
		Fallbacks:        make(map[string]int64, len(mc.fallbacks)),
		DedupeShared:     mc.dedupeShared,
		DedupeLeaders:    mc.dedupeLeaders,
		ChainHits:        mc.chainHits,
		ChainMisses:      mc.chainMisses,
		ChainHitsByLayer: make(map[int]int64, len(mc.chainHitsByLayer)),
	}

	for name, lm := range mc.layerMetrics {
		snapshot.LayerMetrics[name] = *lm
	}
	for key, em := range mc.endpointMetrics {
		cp := *em
		cp.Fetches = make(map[string]int64, len(em.Fetches))
		for k, v := range em.Fetches {
			cp.Fetches[k] = v
		}
		cp.Rejections = make(map[string]int64, len(em.Rejections))
		for k, v := range em.Rejections {
			cp.Rejections[k] = v
		}
		snapshot.EndpointMetrics[key] = cp
	}
	for reason, n := range mc.fallbacks {
		snapshot.Fallbacks[reason] = n
	}
	for idx, hits := range mc.chainHitsByLayer {
		snapshot.ChainHitsByLayer[idx] = hits
	}

	return snapshot
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.layerMetrics = make(map[string]*LayerMetrics)
	mc.endpointMetrics = make(map[string]*EndpointMetrics)
	mc.fallbacks = make(map[string]int64)
	mc.dedupeShared = 0
	mc.dedupeLeaders = 0
	mc.chainHits = 0
	mc.chainMisses = 0
	mc.chainHitsByLayer = make(map[int]int64)
}
