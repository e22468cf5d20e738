package memory

import (
	"testing"
	"time"

	"content-core/pkg/metrics"
)

func TestMemoryCollector_EndpointMetrics(t *testing.T) {
	mc := NewMemoryCollector()

	mc.RecordFetch("wordpress-graphql-ng", "graphql", metrics.OutcomeSuccess, 10*time.Millisecond)
	mc.RecordFetch("wordpress-graphql-ng", "graphql", metrics.OutcomeFailure, 20*time.Millisecond)
	mc.RecordRetry("wordpress-graphql-ng", 2)
	mc.RecordRejection("wordpress-graphql-ng", "breaker_open")
	mc.RecordCircuitState("wordpress-graphql-ng", metrics.CircuitOpen)
	mc.RecordCircuitState("wordpress-graphql-ng", metrics.CircuitOpen)
	mc.RecordCircuitState("wordpress-graphql-ng", metrics.CircuitClosed)

	snap := mc.Snapshot()
	em, ok := snap.EndpointMetrics["wordpress-graphql-ng"]
	if !ok {
		t.Fatal("expected endpoint metrics to be present")
	}
	if em.Fetches["graphql/success"] != 1 || em.Fetches["graphql/failure"] != 1 {
		t.Errorf("unexpected fetch counts: %v", em.Fetches)
	}
	if em.Retries != 1 {
		t.Errorf("expected 1 retry, got %d", em.Retries)
	}
	if em.Rejections["breaker_open"] != 1 {
		t.Errorf("expected 1 breaker_open rejection, got %v", em.Rejections)
	}
	if em.CircuitOpens != 1 {
		t.Errorf("repeated open reports must count once, got %d", em.CircuitOpens)
	}
	if em.CircuitState != metrics.CircuitClosed {
		t.Errorf("expected closed state, got %v", em.CircuitState)
	}
	if em.TotalLatency != 30*time.Millisecond {
		t.Errorf("expected 30ms total latency, got %v", em.TotalLatency)
	}
}

func TestMemoryCollector_LayerAndChain(t *testing.T) {
	mc := NewMemoryCollector()

	mc.RecordGet("L1", true, time.Millisecond)
	mc.RecordGet("L1", false, time.Millisecond)
	mc.RecordSet("L1", false, time.Millisecond)
	mc.RecordEviction("L1", 3)
	mc.RecordWriteDropped("L2")
	mc.RecordAsyncWrite("L2", false, time.Millisecond)
	mc.RecordChainGet(true, 1, time.Millisecond)
	mc.RecordChainGet(false, -1, time.Millisecond)
	mc.RecordDedupe(true)
	mc.RecordDedupe(false)
	mc.RecordFallback("empty")

	snap := mc.Snapshot()
	l1 := snap.LayerMetrics["L1"]
	if l1.Hits != 1 || l1.Misses != 1 || l1.Errors != 1 || l1.Evictions != 3 {
		t.Errorf("unexpected L1 metrics: %+v", l1)
	}
	l2 := snap.LayerMetrics["L2"]
	if l2.DroppedWrites != 1 || l2.AsyncErrors != 1 {
		t.Errorf("unexpected L2 metrics: %+v", l2)
	}
	if snap.ChainHits != 1 || snap.ChainMisses != 1 || snap.ChainHitsByLayer[1] != 1 {
		t.Errorf("unexpected chain metrics: %+v", snap)
	}
	if snap.DedupeShared != 1 || snap.DedupeLeaders != 1 {
		t.Errorf("unexpected dedupe counters: %+v", snap)
	}
	if snap.Fallbacks["empty"] != 1 {
		t.Errorf("expected one empty fallback, got %v", snap.Fallbacks)
	}

	mc.Reset()
	if len(mc.Snapshot().LayerMetrics) != 0 {
		t.Error("expected Reset to clear layer metrics")
	}
}

func TestMemoryCollector_SnapshotIsCopy(t *testing.T) {
	mc := NewMemoryCollector()
	mc.RecordFetch("k", "rest", metrics.OutcomeSuccess, 0)

	snap := mc.Snapshot()
	snap.EndpointMetrics["k"].Fetches["rest/success"] = 99

	if got := mc.Snapshot().EndpointMetrics["k"].Fetches["rest/success"]; got != 1 {
		t.Errorf("snapshot mutation leaked into collector: got %d", got)
	}
}
