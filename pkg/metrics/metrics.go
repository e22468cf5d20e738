package metrics

import (
	"time"
)

// MetricsCollector defines the interface for collecting content-fetch metrics.
// Implementations can export metrics to various backends (Prometheus, in-memory).
type MetricsCollector interface {
	// Upstream calls
	RecordFetch(endpoint, transport, outcome string, duration time.Duration)
	RecordRetry(endpoint string, attempt int)
	RecordFallback(reason string)
	RecordDedupe(shared bool)

	// Circuit breaker
	RecordCircuitState(endpoint string, state CircuitState)
	RecordRejection(endpoint, reason string)

	// Cache operations
	RecordGet(layer string, hit bool, duration time.Duration)
	RecordSet(layer string, success bool, duration time.Duration)
	RecordDelete(layer string, success bool, duration time.Duration)
	RecordEviction(layer string, count int)

	// Async writer
	RecordQueueDepth(layer string, depth int)
	RecordWriteDropped(layer string)
	RecordAsyncWrite(layer string, success bool, duration time.Duration)

	// Chain-level
	RecordChainGet(hit bool, layerIndex int, totalDuration time.Duration)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is letting a trial request through.
	CircuitHalfOpen
)

// String returns the upper-case name used in snapshots and logs.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Fetch outcomes reported through RecordFetch.
const (
	OutcomeSuccess = "success"
	OutcomeEmpty   = "empty"
	OutcomeFailure = "failure"
)

// NoOpCollector is a no-op implementation of MetricsCollector.
// It's used as the default collector when metrics are not needed.
type NoOpCollector struct{}

func (NoOpCollector) RecordFetch(endpoint, transport, outcome string, duration time.Duration) {}
func (NoOpCollector) RecordRetry(endpoint string, attempt int) {}
func (NoOpCollector) RecordFallback(reason string) {}
func (NoOpCollector) RecordDedupe(shared bool) {}
func (NoOpCollector) RecordCircuitState(endpoint string, state CircuitState) {}
func (NoOpCollector) RecordRejection(endpoint, reason string) {}
func (NoOpCollector) RecordGet(layer string, hit bool, duration time.Duration) {}
func (NoOpCollector) RecordSet(layer string, success bool, duration time.Duration) {}
func (NoOpCollector) RecordDelete(layer string, success bool, duration time.Duration) {}
func (NoOpCollector) RecordEviction(layer string, count int) {}
func (NoOpCollector) RecordQueueDepth(layer string, depth int) {}
func (NoOpCollector) RecordWriteDropped(layer string) {}
func (NoOpCollector) RecordAsyncWrite(layer string, success bool, duration time.Duration) {}
func (NoOpCollector) RecordChainGet(hit bool, layerIndex int, totalDuration time.Duration) {}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c MetricsCollector) MetricsCollector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
