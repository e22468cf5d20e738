package metrics

import "time"

// Multi fans every record out to several collectors, e.g. Prometheus for
// scraping and the in-memory collector for the JSON status endpoint.
type Multi []MetricsCollector

// NewMulti drops nil collectors. With a single collector left it is
// returned as is.
func NewMulti(collectors ...MetricsCollector) MetricsCollector {
	var m Multi
	for _, c := range collectors {
		if c != nil {
			m = append(m, c)
		}
	}
	switch len(m) {
	case 0:
		return NoOpCollector{}
	case 1:
		return m[0]
	}
	return m
}

func (m Multi) RecordFetch(endpoint, transport, outcome string, duration time.Duration) {
	for _, c := range m {
		c.RecordFetch(endpoint, transport, outcome, duration)
	}
}

func (m Multi) RecordRetry(endpoint string, attempt int) {
	for _, c := range m {
		c.RecordRetry(endpoint, attempt)
	}
}

func (m Multi) RecordFallback(reason string) {
	for _, c := range m {
		c.RecordFallback(reason)
	}
}

func (m Multi) RecordDedupe(shared bool) {
	for _, c := range m {
		c.RecordDedupe(shared)
	}
}

func (m Multi) RecordCircuitState(endpoint string, state CircuitState) {
	for _, c := range m {
		c.RecordCircuitState(endpoint, state)
	}
}

func (m Multi) RecordRejection(endpoint, reason string) {
	for _, c := range m {
		c.RecordRejection(endpoint, reason)
	}
}

func (m Multi) RecordGet(layer string, hit bool, duration time.Duration) {
	for _, c := range m {
		c.RecordGet(layer, hit, duration)
	}
}

func (m Multi) RecordSet(layer string, success bool, duration time.Duration) {
	for _, c := range m {
		c.RecordSet(layer, success, duration)
	}
}

func (m Multi) RecordDelete(layer string, success bool, duration time.Duration) {
	for _, c := range m {
		c.RecordDelete(layer, success, duration)
	}
}

func (m Multi) RecordEviction(layer string, count int) {
	for _, c := range m {
		c.RecordEviction(layer, count)
	}
}

func (m Multi) RecordQueueDepth(layer string, depth int) {
	for _, c := range m {
		c.RecordQueueDepth(layer, depth)
	}
}

func (m Multi) RecordWriteDropped(layer string) {
	for _, c := range m {
		c.RecordWriteDropped(layer)
	}
}

func (m Multi) RecordAsyncWrite(layer string, success bool, duration time.Duration) {
	for _, c := range m {
		c.RecordAsyncWrite(layer, success, duration)
	}
}

func (m Multi) RecordChainGet(hit bool, layerIndex int, totalDuration time.Duration) {
	for _, c := range m {
		c.RecordChainGet(hit, layerIndex, totalDuration)
	}
}
