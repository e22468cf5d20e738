package resilience

import "time"

// ResilientConfig configures the protection of one cache layer. The breaker
// thresholds come from the shared breaker.Manager.
type ResilientConfig struct {
	// Timeout bounds every operation on the layer. Zero disables it.
	Timeout time.Duration
}

func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{Timeout: 250 * time.Millisecond}
}

// WithTimeout returns a copy with the given timeout.
func (c ResilientConfig) WithTimeout(timeout time.Duration) ResilientConfig {
	c.Timeout = timeout
	return c
}
