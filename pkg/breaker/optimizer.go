package breaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Optimize nudges the profile of every key with enough volume: unhealthy
// keys get stricter thresholds to shed load from a failing backend, very
// healthy keys get looser ones to avoid needless trips. Circuits whose reset
// timeout changed are rebuilt while closed. It returns the number of keys
// whose bias changed.
func (m *Manager) Optimize() int {
	changed := 0

	for _, key := range m.Keys() {
		ep := m.endpoint(key)
		stats := m.Stats(key)
		if stats.Requests <= m.cfg.OptimizeMinRequests {
			continue
		}

		score := HealthScore(stats)
		delta := 0
		switch {
		case score < 0.5:
			delta = 1
		case score >= 0.95:
			delta = -1
		}

		if delta != 0 && ep.nudge(delta) {
			changed++
			m.logger.Info("breaker profile tuned",
				zap.String("endpoint", key),
				zap.Float64("health_score", score),
				zap.Int("bias_delta", delta))
		}

		m.syncTimeout(ep)
	}

	return changed
}

// nudge moves the bias one step and expires the cached profile. It reports
// false when the bias is already at its bound.
func (ep *endpoint) nudge(delta int) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	next := ep.bias + delta
	if next > maxBias || next < -maxBias {
		return false
	}
	ep.bias = next
	ep.profileAt = time.Time{}
	return true
}

// syncTimeout rebuilds the circuit of ep when its reset timeout no longer
// matches the profile. Open and half-open circuits are left alone so a
// rebuild never cuts a cool-down short.
func (m *Manager) syncTimeout(ep *endpoint) {
	want := m.profileFor(ep).ResetTimeout
	ref := ep.ref.Load()
	if ref.timeout == want || ref.cb.State() != gobreaker.StateClosed {
		return
	}
	ep.ref.Store(m.newBreaker(ep, want))
}

// Run calls Optimize every OptimizeInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.OptimizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Optimize(); n > 0 {
				m.logger.Debug("optimization pass", zap.Int("tuned", n))
			}
		}
	}
}
