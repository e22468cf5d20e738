package breaker

import (
	"time"

	"content-core/pkg/upstream"
)

// Stats are the lifetime outcome counters of one endpoint key.
type Stats struct {
	Requests      uint64 `json:"requests"`
	Successes     uint64 `json:"successes"`
	Failures      uint64 `json:"failures"`
	Timeouts      uint64 `json:"timeouts"`
	NetworkErrors uint64 `json:"network_errors"`
	ServerErrors  uint64 `json:"server_errors"`
	ClientErrors  uint64 `json:"client_errors"`
	Rejections    uint64 `json:"rejections"`

	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`

	LastSuccess time.Time `json:"last_success,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

func (s *Stats) recordSuccess(now time.Time) {
	s.Requests++
	s.Successes++
	s.ConsecutiveSuccesses++
	s.ConsecutiveFailures = 0
	s.LastSuccess = now
}

func (s *Stats) recordFailure(err error, now time.Time) {
	s.Requests++
	s.Failures++
	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	s.LastFailure = now

	switch upstream.Category(err) {
	case upstream.CategoryTimeout:
		s.Timeouts++
	case upstream.CategoryNetwork:
		s.NetworkErrors++
	case upstream.CategoryServer:
		s.ServerErrors++
	case upstream.CategoryClient:
		s.ClientErrors++
	}
}

// SuccessRate is successes over completed calls, or 1 with no history.
func (s Stats) SuccessRate() float64 {
	if s.Requests == 0 {
		return 1
	}
	return float64(s.Successes) / float64(s.Requests)
}

// Health classes.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

// HealthScore rates an endpoint in [0, 1]. Success rate dominates; timeouts
// and network errors weigh on top of it, long failure streaks are penalized
// and a most-recent success earns a small bonus.
func HealthScore(s Stats) float64 {
	if s.Requests == 0 {
		return 1
	}

	total := float64(s.Requests)
	successRate := float64(s.Successes) / total
	timeoutRate := float64(s.Timeouts) / total
	networkRate := float64(s.NetworkErrors) / total

	score := 0.4 + 0.6*successRate - 0.3*timeoutRate - 0.2*networkRate

	if s.ConsecutiveFailures > 2 {
		penalty := 0.05 * float64(s.ConsecutiveFailures-2)
		if penalty > 0.3 {
			penalty = 0.3
		}
		score -= penalty
	}
	if !s.LastSuccess.IsZero() && s.LastSuccess.After(s.LastFailure) {
		score += 0.05
	}

	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}

// Classify maps a health score to a health class.
func Classify(score float64) string {
	switch {
	case score >= 0.8:
		return Healthy
	case score >= 0.5:
		return Degraded
	default:
		return Unhealthy
	}
}
