package upstream

import (
	"sync"

	"golang.org/x/time/rate"
)

// RetryBudget caps how many retries per second each endpoint may spend, so a
// failing upstream sees a bounded amount of extra load no matter how many
// callers are retrying at once. First attempts never consume budget.
type RetryBudget struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRetryBudget allows perSecond retries per endpoint with the given burst.
func NewRetryBudget(perSecond float64, burst int) *RetryBudget {
	if burst < 1 {
		burst = 1
	}
	return &RetryBudget{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether endpoint may retry now. A nil budget always allows.
func (b *RetryBudget) Allow(endpoint string) bool {
	if b == nil {
		return true
	}
	return b.limiter(endpoint).Allow()
}

func (b *RetryBudget) limiter(endpoint string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.limiters[endpoint]
	if !ok {
		l = rate.NewLimiter(b.limit, b.burst)
		b.limiters[endpoint] = l
	}
	return l
}
