package adaptive

import "time"

// MaxTTLCeiling bounds every entry lifetime, explicit or computed, whatever
// the policy maximum.
const MaxTTLCeiling = time.Hour

// TTLPolicy computes entry lifetimes from time of day, production latency and
// key popularity.
type TTLPolicy struct {
	// Base is the lifetime of an ordinary entry produced off-peak.
	Base time.Duration

	// Min and Max bound every computed TTL. Max never exceeds
	// MaxTTLCeiling.
	Min time.Duration
	Max time.Duration

	// PeakStart and PeakEnd delimit peak hours, [start, end) in the
	// policy's location.
	PeakStart int
	PeakEnd   int

	// NightStart and NightEnd delimit quiet hours, [start, end).
	NightStart int
	NightEnd   int

	// SlowLatency marks a value as expensive to produce.
	SlowLatency time.Duration

	// HotRequests is the request count at which a key is considered hot.
	HotRequests int64

	Location *time.Location
}

// DefaultTTLPolicy returns the production policy.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Base:        5 * time.Minute,
		Min:         30 * time.Second,
		Max:         time.Hour,
		PeakStart:   7,
		PeakEnd:     22,
		NightStart:  0,
		NightEnd:    6,
		SlowLatency: time.Second,
		HotRequests: 20,
		Location:    time.UTC,
	}
}

// TTL returns the lifetime for an entry produced at now after latency, for a
// key requested requests times so far.
//
// Peak hours shorten the TTL and quiet hours lengthen it. Slow entries live
// longer so their cost is amortized. Hot keys are refreshed more often so
// the many readers see fresh content.
func (p TTLPolicy) TTL(now time.Time, latency time.Duration, requests int64) time.Duration {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := now.In(loc).Hour()

	factor := 1.0
	switch {
	case inHours(hour, p.NightStart, p.NightEnd):
		factor *= 2
	case inHours(hour, p.PeakStart, p.PeakEnd):
		factor *= 0.75
	}

	if p.SlowLatency > 0 {
		switch {
		case latency >= 3*p.SlowLatency:
			factor *= 2
		case latency >= p.SlowLatency:
			factor *= 1.5
		}
	}

	if p.HotRequests > 0 && requests >= p.HotRequests {
		factor *= 0.5
	}

	return p.clamp(time.Duration(float64(p.Base) * factor))
}

func (p TTLPolicy) clamp(ttl time.Duration) time.Duration {
	if p.Min > 0 && ttl < p.Min {
		ttl = p.Min
	}
	if p.Max > 0 && ttl > p.Max {
		ttl = p.Max
	}
	if ttl > MaxTTLCeiling {
		ttl = MaxTTLCeiling
	}
	return ttl
}

// capExplicit applies the upper bounds, but not Min, to a caller-chosen TTL.
func (p TTLPolicy) capExplicit(ttl time.Duration) time.Duration {
	if p.Max > 0 && ttl > p.Max {
		ttl = p.Max
	}
	if ttl > MaxTTLCeiling {
		ttl = MaxTTLCeiling
	}
	return ttl
}

func inHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	// Window wraps past midnight.
	return hour >= start || hour < end
}
