package chain

import (
	"math"
	"time"
)

// TTLStrategy decides the lifetime of an entry in each layer. base is the
// lifetime requested by the caller, or the remaining lifetime of an entry
// being copied upward. A zero result lets the layer choose.
type TTLStrategy interface {
	TTL(layer, layers int, base time.Duration) time.Duration
}

// UniformTTLStrategy gives every layer the same lifetime.
type UniformTTLStrategy struct{}

func (UniformTTLStrategy) TTL(layer, layers int, base time.Duration) time.Duration {
	return base
}

// DecayingTTLStrategy shortens lifetimes toward the top of the chain, so the
// shared bottom layer holds an entry longest and process-local copies
// refresh from it more often. With DecayFactor 0.5 and three layers, L1 gets
// a quarter of base, L2 a half and L3 all of it.
type DecayingTTLStrategy struct {
	DecayFactor float64
}

func (s DecayingTTLStrategy) TTL(layer, layers int, base time.Duration) time.Duration {
	if base <= 0 || s.DecayFactor <= 0 || s.DecayFactor >= 1 || layer >= layers-1 {
		return base
	}
	factor := math.Pow(s.DecayFactor, float64(layers-1-layer))
	ttl := time.Duration(float64(base) * factor)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// CustomTTLStrategy uses fixed lifetimes per layer and base for layers it
// does not list or lists as zero.
type CustomTTLStrategy struct {
	TTLs []time.Duration
}

func (s CustomTTLStrategy) TTL(layer, layers int, base time.Duration) time.Duration {
	if layer < len(s.TTLs) && s.TTLs[layer] > 0 {
		return s.TTLs[layer]
	}
	return base
}
