package cache

import (
	"fmt"
	"time"
)

// LayerConfig bounds the TTLs a layer hands out.
type LayerConfig struct {
	Name string

	// DefaultTTL applies when the caller passes no TTL.
	DefaultTTL time.Duration

	// MaxTTL caps every TTL; zero means uncapped.
	MaxTTL time.Duration
}

func (c LayerConfig) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: layer name is required", ErrInvalidValue)
	case c.DefaultTTL < 0 || c.MaxTTL < 0:
		return fmt.Errorf("%w: negative ttl", ErrInvalidValue)
	case c.MaxTTL > 0 && c.DefaultTTL > c.MaxTTL:
		return fmt.Errorf("%w: default ttl %v exceeds max ttl %v", ErrInvalidValue, c.DefaultTTL, c.MaxTTL)
	}
	return nil
}

// EffectiveTTL resolves a requested ttl against the defaults and the cap.
func (c LayerConfig) EffectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = c.DefaultTTL
	}
	if c.MaxTTL > 0 && ttl > c.MaxTTL {
		return c.MaxTTL
	}
	return ttl
}
