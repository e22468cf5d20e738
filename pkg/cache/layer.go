package cache

import (
	"context"
	"time"
)

// CacheLayer defines the interface that all cache layer implementations must satisfy.
// It provides basic cache operations with context support for cancellation and timeouts.
type CacheLayer interface {
	// Get retrieves a value from the cache by key.
	// Returns ErrKeyNotFound on a miss or an expired entry.
	Get(ctx context.Context, key string) (interface{}, error)

	// Set stores a value with the specified time-to-live. A zero ttl lets the
	// layer pick one.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a value from the cache by key.
	// Returns nil if the key was deleted or didn't exist, error if operation failed.
	Delete(ctx context.Context, key string) error

	// Name returns the identifier for this cache layer (e.g., "L1", "redis").
	// Used for logging, metrics, and debugging.
	Name() string

	// Close releases any resources held by the cache layer.
	Close() error
}

// SetOptions carries the signals a layer may use to size and expire an entry.
type SetOptions struct {
	// TTL overrides the layer's own choice when positive.
	TTL time.Duration

	// Tags are invalidation tokens such as "post:42" or "edition:ng:posts".
	Tags []string

	// Size is the approximate size in bytes; zero means estimate it.
	Size int64

	// Latency is how long the value took to produce upstream.
	Latency time.Duration
}

// OptionSetter is implemented by layers that accept SetOptions.
type OptionSetter interface {
	SetWithOptions(ctx context.Context, key string, value interface{}, opts SetOptions) error
}

// TagInvalidator is implemented by layers that can drop every entry carrying
// a tag. It returns the number of entries removed.
type TagInvalidator interface {
	InvalidateTag(ctx context.Context, tag string) (int, error)
}

// EntryGetter is implemented by layers that can return an entry together
// with its tags and expiry, which lets a chain warm upper layers faithfully.
type EntryGetter interface {
	GetEntry(ctx context.Context, key string) (*CacheEntry, error)
}

// SetWith stores value through SetWithOptions when layer supports it, or
// through Set with opts.TTL otherwise.
func SetWith(ctx context.Context, layer CacheLayer, key string, value interface{}, opts SetOptions) error {
	if os, ok := layer.(OptionSetter); ok {
		return os.SetWithOptions(ctx, key, value, opts)
	}
	return layer.Set(ctx, key, value, opts.TTL)
}

// CacheEntry represents a cached value with metadata.
type CacheEntry struct {
	Key       string
	Value     interface{}
	Tags      []string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsExpired reports whether the entry has expired at now.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TimeToLive returns the remaining time-to-live at now, or 0 if expired.
func (e *CacheEntry) TimeToLive(now time.Time) time.Duration {
	if e.IsExpired(now) {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

// HasTag reports whether the entry carries tag.
func (e *CacheEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
