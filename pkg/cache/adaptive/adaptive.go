// Package adaptive is the in-process content cache: bounded by approximate
// byte size and entry count, with adaptive TTLs and score-based eviction.
package adaptive

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"content-core/pkg/cache"
	"content-core/pkg/logging"
	"content-core/pkg/metrics"

	"go.uber.org/zap"
)

// Sizer is implemented by values that know their approximate size.
type Sizer interface {
	Size() int64
}

// Config holds configuration for the adaptive cache.
type Config struct {
	// Name is the cache layer identifier
	Name string

	// MaxBytes bounds the total approximate size of all entries.
	MaxBytes int64

	// MaxEntries bounds the number of entries.
	MaxEntries int

	// EvictTarget is the fraction of a limit eviction brings usage back to.
	EvictTarget float64

	// CleanupInterval is how often expired entries are swept. Negative
	// disables the background sweep.
	CleanupInterval time.Duration

	// TTL computes lifetimes when Set is called without one.
	TTL TTLPolicy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Name:            "L1",
		MaxBytes:        50 << 20,
		MaxEntries:      500,
		EvictTarget:     0.8,
		CleanupInterval: time.Minute,
		TTL:             DefaultTTLPolicy(),
	}
}

type entry struct {
	value      interface{}
	tags       []string
	size       int64
	createdAt  time.Time
	ttl        time.Duration
	lastAccess time.Time
	hits       int64
	// requests survives overwrites of the key and feeds popularity.
	requests int64
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.createdAt.Add(e.ttl))
}

// Cache is safe for concurrent use and implements cache.CacheLayer,
// cache.OptionSetter and cache.TagInvalidator.
type Cache struct {
	config  Config
	now     func() time.Time
	metrics metrics.MetricsCollector
	logger  *logging.Logger

	mu      sync.Mutex
	data    map[string]*entry
	bytes   int64
	hits    int64
	misses  int64
	evicted int64
	expired int64
	dropped int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the clock used for TTLs and scoring.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics sets the metrics collector used for eviction counts.
func WithMetrics(collector metrics.MetricsCollector) Option {
	return func(c *Cache) { c.metrics = collector }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New creates an adaptive cache. Zero config fields take DefaultConfig
// values. Unless CleanupInterval is negative a background sweep runs until
// Close.
func New(config Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if config.Name == "" {
		config.Name = def.Name
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = def.MaxBytes
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = def.MaxEntries
	}
	if config.EvictTarget <= 0 || config.EvictTarget >= 1 {
		config.EvictTarget = def.EvictTarget
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if config.TTL.Base <= 0 {
		config.TTL = def.TTL
	}

	c := &Cache{
		config: config,
		now:    time.Now,
		data:   make(map[string]*entry),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NoOpCollector{}
	}
	if c.logger == nil {
		c.logger = logging.Global().Named("adaptive-cache")
	}

	if config.CleanupInterval > 0 {
		c.wg.Add(1)
		go c.cleanup(config.CleanupInterval)
	}
	return c
}

// Name returns the cache layer name.
func (c *Cache) Name() string {
	return c.config.Name
}

// Get returns the value for key, or cache.ErrKeyNotFound on a miss. Expired
// entries are removed on access.
func (c *Cache) Get(ctx context.Context, key string) (interface{}, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, err
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if ok && e.expired(now) {
		c.remove(key, e)
		c.expired++
		ok = false
	}
	if !ok {
		c.misses++
		return nil, cache.ErrKeyNotFound
	}

	e.hits++
	e.requests++
	e.lastAccess = now
	c.hits++
	return e.value, nil
}

// Set stores value. A positive ttl is used as is, capped by the policy
// maximum and MaxTTLCeiling; zero computes an adaptive TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.SetWithOptions(ctx, key, value, cache.SetOptions{TTL: ttl})
}

// SetWithOptions stores value using the size, latency and tags in opts.
// Entries larger than MaxBytes are rejected with cache.ErrInvalidValue.
func (c *Cache) SetWithOptions(ctx context.Context, key string, value interface{}, opts cache.SetOptions) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	if value == nil {
		return cache.ErrInvalidValue
	}

	size := opts.Size
	if size <= 0 {
		size = EstimateSize(value)
	}
	if size > c.config.MaxBytes {
		return fmt.Errorf("%w: entry of %d bytes exceeds cache limit of %d", cache.ErrInvalidValue, size, c.config.MaxBytes)
	}

	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var requests int64
	if old, ok := c.data[key]; ok {
		requests = old.requests
		c.remove(key, old)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.config.TTL.TTL(now, opts.Latency, requests)
	} else {
		ttl = c.config.TTL.capExplicit(ttl)
	}

	c.data[key] = &entry{
		value:      value,
		tags:       append([]string(nil), opts.Tags...),
		size:       size,
		createdAt:  now,
		ttl:        ttl,
		lastAccess: now,
		requests:   requests + 1,
	}
	c.bytes += size

	c.enforceLimits(key, now)
	return nil
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.data[key]; ok {
		c.remove(key, e)
	}
	return nil
}

// Invalidate removes every entry whose key matches and returns the count.
func (c *Cache) Invalidate(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.data {
		if match(k) {
			c.remove(k, e)
			n++
		}
	}
	c.dropped += int64(n)
	return n
}

// InvalidateTag removes every entry carrying tag.
func (c *Cache) InvalidateTag(ctx context.Context, tag string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.data {
		for _, t := range e.tags {
			if t == tag {
				c.remove(k, e)
				n++
				break
			}
		}
	}
	c.dropped += int64(n)
	return n, nil
}

// Close stops the background sweep and clears all data.
func (c *Cache) Close() error {
	select {
	case <-c.stop:
		return nil
	default:
	}
	close(c.stop)
	c.wg.Wait()

	c.mu.Lock()
	c.data = make(map[string]*entry)
	c.bytes = 0
	c.mu.Unlock()
	return nil
}

// remove deletes key. Must be called with c.mu held.
func (c *Cache) remove(key string, e *entry) {
	delete(c.data, key)
	c.bytes -= e.size
}

// enforceLimits evicts the lowest-scoring entries once a limit is exceeded,
// down to EvictTarget of that limit. The entry just written is evicted only
// if nothing else is left. Must be called with c.mu held.
func (c *Cache) enforceLimits(justSet string, now time.Time) {
	overBytes := c.bytes > c.config.MaxBytes
	overCount := len(c.data) > c.config.MaxEntries
	if !overBytes && !overCount {
		return
	}

	targetBytes := int64(float64(c.config.MaxBytes) * c.config.EvictTarget)
	targetCount := int(float64(c.config.MaxEntries) * c.config.EvictTarget)
	needsEviction := func() bool {
		return (overBytes && c.bytes > targetBytes) || (overCount && len(c.data) > targetCount)
	}

	for k, e := range c.data {
		if e.expired(now) {
			c.remove(k, e)
			c.expired++
		}
	}

	type candidate struct {
		key   string
		score float64
	}
	candidates := make([]candidate, 0, len(c.data))
	for k, e := range c.data {
		if k == justSet {
			continue
		}
		candidates = append(candidates, candidate{key: k, score: retentionScore(e, now)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score < candidates[j].score
	})

	evicted := 0
	for _, cand := range candidates {
		if !needsEviction() {
			break
		}
		c.remove(cand.key, c.data[cand.key])
		evicted++
	}

	if evicted > 0 {
		c.evicted += int64(evicted)
		c.metrics.RecordEviction(c.config.Name, evicted)
		c.logger.Debug("evicted entries",
			zap.String("layer", c.config.Name),
			zap.Int("count", evicted),
			zap.Int64("bytes", c.bytes),
			zap.Int("entries", len(c.data)))
	}
}

// retentionScore rates how much an entry is worth keeping; the lowest score
// is evicted first. It combines remaining freshness relative to the entry's
// own TTL, hit count and recency of access.
func retentionScore(e *entry, now time.Time) float64 {
	age := now.Sub(e.createdAt)
	freshness := 1 - float64(age)/float64(e.ttl)
	if freshness < 0 {
		freshness = 0
	}

	popularity := 1 - 1/float64(1+e.hits)

	idle := now.Sub(e.lastAccess).Minutes()
	if idle < 0 {
		idle = 0
	}
	recency := 1 / (1 + idle)

	return 0.4*freshness + 0.3*popularity + 0.3*recency
}

func (c *Cache) cleanup(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.RemoveExpired()
		case <-c.stop:
			return
		}
	}
}

// RemoveExpired sweeps expired entries and returns how many were removed.
func (c *Cache) RemoveExpired() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.data {
		if e.expired(now) {
			c.remove(k, e)
			n++
		}
	}
	c.expired += int64(n)
	return n
}

// Stats is a point-in-time view of the cache for observability.
type Stats struct {
	Entries       int     `json:"entries"`
	Bytes         int64   `json:"bytes"`
	MaxEntries    int     `json:"max_entries"`
	MaxBytes      int64   `json:"max_bytes"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	AvgEntrySize  float64 `json:"avg_entry_size"`
	Evictions     int64   `json:"evictions"`
	Expirations   int64   `json:"expirations"`
	Invalidations int64   `json:"invalidations"`
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:       len(c.data),
		Bytes:         c.bytes,
		MaxEntries:    c.config.MaxEntries,
		MaxBytes:      c.config.MaxBytes,
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evicted,
		Expirations:   c.expired,
		Invalidations: c.dropped,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	if s.Entries > 0 {
		s.AvgEntrySize = float64(c.bytes) / float64(s.Entries)
	}
	return s
}

// EstimateSize approximates the in-memory footprint of v. Strings and byte
// slices count their length, Sizers report their own size, anything else is
// measured by its JSON encoding.
func EstimateSize(v interface{}) int64 {
	switch t := v.(type) {
	case Sizer:
		return t.Size()
	case string:
		return int64(len(t))
	case []byte:
		return int64(len(t))
	}

	b, err := json.Marshal(v)
	if err != nil {
		return 1024
	}
	return int64(len(b))
}
