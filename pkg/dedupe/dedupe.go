// Package dedupe coalesces concurrent identical upstream requests into one
// call and memoizes successful results for a short window.
package dedupe

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"content-core/pkg/logging"
	"content-core/pkg/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Metadata carries the cache-affecting parameters of a request. Requests with
// the same key but different metadata never share a result.
type Metadata struct {
	Tags       []string
	Revalidate time.Duration
}

// Fingerprint is an order-independent encoding of m: tags are sorted and
// de-duplicated.
func (m Metadata) Fingerprint() string {
	tags := make([]string, 0, len(m.Tags))
	seen := make(map[string]struct{}, len(m.Tags))
	for _, tag := range m.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	return "tags=" + strings.Join(tags, ",") + ";rev=" + strconv.FormatInt(int64(m.Revalidate), 10)
}

// CompositeKey folds the metadata fingerprint into key.
func CompositeKey(key string, m Metadata) string {
	return key + "|" + m.Fingerprint()
}

// RequestKey hashes the parts of a semantic request (query text, variables,
// endpoint, params) into a short stable key.
func RequestKey(parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// Config controls the memoization window.
type Config struct {
	// DefaultTTL is the memo window for requests without a revalidate hint.
	DefaultTTL time.Duration

	// MaxTTL caps the window derived from a revalidate hint.
	MaxTTL time.Duration

	// SweepThreshold triggers a sweep of expired entries once the memo map
	// grows past it.
	SweepThreshold int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:     30 * time.Second,
		MaxTTL:         5 * time.Minute,
		SweepThreshold: 1024,
	}
}

// Tagger is implemented by results that know which content they were built
// from. Their tags are memoized alongside meta.Tags, so InvalidateTag also
// reaches them.
type Tagger interface {
	CacheTags() []string
}

type memoEntry struct {
	value     interface{}
	expiresAt time.Time
	tags      []string
}

// Deduplicator is safe for concurrent use. One instance is shared by every
// caller of a request family.
type Deduplicator struct {
	cfg     Config
	group   singleflight.Group
	now     func() time.Time
	metrics metrics.MetricsCollector
	logger  *logging.Logger

	mu   sync.Mutex
	memo map[string]memoEntry
	// epoch counts invalidations. A result produced across one is returned
	// but not memoized.
	epoch uint64
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithClock replaces the clock used for memo expiry.
func WithClock(now func() time.Time) Option {
	return func(d *Deduplicator) { d.now = now }
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.MetricsCollector) Option {
	return func(d *Deduplicator) { d.metrics = collector }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Deduplicator) { d.logger = logger }
}

// New creates a Deduplicator.
func New(cfg Config, opts ...Option) *Deduplicator {
	def := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = def.MaxTTL
	}
	if cfg.SweepThreshold <= 0 {
		cfg.SweepThreshold = def.SweepThreshold
	}

	d := &Deduplicator{
		cfg:  cfg,
		now:  time.Now,
		memo: make(map[string]memoEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.NoOpCollector{}
	}
	if d.logger == nil {
		d.logger = logging.Global().Named("dedupe")
	}
	return d
}

// Do returns the memoized result for key and meta when one is live,
// otherwise joins the in-flight call for them, otherwise runs producer.
//
// Only successful results are memoized; a failure reaches every caller that
// joined the call and is then forgotten. producer runs detached from the
// caller's cancellation so joined callers still get a result when the first
// caller gives up; a caller whose ctx ends stops waiting and gets ctx.Err().
func (d *Deduplicator) Do(ctx context.Context, key string, meta Metadata, producer func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ck := CompositeKey(key, meta)

	if v, ok := d.lookup(ck); ok {
		d.metrics.RecordDedupe(true)
		return v, nil
	}

	// Callers arriving after an invalidation start their own call instead
	// of joining one that began before it.
	epoch := d.Epoch()
	flight := ck + "#" + strconv.FormatUint(epoch, 10)

	detached := context.WithoutCancel(ctx)
	ch := d.group.DoChan(flight, func() (interface{}, error) {
		// A call that finished between lookup and DoChan has already
		// stored its result.
		if v, ok := d.lookup(ck); ok {
			return v, nil
		}

		v, err := producer(detached)
		if err != nil {
			d.logger.Debug("producer failed, not memoized",
				zap.String("key", key),
				zap.Error(err))
			return nil, err
		}
		if !d.store(ck, v, meta, epoch) {
			d.logger.Debug("invalidated while in flight, not memoized",
				zap.String("key", key))
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		d.metrics.RecordDedupe(res.Shared)
		return res.Val, res.Err
	}
}

// Do is the typed form of Deduplicator.Do.
func Do[T any](ctx context.Context, d *Deduplicator, key string, meta Metadata, producer func(ctx context.Context) (T, error)) (T, error) {
	v, err := d.Do(ctx, key, meta, func(ctx context.Context) (interface{}, error) {
		return producer(ctx)
	})

	var zero T
	if err != nil || v == nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("dedupe %s: unexpected result type %T", key, v)
	}
	return typed, nil
}

func (d *Deduplicator) ttl(meta Metadata) time.Duration {
	if meta.Revalidate <= 0 {
		return d.cfg.DefaultTTL
	}
	if meta.Revalidate > d.cfg.MaxTTL {
		return d.cfg.MaxTTL
	}
	return meta.Revalidate
}

func (d *Deduplicator) lookup(ck string) (interface{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.memo[ck]
	if !ok {
		return nil, false
	}
	if !d.now().Before(e.expiresAt) {
		delete(d.memo, ck)
		return nil, false
	}
	return e.value, true
}

// store memoizes v unless an invalidation happened since epoch.
func (d *Deduplicator) store(ck string, v interface{}, meta Metadata, epoch uint64) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.epoch != epoch {
		return false
	}

	if len(d.memo) >= d.cfg.SweepThreshold {
		for k, e := range d.memo {
			if !now.Before(e.expiresAt) {
				delete(d.memo, k)
			}
		}
	}

	tags := append([]string(nil), meta.Tags...)
	if t, ok := v.(Tagger); ok {
		tags = append(tags, t.CacheTags()...)
	}
	d.memo[ck] = memoEntry{
		value:     v,
		expiresAt: now.Add(d.ttl(meta)),
		tags:      tags,
	}
	return true
}

// InvalidateTag drops every memoized result whose metadata carries tag and
// returns how many were dropped. Calls in flight at that moment still answer
// their callers, but their results are not memoized.
func (d *Deduplicator) InvalidateTag(tag string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.epoch++

	n := 0
	for k, e := range d.memo {
		for _, t := range e.tags {
			if t == tag {
				delete(d.memo, k)
				n++
				break
			}
		}
	}
	return n
}

// Epoch returns the number of invalidations so far. A producer that reads it
// before fetching can tell whether its result went stale on the way.
func (d *Deduplicator) Epoch() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.epoch
}

// Forget drops the memoized result for key and meta.
func (d *Deduplicator) Forget(key string, meta Metadata) {
	ck := CompositeKey(key, meta)

	d.mu.Lock()
	delete(d.memo, ck)
	d.mu.Unlock()
}

// Len returns the number of memoized entries, expired ones included.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.memo)
}
