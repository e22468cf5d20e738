// Package chain layers content caches from fastest (L1, in process) to
// slowest (shared, over the network).
package chain

import (
	"context"
	"errors"
	"strings"
	"time"

	"content-core/pkg/breaker"
	"content-core/pkg/cache"
	"content-core/pkg/cache/bloom"
	"content-core/pkg/logging"
	"content-core/pkg/metrics"
	"content-core/pkg/resilience"
	"content-core/pkg/writer"

	"go.uber.org/zap"
)

// ConvertFunc turns a value read from a layer into the value the caller
// wants, e.g. decoding the JSON a shared layer returns. The converted value
// is the one copied into upper layers.
type ConvertFunc func(v interface{}) (interface{}, error)

// Chain reads through its layers in order and copies hits upward. L1 is
// written synchronously; deeper layers are written through a
// writer.AsyncWriter so a slow shared cache never delays a response.
//
// Chain implements cache.CacheLayer, cache.OptionSetter and
// cache.TagInvalidator.
type Chain struct {
	layers  []cache.CacheLayer
	writers []*writer.AsyncWriter // writers[0] is unused
	index   *bloom.EntityIndex
	ttl     TTLStrategy
	now     func() time.Time

	breakers     *breaker.Manager
	resilience   resilience.ResilientConfig
	writerConfig writer.AsyncWriterConfig

	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithMetrics sets the metrics collector used by the chain, its writers and
// any resilience wrappers it creates.
func WithMetrics(collector metrics.MetricsCollector) Option {
	return func(c *Chain) { c.metrics = collector }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Chain) { c.logger = logger }
}

// WithIndex records every tag written to L1 in index so invalidating a tag
// L1 never saw skips its scan.
func WithIndex(index *bloom.EntityIndex) Option {
	return func(c *Chain) { c.index = index }
}

// WithBreakers wraps every layer below L1 in a resilience.ResilientLayer
// using breakers.
func WithBreakers(breakers *breaker.Manager, config resilience.ResilientConfig) Option {
	return func(c *Chain) {
		c.breakers = breakers
		c.resilience = config
	}
}

// WithWriterConfig configures the async writers of the deeper layers.
func WithWriterConfig(config writer.AsyncWriterConfig) Option {
	return func(c *Chain) { c.writerConfig = config }
}

// WithTTLStrategy sets how lifetimes are spread over layers. The default is
// UniformTTLStrategy.
func WithTTLStrategy(s TTLStrategy) Option {
	return func(c *Chain) { c.ttl = s }
}

// WithClock sets the clock used to compute remaining lifetimes.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// New builds a chain over layers, fastest first.
func New(layers []cache.CacheLayer, opts ...Option) (*Chain, error) {
	if len(layers) == 0 {
		return nil, errors.New("chain: at least one layer required")
	}

	c := &Chain{
		ttl: UniformTTLStrategy{},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = metrics.OrNoOp(c.metrics)
	if c.logger == nil {
		c.logger = logging.Global().Named("chain")
	}

	c.layers = make([]cache.CacheLayer, len(layers))
	c.writers = make([]*writer.AsyncWriter, len(layers))
	for i, layer := range layers {
		if i > 0 && c.breakers != nil {
			if _, wrapped := layer.(*resilience.ResilientLayer); !wrapped {
				layer = resilience.NewResilientLayer(layer, c.breakers, c.resilience,
					resilience.WithMetrics(c.metrics),
					resilience.WithLogger(c.logger.Named("resilience")))
			}
		}
		c.layers[i] = layer
		if i > 0 {
			c.writers[i] = writer.NewAsyncWriter(layer, c.writerConfig,
				writer.WithMetrics(c.metrics),
				writer.WithLogger(c.logger.Named("writer").Named(layer.Name())))
		}
	}

	c.logger.Info("cache chain initialized", zap.String("layers", c.String()))
	return c, nil
}

func (c *Chain) Name() string {
	return "chain"
}

// Get returns the value from the first layer holding key, or
// cache.ErrKeyNotFound when no layer does. Layer failures are logged and
// treated as misses.
func (c *Chain) Get(ctx context.Context, key string) (interface{}, error) {
	return c.GetWith(ctx, key, nil)
}

// GetWith is Get with a conversion applied to hits below L1. A value that
// fails to convert is dropped from that layer and the lookup continues.
func (c *Chain) GetWith(ctx context.Context, key string, convert ConvertFunc) (interface{}, error) {
	start := c.now()

	for i, layer := range c.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry, err := c.read(ctx, layer, key)
		if err != nil {
			if !cache.IsNotFound(err) {
				c.logger.Debug("layer skipped",
					zap.String("layer", layer.Name()),
					zap.String("key", key),
					zap.String("kind", cache.ClassifyError(err)),
					zap.Error(err))
			}
			continue
		}

		value := entry.Value
		if i > 0 && convert != nil {
			value, err = convert(value)
			if err != nil {
				c.logger.Warn("dropping unreadable entry",
					zap.String("layer", layer.Name()),
					zap.String("key", key),
					zap.Error(err))
				_ = layer.Delete(ctx, key)
				continue
			}
		}

		if i > 0 {
			c.warm(ctx, key, value, entry, i)
		}
		c.metrics.RecordChainGet(true, i, c.now().Sub(start))
		return value, nil
	}

	c.metrics.RecordChainGet(false, -1, c.now().Sub(start))
	return nil, cache.ErrKeyNotFound
}

// read uses GetEntry where the layer has it, so warm-up keeps tags and the
// remaining lifetime.
func (c *Chain) read(ctx context.Context, layer cache.CacheLayer, key string) (*cache.CacheEntry, error) {
	if eg, ok := layer.(cache.EntryGetter); ok {
		return eg.GetEntry(ctx, key)
	}
	v, err := layer.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return &cache.CacheEntry{Key: key, Value: v}, nil
}

// warm copies a hit at layer hit into every layer above it.
func (c *Chain) warm(ctx context.Context, key string, value interface{}, entry *cache.CacheEntry, hit int) {
	var remaining time.Duration
	if !entry.ExpiresAt.IsZero() {
		remaining = entry.TimeToLive(c.now())
		if remaining <= 0 {
			return
		}
	}

	for i := hit - 1; i >= 0; i-- {
		ttl := c.ttl.TTL(i, len(c.layers), remaining)
		if remaining > 0 && ttl > remaining {
			ttl = remaining
		}
		opts := cache.SetOptions{TTL: ttl, Tags: entry.Tags}

		if i == 0 {
			c.remember(opts.Tags)
			if err := cache.SetWith(ctx, c.layers[0], key, value, opts); err != nil {
				c.logger.Debug("warm-up failed",
					zap.String("layer", c.layers[0].Name()),
					zap.String("key", key),
					zap.Error(err))
			}
			continue
		}
		_ = c.writers[i].Write(ctx, key, value, opts)
	}
}

func (c *Chain) remember(tags []string) {
	if c.index != nil && len(tags) > 0 {
		c.index.Add(tags...)
	}
}

func (c *Chain) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.SetWithOptions(ctx, key, value, cache.SetOptions{TTL: ttl})
}

// SetWithOptions writes L1 and waits for it, then queues the write for every
// deeper layer. Only the L1 error is returned; a dropped or failed deeper
// write is logged by its writer. Tags reach the index before L1 so a
// concurrent invalidation cannot skip the new entry.
func (c *Chain) SetWithOptions(ctx context.Context, key string, value interface{}, opts cache.SetOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n := len(c.layers)
	l1 := opts
	l1.TTL = c.ttl.TTL(0, n, opts.TTL)
	c.remember(opts.Tags)
	if err := cache.SetWith(ctx, c.layers[0], key, value, l1); err != nil {
		return err
	}

	for i := 1; i < n; i++ {
		layerOpts := opts
		layerOpts.TTL = c.ttl.TTL(i, n, opts.TTL)
		if err := c.writers[i].Write(ctx, key, value, layerOpts); err != nil {
			c.logger.Debug("deferred write not queued",
				zap.String("layer", c.layers[i].Name()),
				zap.String("key", key),
				zap.Error(err))
		}
	}
	return nil
}

// Delete removes key from every layer.
func (c *Chain) Delete(ctx context.Context, key string) error {
	var errs []error
	for _, layer := range c.layers {
		if err := layer.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InvalidateTag removes every entry carrying tag from every layer and
// returns how many were removed. L1 is skipped when the index proves it
// never held the tag; shared layers are always asked, since other
// processes write to them.
func (c *Chain) InvalidateTag(ctx context.Context, tag string) (int, error) {
	var (
		removed int
		errs    []error
	)
	for i, layer := range c.layers {
		if i == 0 && c.index != nil && !c.index.MayContain(tag) {
			continue
		}
		ti, ok := layer.(cache.TagInvalidator)
		if !ok {
			continue
		}
		n, err := ti.InvalidateTag(ctx, tag)
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("tag invalidation incomplete",
			zap.String("tag", tag),
			zap.Int("removed", removed),
			zap.Error(err))
		return removed, err
	}
	c.logger.Debug("tag invalidated", zap.String("tag", tag), zap.Int("removed", removed))
	return removed, nil
}

// Flush waits for queued writes to reach every layer.
func (c *Chain) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for _, w := range c.writers {
		if w == nil {
			continue
		}
		if err := w.Flush(time.Until(deadline)); err != nil {
			return err
		}
	}
	return nil
}

// WriterStats returns the async writer statistics keyed by layer name.
func (c *Chain) WriterStats() map[string]writer.AsyncWriterStats {
	stats := make(map[string]writer.AsyncWriterStats, len(c.writers))
	for i, w := range c.writers {
		if w != nil {
			stats[c.layers[i].Name()] = w.Stats()
		}
	}
	return stats
}

// Close drains the writers, then closes every layer.
func (c *Chain) Close() error {
	var errs []error
	for _, w := range c.writers {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, layer := range c.layers {
		if err := layer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Layers returns a copy of the layers, after any resilience wrapping.
func (c *Chain) Layers() []cache.CacheLayer {
	layers := make([]cache.CacheLayer, len(c.layers))
	copy(layers, c.layers)
	return layers
}

func (c *Chain) Len() int {
	return len(c.layers)
}

func (c *Chain) String() string {
	names := make([]string, len(c.layers))
	for i, layer := range c.layers {
		names[i] = layer.Name()
	}
	return strings.Join(names, " -> ")
}
