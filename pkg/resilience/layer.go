// Package resilience protects network-backed cache layers with a timeout and
// a breaker from the shared manager, so a dead cache fails fast instead of
// adding its timeout to every content request.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"content-core/pkg/breaker"
	"content-core/pkg/cache"
	"content-core/pkg/logging"
	"content-core/pkg/metrics"
	"content-core/pkg/upstream"

	"go.uber.org/zap"
)

// BreakerKey is the breaker key used for a layer.
func BreakerKey(layer string) string { return "cache-" + layer }

// ResilientLayer wraps a cache.CacheLayer. Misses never count as breaker
// failures; timeouts and backend errors do. While the breaker refuses calls,
// operations fail with cache.ErrLayerUnavailable.
type ResilientLayer struct {
	layer    cache.CacheLayer
	breakers *breaker.Manager
	key      string
	timeout  time.Duration
	metrics  metrics.MetricsCollector
	logger   *logging.Logger
}

// Option configures a ResilientLayer.
type Option func(*ResilientLayer)

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.MetricsCollector) Option {
	return func(rl *ResilientLayer) { rl.metrics = collector }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(rl *ResilientLayer) { rl.logger = logger }
}

func NewResilientLayer(layer cache.CacheLayer, breakers *breaker.Manager, config ResilientConfig, opts ...Option) *ResilientLayer {
	rl := &ResilientLayer{
		layer:    layer,
		breakers: breakers,
		key:      BreakerKey(layer.Name()),
		timeout:  config.Timeout,
	}
	for _, opt := range opts {
		opt(rl)
	}
	rl.metrics = metrics.OrNoOp(rl.metrics)
	if rl.logger == nil {
		rl.logger = logging.Global().Named("resilience").Named(layer.Name())
	}

	rl.logger.Info("resilient layer initialized",
		zap.String("layer", layer.Name()),
		zap.String("breaker", rl.key),
		zap.Duration("timeout", config.Timeout))
	return rl
}

func (rl *ResilientLayer) Name() string {
	return rl.layer.Name()
}

// miss lets a cache miss pass through the breaker as a success.
type miss struct{}

// run executes op under the layer timeout and breaker.
func (rl *ResilientLayer) run(ctx context.Context, operation string, op func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	v, err := rl.breakers.Execute(ctx, rl.key, func(ctx context.Context) (interface{}, error) {
		if rl.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, rl.timeout)
			defer cancel()
		}
		v, err := op(ctx)
		switch {
		case err == nil:
			return v, nil
		case cache.IsNotFound(err):
			return miss{}, nil
		case ctx.Err() == context.DeadlineExceeded:
			return nil, &upstream.TimeoutError{Endpoint: rl.key, Err: cache.ErrTimeout}
		}
		return nil, err
	}, nil)

	if _, isMiss := v.(miss); isMiss {
		return nil, cache.ErrKeyNotFound
	}
	if err == nil {
		return v, nil
	}

	if errors.Is(err, upstream.ErrBreakerOpen) || errors.Is(err, upstream.ErrConcurrencyExceeded) {
		rl.logger.Debug("layer call refused",
			zap.String("operation", operation),
			zap.String("reason", upstream.Kind(err)))
		return nil, fmt.Errorf("%w: %w", cache.ErrLayerUnavailable, err)
	}
	if !errors.Is(err, context.Canceled) {
		rl.logger.Warn("layer operation failed",
			zap.String("operation", operation),
			zap.String("kind", cache.ClassifyError(err)),
			zap.Error(err))
	}
	return nil, err
}

func (rl *ResilientLayer) Get(ctx context.Context, key string) (interface{}, error) {
	start := time.Now()
	v, err := rl.run(ctx, "get", func(ctx context.Context) (interface{}, error) {
		return rl.layer.Get(ctx, key)
	})
	rl.metrics.RecordGet(rl.layer.Name(), err == nil, time.Since(start))
	return v, err
}

// GetEntry uses the wrapped layer's GetEntry when it has one; otherwise the
// entry carries only the value.
func (rl *ResilientLayer) GetEntry(ctx context.Context, key string) (*cache.CacheEntry, error) {
	eg, ok := rl.layer.(cache.EntryGetter)
	if !ok {
		v, err := rl.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return &cache.CacheEntry{Key: key, Value: v}, nil
	}

	start := time.Now()
	v, err := rl.run(ctx, "get", func(ctx context.Context) (interface{}, error) {
		return eg.GetEntry(ctx, key)
	})
	rl.metrics.RecordGet(rl.layer.Name(), err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	return v.(*cache.CacheEntry), nil
}

func (rl *ResilientLayer) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return rl.SetWithOptions(ctx, key, value, cache.SetOptions{TTL: ttl})
}

func (rl *ResilientLayer) SetWithOptions(ctx context.Context, key string, value interface{}, opts cache.SetOptions) error {
	start := time.Now()
	_, err := rl.run(ctx, "set", func(ctx context.Context) (interface{}, error) {
		return nil, cache.SetWith(ctx, rl.layer, key, value, opts)
	})
	rl.metrics.RecordSet(rl.layer.Name(), err == nil, time.Since(start))
	return err
}

func (rl *ResilientLayer) Delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := rl.run(ctx, "delete", func(ctx context.Context) (interface{}, error) {
		return nil, rl.layer.Delete(ctx, key)
	})
	rl.metrics.RecordDelete(rl.layer.Name(), err == nil, time.Since(start))
	return err
}

// InvalidateTag forwards to the wrapped layer; layers without tag support
// report nothing removed.
func (rl *ResilientLayer) InvalidateTag(ctx context.Context, tag string) (int, error) {
	ti, ok := rl.layer.(cache.TagInvalidator)
	if !ok {
		return 0, nil
	}
	v, err := rl.run(ctx, "invalidate", func(ctx context.Context) (interface{}, error) {
		return ti.InvalidateTag(ctx, tag)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (rl *ResilientLayer) Close() error {
	return rl.layer.Close()
}

// Unwrap returns the protected layer.
func (rl *ResilientLayer) Unwrap() cache.CacheLayer {
	return rl.layer
}
