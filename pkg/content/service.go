// Package content is the entry point for content reads. Every call is served
// from the cache chain when possible; otherwise concurrent identical calls
// are coalesced into one GraphQL fetch with a REST fallback, and the result
// is cached under the tags of the content it contains.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"content-core/pkg/breaker"
	"content-core/pkg/cache"
	"content-core/pkg/cache/bloom"
	"content-core/pkg/chain"
	"content-core/pkg/dedupe"
	"content-core/pkg/fallback"
	"content-core/pkg/logging"
	"content-core/pkg/metrics"
	"content-core/pkg/wordpress"

	"go.uber.org/zap"
)

// ErrNotFound is returned by PostBySlug when no post has the slug.
var ErrNotFound = errors.New("content: not found")

// ReasonDegraded is the fallback reason recorded when a list call answers
// with an empty result after both transports failed.
const ReasonDegraded = "degraded"

// Config holds the service policies.
type Config struct {
	// EmptyResultTTL is the lifetime of a cached empty result or not-found
	// marker. Non-empty results get the cache's adaptive lifetime.
	EmptyResultTTL time.Duration

	// Revalidate is the memoization window of a fetch; zero uses the
	// deduplicator default.
	Revalidate time.Duration

	// DefaultLimit applies to list calls made with a limit below one.
	DefaultLimit int

	// TermLimit is how many categories or tags are listed.
	TermLimit int

	// WarmLimit is the number of latest posts fetched per edition by Warm.
	WarmLimit int
}

func DefaultConfig() Config {
	return Config{
		EmptyResultTTL: 30 * time.Second,
		DefaultLimit:   10,
		TermLimit:      wordpress.MaxPerPage,
		WarmLimit:      10,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.EmptyResultTTL <= 0 {
		c.EmptyResultTTL = def.EmptyResultTTL
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = def.DefaultLimit
	}
	if c.TermLimit <= 0 {
		c.TermLimit = def.TermLimit
	}
	if c.WarmLimit <= 0 {
		c.WarmLimit = def.WarmLimit
	}
	return c
}

// Service is safe for concurrent use. One instance serves the process.
type Service struct {
	client   *wordpress.Client
	breakers *breaker.Manager
	cache    *chain.Chain
	memo     *dedupe.Deduplicator
	keys     cache.Keyspace
	index    *bloom.EntityIndex
	config   Config

	now     func() time.Time
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.MetricsCollector) Option {
	return func(s *Service) { s.metrics = collector }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock sets the clock used to measure fetch latency.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIndex reports the tag index in snapshots.
func WithIndex(index *bloom.EntityIndex) Option {
	return func(s *Service) { s.index = index }
}

// NewService wires the service. All dependencies are required.
func NewService(client *wordpress.Client, breakers *breaker.Manager, c *chain.Chain, memo *dedupe.Deduplicator, config Config, opts ...Option) (*Service, error) {
	if client == nil || breakers == nil || c == nil || memo == nil {
		return nil, errors.New("content: client, breakers, cache and deduplicator are required")
	}

	s := &Service{
		client:   client,
		breakers: breakers,
		cache:    c,
		memo:     memo,
		keys:     cache.NewKeyspace("wp", ":"),
		config:   config.withDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = metrics.OrNoOp(s.metrics)
	if s.logger == nil {
		s.logger = logging.Global().Named("content")
	}
	return s, nil
}

// fetched is what the deduplicator memoizes: the value and the tags it was
// cached under.
type fetched[R any] struct {
	value R
	tags  []string
}

func (f fetched[R]) CacheTags() []string { return f.tags }

// request describes one cached, coalesced, fallback-protected fetch.
type request[G, R any] struct {
	operation string
	edition   string
	key       string
	// scope are tags known before the fetch, e.g. "edition:ng:posts".
	scope []string

	graphql   func(ctx context.Context) (G, error)
	normalize func(raw G) (R, bool)
	rest      func(ctx context.Context) (R, error)

	// tags returns the tags of the content in a result.
	tags func(R) []string
	// empty reports a result cached with the short empty-result lifetime.
	empty func(R) bool
}

// load serves req from the cache chain, or fetches, caches and returns it.
// A failed fetch is neither cached nor memoized.
func load[G, R any](ctx context.Context, s *Service, req request[G, R]) (R, error) {
	var zero R
	if _, ok := s.client.Edition(req.edition); !ok {
		return zero, fmt.Errorf("%w: %s", wordpress.ErrUnknownEdition, req.edition)
	}
	if err := cache.ValidateKey(req.key); err != nil {
		return zero, err
	}

	if v, err := s.cache.GetWith(ctx, req.key, decodeAs[R]); err == nil {
		if r, ok := v.(R); ok {
			return r, nil
		}
	}

	meta := dedupe.Metadata{Tags: req.scope, Revalidate: s.config.Revalidate}
	epoch := s.memo.Epoch()
	f, err := dedupe.Do(ctx, s.memo, req.key, meta, func(ctx context.Context) (fetched[R], error) {
		start := s.now()
		res, err := fallback.WithGraphQLFallback(ctx, fallback.Options[G, R]{
			Operation:    req.operation,
			FetchGraphQL: req.graphql,
			Normalize:    req.normalize,
			RESTFallback: req.rest,
			CacheTags:    req.scope,
			LogMeta:      map[string]string{"edition": req.edition, "key": req.key},
			Logger:       s.logger.Named("fallback"),
			Metrics:      s.metrics,
		})
		if err != nil {
			return fetched[R]{}, err
		}

		tags := appendUnique(append([]string(nil), req.scope...), req.tags(res.Value)...)
		opts := cache.SetOptions{Tags: tags, Latency: s.now().Sub(start)}
		if req.empty(res.Value) {
			opts.TTL = s.config.EmptyResultTTL
		}
		s.store(ctx, req.key, res.Value, opts, epoch)

		s.logger.Debug("fetched",
			zap.String("operation", req.operation),
			zap.String("edition", req.edition),
			zap.String("transport", res.Transport),
			zap.Bool("empty", req.empty(res.Value)),
			zap.Duration("latency", opts.Latency))
		return fetched[R]{value: res.Value, tags: tags}, nil
	})
	if err != nil {
		return zero, err
	}
	return f.value, nil
}

// store caches a fetched value unless an invalidation ran while it was being
// fetched. The epoch is checked again after the write: a purge that started
// before the check has bumped it, and one that started after it removes the
// entry itself. Deferred copies are flushed before removal so none lands
// afterwards.
func (s *Service) store(ctx context.Context, key string, value interface{}, opts cache.SetOptions, epoch uint64) {
	if s.memo.Epoch() != epoch {
		s.logger.Debug("invalidated while fetching, not cached", zap.String("key", key))
		return
	}
	if err := s.cache.SetWithOptions(ctx, key, value, opts); err != nil {
		s.logger.Warn("result not cached",
			zap.String("key", key),
			zap.String("kind", cache.ClassifyError(err)),
			zap.Error(err))
		return
	}
	if s.memo.Epoch() != epoch {
		s.cache.Flush(purgeFlushTimeout)
		if err := s.cache.Delete(ctx, key); err != nil {
			s.logger.Warn("stale result not removed", zap.String("key", key), zap.Error(err))
		}
	}
}

// decodeAs converts a cached value into R. In-process layers hold R itself;
// shared layers hold its JSON encoding.
func decodeAs[R any](v interface{}) (interface{}, error) {
	var raw []byte
	switch x := v.(type) {
	case R:
		return x, nil
	case json.RawMessage:
		raw = x
	case []byte:
		raw = x
	default:
		return nil, fmt.Errorf("content: unexpected cached type %T", v)
	}

	var out R
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("content: decoding cached value: %w", err)
	}
	return out, nil
}

// degrade applies the list policy: a final upstream failure becomes an empty
// list. Caller mistakes and cancellation still surface.
func degrade[T any](ctx context.Context, s *Service, operation, edition string, v []T, err error) ([]T, error) {
	if err == nil {
		return v, nil
	}
	if errors.Is(err, wordpress.ErrUnknownEdition) || errors.Is(err, cache.ErrInvalidKey) || ctx.Err() != nil {
		return nil, err
	}

	var f *fallback.Failure
	kind := "unknown"
	if errors.As(err, &f) {
		kind = f.Kind
	}
	s.logger.Warn("serving empty result after upstream failure",
		zap.String("operation", operation),
		zap.String("edition", edition),
		zap.String("kind", kind),
		zap.Error(err))
	s.metrics.RecordFallback(ReasonDegraded)
	return []T{}, nil
}

func appendUnique(dst []string, tags ...string) []string {
	seen := make(map[string]struct{}, len(dst)+len(tags))
	for _, t := range dst {
		seen[t] = struct{}{}
	}
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		dst = append(dst, t)
	}
	return dst
}

func (s *Service) limit(limit int) int {
	if limit < 1 {
		limit = s.config.DefaultLimit
	}
	return wordpress.ClampLimit(limit)
}
