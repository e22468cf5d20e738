package content

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"content-core/pkg/breaker"
	"content-core/pkg/cache/adaptive"
	"content-core/pkg/cache/bloom"
	"content-core/pkg/metrics"
	"content-core/pkg/wordpress"
	"content-core/pkg/writer"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// purgeFlushTimeout bounds the wait for deferred cache writes that must land
// before a purge or a stale-result removal.
const purgeFlushTimeout = time.Second

// Purge reports what an invalidation removed.
type Purge struct {
	Tag      string `json:"tag"`
	Memoized int    `json:"memoized"`
	Cached   int    `json:"cached"`
}

// InvalidateTag drops every memoized result and cached entry carrying tag.
// The memo is always cleared; a cache layer failure is returned with the
// counts of what was removed.
func (s *Service) InvalidateTag(ctx context.Context, tag string) (Purge, error) {
	if tag == "" {
		return Purge{}, errors.New("content: empty tag")
	}
	p := Purge{Tag: tag, Memoized: s.memo.InvalidateTag(tag)}
	if err := s.cache.Flush(purgeFlushTimeout); err != nil {
		s.logger.Debug("deferred writes still pending at purge", zap.String("tag", tag), zap.Error(err))
	}
	n, err := s.cache.InvalidateTag(ctx, tag)
	p.Cached = n

	s.logger.Info("content invalidated",
		zap.String("tag", tag),
		zap.Int("memoized", p.Memoized),
		zap.Int("cached", p.Cached),
		zap.Error(err))
	return p, err
}

// InvalidatePost drops everything built from post id, including listings
// that contained it.
func (s *Service) InvalidatePost(ctx context.Context, id int) (Purge, error) {
	return s.InvalidateTag(ctx, wordpress.PostTag(id))
}

// InvalidateCategory drops the listings of a category and the posts filed
// under it.
func (s *Service) InvalidateCategory(ctx context.Context, slug string) (Purge, error) {
	return s.InvalidateTag(ctx, wordpress.CategoryTag(slug))
}

// Warm loads the latest posts and the categories of every edition. Editions
// are warmed concurrently; the first error that is not an upstream failure
// is returned.
func (s *Service) Warm(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, ed := range s.client.Editions() {
		g.Go(func() error {
			if _, err := s.LatestPosts(ctx, ed, s.config.WarmLimit); err != nil {
				return fmt.Errorf("warming %s: %w", ed, err)
			}
			if _, err := s.Categories(ctx, ed); err != nil {
				return fmt.Errorf("warming %s: %w", ed, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("cache warmed", zap.Strings("editions", s.client.Editions()))
	return nil
}

// Snapshot is the operator view of the service.
type Snapshot struct {
	Editions  []string                           `json:"editions"`
	Endpoints []breaker.EndpointSnapshot         `json:"endpoints"`
	Chain     string                             `json:"chain"`
	L1        *adaptive.Stats                    `json:"l1,omitempty"`
	Writers   map[string]writer.AsyncWriterStats `json:"writers"`
	Index     *bloom.Stats                       `json:"index,omitempty"`
	Memoized  int                                `json:"memoized"`
}

func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Editions:  s.client.Editions(),
		Endpoints: s.breakers.Snapshot(),
		Chain:     s.cache.String(),
		Writers:   s.cache.WriterStats(),
		Memoized:  s.memo.Len(),
	}
	if l1, ok := s.cache.Layers()[0].(*adaptive.Cache); ok {
		st := l1.Stats()
		snap.L1 = &st
	}
	if s.index != nil {
		st := s.index.Stats()
		snap.Index = &st
	}
	return snap
}

// Health summarizes the endpoints: the worst health class among them and
// the keys whose circuit is not closed.
type Health struct {
	Status string   `json:"status"`
	Open   []string `json:"open,omitempty"`
}

var healthRank = map[string]int{
	breaker.Healthy:   0,
	breaker.Degraded:  1,
	breaker.Unhealthy: 2,
}

func (s *Service) Health() Health {
	h := Health{Status: breaker.Healthy}
	for _, key := range s.breakers.Keys() {
		_, class := s.breakers.Health(key)
		if healthRank[class] > healthRank[h.Status] {
			h.Status = class
		}
		if s.breakers.State(key) != metrics.CircuitClosed {
			h.Open = append(h.Open, key)
		}
	}
	sort.Strings(h.Open)
	return h
}
