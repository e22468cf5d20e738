package adaptive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"content-core/pkg/cache"
	"content-core/pkg/metrics/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, cfg Config, clock *fakeClock, opts ...Option) *Cache {
	t.Helper()
	cfg.CleanupInterval = -1
	c := New(cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c
}

func noon() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestCache_TTLBoundary(t *testing.T) {
	clock := noon()
	c := newTestCache(t, Config{}, clock)
	ctx := context.Background()

	if err := c.Set(ctx, "post:1", "hello", 10*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	clock.Advance(10*time.Second - time.Millisecond)
	if v, err := c.Get(ctx, "post:1"); err != nil || v != "hello" {
		t.Fatalf("expected hit just before expiry, got %v, %v", v, err)
	}

	clock.Advance(2 * time.Millisecond)
	if _, err := c.Get(ctx, "post:1"); !cache.IsNotFound(err) {
		t.Fatalf("expected miss just after expiry, got %v", err)
	}
	if c.Stats().Entries != 0 {
		t.Error("expired entry should be removed on access")
	}
}

func TestCache_ExplicitTTLCapped(t *testing.T) {
	clock := noon()
	c := newTestCache(t, Config{}, clock)
	ctx := context.Background()

	c.Set(ctx, "k", "v", 24*time.Hour)
	clock.Advance(time.Hour)
	if _, err := c.Get(ctx, "k"); !cache.IsNotFound(err) {
		t.Errorf("TTL above one hour should be capped, got %v", err)
	}
}

func TestCache_TTLCeilingWithoutPolicyMax(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)}
	c := newTestCache(t, Config{TTL: TTLPolicy{Base: 2 * time.Hour}}, clock)
	ctx := context.Background()

	c.Set(ctx, "adaptive", "v", 0)
	c.Set(ctx, "explicit", "v", 3*time.Hour)

	clock.Advance(time.Hour - time.Second)
	for _, key := range []string{"adaptive", "explicit"} {
		if _, err := c.Get(ctx, key); err != nil {
			t.Fatalf("%s: expected hit before one hour, got %v", key, err)
		}
	}

	clock.Advance(30 * time.Minute)
	for _, key := range []string{"adaptive", "explicit"} {
		if _, err := c.Get(ctx, key); !cache.IsNotFound(err) {
			t.Errorf("%s: entry still served 90m after set, got %v", key, err)
		}
	}
}

func TestCache_AdaptiveTTLWhenUnset(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)}
	c := newTestCache(t, Config{}, clock)
	ctx := context.Background()

	// Night doubles the five minute base.
	c.Set(ctx, "k", "v", 0)
	clock.Advance(9 * time.Minute)
	if _, err := c.Get(ctx, "k"); err != nil {
		t.Fatalf("expected night TTL of 10m, missed at 9m: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := c.Get(ctx, "k"); !cache.IsNotFound(err) {
		t.Errorf("expected expiry after 10m, got %v", err)
	}
}

func TestCache_EvictionBounds(t *testing.T) {
	clock := noon()
	cfg := Config{MaxBytes: 1000, MaxEntries: 10}
	c := newTestCache(t, cfg, clock)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		size := 50 + (i*37)%150
		value := strings.Repeat("x", size)
		if err := c.Set(ctx, fmt.Sprintf("k%d", i), value, 0); err != nil {
			t.Fatalf("Set %d failed: %v", i, err)
		}
		clock.Advance(time.Second)

		s := c.Stats()
		if s.Bytes > cfg.MaxBytes {
			t.Fatalf("after set %d: %d bytes exceeds limit %d", i, s.Bytes, cfg.MaxBytes)
		}
		if s.Entries > cfg.MaxEntries {
			t.Fatalf("after set %d: %d entries exceeds limit %d", i, s.Entries, cfg.MaxEntries)
		}
	}

	if c.Stats().Evictions == 0 {
		t.Error("expected evictions to have happened")
	}
}

func TestCache_EvictionHysteresis(t *testing.T) {
	clock := noon()
	collector := memory.NewMemoryCollector()
	c := newTestCache(t, Config{MaxEntries: 10}, clock, WithMetrics(collector))
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		c.Set(ctx, fmt.Sprintf("k%d", i), "v", time.Minute)
	}

	if got := c.Stats().Entries; got != 8 {
		t.Errorf("expected eviction down to 80%% (8 entries), got %d", got)
	}
	if got := collector.Snapshot().LayerMetrics["L1"].Evictions; got != 3 {
		t.Errorf("expected 3 evictions recorded, got %d", got)
	}
}

func TestCache_EvictionKeepsPopularEntries(t *testing.T) {
	clock := noon()
	c := newTestCache(t, Config{MaxEntries: 5}, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.Set(ctx, fmt.Sprintf("k%d", i), "v", 10*time.Minute)
	}
	clock.Advance(time.Minute)
	for i := 0; i < 5; i++ {
		c.Get(ctx, "k0")
	}

	c.Set(ctx, "new", "v", 10*time.Minute)

	if _, err := c.Get(ctx, "k0"); err != nil {
		t.Errorf("frequently read entry should survive eviction: %v", err)
	}
	if _, err := c.Get(ctx, "new"); err != nil {
		t.Errorf("entry just written should survive eviction: %v", err)
	}
}

func TestCache_RejectsOversizedEntry(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 100}, noon())

	err := c.Set(context.Background(), "big", strings.Repeat("x", 101), 0)
	if !errors.Is(err, cache.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
}

func TestCache_Invalidate(t *testing.T) {
	c := newTestCache(t, Config{}, noon())
	ctx := context.Background()

	c.Set(ctx, "posts:ng:latest", "a", time.Minute)
	c.Set(ctx, "post:ng:42", "b", time.Minute)
	c.Set(ctx, "post:sz:42", "c", time.Minute)
	c.Set(ctx, "post:ng:7", "d", time.Minute)

	n := c.Invalidate(func(key string) bool { return strings.HasSuffix(key, ":42") })
	if n != 2 {
		t.Errorf("expected 2 entries invalidated, got %d", n)
	}
	if _, err := c.Get(ctx, "post:ng:7"); err != nil {
		t.Errorf("unrelated entry should survive: %v", err)
	}
}

func TestCache_InvalidateTag(t *testing.T) {
	c := newTestCache(t, Config{}, noon())
	ctx := context.Background()

	c.SetWithOptions(ctx, "latest:ng", "a", cache.SetOptions{Tags: []string{"edition:ng:posts", "post:1", "post:2"}})
	c.SetWithOptions(ctx, "slug:ng:hello", "b", cache.SetOptions{Tags: []string{"post:1"}})
	c.SetWithOptions(ctx, "latest:sz", "c", cache.SetOptions{Tags: []string{"edition:sz:posts"}})

	n, err := c.InvalidateTag(ctx, "post:1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 entries dropped, got %d, %v", n, err)
	}
	if _, err := c.Get(ctx, "latest:sz"); err != nil {
		t.Errorf("untagged entry should survive: %v", err)
	}
	if got := c.Stats().Invalidations; got != 2 {
		t.Errorf("expected 2 invalidations, got %d", got)
	}
}

func TestCache_Stats(t *testing.T) {
	c := newTestCache(t, Config{}, noon())
	ctx := context.Background()

	c.SetWithOptions(ctx, "a", "v", cache.SetOptions{Size: 100})
	c.SetWithOptions(ctx, "b", "v", cache.SetOptions{Size: 300})
	c.Get(ctx, "a")
	c.Get(ctx, "a")
	c.Get(ctx, "a")
	c.Get(ctx, "missing")

	s := c.Stats()
	if s.Entries != 2 || s.Bytes != 400 {
		t.Errorf("unexpected size stats: %+v", s)
	}
	if s.AvgEntrySize != 200 {
		t.Errorf("expected average size 200, got %v", s.AvgEntrySize)
	}
	if s.HitRate != 0.75 {
		t.Errorf("expected hit rate 0.75, got %v", s.HitRate)
	}
}

func TestCache_OverwriteAdjustsSize(t *testing.T) {
	c := newTestCache(t, Config{}, noon())
	ctx := context.Background()

	c.Set(ctx, "k", strings.Repeat("x", 100), time.Minute)
	c.Set(ctx, "k", strings.Repeat("x", 40), time.Minute)

	if s := c.Stats(); s.Bytes != 40 || s.Entries != 1 {
		t.Errorf("expected 40 bytes in 1 entry, got %+v", s)
	}
}

func TestCache_InvalidKey(t *testing.T) {
	c := newTestCache(t, Config{}, noon())
	if _, err := c.Get(context.Background(), ""); !errors.Is(err, cache.ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New(Config{CleanupInterval: 10 * time.Millisecond})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

type sized struct{ n int64 }

func (s sized) Size() int64 { return s.n }

func TestEstimateSize(t *testing.T) {
	if got := EstimateSize("abcd"); got != 4 {
		t.Errorf("string size = %d", got)
	}
	if got := EstimateSize(sized{n: 999}); got != 999 {
		t.Errorf("Sizer size = %d", got)
	}
	if got := EstimateSize([]int{1, 2, 3}); got != int64(len("[1,2,3]")) {
		t.Errorf("JSON size = %d", got)
	}
}
