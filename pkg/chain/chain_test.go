package chain

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"content-core/pkg/breaker"
	"content-core/pkg/cache"
	"content-core/pkg/cache/adaptive"
	"content-core/pkg/cache/bloom"
	"content-core/pkg/cache/mock"
	"content-core/pkg/metrics/memory"
	"content-core/pkg/resilience"
)

// entryLayer is a mock layer that also serves entries with metadata.
type entryLayer struct {
	*mock.MockLayer
	entry *cache.CacheEntry
}

func (l *entryLayer) GetEntry(ctx context.Context, key string) (*cache.CacheEntry, error) {
	if l.entry == nil || l.entry.Key != key {
		return nil, cache.ErrKeyNotFound
	}
	return l.entry, nil
}

// optsRecorder captures the options of every write to a mock layer.
type optsRecorder struct {
	mu     sync.Mutex
	opts   map[string]cache.SetOptions
	values map[string]interface{}
}

func recordWrites(layer *mock.MockLayer) *optsRecorder {
	r := &optsRecorder{opts: map[string]cache.SetOptions{}, values: map[string]interface{}{}}
	layer.SetWithOptionsFunc = func(ctx context.Context, key string, value interface{}, opts cache.SetOptions) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.opts[key] = opts
		r.values[key] = value
		return nil
	}
	return r
}

func (r *optsRecorder) get(key string) (cache.SetOptions, interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[key]
	return r.opts[key], v, ok
}

func newAdaptive(t *testing.T, name string) *adaptive.Cache {
	t.Helper()
	config := adaptive.DefaultConfig()
	config.Name = name
	config.CleanupInterval = -1
	c := adaptive.New(config)
	t.Cleanup(func() { c.Close() })
	return c
}

func newChain(t *testing.T, layers []cache.CacheLayer, opts ...Option) *Chain {
	t.Helper()
	c, err := New(layers, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		layers  []cache.CacheLayer
		wantErr bool
		want    string
	}{
		{name: "empty layers", layers: nil, wantErr: true},
		{name: "single layer", layers: []cache.CacheLayer{mock.NewMockLayer("L1")}, want: "L1"},
		{
			name:   "two layers",
			layers: []cache.CacheLayer{mock.NewMockLayer("L1"), mock.NewMockLayer("L2")},
			want:   "L1 -> L2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.layers)
			if tt.wantErr {
				if err == nil {
					t.Error("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer c.Close()

			if c.Len() != len(tt.layers) || c.String() != tt.want {
				t.Errorf("got %d layers %q, want %d %q", c.Len(), c.String(), len(tt.layers), tt.want)
			}
		})
	}
}

func TestChain_GetFallsThroughAndWarmsL1(t *testing.T) {
	l1, l2 := newAdaptive(t, "L1"), newAdaptive(t, "L2")
	collector := memory.NewMemoryCollector()
	c := newChain(t, []cache.CacheLayer{l1, l2}, WithMetrics(collector))
	ctx := context.Background()

	l2.Set(ctx, "ng:latest", "posts", time.Minute)

	v, err := c.Get(ctx, "ng:latest")
	if err != nil || v != "posts" {
		t.Fatalf("Get = %v, %v", v, err)
	}
	if v, err := l1.Get(ctx, "ng:latest"); err != nil || v != "posts" {
		t.Errorf("L1 should be warmed synchronously, got %v, %v", v, err)
	}

	c.Get(ctx, "ng:latest")
	snap := collector.Snapshot()
	if snap.ChainHitsByLayer[1] != 1 || snap.ChainHitsByLayer[0] != 1 {
		t.Errorf("unexpected hits by layer %v", snap.ChainHitsByLayer)
	}
}

func TestChain_WarmKeepsTagsAndRemainingLifetime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l1 := mock.NewMissingLayer("L1")
	rec := recordWrites(l1)
	l2 := &entryLayer{MockLayer: mock.NewMissingLayer("L2"), entry: &cache.CacheEntry{
		Key:       "ng:post:hello",
		Value:     "post",
		Tags:      []string{"post:7"},
		ExpiresAt: now.Add(30 * time.Second),
	}}

	tests := []struct {
		name     string
		strategy TTLStrategy
		want     time.Duration
	}{
		{"uniform", UniformTTLStrategy{}, 30 * time.Second},
		{"decaying", DecayingTTLStrategy{DecayFactor: 0.5}, 15 * time.Second},
		{"custom capped by remaining", CustomTTLStrategy{TTLs: []time.Duration{time.Hour}}, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newChain(t, []cache.CacheLayer{l1, l2},
				WithTTLStrategy(tt.strategy),
				WithClock(func() time.Time { return now }))

			if _, err := c.Get(context.Background(), "ng:post:hello"); err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			opts, _, ok := rec.get("ng:post:hello")
			if !ok {
				t.Fatal("L1 was not warmed")
			}
			if opts.TTL != tt.want {
				t.Errorf("expected ttl %v, got %v", tt.want, opts.TTL)
			}
			if len(opts.Tags) != 1 || opts.Tags[0] != "post:7" {
				t.Errorf("tags not carried upward: %v", opts.Tags)
			}
		})
	}
}

func TestChain_GetWithConvert(t *testing.T) {
	type post struct {
		ID int `json:"id"`
	}
	decode := func(v interface{}) (interface{}, error) {
		raw, ok := v.(json.RawMessage)
		if !ok {
			return nil, errors.New("not json")
		}
		var p post
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	}

	l1 := mock.NewMissingLayer("L1")
	rec := recordWrites(l1)
	l2 := mock.NewMockLayer("L2")
	l2.GetFunc = func(ctx context.Context, key string) (interface{}, error) {
		if key == "good" {
			return json.RawMessage(`{"id":1}`), nil
		}
		return json.RawMessage(`{broken`), nil
	}
	c := newChain(t, []cache.CacheLayer{l1, l2})
	ctx := context.Background()

	v, err := c.GetWith(ctx, "good", decode)
	if err != nil || v != (post{ID: 1}) {
		t.Fatalf("GetWith = %v, %v", v, err)
	}
	if _, warmed, _ := rec.get("good"); warmed != (post{ID: 1}) {
		t.Errorf("L1 should hold the converted value, got %#v", warmed)
	}

	if _, err := c.GetWith(ctx, "bad", decode); !cache.IsNotFound(err) {
		t.Errorf("unreadable entry should be a miss, got %v", err)
	}
	if l2.DeleteCalls() != 1 {
		t.Errorf("unreadable entry should be deleted, got %d deletes", l2.DeleteCalls())
	}
}

func TestChain_MissAndLayerErrors(t *testing.T) {
	broken := mock.NewMockLayer("L1")
	broken.GetFunc = func(ctx context.Context, key string) (interface{}, error) {
		return nil, errors.New("backend down")
	}
	collector := memory.NewMemoryCollector()
	c := newChain(t, []cache.CacheLayer{broken, mock.NewMissingLayer("L2")}, WithMetrics(collector))

	if _, err := c.Get(context.Background(), "k"); !errors.Is(err, cache.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
	if got := collector.Snapshot().ChainMisses; got != 1 {
		t.Errorf("expected 1 chain miss, got %d", got)
	}
}

func TestChain_SetWritesL1ThenQueuesDeeper(t *testing.T) {
	l1 := newAdaptive(t, "L1")
	l2 := mock.NewMockLayer("L2")
	rec := recordWrites(l2)
	c := newChain(t, []cache.CacheLayer{l1, l2})
	ctx := context.Background()

	opts := cache.SetOptions{TTL: time.Minute, Tags: []string{"post:1", "category:news"}}
	if err := c.SetWithOptions(ctx, "ng:latest", "posts", opts); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if v, err := l1.Get(ctx, "ng:latest"); err != nil || v != "posts" {
		t.Errorf("L1 should be written before Set returns, got %v, %v", v, err)
	}

	if err := c.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	got, v, ok := rec.get("ng:latest")
	if !ok || v != "posts" || got.TTL != time.Minute || len(got.Tags) != 2 {
		t.Errorf("deeper write = %+v, %v, %v", got, v, ok)
	}
}

func TestChain_SetReturnsL1Error(t *testing.T) {
	c := newChain(t, []cache.CacheLayer{newAdaptive(t, "L1")})
	if err := c.Set(context.Background(), "k", nil, time.Minute); !errors.Is(err, cache.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
}

func TestChain_InvalidateTagUsesIndexForL1(t *testing.T) {
	l1 := mock.NewMockLayer("L1")
	l1.InvalidateTagFunc = func(ctx context.Context, tag string) (int, error) { return 1, nil }
	l2 := mock.NewMockLayer("L2")
	l2.InvalidateTagFunc = func(ctx context.Context, tag string) (int, error) { return 2, nil }

	index := bloom.NewEntityIndex(1000, 0.001)
	c := newChain(t, []cache.CacheLayer{l1, l2}, WithIndex(index))
	ctx := context.Background()

	c.SetWithOptions(ctx, "ng:post:a", "a", cache.SetOptions{Tags: []string{"post:1"}})

	n, err := c.InvalidateTag(ctx, "post:1")
	if err != nil || n != 3 {
		t.Errorf("InvalidateTag(post:1) = %d, %v", n, err)
	}
	if l1.InvalidateCalls() != 1 {
		t.Errorf("L1 should be scanned for a known tag, got %d calls", l1.InvalidateCalls())
	}

	n, err = c.InvalidateTag(ctx, "post:unseen")
	if err != nil || n != 2 {
		t.Errorf("InvalidateTag(post:unseen) = %d, %v", n, err)
	}
	if l1.InvalidateCalls() != 1 {
		t.Errorf("L1 should be skipped for an unseen tag, got %d calls", l1.InvalidateCalls())
	}
	if l2.InvalidateCalls() != 2 {
		t.Errorf("shared layer must always be invalidated, got %d calls", l2.InvalidateCalls())
	}
}

func TestChain_InvalidateTagJoinsErrors(t *testing.T) {
	boom := errors.New("redis: connection refused")
	l2 := mock.NewMockLayer("L2")
	l2.InvalidateTagFunc = func(ctx context.Context, tag string) (int, error) { return 0, boom }
	l1 := mock.NewMockLayer("L1")
	l1.InvalidateTagFunc = func(ctx context.Context, tag string) (int, error) { return 4, nil }

	c := newChain(t, []cache.CacheLayer{l1, l2})
	n, err := c.InvalidateTag(context.Background(), "category:news")
	if n != 4 || !errors.Is(err, boom) {
		t.Errorf("InvalidateTag = %d, %v", n, err)
	}
}

func TestChain_DeleteAndClose(t *testing.T) {
	boom := errors.New("boom")
	l1 := mock.NewMockLayer("L1")
	l2 := mock.NewMockLayer("L2")
	l2.DeleteFunc = func(ctx context.Context, key string) error { return boom }

	c, err := New([]cache.CacheLayer{l1, l2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := c.Delete(context.Background(), "k"); !errors.Is(err, boom) {
		t.Errorf("expected joined delete error, got %v", err)
	}
	if l1.DeleteCalls() != 1 || l2.DeleteCalls() != 1 {
		t.Errorf("every layer should see the delete")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if l1.CloseCalls() != 1 || l2.CloseCalls() != 1 {
		t.Errorf("every layer should be closed")
	}
}

func TestChain_WithBreakersWrapsDeeperLayers(t *testing.T) {
	breakers := breaker.NewManager(breaker.DefaultConfig())
	c := newChain(t, []cache.CacheLayer{newAdaptive(t, "L1"), newAdaptive(t, "L2")},
		WithBreakers(breakers, resilience.DefaultResilientConfig()))

	layers := c.Layers()
	if _, ok := layers[0].(*resilience.ResilientLayer); ok {
		t.Error("L1 should not be wrapped")
	}
	if _, ok := layers[1].(*resilience.ResilientLayer); !ok {
		t.Errorf("L2 should be wrapped, got %T", layers[1])
	}
	if _, ok := c.WriterStats()["L2"]; !ok {
		t.Error("expected writer stats for L2")
	}
}
