package dedupe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"content-core/pkg/metrics/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
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

func TestDeduplicator_ConcurrentCallsShareOneProducer(t *testing.T) {
	collector := memory.NewMemoryCollector()
	d := New(DefaultConfig(), WithMetrics(collector))
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		<-release
		return "posts", nil
	}

	const callers = 5
	var wg sync.WaitGroup
	results := make([]interface{}, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = d.Do(ctx, "latest:ng", Metadata{}, producer)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 producer call, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil || results[i] != "posts" {
			t.Errorf("caller %d got %v, %v", i, results[i], errs[i])
		}
	}

	snap := collector.Snapshot()
	if snap.DedupeShared+snap.DedupeLeaders != callers {
		t.Errorf("expected %d dedupe records, got %+v", callers, snap)
	}
}

func TestDeduplicator_ConcurrentCallsShareOneFailure(t *testing.T) {
	d := New(DefaultConfig())
	ctx := context.Background()
	boom := errors.New("upstream exploded")

	var calls atomic.Int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		<-release
		return nil, boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.Do(ctx, "k", Metadata{}, producer)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 producer call, got %d", got)
	}
	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Errorf("caller %d: expected shared failure, got %v", i, err)
		}
	}
}

func TestDeduplicator_FailuresAreNotMemoized(t *testing.T) {
	d := New(DefaultConfig())
	ctx := context.Background()

	var calls atomic.Int32
	producer := func(ctx context.Context) (interface{}, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("invalid payload")
		}
		return "fresh", nil
	}

	if _, err := d.Do(ctx, "k", Metadata{}, producer); err == nil {
		t.Fatal("expected first call to fail")
	}
	v, err := d.Do(ctx, "k", Metadata{}, producer)
	if err != nil || v != "fresh" {
		t.Fatalf("expected a fresh attempt, got %v, %v", v, err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 producer calls, got %d", calls.Load())
	}
	if d.Len() != 1 {
		t.Errorf("expected only the success to be memoized, got %d entries", d.Len())
	}
}

func TestDeduplicator_MemoWindow(t *testing.T) {
	clock := newFakeClock()
	d := New(Config{DefaultTTL: 30 * time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	var calls atomic.Int32
	producer := func(ctx context.Context) (interface{}, error) {
		return int(calls.Add(1)), nil
	}

	d.Do(ctx, "k", Metadata{}, producer)
	clock.Advance(29 * time.Second)
	if v, _ := d.Do(ctx, "k", Metadata{}, producer); v != 1 {
		t.Errorf("expected memoized 1 inside the window, got %v", v)
	}

	clock.Advance(2 * time.Second)
	if v, _ := d.Do(ctx, "k", Metadata{}, producer); v != 2 {
		t.Errorf("expected a fresh 2 after the window, got %v", v)
	}
}

func TestDeduplicator_RevalidateSetsWindow(t *testing.T) {
	clock := newFakeClock()
	d := New(Config{DefaultTTL: time.Second, MaxTTL: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()
	meta := Metadata{Revalidate: 10 * time.Second}

	var calls atomic.Int32
	producer := func(ctx context.Context) (interface{}, error) {
		return int(calls.Add(1)), nil
	}

	d.Do(ctx, "k", meta, producer)
	clock.Advance(5 * time.Second)
	d.Do(ctx, "k", meta, producer)
	if calls.Load() != 1 {
		t.Errorf("revalidate hint should extend the window, got %d calls", calls.Load())
	}
}

func TestDeduplicator_MetadataSeparatesResults(t *testing.T) {
	d := New(DefaultConfig())
	ctx := context.Background()

	var calls atomic.Int32
	producer := func(ctx context.Context) (interface{}, error) {
		return int(calls.Add(1)), nil
	}

	d.Do(ctx, "k", Metadata{Tags: []string{"edition:ng", "posts"}}, producer)
	d.Do(ctx, "k", Metadata{Tags: []string{"posts", "edition:ng", "posts"}}, producer)
	if calls.Load() != 1 {
		t.Errorf("tag order and duplicates must not matter, got %d calls", calls.Load())
	}

	d.Do(ctx, "k", Metadata{Tags: []string{"edition:ng", "posts"}, Revalidate: time.Minute}, producer)
	if calls.Load() != 2 {
		t.Errorf("a different revalidate must not share a result, got %d calls", calls.Load())
	}

	d.Do(ctx, "k", Metadata{Tags: []string{"edition:sz"}}, producer)
	if calls.Load() != 3 {
		t.Errorf("different tags must not share a result, got %d calls", calls.Load())
	}

	d.Do(ctx, "k", Metadata{Revalidate: time.Second}, producer)
	d.Do(ctx, "k", Metadata{Revalidate: 1500 * time.Millisecond}, producer)
	if calls.Load() != 5 {
		t.Errorf("sub-second revalidate differences must not share a result, got %d calls", calls.Load())
	}
}

func TestDeduplicator_InvalidateTag(t *testing.T) {
	d := New(DefaultConfig())
	ctx := context.Background()

	var calls atomic.Int32
	producer := func(ctx context.Context) (interface{}, error) {
		return int(calls.Add(1)), nil
	}

	meta := Metadata{Tags: []string{"post:42"}}
	d.Do(ctx, "k", meta, producer)
	d.Do(ctx, "other", Metadata{Tags: []string{"post:7"}}, producer)

	if n := d.InvalidateTag("post:42"); n != 1 {
		t.Errorf("expected 1 entry dropped, got %d", n)
	}
	d.Do(ctx, "k", meta, producer)
	if calls.Load() != 3 {
		t.Errorf("expected a refetch after invalidation, got %d calls", calls.Load())
	}
}

func TestDeduplicator_InvalidateDuringFlightIsNotMemoized(t *testing.T) {
	d := New(DefaultConfig())
	ctx := context.Background()

	var calls atomic.Int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	producer := func(ctx context.Context) (interface{}, error) {
		n := calls.Add(1)
		started <- struct{}{}
		if n == 1 {
			<-release
			return "old-content", nil
		}
		return "new-content", nil
	}
	meta := Metadata{Tags: []string{"post:1"}}

	done := make(chan interface{}, 1)
	go func() {
		v, _ := d.Do(ctx, "k", meta, producer)
		done <- v
	}()
	<-started

	if n := d.InvalidateTag("post:1"); n != 0 {
		t.Errorf("nothing was memoized yet, dropped %d", n)
	}
	if v, err := d.Do(ctx, "k", meta, producer); err != nil || v != "new-content" {
		t.Errorf("a call after the invalidation must not join the older one, got %v, %v", v, err)
	}

	close(release)
	if v := <-done; v != "old-content" {
		t.Errorf("the waiting caller should still get its answer, got %v", v)
	}
	if v, _ := d.Do(ctx, "k", meta, producer); v != "new-content" {
		t.Errorf("expected the post-invalidation result to be memoized, got %v", v)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 producer calls, got %d", calls.Load())
	}
	if d.Epoch() != 1 {
		t.Errorf("expected epoch 1, got %d", d.Epoch())
	}
}

type taggedResult []string

func (r taggedResult) CacheTags() []string { return r }

func TestDeduplicator_InvalidateTagReachesResultTags(t *testing.T) {
	d := New(DefaultConfig())
	ctx := context.Background()

	var calls atomic.Int32
	producer := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return taggedResult{"post:1", "category:news"}, nil
	}

	meta := Metadata{Tags: []string{"edition:ng:posts"}}
	d.Do(ctx, "latest", meta, producer)

	if n := d.InvalidateTag("category:news"); n != 1 {
		t.Errorf("expected the result tag to match, dropped %d", n)
	}
	d.Do(ctx, "latest", meta, producer)
	if calls.Load() != 2 {
		t.Errorf("expected a refetch, got %d calls", calls.Load())
	}
}

func TestDeduplicator_CallerCancellationDoesNotAbortProducer(t *testing.T) {
	d := New(DefaultConfig())

	release := make(chan struct{})
	var producerCtxErr atomic.Value
	producer := func(ctx context.Context) (interface{}, error) {
		<-release
		if err := ctx.Err(); err != nil {
			producerCtxErr.Store(err)
		}
		return "done", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := d.Do(ctx, "k", Metadata{}, producer)
		firstErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	second := make(chan interface{}, 1)
	go func() {
		v, _ := d.Do(context.Background(), "k", Metadata{}, producer)
		second <- v
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("canceled caller should stop waiting, got %v", err)
	}

	close(release)
	if v := <-second; v != "done" {
		t.Errorf("joined caller should still get the result, got %v", v)
	}
	if producerCtxErr.Load() != nil {
		t.Error("producer context must not be canceled by the first caller")
	}
}

func TestDo_Typed(t *testing.T) {
	d := New(DefaultConfig())

	got, err := Do(context.Background(), d, "k", Metadata{}, func(ctx context.Context) ([]string, error) {
		return []string{"a", "b"}, nil
	})
	if err != nil || len(got) != 2 {
		t.Fatalf("unexpected result %v, %v", got, err)
	}
}

func TestRequestKey(t *testing.T) {
	a := RequestKey("query Posts", `{"first":10}`)
	b := RequestKey("query Posts", `{"first":10}`)
	c := RequestKey("query Posts{\"first\":10}")
	if a != b {
		t.Error("identical parts must hash identically")
	}
	if a == c {
		t.Error("part boundaries must affect the key")
	}
}
