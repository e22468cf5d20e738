// Package mock provides a scriptable cache layer for tests.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"content-core/pkg/cache"
)

// MockLayer implements cache.CacheLayer, cache.OptionSetter and
// cache.TagInvalidator. Nil hooks succeed with zero values.
type MockLayer struct {
	GetFunc            func(ctx context.Context, key string) (interface{}, error)
	SetFunc            func(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	SetWithOptionsFunc func(ctx context.Context, key string, value interface{}, opts cache.SetOptions) error
	DeleteFunc         func(ctx context.Context, key string) error
	InvalidateTagFunc  func(ctx context.Context, tag string) (int, error)
	NameFunc           func() string
	CloseFunc          func() error

	getCalls        int64
	setCalls        int64
	deleteCalls     int64
	invalidateCalls int64
	closeCalls      int64
}

func (m *MockLayer) Get(ctx context.Context, key string) (interface{}, error) {
	atomic.AddInt64(&m.getCalls, 1)
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return nil, nil
}

func (m *MockLayer) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	atomic.AddInt64(&m.setCalls, 1)
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value, ttl)
	}
	return nil
}

// SetWithOptions counts as a Set call. Without its own hook it falls back to
// SetFunc with opts.TTL.
func (m *MockLayer) SetWithOptions(ctx context.Context, key string, value interface{}, opts cache.SetOptions) error {
	if m.SetWithOptionsFunc != nil {
		atomic.AddInt64(&m.setCalls, 1)
		return m.SetWithOptionsFunc(ctx, key, value, opts)
	}
	return m.Set(ctx, key, value, opts.TTL)
}

func (m *MockLayer) Delete(ctx context.Context, key string) error {
	atomic.AddInt64(&m.deleteCalls, 1)
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, key)
	}
	return nil
}

func (m *MockLayer) InvalidateTag(ctx context.Context, tag string) (int, error) {
	atomic.AddInt64(&m.invalidateCalls, 1)
	if m.InvalidateTagFunc != nil {
		return m.InvalidateTagFunc(ctx, tag)
	}
	return 0, nil
}

func (m *MockLayer) Name() string {
	if m.NameFunc != nil {
		return m.NameFunc()
	}
	return "mock"
}

func (m *MockLayer) Close() error {
	atomic.AddInt64(&m.closeCalls, 1)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockLayer) GetCalls() int { return int(atomic.LoadInt64(&m.getCalls)) }
func (m *MockLayer) SetCalls() int { return int(atomic.LoadInt64(&m.setCalls)) }
func (m *MockLayer) DeleteCalls() int { return int(atomic.LoadInt64(&m.deleteCalls)) }
func (m *MockLayer) InvalidateCalls() int { return int(atomic.LoadInt64(&m.invalidateCalls)) }
func (m *MockLayer) CloseCalls() int { return int(atomic.LoadInt64(&m.closeCalls)) }

// NewMockLayer returns a layer whose operations all succeed.
func NewMockLayer(name string) *MockLayer {
	return &MockLayer{
		NameFunc: func() string { return name },
	}
}

// NewMissingLayer returns a layer that misses every Get.
func NewMissingLayer(name string) *MockLayer {
	return &MockLayer{
		NameFunc: func() string { return name },
		GetFunc: func(ctx context.Context, key string) (interface{}, error) {
			return nil, cache.ErrKeyNotFound
		},
	}
}
