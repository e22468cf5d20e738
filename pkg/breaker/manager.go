// Package breaker keeps one circuit breaker per upstream endpoint key, with a
// per-key concurrency cap, adaptive trip thresholds and health scoring.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"content-core/pkg/logging"
	"content-core/pkg/metrics"
	"content-core/pkg/upstream"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config holds the defaults every endpoint starts from.
type Config struct {
	// MaxConcurrency caps in-flight calls per key. Calls beyond it fail
	// immediately with upstream.ErrConcurrencyExceeded.
	MaxConcurrency int

	// ErrorThresholdPercentage is the failure share that opens the circuit.
	ErrorThresholdPercentage float64

	// ResetTimeout is how long a circuit stays open before a trial call.
	ResetTimeout time.Duration

	// VolumeThreshold is the minimum number of calls in the rolling window
	// before the error share is evaluated.
	VolumeThreshold uint32

	// RollingWindow clears the closed-state counts periodically.
	RollingWindow time.Duration

	// ProfileTTL is how long a derived Profile is reused.
	ProfileTTL time.Duration

	// OptimizeInterval is the period of the Run loop.
	OptimizeInterval time.Duration

	// OptimizeMinRequests is the lifetime volume a key needs before the
	// optimizer touches it.
	OptimizeMinRequests uint64

	// Concurrency overrides MaxConcurrency for specific keys.
	Concurrency map[string]int

	// OnStateChange is invoked synchronously on every transition. It must
	// not call back into the Manager.
	OnStateChange func(key string, from, to metrics.CircuitState)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:           5,
		ErrorThresholdPercentage: 50,
		ResetTimeout:             30 * time.Second,
		VolumeThreshold:          10,
		RollingWindow:            time.Minute,
		ProfileTTL:               5 * time.Minute,
		OptimizeInterval:         5 * time.Minute,
		OptimizeMinRequests:      10,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.ErrorThresholdPercentage <= 0 {
		c.ErrorThresholdPercentage = def.ErrorThresholdPercentage
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.VolumeThreshold == 0 {
		c.VolumeThreshold = def.VolumeThreshold
	}
	if c.RollingWindow < 0 {
		c.RollingWindow = 0
	}
	if c.ProfileTTL <= 0 {
		c.ProfileTTL = def.ProfileTTL
	}
	if c.OptimizeInterval <= 0 {
		c.OptimizeInterval = def.OptimizeInterval
	}
	if c.OptimizeMinRequests == 0 {
		c.OptimizeMinRequests = def.OptimizeMinRequests
	}
	return c
}

func (c Config) baseProfile() Profile {
	return Profile{
		ErrorThresholdPercentage: c.ErrorThresholdPercentage,
		ResetTimeout:             c.ResetTimeout,
		VolumeThreshold:          c.VolumeThreshold,
	}
}

// Operation is the guarded call.
type Operation func(ctx context.Context) (interface{}, error)

// Fallback replaces the result of a failed or rejected Operation. It
// receives the failure that triggered it.
type Fallback func(ctx context.Context, cause error) (interface{}, error)

// Manager owns the breakers of one endpoint family. Breakers are created
// lazily on first use of a key and live as long as the Manager.
type Manager struct {
	cfg     Config
	now     func() time.Time
	metrics metrics.MetricsCollector
	logger  *logging.Logger

	mu        sync.RWMutex
	endpoints map[string]*endpoint
}

type breakerRef struct {
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

type endpoint struct {
	key string
	sem chan struct{}
	ref atomic.Pointer[breakerRef]

	// mu guards the fields below. It is never held while calling into
	// gobreaker, since gobreaker calls ReadyToTrip under its own lock.
	mu        sync.Mutex
	stats     Stats
	profile   Profile
	profileAt time.Time
	bias      int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the clock used for statistics and profile expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.MetricsCollector) Option {
	return func(m *Manager) { m.metrics = collector }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a Manager. Zero config fields take DefaultConfig values.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		endpoints: make(map[string]*endpoint),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.NoOpCollector{}
	}
	if m.logger == nil {
		m.logger = logging.Global().Named("breaker")
	}
	return m
}

// Execute runs op under the breaker for key.
//
// The call is refused with upstream.ErrConcurrencyExceeded when key already
// has its cap of calls in flight, and with upstream.ErrBreakerOpen while the
// circuit is open or its half-open trial is taken; neither refusal counts as
// a failure. When fallback is non-nil it is invoked for any failure,
// refusals included, and its outcome is returned instead.
func (m *Manager) Execute(ctx context.Context, key string, op Operation, fallback Fallback) (interface{}, error) {
	v, err := m.execute(ctx, m.endpoint(key), op)
	if err != nil && fallback != nil {
		m.logger.Debug("breaker fallback",
			zap.String("endpoint", key),
			zap.String("cause", upstream.Kind(err)))
		return fallback(ctx, err)
	}
	return v, err
}

// Do is the typed form of Manager.Execute.
func Do[T any](ctx context.Context, m *Manager, key string, op func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, error) {
	var fb Fallback
	if fallback != nil {
		fb = func(ctx context.Context, cause error) (interface{}, error) {
			return fallback(ctx, cause)
		}
	}

	v, err := m.Execute(ctx, key, func(ctx context.Context) (interface{}, error) {
		return op(ctx)
	}, fb)

	var zero T
	if v == nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("breaker %s: unexpected result type %T", key, v)
	}
	return typed, err
}

func (m *Manager) execute(ctx context.Context, ep *endpoint, op Operation) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case ep.sem <- struct{}{}:
		defer func() { <-ep.sem }()
	default:
		m.reject(ep, upstream.KindConcurrencyExceeded)
		return nil, fmt.Errorf("%w: %s", upstream.ErrConcurrencyExceeded, ep.key)
	}

	v, err := ep.ref.Load().cb.Execute(func() (interface{}, error) {
		v, err := op(ctx)
		ep.record(err, m.now())
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		m.reject(ep, upstream.KindBreakerOpen)
		return nil, fmt.Errorf("%w: %s", upstream.ErrBreakerOpen, ep.key)
	}
	return v, err
}

func (m *Manager) reject(ep *endpoint, reason string) {
	ep.mu.Lock()
	ep.stats.Rejections++
	ep.mu.Unlock()

	m.metrics.RecordRejection(ep.key, reason)
}

func (ep *endpoint) record(err error, now time.Time) {
	if errors.Is(err, context.Canceled) {
		return
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if err == nil {
		ep.stats.recordSuccess(now)
	} else {
		ep.stats.recordFailure(err, now)
	}
}

func (m *Manager) endpoint(key string) *endpoint {
	m.mu.RLock()
	ep, ok := m.endpoints[key]
	m.mu.RUnlock()
	if ok {
		return ep
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ep, ok = m.endpoints[key]; ok {
		return ep
	}

	limit := m.cfg.MaxConcurrency
	if n, ok := m.cfg.Concurrency[key]; ok && n > 0 {
		limit = n
	}
	ep = &endpoint{
		key: key,
		sem: make(chan struct{}, limit),
	}
	ep.ref.Store(m.newBreaker(ep, m.cfg.ResetTimeout))
	m.endpoints[key] = ep
	m.metrics.RecordCircuitState(key, metrics.CircuitClosed)
	return ep
}

func (m *Manager) newBreaker(ep *endpoint, timeout time.Duration) *breakerRef {
	settings := gobreaker.Settings{
		Name:        ep.key,
		MaxRequests: 1,
		Interval:    m.cfg.RollingWindow,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return m.profileFor(ep).shouldTrip(counts.Requests, counts.TotalFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.onStateChange(name, convertState(from), convertState(to))
		},
	}

	var cb *gobreaker.CircuitBreaker
	settings.IsSuccessful = func(err error) bool {
		if errors.Is(err, context.Canceled) {
			// An abandoned trial must not close the circuit.
			return cb.State() != gobreaker.StateHalfOpen
		}
		return err == nil || upstream.IsClientError(err)
	}
	cb = gobreaker.NewCircuitBreaker(settings)
	return &breakerRef{cb: cb, timeout: timeout}
}

func (m *Manager) onStateChange(key string, from, to metrics.CircuitState) {
	fields := []zap.Field{
		zap.String("endpoint", key),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if to == metrics.CircuitOpen {
		m.logger.Warn("circuit opened", fields...)
	} else {
		m.logger.Info("circuit state changed", fields...)
	}

	m.metrics.RecordCircuitState(key, to)
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(key, from, to)
	}
}

func convertState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// profileFor returns the cached profile of ep, deriving a fresh one when the
// cached one is older than ProfileTTL.
func (m *Manager) profileFor(ep *endpoint) Profile {
	now := m.now()

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.profileAt.IsZero() || now.Sub(ep.profileAt) >= m.cfg.ProfileTTL {
		ep.profile = deriveProfile(m.cfg.baseProfile(), ep.stats.SuccessRate(), ep.stats.Requests, ep.bias)
		ep.profileAt = now
	}
	return ep.profile
}

// State returns the current circuit state for key.
func (m *Manager) State(key string) metrics.CircuitState {
	return convertState(m.endpoint(key).ref.Load().cb.State())
}

// Stats returns a copy of the lifetime counters for key.
func (m *Manager) Stats(key string) Stats {
	ep := m.endpoint(key)
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.stats
}

// Profile returns the thresholds currently applied to key.
func (m *Manager) Profile(key string) Profile {
	return m.profileFor(m.endpoint(key))
}

// Health returns the health score and class of key.
func (m *Manager) Health(key string) (float64, string) {
	score := HealthScore(m.Stats(key))
	return score, Classify(score)
}

// Keys returns every key seen so far, sorted.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.endpoints))
	for k := range m.endpoints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EndpointSnapshot is the exported view of one endpoint key.
type EndpointSnapshot struct {
	Key         string  `json:"key"`
	State       string  `json:"state"`
	HealthScore float64 `json:"health_score"`
	Health      string  `json:"health"`
	InFlight    int     `json:"in_flight"`
	Stats       Stats   `json:"stats"`
	Profile     Profile `json:"profile"`
}

// Snapshot returns the state of every known key, sorted by key.
func (m *Manager) Snapshot() []EndpointSnapshot {
	keys := m.Keys()
	out := make([]EndpointSnapshot, 0, len(keys))
	for _, key := range keys {
		ep := m.endpoint(key)
		stats := m.Stats(key)
		score := HealthScore(stats)
		out = append(out, EndpointSnapshot{
			Key:         key,
			State:       m.State(key).String(),
			HealthScore: score,
			Health:      Classify(score),
			InFlight:    len(ep.sem),
			Stats:       stats,
			Profile:     m.profileFor(ep),
		})
	}
	return out
}
