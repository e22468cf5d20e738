// Package upstream performs HTTP calls against unreliable content backends:
// timed attempts, exponential backoff with jitter, Retry-After handling and a
// typed error taxonomy shared by the rest of the fetching core.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"

	"content-core/pkg/logging"
	"content-core/pkg/metrics"

	"go.uber.org/zap"
)

// DefaultMaxBodyBytes bounds how much of a response body is buffered.
const DefaultMaxBodyBytes = 16 << 20

// Transport executes requests with retries. It is safe for concurrent use.
type Transport struct {
	client   *http.Client
	sleep    func(ctx context.Context, d time.Duration) error
	random   func() float64
	now      func() time.Time
	budget   *RetryBudget
	metrics  metrics.MetricsCollector
	logger   *logging.Logger
	maxBody  int64
	defaults RetryOptions
}

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient supplies the client used for every attempt. The per-scheme
// keep-alive transports are not created in that case.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) { t.client = client }
}

// WithSleep replaces the wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Transport) { t.sleep = sleep }
}

// WithRandom replaces the jitter source. It must return values in [0, 1).
func WithRandom(random func() float64) Option {
	return func(t *Transport) { t.random = random }
}

// WithClock replaces the clock used to evaluate Retry-After dates.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

// WithRetryBudget bounds retries per endpoint.
func WithRetryBudget(budget *RetryBudget) Option {
	return func(t *Transport) { t.budget = budget }
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.MetricsCollector) Option {
	return func(t *Transport) { t.metrics = collector }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithMaxBodyBytes bounds buffered response bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(t *Transport) { t.maxBody = n }
}

// WithDefaults sets the options merged into every call's zero fields.
func WithDefaults(opts RetryOptions) Option {
	return func(t *Transport) { t.defaults = opts }
}

// NewTransport creates a Transport. Without WithHTTPClient it keeps one
// keep-alive connection pool per scheme.
func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		sleep:    sleepContext,
		random:   rand.Float64,
		now:      time.Now,
		maxBody:  DefaultMaxBodyBytes,
		defaults: DefaultRetryOptions(),
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.client == nil {
		t.client = &http.Client{Transport: newSchemeTransport()}
	}
	if t.metrics == nil {
		t.metrics = metrics.NoOpCollector{}
	}
	if t.logger == nil {
		t.logger = logging.Global().Named("upstream")
	}
	return t
}

// Do sends req, retrying failed attempts according to opts. Zero fields of
// opts take the transport defaults.
//
// When attempts run out on errors, the last error is returned. When they run
// out on retryable responses, the last response is returned with a nil error;
// callers check its status. Response bodies are fully buffered, so closing
// them is optional.
func (t *Transport) Do(ctx context.Context, req *http.Request, opts RetryOptions) (*http.Response, error) {
	opts = t.merge(opts)
	if opts.Endpoint == "" {
		opts.Endpoint = req.URL.Host
	}
	if req.Body != nil && req.GetBody == nil && opts.Attempts > 1 {
		return nil, fmt.Errorf("upstream %s: request body is not replayable", opts.Endpoint)
	}

	for attempt := 1; ; attempt++ {
		resp, err := t.attempt(ctx, req, opts)

		var retryAfter time.Duration
		switch {
		case err != nil:
			if attempt >= opts.Attempts || ctx.Err() != nil || !opts.RetryOnError(err) {
				return nil, err
			}
		case !opts.RetryOnResponse(resp):
			return resp, nil
		default:
			if attempt >= opts.Attempts {
				return resp, nil
			}
			retryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), t.now())
		}

		if !t.budget.Allow(opts.Endpoint) {
			t.metrics.RecordRejection(opts.Endpoint, "retry_budget")
			t.logger.Warn("retry budget exhausted",
				zap.String("endpoint", opts.Endpoint),
				zap.Int("attempt", attempt))
			return resp, err
		}

		delay := opts.Delay(attempt, retryAfter, t.random())
		t.metrics.RecordRetry(opts.Endpoint, attempt+1)
		t.logger.Debug("retrying upstream call",
			zap.String("endpoint", opts.Endpoint),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("reason", retryReason(resp, err)))

		if sleepErr := t.sleep(ctx, delay); sleepErr != nil {
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("upstream %s: %w", opts.Endpoint, sleepErr)
		}
	}
}

func (t *Transport) merge(opts RetryOptions) RetryOptions {
	def := t.defaults
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.Factor <= 0 {
		opts.Factor = def.Factor
	}
	if opts.JitterRatio <= 0 {
		opts.JitterRatio = def.JitterRatio
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Jitter == JitterDefault {
		opts.Jitter = def.Jitter
	}
	if opts.RetryOnError == nil {
		opts.RetryOnError = def.RetryOnError
	}
	if opts.RetryOnResponse == nil {
		opts.RetryOnResponse = def.RetryOnResponse
	}
	return opts.withDefaults()
}

func (t *Transport) attempt(ctx context.Context, req *http.Request, opts RetryOptions) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	r := req.Clone(attemptCtx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("upstream %s: rewind body: %w", opts.Endpoint, err)
		}
		r.Body = body
	}

	resp, err := t.client.Do(r)
	if err != nil {
		return nil, classifyTransportError(ctx, opts.Endpoint, err)
	}
	defer resp.Body.Close()

	// The attempt context dies with this function, so the body is read here.
	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody))
	if err != nil {
		return nil, classifyTransportError(ctx, opts.Endpoint, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

func retryReason(resp *http.Response, err error) string {
	if err != nil {
		return Kind(err)
	}
	return "status " + strconv.Itoa(resp.StatusCode)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// schemeTransport routes requests to one pooled transport per URL scheme.
type schemeTransport struct {
	byScheme map[string]http.RoundTripper
}

func newSchemeTransport() *schemeTransport {
	return &schemeTransport{
		byScheme: map[string]http.RoundTripper{
			"http":  newPooledTransport(false),
			"https": newPooledTransport(true),
		},
	}
}

func newPooledTransport(http2 bool) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     http2,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

func (s *schemeTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	rt, ok := s.byScheme[r.URL.Scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported scheme %q", r.URL.Scheme)
	}
	return rt.RoundTrip(r)
}
