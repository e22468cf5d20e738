package upstream

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// JitterMode selects how a computed backoff delay is randomized.
type JitterMode int

const (
	// JitterDefault inherits the transport's mode, full jitter when the
	// transport sets none.
	JitterDefault JitterMode = iota
	// JitterFull picks uniformly in [0, delay].
	JitterFull
	// JitterProportional picks uniformly in [delay*(1-ratio), delay*(1+ratio)].
	JitterProportional
	// JitterNone uses the computed delay as is.
	JitterNone
)

// MaxDelayCeiling bounds every single wait between attempts, including
// waits derived from a Retry-After header.
const MaxDelayCeiling = 20 * time.Second

// RetryOptions controls one call through Transport.Do.
type RetryOptions struct {
	// Endpoint is the endpoint key used in errors, logs and metrics.
	Endpoint string

	// Attempts is the total number of tries, including the first (default 3).
	Attempts int

	// Backoff is the base delay before the first retry (default 500ms).
	Backoff time.Duration

	// Factor multiplies the delay for each further retry (default 2).
	Factor float64

	Jitter JitterMode

	// JitterRatio is used by JitterProportional (default 0.2).
	JitterRatio float64

	// MaxDelay caps a single wait. Zero or anything above MaxDelayCeiling
	// means MaxDelayCeiling.
	MaxDelay time.Duration

	// Timeout aborts each attempt (default 10s).
	Timeout time.Duration

	// RetryOnError decides whether a failed attempt is retried (default
	// IsRetryable).
	RetryOnError func(err error) bool

	// RetryOnResponse decides whether a response is retried (default
	// RetryableStatus on its status code).
	RetryOnResponse func(resp *http.Response) bool
}

// DefaultRetryOptions returns the defaults applied to zero fields.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		Attempts:        3,
		Backoff:         500 * time.Millisecond,
		Factor:          2,
		Jitter:          JitterFull,
		JitterRatio:     0.2,
		MaxDelay:        MaxDelayCeiling,
		Timeout:         10 * time.Second,
		RetryOnError:    IsRetryable,
		RetryOnResponse: func(resp *http.Response) bool { return RetryableStatus(resp.StatusCode) },
	}
}

func (o RetryOptions) withDefaults() RetryOptions {
	def := DefaultRetryOptions()
	if o.Attempts <= 0 {
		o.Attempts = def.Attempts
	}
	if o.Backoff <= 0 {
		o.Backoff = def.Backoff
	}
	if o.Factor < 1 {
		o.Factor = def.Factor
	}
	if o.JitterRatio <= 0 || o.JitterRatio > 1 {
		o.JitterRatio = def.JitterRatio
	}
	if o.MaxDelay <= 0 || o.MaxDelay > MaxDelayCeiling {
		o.MaxDelay = MaxDelayCeiling
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.Jitter == JitterDefault {
		o.Jitter = def.Jitter
	}
	if o.RetryOnError == nil {
		o.RetryOnError = def.RetryOnError
	}
	if o.RetryOnResponse == nil {
		o.RetryOnResponse = def.RetryOnResponse
	}
	return o
}

// RetryableStatus is the default response predicate: 5xx, 408, 425 and 429.
func RetryableStatus(status int) bool {
	switch {
	case status >= 500:
		return true
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// Backoff returns base * factor^(attempt-1) for attempt >= 1, without jitter.
func Backoff(attempt int, base time.Duration, factor float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Anything past this overflows a Duration for any useful base.
	if attempt > 40 {
		attempt = 40
	}
	d := float64(base) * math.Pow(factor, float64(attempt-1))
	if d > float64(math.MaxInt64) || d < 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay computes the wait after the given failed attempt. random must be in
// [0, 1). retryAfter is the server floor, or zero when absent. The result is
// max(jittered backoff, retryAfter) capped at MaxDelay.
func (o RetryOptions) Delay(attempt int, retryAfter time.Duration, random float64) time.Duration {
	o = o.withDefaults()

	d := Backoff(attempt, o.Backoff, o.Factor)
	if d > o.MaxDelay {
		d = o.MaxDelay
	}

	switch o.Jitter {
	case JitterFull:
		d = time.Duration(float64(d) * random)
	case JitterProportional:
		d = time.Duration(float64(d) * (1 + o.JitterRatio*(2*random-1)))
	}

	if retryAfter > d {
		d = retryAfter
	}
	if d > o.MaxDelay {
		d = o.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// ParseRetryAfter parses a Retry-After header given as delay-seconds or an
// HTTP-date. Dates in the past, and anything unparsable, yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		if seconds > 86400 {
			seconds = 86400
		}
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
