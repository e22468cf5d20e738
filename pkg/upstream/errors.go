package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"unicode/utf8"
)

// Fast-fail errors raised before a request reaches the network.
var (
	// ErrBreakerOpen is returned when the circuit for an endpoint is open or
	// its half-open trial slot is taken.
	ErrBreakerOpen = errors.New("upstream: circuit breaker open")

	// ErrConcurrencyExceeded is returned when an endpoint already has its
	// maximum number of calls in flight.
	ErrConcurrencyExceeded = errors.New("upstream: concurrency limit exceeded")
)

// Error kinds reported by Kind. They double as metric and log labels.
const (
	KindNetwork             = "network_error"
	KindTimeout             = "timeout"
	KindHTTP                = "http_error"
	KindInvalidPayload      = "invalid_payload"
	KindBreakerOpen         = "breaker_open"
	KindConcurrencyExceeded = "concurrency_exceeded"
	KindCanceled            = "canceled"
	KindOther               = "other"
)

// NetworkError is a connection, reset or DNS failure.
type NetworkError struct {
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("upstream %s: network error: %v", e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError means a single attempt exceeded its deadline.
type TimeoutError struct {
	Endpoint string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream %s: timeout: %v", e.Endpoint, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout reports true so TimeoutError satisfies net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// HTTPError is a non-2xx response.
type HTTPError struct {
	Endpoint string
	Status   int
	Snippet  string
}

func (e *HTTPError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("upstream %s: http %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("upstream %s: http %d: %s", e.Endpoint, e.Status, e.Snippet)
}

// ClientError reports whether the status is a caller mistake that says
// nothing about the health of the upstream.
func (e *HTTPError) ClientError() bool {
	return e.Status >= 400 && e.Status < 500 &&
		e.Status != http.StatusRequestTimeout &&
		e.Status != http.StatusTooManyRequests
}

// InvalidPayloadError is a 2xx response whose body could not be decoded or had
// an unexpected shape.
type InvalidPayloadError struct {
	Endpoint string
	Snippet  string
	Err      error
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("upstream %s: invalid payload: %v (body: %q)", e.Endpoint, e.Err, e.Snippet)
}

func (e *InvalidPayloadError) Unwrap() error { return e.Err }

// Kind classifies err into one of the Kind* labels.
func Kind(err error) string {
	if err == nil {
		return ""
	}

	var (
		netErr     *NetworkError
		timeoutErr *TimeoutError
		httpErr    *HTTPError
		payloadErr *InvalidPayloadError
	)
	switch {
	case errors.Is(err, ErrBreakerOpen):
		return KindBreakerOpen
	case errors.Is(err, ErrConcurrencyExceeded):
		return KindConcurrencyExceeded
	case errors.As(err, &timeoutErr):
		return KindTimeout
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.As(err, &httpErr):
		return KindHTTP
	case errors.As(err, &payloadErr):
		return KindInvalidPayload
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindOther
	}
}

// Failure categories tracked by the circuit breaker statistics.
const (
	CategoryTimeout = "timeout"
	CategoryNetwork = "network"
	CategoryServer  = "server"
	CategoryClient  = "client"
	CategoryOther   = "other"
)

// Category buckets a failed call for breaker statistics: timeouts and network
// errors are kept apart from 5xx server errors and 4xx client errors.
func Category(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.ClientError() {
			return CategoryClient
		}
		return CategoryServer
	}

	switch Kind(err) {
	case KindTimeout:
		return CategoryTimeout
	case KindNetwork:
		return CategoryNetwork
	case KindInvalidPayload:
		return CategoryServer
	default:
		return CategoryOther
	}
}

// IsClientError reports whether err is a 4xx response that should not count
// against the upstream's health.
func IsClientError(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.ClientError()
}

// IsRetryable is the default error predicate: network failures and timeouts.
func IsRetryable(err error) bool {
	switch Kind(err) {
	case KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// classifyTransportError turns an error from http.Client.Do into a typed
// error. parent is the caller's context; an attempt deadline that fires while
// the parent is still live is a timeout of that attempt.
func classifyTransportError(parent context.Context, endpoint string, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		if errors.Is(parentErr, context.DeadlineExceeded) {
			return &TimeoutError{Endpoint: endpoint, Err: err}
		}
		return fmt.Errorf("upstream %s: %w", endpoint, parentErr)
	}

	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &TimeoutError{Endpoint: endpoint, Err: err}
	}
	return &NetworkError{Endpoint: endpoint, Err: err}
}

const maxSnippet = 256

// Snippet trims a response body for inclusion in errors and logs.
func Snippet(body []byte) string {
	if len(body) <= maxSnippet {
		return string(body)
	}
	cut := body[:maxSnippet]
	for len(cut) > 0 && !utf8.Valid(cut) {
		cut = cut[:len(cut)-1]
	}
	return string(cut) + "..."
}
