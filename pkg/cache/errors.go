package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"content-core/pkg/upstream"
)

// Errors returned by cache layers.
var (
	// ErrKeyNotFound is a miss.
	ErrKeyNotFound = errors.New("cache: key not found")

	// ErrCacheMiss is an alias for ErrKeyNotFound.
	ErrCacheMiss = ErrKeyNotFound

	ErrInvalidKey = errors.New("cache: invalid key")

	// ErrInvalidValue is returned for values that cannot be stored, such as
	// an entry larger than the whole layer.
	ErrInvalidValue = errors.New("cache: invalid value")

	// ErrLayerUnavailable is returned while a layer's breaker is refusing
	// calls.
	ErrLayerUnavailable = errors.New("cache: layer unavailable")

	ErrTimeout = errors.New("cache: operation timeout")

	ErrClosed = errors.New("cache: layer closed")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrLayerUnavailable)
}

// ClassifyError maps err to a metric label.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, upstream.ErrBreakerOpen):
		return upstream.KindBreakerOpen
	case errors.Is(err, upstream.ErrConcurrencyExceeded):
		return upstream.KindConcurrencyExceeded
	case IsTimeout(err):
		return "timeout"
	case IsNotFound(err):
		return "key_not_found"
	case IsUnavailable(err):
		return "unavailable"
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, ErrInvalidValue):
		return "invalid_value"
	case errors.Is(err, ErrClosed):
		return "closed"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection", "connect", "dial", "broken pipe"):
		return "connection"
	case containsAny(msg, "marshal", "unmarshal", "encode", "decode"):
		return "serialization"
	case containsAny(msg, "redis"):
		return "backend"
	}
	return "other"
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// WrapError adds the layer and operation to err.
func WrapError(err error, layer, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("cache layer %s %s: %w", layer, operation, err)
}
