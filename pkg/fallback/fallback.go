// Package fallback tries GraphQL first and substitutes REST when GraphQL
// fails or answers with nothing usable.
package fallback

import (
	"context"
	"errors"
	"fmt"

	"content-core/pkg/logging"
	"content-core/pkg/metrics"
	"content-core/pkg/upstream"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transports that can produce a result.
const (
	TransportGraphQL = "graphql"
	TransportREST    = "rest"
)

// Reason label recorded when GraphQL answered but normalized to nothing.
const ReasonEmpty = "empty"

// Options describes one fallback-protected fetch. G is the raw GraphQL shape,
// R the caller's normalized result.
type Options[G, R any] struct {
	// Operation names the fetch in logs, e.g. "latest-posts".
	Operation string

	// FetchGraphQL performs the GraphQL call, already routed through its
	// breaker and retrying transport.
	FetchGraphQL func(ctx context.Context) (G, error)

	// Normalize converts the GraphQL shape. ok=false marks a soft failure
	// such as an empty node list or a missing required field.
	Normalize func(raw G) (result R, ok bool)

	// RESTFallback performs the REST call with its own breaker and retries.
	// It is called at most once and its outcome is final.
	RESTFallback func(ctx context.Context) (R, error)

	// CacheTags scope the fetch for later invalidation and are logged.
	CacheTags []string

	// LogMeta is attached to every log line of this fetch.
	LogMeta map[string]string

	Logger  *logging.Logger
	Metrics metrics.MetricsCollector
}

// Result is a successful fetch and the transport that produced it.
type Result[R any] struct {
	Value     R
	Transport string
}

// Failure is returned when both transports failed. Err is the REST failure
// and is what errors.Is and errors.As see; GraphQLErr is kept for logs.
type Failure struct {
	Operation  string
	Kind       string
	Err        error
	GraphQLErr error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: rest fallback failed (%s): %v", f.Operation, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// WithGraphQLFallback runs FetchGraphQL and normalizes its result. Any
// GraphQL error, breaker refusal included, and any soft failure from
// Normalize lead to exactly one RESTFallback call whose outcome is returned.
func WithGraphQLFallback[G, R any](ctx context.Context, opts Options[G, R]) (Result[R], error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global().Named("fallback")
	}
	collector := metrics.OrNoOp(opts.Metrics)

	fields := append([]zap.Field{
		zap.String("operation", opts.Operation),
		zap.String("fetch_id", uuid.NewString()),
		zap.Strings("cache_tags", opts.CacheTags),
	}, logging.Meta(opts.LogMeta)...)
	log := logger.With(fields...)

	raw, err := opts.FetchGraphQL(ctx)
	var gqlErr error
	switch {
	case err != nil:
		gqlErr = err
		log.Warn("graphql fetch failed, falling back to rest",
			zap.String("kind", upstream.Kind(err)),
			zap.Error(err))
		collector.RecordFallback(upstream.Kind(err))
	default:
		if result, ok := opts.Normalize(raw); ok {
			return Result[R]{Value: result, Transport: TransportGraphQL}, nil
		}
		gqlErr = errEmpty
		log.Warn("graphql returned empty result, falling back to rest")
		collector.RecordFallback(ReasonEmpty)
	}

	if ctx.Err() != nil {
		return Result[R]{}, ctx.Err()
	}

	result, err := opts.RESTFallback(ctx)
	if err != nil {
		log.Error("rest fallback failed",
			zap.String("kind", upstream.Kind(err)),
			zap.Error(err))
		return Result[R]{}, &Failure{
			Operation:  opts.Operation,
			Kind:       upstream.Kind(err),
			Err:        err,
			GraphQLErr: gqlErr,
		}
	}

	log.Debug("served from rest fallback")
	return Result[R]{Value: result, Transport: TransportREST}, nil
}

// errEmpty records a soft GraphQL failure on Failure.GraphQLErr.
var errEmpty = errors.New("graphql returned an empty result")

// IsEmptyGraphQL reports whether f fell back because GraphQL was empty.
func (f *Failure) IsEmptyGraphQL() bool {
	return errors.Is(f.GraphQLErr, errEmpty)
}
