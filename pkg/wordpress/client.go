package wordpress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"content-core/pkg/breaker"
	"content-core/pkg/logging"
	"content-core/pkg/metrics"
	"content-core/pkg/upstream"

	"go.uber.org/zap"
)

// ErrUnknownEdition is returned for an edition code with no configuration.
var ErrUnknownEdition = errors.New("wordpress: unknown edition")

// GraphQLKey is the breaker key of an edition's GraphQL endpoint.
func GraphQLKey(edition string) string { return "wordpress-graphql-" + edition }

// RESTKey is the breaker key of one REST resource of an edition.
func RESTKey(edition, resource string) string { return "wordpress-rest-" + edition + "-" + resource }

// GraphQLError carries the errors array of a GraphQL response. It reaches
// callers wrapped in an upstream.InvalidPayloadError.
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "graphql errors: " + strings.Join(e.Messages, "; ")
}

// GraphQLRequest is one query against an edition.
type GraphQLRequest struct {
	Query     string
	Variables map[string]interface{}
	// CacheTags are forwarded in the X-Cache-Tags header.
	CacheTags []string
}

// Page is the REST pagination reported by X-WP-Total and X-WP-TotalPages.
type Page struct {
	Total      int
	TotalPages int
}

// Client calls the GraphQL and REST endpoints of every configured edition.
// Each call passes through the endpoint's breaker and then the retrying
// transport.
type Client struct {
	editions  map[string]Edition
	transport *upstream.Transport
	breakers  *breaker.Manager
	retry     upstream.RetryOptions
	now       func() time.Time
	metrics   metrics.MetricsCollector
	logger    *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRetryOptions sets the retry template used for every call. Endpoint
// and, when the edition has one, Timeout are filled in per call.
func WithRetryOptions(opts upstream.RetryOptions) Option {
	return func(c *Client) { c.retry = opts }
}

// WithClock replaces the clock used for latency measurements.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.MetricsCollector) Option {
	return func(c *Client) { c.metrics = collector }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for editions.
func NewClient(editions []Edition, transport *upstream.Transport, breakers *breaker.Manager, opts ...Option) (*Client, error) {
	if transport == nil || breakers == nil {
		return nil, errors.New("wordpress: transport and breaker manager are required")
	}
	c := &Client{
		editions:  make(map[string]Edition, len(editions)),
		transport: transport,
		breakers:  breakers,
		now:       time.Now,
	}
	for _, e := range editions {
		if e.Code == "" {
			return nil, errors.New("wordpress: edition without code")
		}
		if _, dup := c.editions[e.Code]; dup {
			return nil, fmt.Errorf("wordpress: duplicate edition %q", e.Code)
		}
		c.editions[e.Code] = e
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = metrics.OrNoOp(c.metrics)
	if c.logger == nil {
		c.logger = logging.Global().Named("wordpress")
	}
	return c, nil
}

// Editions returns the configured edition codes, sorted.
func (c *Client) Editions() []string {
	codes := make([]string, 0, len(c.editions))
	for code := range c.editions {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Edition returns the configuration of code.
func (c *Client) Edition(code string) (Edition, bool) {
	e, ok := c.editions[code]
	return e, ok
}

type graphQLPayload struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Query runs req against the GraphQL endpoint of edition and decodes the
// data member into out.
func (c *Client) Query(ctx context.Context, edition string, req GraphQLRequest, out interface{}) error {
	ed, ok := c.editions[edition]
	if !ok || ed.GraphQLURL == "" {
		return fmt.Errorf("%w: %s", ErrUnknownEdition, edition)
	}
	key := GraphQLKey(edition)

	body, err := json.Marshal(graphQLPayload{Query: req.Query, Variables: req.Variables})
	if err != nil {
		return fmt.Errorf("wordpress: encode query: %w", err)
	}

	start := c.now()
	_, err = c.breakers.Execute(ctx, key, func(ctx context.Context) (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ed.GraphQLURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/json")
		if len(req.CacheTags) > 0 {
			httpReq.Header.Set("X-Cache-Tags", strings.Join(req.CacheTags, ","))
		}

		raw, _, err := c.send(ctx, key, ed, httpReq)
		if err != nil {
			return nil, err
		}

		var envelope graphQLEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, &upstream.InvalidPayloadError{Endpoint: key, Snippet: upstream.Snippet(raw), Err: err}
		}
		if len(envelope.Errors) > 0 {
			gqlErr := &GraphQLError{}
			for _, e := range envelope.Errors {
				gqlErr.Messages = append(gqlErr.Messages, e.Message)
			}
			return nil, &upstream.InvalidPayloadError{Endpoint: key, Snippet: upstream.Snippet(raw), Err: gqlErr}
		}
		if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
			return nil, &upstream.InvalidPayloadError{Endpoint: key, Snippet: upstream.Snippet(raw), Err: errors.New("missing data")}
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return nil, &upstream.InvalidPayloadError{Endpoint: key, Snippet: upstream.Snippet(envelope.Data), Err: err}
		}
		return nil, nil
	}, nil)

	c.record(key, "graphql", err, c.now().Sub(start))
	return err
}

// Get fetches resource ("posts", "categories", "tags") from the REST API of
// edition and decodes the JSON body into out.
func (c *Client) Get(ctx context.Context, edition, resource string, params url.Values, out interface{}) (Page, error) {
	ed, ok := c.editions[edition]
	if !ok || ed.RESTURL == "" {
		return Page{}, fmt.Errorf("%w: %s", ErrUnknownEdition, edition)
	}
	key := RESTKey(edition, resource)

	target := strings.TrimRight(ed.RESTURL, "/") + "/" + resource
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	start := c.now()
	page, err := breaker.Do(ctx, c.breakers, key, func(ctx context.Context) (Page, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return Page{}, err
		}
		httpReq.Header.Set("Accept", "application/json")

		raw, header, err := c.send(ctx, key, ed, httpReq)
		if err != nil {
			return Page{}, err
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return Page{}, &upstream.InvalidPayloadError{Endpoint: key, Snippet: upstream.Snippet(raw), Err: err}
		}
		return Page{
			Total:      headerInt(header, "X-WP-Total"),
			TotalPages: headerInt(header, "X-WP-TotalPages"),
		}, nil
	}, nil)

	c.record(key, "rest", err, c.now().Sub(start))
	return page, err
}

// send performs req through the transport and returns the body of a 2xx
// response. Any other final status becomes an *upstream.HTTPError.
func (c *Client) send(ctx context.Context, key string, ed Edition, req *http.Request) ([]byte, http.Header, error) {
	opts := c.retry
	opts.Endpoint = key
	if ed.Timeout > 0 {
		opts.Timeout = ed.Timeout
	}

	resp, err := c.transport.Do(ctx, req, opts)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &upstream.NetworkError{Endpoint: key, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, &upstream.HTTPError{Endpoint: key, Status: resp.StatusCode, Snippet: upstream.Snippet(raw)}
	}
	return raw, resp.Header, nil
}

func (c *Client) record(key, transport string, err error, d time.Duration) {
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
		c.logger.Debug("upstream call failed",
			zap.String("endpoint", key),
			zap.String("kind", upstream.Kind(err)),
			zap.Duration("elapsed", d),
			zap.Error(err))
	}
	c.metrics.RecordFetch(key, transport, outcome, d)
}

func headerInt(h http.Header, name string) int {
	n, err := strconv.Atoi(strings.TrimSpace(h.Get(name)))
	if err != nil {
		return 0
	}
	return n
}
