// Package api exposes the content service and its operator endpoints over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"content-core/pkg/breaker"
	"content-core/pkg/cache"
	"content-core/pkg/content"
	"content-core/pkg/fallback"
	"content-core/pkg/logging"
	"content-core/pkg/metrics/memory"
	"content-core/pkg/wordpress"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Content is the part of content.Service the server needs.
type Content interface {
	LatestPosts(ctx context.Context, edition string, limit int) ([]wordpress.Post, error)
	PostsByCategory(ctx context.Context, edition, category string, limit int) ([]wordpress.Post, error)
	RelatedPosts(ctx context.Context, edition string, postID int, categoryIDs []int, limit int) ([]wordpress.Post, error)
	PostBySlug(ctx context.Context, edition, slug string) (*wordpress.Post, error)
	Categories(ctx context.Context, edition string) ([]wordpress.Category, error)
	Tags(ctx context.Context, edition string) ([]wordpress.Tag, error)

	InvalidatePost(ctx context.Context, id int) (content.Purge, error)
	InvalidateCategory(ctx context.Context, slug string) (content.Purge, error)
	InvalidateTag(ctx context.Context, tag string) (content.Purge, error)

	Snapshot() content.Snapshot
	Health() content.Health
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// RequestTimeout bounds the content lookup of one request.
	RequestTimeout time.Duration
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        ":8080",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 25 * time.Second,
	}
}

// Server serves content reads, purges, health and metrics.
type Server struct {
	content  Content
	config   ServerConfig
	registry *prometheus.Registry
	memory   *memory.MemoryCollector
	logger   *logging.Logger
	started  time.Time

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	router *mux.Router
	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithRegistry serves registry on /metrics and records request metrics in
// it. Without one the default Prometheus registry is used.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(s *Server) { s.registry = registry }
}

// WithMemoryMetrics serves the collector snapshot on /metrics/json.
func WithMemoryMetrics(collector *memory.MemoryCollector) Option {
	return func(s *Server) { s.memory = collector }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the API server. It fails when its request metrics cannot
// be registered.
func NewServer(c Content, config ServerConfig, opts ...Option) (*Server, error) {
	s := &Server{
		content: c,
		config:  config,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Global().Named("api")
	}

	s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "api_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})
	s.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if s.registry != nil {
		registerer, gatherer = s.registry, s.registry
	}
	for _, col := range []prometheus.Collector{s.requests, s.latency} {
		if err := registerer.Register(col); err != nil {
			return nil, err
		}
	}

	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/metrics/json", s.handleMetricsJSON).Methods(http.MethodGet)
	r.HandleFunc("/purge", s.handlePurge).Methods(http.MethodPost)

	ed := r.PathPrefix("/editions/{edition}").Subrouter()
	ed.HandleFunc("/posts", s.handlePosts).Methods(http.MethodGet)
	ed.HandleFunc("/posts/{id:[0-9]+}/related", s.handleRelated).Methods(http.MethodGet)
	ed.HandleFunc("/posts/{slug}", s.handlePost).Methods(http.MethodGet)
	ed.HandleFunc("/categories", s.handleCategories).Methods(http.MethodGet)
	ed.HandleFunc("/tags", s.handleTags).Methods(http.MethodGet)

	s.router = r
	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in a goroutine. A listener failure is logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("api listening", zap.String("addr", s.config.Address))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// statusWriter captures the status code for request metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		sw.Header().Set("X-Request-ID", id)

		next.ServeHTTP(sw, r)

		route := routeTemplate(r)
		s.requests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		s.latency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		s.logger.Debug("request served",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", sw.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return "unmatched"
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return "unmatched"
	}
	return tpl
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.config.RequestTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.config.RequestTimeout)
}

// handleHealth answers 503 only when some endpoint is unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.content.Health()
	status := http.StatusOK
	if h.Status == breaker.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"content": s.content.Snapshot(),
	})
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		writeError(w, http.StatusNotFound, "in-memory metrics are not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.memory.Snapshot())
}

// handlePurge invalidates by ?post=<id>, ?category=<slug> or ?tag=<tag>.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	q := r.URL.Query()
	var (
		p   content.Purge
		err error
	)
	switch {
	case q.Get("post") != "":
		id, convErr := strconv.Atoi(q.Get("post"))
		if convErr != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "post must be a positive id")
			return
		}
		p, err = s.content.InvalidatePost(ctx, id)
	case q.Get("category") != "":
		p, err = s.content.InvalidateCategory(ctx, q.Get("category"))
	case q.Get("tag") != "":
		p, err = s.content.InvalidateTag(ctx, q.Get("tag"))
	default:
		writeError(w, http.StatusBadRequest, "one of post, category or tag is required")
		return
	}

	if err != nil {
		s.logger.Warn("purge incomplete", zap.String("tag", p.Tag), zap.Error(err))
		writeJSON(w, http.StatusMultiStatus, map[string]interface{}{
			"purge": p,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	edition := mux.Vars(r)["edition"]
	limit := queryInt(r, "limit")

	var (
		posts []wordpress.Post
		err   error
	)
	if category := r.URL.Query().Get("category"); category != "" {
		posts, err = s.content.PostsByCategory(ctx, edition, category, limit)
	} else {
		posts, err = s.content.LatestPosts(ctx, edition, limit)
	}
	s.respond(w, posts, err)
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	vars := mux.Vars(r)
	id, _ := strconv.Atoi(vars["id"])

	var categories []int
	if raw := r.URL.Query().Get("categories"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				writeError(w, http.StatusBadRequest, "categories must be comma-separated ids")
				return
			}
			categories = append(categories, n)
		}
	}

	posts, err := s.content.RelatedPosts(ctx, vars["edition"], id, categories, queryInt(r, "limit"))
	s.respond(w, posts, err)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	vars := mux.Vars(r)
	post, err := s.content.PostBySlug(ctx, vars["edition"], vars["slug"])
	s.respond(w, post, err)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	cats, err := s.content.Categories(ctx, mux.Vars(r)["edition"])
	s.respond(w, cats, err)
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	tags, err := s.content.Tags(ctx, mux.Vars(r)["edition"])
	s.respond(w, tags, err)
}

func (s *Server) respond(w http.ResponseWriter, v interface{}, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, v)
		return
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("content request failed", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var failure *fallback.Failure
	switch {
	case errors.Is(err, wordpress.ErrUnknownEdition), errors.Is(err, content.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, cache.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &failure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
