package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"content-core/pkg/breaker"
	"content-core/pkg/cache"
	"content-core/pkg/content"
	"content-core/pkg/fallback"
	"content-core/pkg/metrics/memory"
	"content-core/pkg/wordpress"

	"github.com/prometheus/client_golang/prometheus"
)

// fakeContent records calls and answers from its fields.
type fakeContent struct {
	posts  []wordpress.Post
	post   *wordpress.Post
	err    error
	health content.Health

	calls      []string
	related    []int
	purgeErr   error
	purgedWith string
}

func (f *fakeContent) LatestPosts(ctx context.Context, edition string, limit int) ([]wordpress.Post, error) {
	f.calls = append(f.calls, "latest:"+edition)
	return f.posts, f.err
}

func (f *fakeContent) PostsByCategory(ctx context.Context, edition, category string, limit int) ([]wordpress.Post, error) {
	f.calls = append(f.calls, "category:"+category)
	return f.posts, f.err
}

func (f *fakeContent) RelatedPosts(ctx context.Context, edition string, postID int, categoryIDs []int, limit int) ([]wordpress.Post, error) {
	f.calls = append(f.calls, "related")
	f.related = append([]int{postID}, categoryIDs...)
	return f.posts, f.err
}

func (f *fakeContent) PostBySlug(ctx context.Context, edition, slug string) (*wordpress.Post, error) {
	f.calls = append(f.calls, "slug:"+slug)
	return f.post, f.err
}

func (f *fakeContent) Categories(ctx context.Context, edition string) ([]wordpress.Category, error) {
	f.calls = append(f.calls, "categories")
	return []wordpress.Category{{ID: 2, Slug: "news"}}, f.err
}

func (f *fakeContent) Tags(ctx context.Context, edition string) ([]wordpress.Tag, error) {
	f.calls = append(f.calls, "tags")
	return []wordpress.Tag{}, f.err
}

func (f *fakeContent) purge(tag string) (content.Purge, error) {
	f.purgedWith = tag
	return content.Purge{Tag: tag, Cached: 1}, f.purgeErr
}

func (f *fakeContent) InvalidatePost(ctx context.Context, id int) (content.Purge, error) {
	return f.purge(wordpress.PostTag(id))
}

func (f *fakeContent) InvalidateCategory(ctx context.Context, slug string) (content.Purge, error) {
	return f.purge(wordpress.CategoryTag(slug))
}

func (f *fakeContent) InvalidateTag(ctx context.Context, tag string) (content.Purge, error) {
	return f.purge(tag)
}

func (f *fakeContent) Snapshot() content.Snapshot {
	return content.Snapshot{Editions: []string{"ng"}, Chain: "L1 -> L2"}
}

func (f *fakeContent) Health() content.Health {
	return f.health
}

func setupTestServer(t *testing.T, fc *fakeContent) (*Server, *prometheus.Registry) {
	t.Helper()
	if fc.health.Status == "" {
		fc.health.Status = breaker.Healthy
	}
	registry := prometheus.NewRegistry()
	server, err := NewServer(fc, DefaultServerConfig(),
		WithRegistry(registry),
		WithMemoryMetrics(memory.NewMemoryCollector()))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return server, registry
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestServer_Health(t *testing.T) {
	tests := []struct {
		health content.Health
		want   int
	}{
		{content.Health{Status: breaker.Healthy}, http.StatusOK},
		{content.Health{Status: breaker.Degraded}, http.StatusOK},
		{content.Health{Status: breaker.Unhealthy, Open: []string{"wordpress-graphql-ng"}}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		server, _ := setupTestServer(t, &fakeContent{health: tt.health})
		w := do(t, server, http.MethodGet, "/health")
		if w.Code != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.health.Status, tt.want, w.Code)
		}
		var got content.Health
		json.NewDecoder(w.Body).Decode(&got)
		if got.Status != tt.health.Status {
			t.Errorf("expected status %s, got %s", tt.health.Status, got.Status)
		}
	}
}

func TestServer_Status(t *testing.T) {
	server, _ := setupTestServer(t, &fakeContent{})
	w := do(t, server, http.MethodGet, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var response struct {
		Uptime  string           `json:"uptime"`
		Content content.Snapshot `json:"content"`
	}
	json.NewDecoder(w.Body).Decode(&response)
	if response.Content.Chain != "L1 -> L2" || response.Uptime == "" {
		t.Errorf("unexpected status %+v", response)
	}
}

func TestServer_Posts(t *testing.T) {
	fc := &fakeContent{posts: []wordpress.Post{{ID: 7, Slug: "hello"}}}
	server, _ := setupTestServer(t, fc)

	w := do(t, server, http.MethodGet, "/editions/ng/posts?limit=5")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var posts []wordpress.Post
	json.NewDecoder(w.Body).Decode(&posts)
	if len(posts) != 1 || posts[0].Slug != "hello" {
		t.Errorf("unexpected posts %+v", posts)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id")
	}

	do(t, server, http.MethodGet, "/editions/ng/posts?category=news")
	do(t, server, http.MethodGet, "/editions/ng/posts/42/related?categories=2,3")
	do(t, server, http.MethodGet, "/editions/ng/posts/hello")
	do(t, server, http.MethodGet, "/editions/ng/categories")
	do(t, server, http.MethodGet, "/editions/ng/tags")

	want := "latest:ng,category:news,related,slug:hello,categories,tags"
	if got := strings.Join(fc.calls, ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
	if len(fc.related) != 3 || fc.related[0] != 42 || fc.related[2] != 3 {
		t.Errorf("unexpected related arguments %v", fc.related)
	}
}

func TestServer_RelatedRejectsBadCategories(t *testing.T) {
	server, _ := setupTestServer(t, &fakeContent{})
	if w := do(t, server, http.MethodGet, "/editions/ng/posts/42/related?categories=a,b"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestServer_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown edition", wordpress.ErrUnknownEdition, http.StatusNotFound},
		{"not found", content.ErrNotFound, http.StatusNotFound},
		{"invalid key", cache.ErrInvalidKey, http.StatusBadRequest},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"upstream", &fallback.Failure{Operation: "post-by-slug", Err: errors.New("http 503")}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := setupTestServer(t, &fakeContent{err: tt.err})
			w := do(t, server, http.MethodGet, "/editions/ng/posts/hello")
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestServer_Purge(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantTag string
	}{
		{"post=7", http.StatusOK, "post:7"},
		{"category=news", http.StatusOK, "category:news"},
		{"tag=edition:ng:posts", http.StatusOK, "edition:ng:posts"},
		{"post=abc", http.StatusBadRequest, ""},
		{"", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		fc := &fakeContent{}
		server, _ := setupTestServer(t, fc)
		w := do(t, server, http.MethodPost, "/purge?"+tt.query)
		if w.Code != tt.want {
			t.Errorf("%q: expected %d, got %d", tt.query, tt.want, w.Code)
		}
		if fc.purgedWith != tt.wantTag {
			t.Errorf("%q: purged %q, want %q", tt.query, fc.purgedWith, tt.wantTag)
		}
	}

	server, _ := setupTestServer(t, &fakeContent{purgeErr: errors.New("redis down")})
	if w := do(t, server, http.MethodPost, "/purge?post=7"); w.Code != http.StatusMultiStatus {
		t.Errorf("expected a partial purge status, got %d", w.Code)
	}
	if w := do(t, server, http.MethodGet, "/purge?post=7"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	server, registry := setupTestServer(t, &fakeContent{})
	do(t, server, http.MethodGet, "/health")

	w := do(t, server, http.MethodGet, "/metrics")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "api_http_requests_total") {
		t.Errorf("expected request metrics, got %d: %s", w.Code, w.Body.String())
	}

	families, err := registry.Gather()
	if err != nil || len(families) == 0 {
		t.Errorf("Gather = %d families, %v", len(families), err)
	}

	w = do(t, server, http.MethodGet, "/metrics/json")
	var snap memory.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil || w.Code != http.StatusOK {
		t.Errorf("expected a JSON snapshot, got %d, %v", w.Code, err)
	}
}

func TestServer_RegistersOnce(t *testing.T) {
	registry := prometheus.NewRegistry()
	if _, err := NewServer(&fakeContent{}, DefaultServerConfig(), WithRegistry(registry)); err != nil {
		t.Fatal(err)
	}
	if _, err := NewServer(&fakeContent{}, DefaultServerConfig(), WithRegistry(registry)); err == nil {
		t.Error("expected a duplicate registration error")
	}
}
