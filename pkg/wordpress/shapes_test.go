package wordpress

import (
	"testing"
	"time"
)

func TestNormalizeGraphQLPosts_Empty(t *testing.T) {
	if _, ok := NormalizeGraphQLPosts("ng", GraphQLPosts{}); ok {
		t.Error("empty node list must be a soft failure")
	}

	var data GraphQLPosts
	data.Posts.Nodes = []gqlPost{{Title: "no id or slug"}}
	if _, ok := NormalizeGraphQLPosts("ng", data); ok {
		t.Error("nodes without required fields must be a soft failure")
	}
}

func TestNormalizeGraphQLPost(t *testing.T) {
	if _, ok := NormalizeGraphQLPost("ng", GraphQLPost{}); ok {
		t.Error("null post must be a soft failure")
	}

	p, ok := NormalizeGraphQLPost("gh", GraphQLPost{Post: &gqlPost{DatabaseID: 4, Slug: "s", Content: "<p>body</p>"}})
	if !ok || p.Edition != "gh" || p.Content != "<p>body</p>" {
		t.Errorf("unexpected post %+v", p)
	}
}

func TestNormalizeGraphQLCategories(t *testing.T) {
	count := 12
	data := GraphQLCategories{}
	data.Categories.Nodes = []gqlTerm{{DatabaseID: 1, Name: "Sport", Slug: "sport", Count: &count}}

	cats, ok := NormalizeGraphQLCategories(data)
	if !ok || len(cats) != 1 || cats[0].Count != 12 {
		t.Errorf("unexpected categories %+v", cats)
	}
	if _, ok := NormalizeGraphQLTags(GraphQLTags{}); ok {
		t.Error("empty tag list must be a soft failure")
	}
}

func TestNormalizeRESTPosts_WithoutEmbed(t *testing.T) {
	posts := NormalizeRESTPosts("ng", []RESTPost{{ID: 1, Slug: "a", Categories: []int{3}, Tags: []int{4, 5}}, {}})
	if len(posts) != 1 {
		t.Fatalf("expected zero-id entries to be dropped, got %d", len(posts))
	}
	if len(posts[0].Categories) != 1 || posts[0].Categories[0].ID != 3 || len(posts[0].Tags) != 2 {
		t.Errorf("expected term ids to be kept, got %+v", posts[0])
	}
	if got := NormalizeRESTPosts("ng", nil); got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", got)
	}
}

func TestCleanText(t *testing.T) {
	tests := map[string]string{
		"<p>Hello &amp; bye</p>\n": "Hello & bye",
		"  plain  ":                "plain",
		"&#8217;quoted&#8217;":     "’quoted’",
	}
	for in, want := range tests {
		if got := cleanText(in); got != want {
			t.Errorf("cleanText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := parseTime("2024-01-02T03:04:05"); !got.Equal(want) {
		t.Errorf("zone-less layout: got %v", got)
	}
	if got := parseTime("2024-01-02T04:04:05+01:00"); !got.Equal(want) {
		t.Errorf("RFC3339: got %v", got)
	}
	if !parseTime("garbage").IsZero() || !parseTime("").IsZero() {
		t.Error("unparseable input should yield the zero time")
	}
}

func TestPostsCacheTags_Dedupes(t *testing.T) {
	posts := []Post{
		{ID: 1, Categories: []Category{{Slug: "news"}}},
		{ID: 2, Categories: []Category{{Slug: "news"}}},
	}
	got := PostsCacheTags(posts)
	if len(got) != 3 {
		t.Errorf("expected post:1 post:2 category:news, got %v", got)
	}
}

func TestClampLimit(t *testing.T) {
	if ClampLimit(0) != 1 || ClampLimit(500) != MaxPerPage || ClampLimit(20) != 20 {
		t.Error("ClampLimit out of bounds")
	}
}
