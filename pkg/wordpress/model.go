// Package wordpress talks to the per-edition WordPress backends over GraphQL
// and REST and maps both wire shapes onto one set of content types.
package wordpress

import (
	"strconv"
	"time"
)

// Edition is one country deployment of the backend.
type Edition struct {
	Code       string        `yaml:"code" json:"code"`
	GraphQLURL string        `yaml:"graphql_url" json:"graphql_url"`
	RESTURL    string        `yaml:"rest_url" json:"rest_url"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// Author of a post.
type Author struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Category is a post category.
type Category struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Slug  string `json:"slug"`
	Count int    `json:"count"`
}

// Tag is a post tag.
type Tag struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Slug  string `json:"slug"`
	Count int    `json:"count"`
}

// Post is the canonical article shape regardless of the transport that
// produced it.
type Post struct {
	ID            int        `json:"id"`
	Edition       string     `json:"edition"`
	Slug          string     `json:"slug"`
	Title         string     `json:"title"`
	Excerpt       string     `json:"excerpt"`
	Content       string     `json:"content,omitempty"`
	Link          string     `json:"link"`
	Date          time.Time  `json:"date"`
	Modified      time.Time  `json:"modified"`
	FeaturedImage string     `json:"featured_image,omitempty"`
	Author        *Author    `json:"author,omitempty"`
	Categories    []Category `json:"categories"`
	Tags          []Tag      `json:"tags"`
}

// Invalidation tokens.

// PostTag is the cache tag of a single post.
func PostTag(id int) string { return "post:" + strconv.Itoa(id) }

// CategoryTag is the cache tag of a category listing.
func CategoryTag(slug string) string { return "category:" + slug }

// TagTag is the cache tag of a tag listing.
func TagTag(slug string) string { return "tag:" + slug }

// EditionTag scopes a section of an edition, e.g. "edition:ng:posts".
func EditionTag(edition, section string) string { return "edition:" + edition + ":" + section }

// CacheTags returns the invalidation tokens a cached copy of p depends on.
func (p Post) CacheTags() []string {
	tags := make([]string, 0, 1+len(p.Categories)+len(p.Tags))
	tags = append(tags, PostTag(p.ID))
	for _, c := range p.Categories {
		tags = append(tags, CategoryTag(c.Slug))
	}
	for _, t := range p.Tags {
		tags = append(tags, TagTag(t.Slug))
	}
	return tags
}

// PostsCacheTags collects the tokens of every post in posts, without
// duplicates.
func PostsCacheTags(posts []Post) []string {
	seen := make(map[string]struct{})
	var tags []string
	for _, p := range posts {
		for _, t := range p.CacheTags() {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			tags = append(tags, t)
		}
	}
	return tags
}
