package content

import (
	"context"
	"strconv"
	"strings"

	"content-core/pkg/wordpress"
)

func postsEmpty(posts []wordpress.Post) bool { return len(posts) == 0 }

func listTags(posts []wordpress.Post) []string { return wordpress.PostsCacheTags(posts) }

// LatestPosts returns the newest posts of an edition. Upstream failures
// yield an empty list.
func (s *Service) LatestPosts(ctx context.Context, edition string, limit int) ([]wordpress.Post, error) {
	limit = s.limit(limit)
	posts, err := load(ctx, s, request[wordpress.GraphQLPosts, []wordpress.Post]{
		operation: "latest-posts",
		edition:   edition,
		key:       s.keys.Build(edition, "latest", strconv.Itoa(limit)),
		scope:     []string{wordpress.EditionTag(edition, "posts")},
		graphql: func(ctx context.Context) (wordpress.GraphQLPosts, error) {
			return s.client.LatestPostsGraphQL(ctx, edition, limit)
		},
		normalize: func(raw wordpress.GraphQLPosts) ([]wordpress.Post, bool) {
			return wordpress.NormalizeGraphQLPosts(edition, raw)
		},
		rest: func(ctx context.Context) ([]wordpress.Post, error) {
			return s.client.LatestPostsREST(ctx, edition, limit)
		},
		tags:  listTags,
		empty: postsEmpty,
	})
	return degrade(ctx, s, "latest-posts", edition, posts, err)
}

// PostsByCategory returns the newest posts of a category. Upstream failures
// yield an empty list.
func (s *Service) PostsByCategory(ctx context.Context, edition, category string, limit int) ([]wordpress.Post, error) {
	limit = s.limit(limit)
	posts, err := load(ctx, s, request[wordpress.GraphQLPosts, []wordpress.Post]{
		operation: "posts-by-category",
		edition:   edition,
		key:       s.keys.Build(edition, "category", category, strconv.Itoa(limit)),
		scope: []string{
			wordpress.EditionTag(edition, "posts"),
			wordpress.CategoryTag(category),
		},
		graphql: func(ctx context.Context) (wordpress.GraphQLPosts, error) {
			return s.client.PostsByCategoryGraphQL(ctx, edition, category, limit)
		},
		normalize: func(raw wordpress.GraphQLPosts) ([]wordpress.Post, bool) {
			return wordpress.NormalizeGraphQLPosts(edition, raw)
		},
		rest: func(ctx context.Context) ([]wordpress.Post, error) {
			return s.client.PostsByCategoryREST(ctx, edition, category, limit)
		},
		tags:  listTags,
		empty: postsEmpty,
	})
	return degrade(ctx, s, "posts-by-category", edition, posts, err)
}

// RelatedPosts returns posts sharing a category with postID, excluding it.
// Without categories there is nothing to relate and no fetch is made.
// Upstream failures yield an empty list.
func (s *Service) RelatedPosts(ctx context.Context, edition string, postID int, categoryIDs []int, limit int) ([]wordpress.Post, error) {
	if _, ok := s.client.Edition(edition); ok && len(categoryIDs) == 0 {
		return []wordpress.Post{}, nil
	}

	limit = s.limit(limit)
	ids := make([]string, len(categoryIDs))
	for i, id := range categoryIDs {
		ids[i] = strconv.Itoa(id)
	}

	posts, err := load(ctx, s, request[wordpress.GraphQLPosts, []wordpress.Post]{
		operation: "related-posts",
		edition:   edition,
		key:       s.keys.Build(edition, "related", strconv.Itoa(postID), strings.Join(ids, ","), strconv.Itoa(limit)),
		scope: []string{
			wordpress.EditionTag(edition, "posts"),
			wordpress.PostTag(postID),
		},
		graphql: func(ctx context.Context) (wordpress.GraphQLPosts, error) {
			return s.client.RelatedPostsGraphQL(ctx, edition, categoryIDs, postID, limit)
		},
		normalize: func(raw wordpress.GraphQLPosts) ([]wordpress.Post, bool) {
			posts, ok := wordpress.NormalizeGraphQLPosts(edition, raw)
			if !ok {
				return nil, false
			}
			return excludePost(posts, postID), true
		},
		rest: func(ctx context.Context) ([]wordpress.Post, error) {
			posts, err := s.client.RelatedPostsREST(ctx, edition, categoryIDs, postID, limit)
			return excludePost(posts, postID), err
		},
		tags:  listTags,
		empty: postsEmpty,
	})
	return degrade(ctx, s, "related-posts", edition, posts, err)
}

func excludePost(posts []wordpress.Post, id int) []wordpress.Post {
	out := posts[:0:0]
	for _, p := range posts {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}

// PostBySlug returns one post. Unlike the list calls it reports upstream
// failures, and ErrNotFound when neither transport knows the slug. A miss
// is cached briefly so repeated requests for a missing slug stay local.
func (s *Service) PostBySlug(ctx context.Context, edition, slug string) (*wordpress.Post, error) {
	post, err := load(ctx, s, request[wordpress.GraphQLPost, *wordpress.Post]{
		operation: "post-by-slug",
		edition:   edition,
		key:       s.keys.Build(edition, "post", slug),
		scope:     []string{wordpress.EditionTag(edition, "posts")},
		graphql: func(ctx context.Context) (wordpress.GraphQLPost, error) {
			return s.client.PostBySlugGraphQL(ctx, edition, slug)
		},
		normalize: func(raw wordpress.GraphQLPost) (*wordpress.Post, bool) {
			return wordpress.NormalizeGraphQLPost(edition, raw)
		},
		rest: func(ctx context.Context) (*wordpress.Post, error) {
			return s.client.PostBySlugREST(ctx, edition, slug)
		},
		tags: func(p *wordpress.Post) []string {
			if p == nil {
				return nil
			}
			return p.CacheTags()
		},
		empty: func(p *wordpress.Post) bool { return p == nil },
	})
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, ErrNotFound
	}
	return post, nil
}

// Categories lists the categories of an edition. Upstream failures yield an
// empty list.
func (s *Service) Categories(ctx context.Context, edition string) ([]wordpress.Category, error) {
	limit := wordpress.ClampLimit(s.config.TermLimit)
	cats, err := load(ctx, s, request[wordpress.GraphQLCategories, []wordpress.Category]{
		operation: "categories",
		edition:   edition,
		key:       s.keys.Build(edition, "categories", strconv.Itoa(limit)),
		scope:     []string{wordpress.EditionTag(edition, "categories")},
		graphql: func(ctx context.Context) (wordpress.GraphQLCategories, error) {
			return s.client.CategoriesGraphQL(ctx, edition, limit)
		},
		normalize: wordpress.NormalizeGraphQLCategories,
		rest: func(ctx context.Context) ([]wordpress.Category, error) {
			return s.client.CategoriesREST(ctx, edition, limit)
		},
		tags: func(cats []wordpress.Category) []string {
			tags := make([]string, len(cats))
			for i, c := range cats {
				tags[i] = wordpress.CategoryTag(c.Slug)
			}
			return tags
		},
		empty: func(cats []wordpress.Category) bool { return len(cats) == 0 },
	})
	return degrade(ctx, s, "categories", edition, cats, err)
}

// Tags lists the tags of an edition. Upstream failures yield an empty list.
func (s *Service) Tags(ctx context.Context, edition string) ([]wordpress.Tag, error) {
	limit := wordpress.ClampLimit(s.config.TermLimit)
	tags, err := load(ctx, s, request[wordpress.GraphQLTags, []wordpress.Tag]{
		operation: "tags",
		edition:   edition,
		key:       s.keys.Build(edition, "tags", strconv.Itoa(limit)),
		scope:     []string{wordpress.EditionTag(edition, "tags")},
		graphql: func(ctx context.Context) (wordpress.GraphQLTags, error) {
			return s.client.TagsGraphQL(ctx, edition, limit)
		},
		normalize: wordpress.NormalizeGraphQLTags,
		rest: func(ctx context.Context) ([]wordpress.Tag, error) {
			return s.client.TagsREST(ctx, edition, limit)
		},
		tags: func(tags []wordpress.Tag) []string {
			out := make([]string, len(tags))
			for i, t := range tags {
				out[i] = wordpress.TagTag(t.Slug)
			}
			return out
		},
		empty: func(tags []wordpress.Tag) bool { return len(tags) == 0 },
	})
	return degrade(ctx, s, "tags", edition, tags, err)
}
