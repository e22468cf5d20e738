package wordpress

import (
	"context"
	"net/url"
	"strconv"
	"strings"
)

const postFields = `
  databaseId
  slug
  title
  excerpt
  link
  dateGmt
  modifiedGmt
  featuredImage { node { sourceUrl } }
  author { node { databaseId name slug } }
  categories { nodes { databaseId name slug } }
  tags { nodes { databaseId name slug } }
`

var (
	latestPostsQuery = `query LatestPosts($first: Int!) {
  posts(first: $first, where: {status: PUBLISH, orderby: {field: DATE, order: DESC}}) {
    nodes {` + postFields + `}
  }
}`

	postsByCategoryQuery = `query PostsByCategory($first: Int!, $category: String!) {
  posts(first: $first, where: {status: PUBLISH, categoryName: $category, orderby: {field: DATE, order: DESC}}) {
    nodes {` + postFields + `}
  }
}`

	relatedPostsQuery = `query RelatedPosts($first: Int!, $categories: [ID], $exclude: [ID]) {
  posts(first: $first, where: {status: PUBLISH, categoryIn: $categories, notIn: $exclude}) {
    nodes {` + postFields + `}
  }
}`

	postBySlugQuery = `query PostBySlug($slug: ID!) {
  post(id: $slug, idType: SLUG) {` + postFields + `  content
  }
}`

	categoriesQuery = `query Categories($first: Int!) {
  categories(first: $first, where: {hideEmpty: true, orderby: COUNT, order: DESC}) {
    nodes { databaseId name slug count }
  }
}`

	tagsQuery = `query Tags($first: Int!) {
  tags(first: $first, where: {hideEmpty: true, orderby: COUNT, order: DESC}) {
    nodes { databaseId name slug count }
  }
}`
)

// Typed fetches. The GraphQL variants return the raw shape for the
// normalizers; the REST variants return canonical values directly.

func (c *Client) LatestPostsGraphQL(ctx context.Context, edition string, limit int) (GraphQLPosts, error) {
	var data GraphQLPosts
	err := c.Query(ctx, edition, GraphQLRequest{
		Query:     latestPostsQuery,
		Variables: map[string]interface{}{"first": limit},
		CacheTags: []string{EditionTag(edition, "posts")},
	}, &data)
	return data, err
}

func (c *Client) LatestPostsREST(ctx context.Context, edition string, limit int) ([]Post, error) {
	return c.restPosts(ctx, edition, url.Values{"per_page": {strconv.Itoa(limit)}})
}

func (c *Client) PostsByCategoryGraphQL(ctx context.Context, edition, category string, limit int) (GraphQLPosts, error) {
	var data GraphQLPosts
	err := c.Query(ctx, edition, GraphQLRequest{
		Query:     postsByCategoryQuery,
		Variables: map[string]interface{}{"first": limit, "category": category},
		CacheTags: []string{CategoryTag(category)},
	}, &data)
	return data, err
}

// PostsByCategoryREST resolves the category slug to its id first; an
// unknown slug yields no posts.
func (c *Client) PostsByCategoryREST(ctx context.Context, edition, category string, limit int) ([]Post, error) {
	var terms []RESTTerm
	if _, err := c.Get(ctx, edition, "categories", url.Values{"slug": {category}}, &terms); err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return []Post{}, nil
	}
	return c.restPosts(ctx, edition, url.Values{
		"per_page":   {strconv.Itoa(limit)},
		"categories": {strconv.Itoa(terms[0].ID)},
	})
}

func (c *Client) RelatedPostsGraphQL(ctx context.Context, edition string, categoryIDs []int, exclude, limit int) (GraphQLPosts, error) {
	ids := make([]string, 0, len(categoryIDs))
	for _, id := range categoryIDs {
		ids = append(ids, strconv.Itoa(id))
	}
	var data GraphQLPosts
	err := c.Query(ctx, edition, GraphQLRequest{
		Query: relatedPostsQuery,
		Variables: map[string]interface{}{
			"first":      limit,
			"categories": ids,
			"exclude":    []string{strconv.Itoa(exclude)},
		},
		CacheTags: []string{PostTag(exclude)},
	}, &data)
	return data, err
}

func (c *Client) RelatedPostsREST(ctx context.Context, edition string, categoryIDs []int, exclude, limit int) ([]Post, error) {
	return c.restPosts(ctx, edition, url.Values{
		"per_page":   {strconv.Itoa(limit)},
		"categories": {joinInts(categoryIDs)},
		"exclude":    {strconv.Itoa(exclude)},
	})
}

func (c *Client) PostBySlugGraphQL(ctx context.Context, edition, slug string) (GraphQLPost, error) {
	var data GraphQLPost
	err := c.Query(ctx, edition, GraphQLRequest{
		Query:     postBySlugQuery,
		Variables: map[string]interface{}{"slug": slug},
	}, &data)
	return data, err
}

// PostBySlugREST returns nil when no post has slug.
func (c *Client) PostBySlugREST(ctx context.Context, edition, slug string) (*Post, error) {
	posts, err := c.restPosts(ctx, edition, url.Values{"slug": {slug}})
	if err != nil || len(posts) == 0 {
		return nil, err
	}
	return &posts[0], nil
}

func (c *Client) CategoriesGraphQL(ctx context.Context, edition string, limit int) (GraphQLCategories, error) {
	var data GraphQLCategories
	err := c.Query(ctx, edition, GraphQLRequest{
		Query:     categoriesQuery,
		Variables: map[string]interface{}{"first": limit},
		CacheTags: []string{EditionTag(edition, "categories")},
	}, &data)
	return data, err
}

func (c *Client) CategoriesREST(ctx context.Context, edition string, limit int) ([]Category, error) {
	var terms []RESTTerm
	_, err := c.Get(ctx, edition, "categories", termParams(limit), &terms)
	if err != nil {
		return nil, err
	}
	return NormalizeRESTCategories(terms), nil
}

func (c *Client) TagsGraphQL(ctx context.Context, edition string, limit int) (GraphQLTags, error) {
	var data GraphQLTags
	err := c.Query(ctx, edition, GraphQLRequest{
		Query:     tagsQuery,
		Variables: map[string]interface{}{"first": limit},
		CacheTags: []string{EditionTag(edition, "tags")},
	}, &data)
	return data, err
}

func (c *Client) TagsREST(ctx context.Context, edition string, limit int) ([]Tag, error) {
	var terms []RESTTerm
	_, err := c.Get(ctx, edition, "tags", termParams(limit), &terms)
	if err != nil {
		return nil, err
	}
	return NormalizeRESTTags(terms), nil
}

func (c *Client) restPosts(ctx context.Context, edition string, params url.Values) ([]Post, error) {
	params.Set("_embed", "1")
	var raw []RESTPost
	if _, err := c.Get(ctx, edition, "posts", params, &raw); err != nil {
		return nil, err
	}
	return NormalizeRESTPosts(edition, raw), nil
}

func termParams(limit int) url.Values {
	return url.Values{
		"per_page":   {strconv.Itoa(limit)},
		"hide_empty": {"true"},
		"orderby":    {"count"},
		"order":      {"desc"},
	}
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// MaxPerPage is the largest page the REST API serves.
const MaxPerPage = 100

// ClampLimit bounds a requested list size to [1, MaxPerPage].
func ClampLimit(limit int) int {
	switch {
	case limit < 1:
		return 1
	case limit > MaxPerPage:
		return MaxPerPage
	}
	return limit
}
