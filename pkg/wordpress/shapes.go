package wordpress

import (
	"html"
	"regexp"
	"strings"
	"time"
)

// GraphQL response shapes.

type gqlTerm struct {
	DatabaseID int    `json:"databaseId"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	Count      *int   `json:"count"`
}

type gqlTermConnection struct {
	Nodes []gqlTerm `json:"nodes"`
}

type gqlPost struct {
	DatabaseID    int    `json:"databaseId"`
	Slug          string `json:"slug"`
	Title         string `json:"title"`
	Excerpt       string `json:"excerpt"`
	Content       string `json:"content"`
	Link          string `json:"link"`
	Date          string `json:"dateGmt"`
	Modified      string `json:"modifiedGmt"`
	FeaturedImage *struct {
		Node struct {
			SourceURL string `json:"sourceUrl"`
		} `json:"node"`
	} `json:"featuredImage"`
	Author *struct {
		Node struct {
			DatabaseID int    `json:"databaseId"`
			Name       string `json:"name"`
			Slug       string `json:"slug"`
		} `json:"node"`
	} `json:"author"`
	Categories gqlTermConnection `json:"categories"`
	Tags       gqlTermConnection `json:"tags"`
}

// GraphQLPosts is the data of a post list query.
type GraphQLPosts struct {
	Posts struct {
		Nodes []gqlPost `json:"nodes"`
	} `json:"posts"`
}

// GraphQLPost is the data of a single post query.
type GraphQLPost struct {
	Post *gqlPost `json:"post"`
}

// GraphQLCategories is the data of a category list query.
type GraphQLCategories struct {
	Categories gqlTermConnection `json:"categories"`
}

// GraphQLTags is the data of a tag list query.
type GraphQLTags struct {
	Tags gqlTermConnection `json:"tags"`
}

// REST response shapes.

type restRendered struct {
	Rendered string `json:"rendered"`
}

type restTerm struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	Taxonomy string `json:"taxonomy"`
	Count    int    `json:"count"`
}

// RESTPost is one element of /wp/v2/posts with _embed.
type RESTPost struct {
	ID          int          `json:"id"`
	Slug        string       `json:"slug"`
	Link        string       `json:"link"`
	DateGMT     string       `json:"date_gmt"`
	ModifiedGMT string       `json:"modified_gmt"`
	Title       restRendered `json:"title"`
	Excerpt     restRendered `json:"excerpt"`
	Content     restRendered `json:"content"`
	Categories  []int        `json:"categories"`
	Tags        []int        `json:"tags"`
	Embedded    *struct {
		Author []struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
			Slug string `json:"slug"`
		} `json:"author"`
		FeaturedMedia []struct {
			SourceURL string `json:"source_url"`
		} `json:"wp:featuredmedia"`
		Terms [][]restTerm `json:"wp:term"`
	} `json:"_embedded"`
}

// RESTTerm is one element of /wp/v2/categories or /wp/v2/tags.
type RESTTerm = restTerm

// Normalizers. The GraphQL ones report ok=false for empty node lists and
// missing required fields so the caller can fall back to REST.

// NormalizeGraphQLPosts maps a post list.
func NormalizeGraphQLPosts(edition string, data GraphQLPosts) ([]Post, bool) {
	if len(data.Posts.Nodes) == 0 {
		return nil, false
	}
	posts := make([]Post, 0, len(data.Posts.Nodes))
	for _, n := range data.Posts.Nodes {
		if n.DatabaseID == 0 || n.Slug == "" {
			continue
		}
		posts = append(posts, graphQLPost(edition, n))
	}
	if len(posts) == 0 {
		return nil, false
	}
	return posts, true
}

// NormalizeGraphQLPost maps a single post.
func NormalizeGraphQLPost(edition string, data GraphQLPost) (*Post, bool) {
	if data.Post == nil || data.Post.DatabaseID == 0 || data.Post.Slug == "" {
		return nil, false
	}
	p := graphQLPost(edition, *data.Post)
	return &p, true
}

// NormalizeGraphQLCategories maps a category list.
func NormalizeGraphQLCategories(data GraphQLCategories) ([]Category, bool) {
	if len(data.Categories.Nodes) == 0 {
		return nil, false
	}
	return graphQLCategories(data.Categories.Nodes), true
}

// NormalizeGraphQLTags maps a tag list.
func NormalizeGraphQLTags(data GraphQLTags) ([]Tag, bool) {
	if len(data.Tags.Nodes) == 0 {
		return nil, false
	}
	return graphQLTags(data.Tags.Nodes), true
}

func graphQLPost(edition string, n gqlPost) Post {
	p := Post{
		ID:         n.DatabaseID,
		Edition:    edition,
		Slug:       n.Slug,
		Title:      cleanText(n.Title),
		Excerpt:    cleanText(n.Excerpt),
		Content:    n.Content,
		Link:       n.Link,
		Date:       parseTime(n.Date),
		Modified:   parseTime(n.Modified),
		Categories: graphQLCategories(n.Categories.Nodes),
		Tags:       graphQLTags(n.Tags.Nodes),
	}
	if n.FeaturedImage != nil {
		p.FeaturedImage = n.FeaturedImage.Node.SourceURL
	}
	if n.Author != nil {
		p.Author = &Author{
			ID:   n.Author.Node.DatabaseID,
			Name: n.Author.Node.Name,
			Slug: n.Author.Node.Slug,
		}
	}
	return p
}

func graphQLCategories(nodes []gqlTerm) []Category {
	out := make([]Category, 0, len(nodes))
	for _, n := range nodes {
		c := Category{ID: n.DatabaseID, Name: cleanText(n.Name), Slug: n.Slug}
		if n.Count != nil {
			c.Count = *n.Count
		}
		out = append(out, c)
	}
	return out
}

func graphQLTags(nodes []gqlTerm) []Tag {
	out := make([]Tag, 0, len(nodes))
	for _, n := range nodes {
		t := Tag{ID: n.DatabaseID, Name: cleanText(n.Name), Slug: n.Slug}
		if n.Count != nil {
			t.Count = *n.Count
		}
		out = append(out, t)
	}
	return out
}

// NormalizeRESTPosts maps /wp/v2/posts results. An empty list is a valid
// answer here.
func NormalizeRESTPosts(edition string, raw []RESTPost) []Post {
	posts := make([]Post, 0, len(raw))
	for _, r := range raw {
		if r.ID == 0 {
			continue
		}
		posts = append(posts, restPost(edition, r))
	}
	return posts
}

func restPost(edition string, r RESTPost) Post {
	p := Post{
		ID:       r.ID,
		Edition:  edition,
		Slug:     r.Slug,
		Title:    cleanText(r.Title.Rendered),
		Excerpt:  cleanText(r.Excerpt.Rendered),
		Content:  r.Content.Rendered,
		Link:     r.Link,
		Date:     parseTime(r.DateGMT),
		Modified: parseTime(r.ModifiedGMT),
	}

	if r.Embedded == nil {
		for _, id := range r.Categories {
			p.Categories = append(p.Categories, Category{ID: id})
		}
		for _, id := range r.Tags {
			p.Tags = append(p.Tags, Tag{ID: id})
		}
		return p
	}

	if len(r.Embedded.Author) > 0 {
		a := r.Embedded.Author[0]
		p.Author = &Author{ID: a.ID, Name: a.Name, Slug: a.Slug}
	}
	if len(r.Embedded.FeaturedMedia) > 0 {
		p.FeaturedImage = r.Embedded.FeaturedMedia[0].SourceURL
	}
	for _, group := range r.Embedded.Terms {
		for _, term := range group {
			switch term.Taxonomy {
			case "category":
				p.Categories = append(p.Categories, Category{ID: term.ID, Name: cleanText(term.Name), Slug: term.Slug})
			case "post_tag":
				p.Tags = append(p.Tags, Tag{ID: term.ID, Name: cleanText(term.Name), Slug: term.Slug})
			}
		}
	}
	return p
}

// NormalizeRESTCategories maps /wp/v2/categories results.
func NormalizeRESTCategories(raw []RESTTerm) []Category {
	out := make([]Category, 0, len(raw))
	for _, r := range raw {
		out = append(out, Category{ID: r.ID, Name: cleanText(r.Name), Slug: r.Slug, Count: r.Count})
	}
	return out
}

// NormalizeRESTTags maps /wp/v2/tags results.
func NormalizeRESTTags(raw []RESTTerm) []Tag {
	out := make([]Tag, 0, len(raw))
	for _, r := range raw {
		out = append(out, Tag{ID: r.ID, Name: cleanText(r.Name), Slug: r.Slug, Count: r.Count})
	}
	return out
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// cleanText strips markup and entities from rendered titles and excerpts.
func cleanText(s string) string {
	return strings.TrimSpace(html.UnescapeString(tagPattern.ReplaceAllString(s, "")))
}

// WordPress emits GMT timestamps without a zone.
const wpTimeLayout = "2006-01-02T15:04:05"

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if t, err := time.ParseInLocation(wpTimeLayout, s, time.UTC); err == nil {
		return t
	}
	return time.Time{}
}
