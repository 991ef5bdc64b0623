package external

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// WordPressPage is the subset of a WordPress page or post the tools expose.
type WordPressPage struct {
	ID       int    `json:"id"`
	Slug     string `json:"slug"`
	Status   string `json:"status"`
	Link     string `json:"link"`
	Modified string `json:"modified"`
	Title    string `json:"title"`
	Content  string `json:"content,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
}

// WordPressUpdate lists the fields a write may change. Empty fields are left
// untouched.
type WordPressUpdate struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
	Status  string `json:"status,omitempty"`
}

// wpRendered is WordPress's {"rendered": "..."} wrapper.
type wpRendered struct {
	Rendered string `json:"rendered"`
}

type wpItem struct {
	ID       int        `json:"id"`
	Slug     string     `json:"slug"`
	Status   string     `json:"status"`
	Link     string     `json:"link"`
	Modified string     `json:"modified"`
	Title    wpRendered `json:"title"`
	Content  wpRendered `json:"content"`
	Excerpt  wpRendered `json:"excerpt"`
}

func (w wpItem) page(withContent bool) WordPressPage {
	p := WordPressPage{
		ID: w.ID, Slug: w.Slug, Status: w.Status, Link: w.Link, Modified: w.Modified,
		Title: w.Title.Rendered,
	}
	if withContent {
		p.Content = w.Content.Rendered
		p.Excerpt = w.Excerpt.Rendered
	}
	return p
}

// WordPress talks to the WordPress REST API with an application password.
type WordPress struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// NewWordPress creates a client. client may be nil.
func NewWordPress(baseURL, username, appPassword string, client *http.Client) *WordPress {
	if client == nil {
		client = defaultHTTPClient()
	}
	return &WordPress{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: appPassword,
		client:   client,
	}
}

// Configured reports whether credentials are present.
func (w *WordPress) Configured() bool {
	return w != nil && w.baseURL != "" && w.username != "" && w.password != ""
}

func (w *WordPress) endpoint(kind string, id int) string {
	u := w.baseURL + "/wp-json/wp/v2/" + kind
	if id > 0 {
		u += "/" + strconv.Itoa(id)
	}
	return u
}

// ListPages returns up to limit pages, optionally filtered by a search term.
func (w *WordPress) ListPages(ctx context.Context, search string, limit int) ([]WordPressPage, error) {
	if !w.Configured() {
		return nil, notConfigured("wordpress")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(limit))
	q.Set("context", "edit")
	q.Set("_fields", "id,slug,status,link,modified,title")
	if search != "" {
		q.Set("search", search)
	}

	var items []wpItem
	err := do(ctx, w.client, request{
		op: "wordpress.list_pages", method: http.MethodGet,
		url:  w.endpoint("pages", 0) + "?" + q.Encode(),
		user: w.username, pass: w.password,
	}, &items)
	if err != nil {
		return nil, err
	}
	out := make([]WordPressPage, len(items))
	for i, it := range items {
		out[i] = it.page(false)
	}
	return out, nil
}

// GetPage returns one page with its content.
func (w *WordPress) GetPage(ctx context.Context, id int) (*WordPressPage, error) {
	if !w.Configured() {
		return nil, notConfigured("wordpress")
	}
	var it wpItem
	err := do(ctx, w.client, request{
		op: "wordpress.get_page", method: http.MethodGet,
		url:  w.endpoint("pages", id) + "?context=edit",
		user: w.username, pass: w.password,
	}, &it)
	if err != nil {
		return nil, err
	}
	p := it.page(true)
	return &p, nil
}

// Update changes a page or post. kind is "pages" or "posts".
func (w *WordPress) Update(ctx context.Context, kind string, id int, upd WordPressUpdate) (*WordPressPage, error) {
	if !w.Configured() {
		return nil, notConfigured("wordpress")
	}
	if kind != "pages" && kind != "posts" {
		return nil, fmt.Errorf("wordpress: unknown kind %q", kind)
	}
	var it wpItem
	err := do(ctx, w.client, request{
		op: "wordpress.update_" + strings.TrimSuffix(kind, "s"), method: http.MethodPost,
		url:  w.endpoint(kind, id),
		json: upd, user: w.username, pass: w.password,
	}, &it)
	if err != nil {
		return nil, err
	}
	p := it.page(false)
	return &p, nil
}

// CreatePost creates a post. Status defaults to draft.
func (w *WordPress) CreatePost(ctx context.Context, post WordPressUpdate) (*WordPressPage, error) {
	if !w.Configured() {
		return nil, notConfigured("wordpress")
	}
	if post.Status == "" {
		post.Status = "draft"
	}
	var it wpItem
	err := do(ctx, w.client, request{
		op: "wordpress.create_post", method: http.MethodPost,
		url:  w.endpoint("posts", 0),
		json: post, user: w.username, pass: w.password,
	}, &it)
	if err != nil {
		return nil, err
	}
	p := it.page(false)
	return &p, nil
}
