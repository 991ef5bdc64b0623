package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"opsdesk/internal/adapter/external"
	"opsdesk/internal/domain"
	"opsdesk/internal/infra/tracer"
)

var wpStatuses = []string{"draft", "pending", "publish", "private"}

// WPListPagesTool lists website pages.
type WPListPagesTool struct {
	toolSpec
	cms    CMS
	logger *slog.Logger
}

// NewWPListPagesTool creates the wp_list_pages tool.
func NewWPListPagesTool(cms CMS, logger *slog.Logger) *WPListPagesTool {
	return &WPListPagesTool{
		toolSpec: toolSpec{
			name:        "wp_list_pages",
			description: "List pages on the company website, optionally filtered by a search term.",
			schema: `{
				"type": "object",
				"properties": {
					"search": {"type": "string"},
					"limit":  {"type": "integer", "minimum": 1, "maximum": 50}
				}
			}`,
		},
		cms:    cms,
		logger: logger,
	}
}

type wpListParams struct {
	Search string `json:"search"`
	Limit  int    `json:"limit"`
}

func (t *WPListPagesTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.wp_list_pages", t.logger, params,
		func(ctx context.Context, span trace.Span, p wpListParams) (any, error) {
			if p.Limit <= 0 {
				p.Limit = 20
			}
			if err := ValidateRange("limit", p.Limit, 1, 50); err != nil {
				return nil, err
			}
			pages, err := t.cms.ListPages(ctx, p.Search, p.Limit)
			if err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.IntAttr("tool.pages", len(pages)))
			if len(pages) == 0 {
				return NotFoundResult("no website pages matched %q", p.Search), nil
			}
			return map[string]any{"pages": pages, "count": len(pages)}, nil
		})
}

// WPGetPageTool fetches one page with its content.
type WPGetPageTool struct {
	toolSpec
	cms    CMS
	logger *slog.Logger
}

// NewWPGetPageTool creates the wp_get_page tool.
func NewWPGetPageTool(cms CMS, logger *slog.Logger) *WPGetPageTool {
	return &WPGetPageTool{
		toolSpec: toolSpec{
			name:        "wp_get_page",
			description: "Fetch one website page including its full content.",
			schema: `{
				"type": "object",
				"properties": {
					"page_id": {"type": "integer", "minimum": 1}
				},
				"required": ["page_id"]
			}`,
		},
		cms:    cms,
		logger: logger,
	}
}

type wpGetParams struct {
	PageID int `json:"page_id"`
}

func (t *WPGetPageTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.wp_get_page", t.logger, params,
		func(ctx context.Context, _ trace.Span, p wpGetParams) (any, error) {
			if err := ValidatePositive("page_id", p.PageID); err != nil {
				return nil, err
			}
			page, err := t.cms.GetPage(ctx, p.PageID)
			if domain.CategoryOf(err) == domain.CategoryNotFound {
				return NotFoundResult("no website page with id %d", p.PageID), nil
			}
			if err != nil {
				return nil, err
			}
			return page, nil
		})
}

// WPUpdateTool edits an existing page or post. Every attempt that reaches the
// CMS is written to the change log.
type WPUpdateTool struct {
	toolSpec
	mutating
	kind    string
	cms     CMS
	changes domain.ChangeLog
	gate    *WriteGate
	logger  *slog.Logger
}

// NewWPUpdateTool creates wp_update_page or wp_update_post. kind is "page"
// or "post".
func NewWPUpdateTool(kind string, cms CMS, changes domain.ChangeLog, gate *WriteGate, logger *slog.Logger) *WPUpdateTool {
	return &WPUpdateTool{
		toolSpec: toolSpec{
			name: "wp_update_" + kind,
			description: fmt.Sprintf("Edit a website %s's title, content, excerpt or status. "+
				"Requires confirm: true after the user approves the exact change.", kind),
			schema: fmt.Sprintf(`{
				"type": "object",
				"properties": {
					"id":      {"type": "integer", "minimum": 1},
					"title":   {"type": "string"},
					"content": {"type": "string", "description": "Full HTML content; replaces the existing body"},
					"excerpt": {"type": "string"},
					"status":  {"type": "string", "enum": %s},
					"confirm": {"type": "boolean"}
				},
				"required": ["id"]
			}`, mustJSON(wpStatuses)),
		},
		kind:    kind,
		cms:     cms,
		changes: changes,
		gate:    gate,
		logger:  logger,
	}
}

type wpUpdateParams struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Excerpt string `json:"excerpt"`
	Status  string `json:"status"`
	Confirm bool   `json:"confirm"`
}

func (t *WPUpdateTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool."+t.name, t.logger, params,
		func(ctx context.Context, span trace.Span, p wpUpdateParams) (any, error) {
			if err := ValidateAll(
				ValidatePositive("id", p.ID),
				ValidateEnum("status", p.Status, wpStatuses...),
			); err != nil {
				return nil, err
			}
			upd := external.WordPressUpdate{Title: p.Title, Content: p.Content, Excerpt: p.Excerpt, Status: p.Status}
			if upd == (external.WordPressUpdate{}) {
				return nil, domain.Validationf("nothing to update: provide title, content, excerpt or status")
			}
			if !t.cms.Configured() {
				return nil, errNotConfigured("wordpress")
			}
			if err := t.gate.GuardWrite(ctx, t.name, domain.PermCMSWrite, p.Confirm); err != nil {
				return nil, err
			}

			page, err := t.cms.Update(ctx, t.kind+"s", p.ID, upd)
			id := strconv.Itoa(p.ID)
			entry := domain.ChangeLogEntry{
				System:       "wordpress",
				EntityType:   t.kind,
				EntityID:     id,
				Changes:      wpChanges(upd),
				RemoteStatus: domain.RemoteApplied,
			}
			if err != nil {
				entry.RemoteStatus = domain.RemoteFailed
				entry.RemoteError = err.Error()
			}
			recordChange(ctx, t.changes, t.logger, entry)
			span.SetAttributes(tracer.StringAttr("tool.remote_status", entry.RemoteStatus))
			if err != nil {
				return nil, err
			}

			t.gate.AuditWrite(ctx, domain.AuditExternal, t.name, "wordpress/"+t.kind+"/"+id,
				wpStatement(upd), "updated "+page.Link)
			return map[string]any{"ok": true, "id": page.ID, "status": page.Status, "link": page.Link, "modified": page.Modified}, nil
		})
}

// WPCreatePostTool creates a blog post, as a draft unless told otherwise.
type WPCreatePostTool struct {
	toolSpec
	mutating
	cms     CMS
	changes domain.ChangeLog
	gate    *WriteGate
	logger  *slog.Logger
}

// NewWPCreatePostTool creates the wp_create_post tool.
func NewWPCreatePostTool(cms CMS, changes domain.ChangeLog, gate *WriteGate, logger *slog.Logger) *WPCreatePostTool {
	return &WPCreatePostTool{
		toolSpec: toolSpec{
			name: "wp_create_post",
			description: "Create a blog post on the company website. Posts are created as drafts unless status " +
				"says otherwise. Requires confirm: true after the user approves the text.",
			schema: fmt.Sprintf(`{
				"type": "object",
				"properties": {
					"title":   {"type": "string"},
					"content": {"type": "string"},
					"excerpt": {"type": "string"},
					"status":  {"type": "string", "enum": %s},
					"confirm": {"type": "boolean"}
				},
				"required": ["title", "content"]
			}`, mustJSON(wpStatuses)),
		},
		cms:     cms,
		changes: changes,
		gate:    gate,
		logger:  logger,
	}
}

func (t *WPCreatePostTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.wp_create_post", t.logger, params,
		func(ctx context.Context, span trace.Span, p wpUpdateParams) (any, error) {
			if err := ValidateAll(
				RequireFields("title", p.Title, "content", p.Content),
				ValidateEnum("status", p.Status, wpStatuses...),
			); err != nil {
				return nil, err
			}
			if !t.cms.Configured() {
				return nil, errNotConfigured("wordpress")
			}
			if err := t.gate.GuardWrite(ctx, t.name, domain.PermCMSWrite, p.Confirm); err != nil {
				return nil, err
			}
			if p.Status == "" {
				p.Status = "draft"
			}

			post := external.WordPressUpdate{Title: p.Title, Content: p.Content, Excerpt: p.Excerpt, Status: p.Status}
			page, err := t.cms.CreatePost(ctx, post)
			entry := domain.ChangeLogEntry{
				System:       "wordpress",
				EntityType:   "post",
				Changes:      wpChanges(post),
				RemoteStatus: domain.RemoteApplied,
			}
			if err != nil {
				entry.RemoteStatus = domain.RemoteFailed
				entry.RemoteError = err.Error()
			} else {
				entry.EntityID = strconv.Itoa(page.ID)
			}
			recordChange(ctx, t.changes, t.logger, entry)
			span.SetAttributes(tracer.StringAttr("tool.remote_status", entry.RemoteStatus))
			if err != nil {
				return nil, err
			}

			t.gate.AuditWrite(ctx, domain.AuditExternal, t.name, "wordpress/post/"+entry.EntityID,
				wpStatement(post), "created "+page.Link)
			return map[string]any{"ok": true, "id": page.ID, "status": page.Status, "link": page.Link}, nil
		})
}

func wpChanges(u external.WordPressUpdate) map[string]any {
	out := make(map[string]any, 4)
	if u.Title != "" {
		out["title"] = u.Title
	}
	if u.Content != "" {
		out["content_length"] = len(u.Content)
	}
	if u.Excerpt != "" {
		out["excerpt"] = u.Excerpt
	}
	if u.Status != "" {
		out["status"] = u.Status
	}
	return out
}

func wpStatement(u external.WordPressUpdate) string {
	data, _ := json.Marshal(u)
	return string(data)
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
