package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/tracer"
)

const maxNotifications = 200

// CreateNotificationsTool creates in-app notifications in bulk. Assignees
// that match nobody on the roster leave the notification unassigned, and a
// failed insert is counted rather than failing the batch.
type CreateNotificationsTool struct {
	toolSpec
	mutating
	store  domain.NotificationStore
	team   domain.TeamDirectory
	logger *slog.Logger
}

// NewCreateNotificationsTool creates the create_notifications tool.
func NewCreateNotificationsTool(store domain.NotificationStore, team domain.TeamDirectory, logger *slog.Logger) *CreateNotificationsTool {
	return &CreateNotificationsTool{
		toolSpec: toolSpec{
			name: "create_notifications",
			description: "Create in-app notifications for team members, up to 200 per call. Assignees are matched " +
				"by name; unmatched ones are created unassigned.",
			schema: `{
				"type": "object",
				"properties": {
					"notifications": {
						"type": "array",
						"minItems": 1,
						"maxItems": 200,
						"items": {
							"type": "object",
							"properties": {
								"title":    {"type": "string", "minLength": 1},
								"body":     {"type": "string"},
								"assignee": {"type": "string", "description": "Team member name"},
								"link":     {"type": "string"}
							},
							"required": ["title"]
						}
					}
				},
				"required": ["notifications"]
			}`,
		},
		store:  store,
		team:   team,
		logger: logger,
	}
}

type notificationItem struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Assignee string `json:"assignee"`
	Link     string `json:"link"`
}

type notificationsParams struct {
	Notifications []notificationItem `json:"notifications"`
}

func (t *CreateNotificationsTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.create_notifications", t.logger, params,
		func(ctx context.Context, span trace.Span, p notificationsParams) (any, error) {
			switch n := len(p.Notifications); {
			case n == 0:
				return nil, domain.Validationf("'notifications' must contain at least one item")
			case n > maxNotifications:
				return nil, domain.Validationf("too many notifications: %d (max %d per call)", n, maxNotifications)
			}
			for i, item := range p.Notifications {
				if item.Title == "" {
					return nil, domain.Validationf("notifications[%d]: 'title' is required", i)
				}
			}

			roster, err := t.team.ListTeamMembers(ctx)
			if err != nil {
				t.logger.WarnContext(ctx, "roster unavailable, notifications will be unassigned", "error", err)
			}
			rc := domain.RequestFromContext(ctx)
			var createdBy, company string
			if rc != nil {
				createdBy, company = rc.Caller.ID, rc.CompanyID
			}

			var (
				created    int
				failed     int
				unassigned []string
			)
			for _, item := range p.Notifications {
				n := domain.Notification{
					Title:     item.Title,
					Body:      item.Body,
					Link:      item.Link,
					CreatedBy: createdBy,
					CompanyID: company,
					CreatedAt: time.Now().UTC(),
				}
				assignee := ""
				if m, ok := ResolveAssignee(roster, item.Assignee); ok {
					n.AssigneeID, assignee = m.ID, m.Name
				} else if item.Assignee != "" {
					unassigned = append(unassigned, item.Assignee)
				}

				id, err := t.store.CreateNotification(ctx, n)
				if err != nil {
					failed++
					t.logger.WarnContext(ctx, "notification insert failed", "title", item.Title, "error", err)
					continue
				}
				created++
				if rc != nil && rc.Effects != nil {
					rc.Effects.AddNotification(domain.NotificationRef{ID: id, Title: item.Title, Assignee: assignee})
				}
			}
			span.SetAttributes(
				tracer.IntAttr("tool.created", created),
				tracer.IntAttr("tool.failed", failed),
			)

			out := map[string]any{"created": created, "failed": failed}
			if len(unassigned) > 0 {
				out["unmatched_assignees"] = unassigned
				out["note"] = "notifications for unmatched assignees were created unassigned"
			}
			return out, nil
		})
}

// CreateTaskTool creates a follow-up task, assigned to the caller unless a
// matching team member is named.
type CreateTaskTool struct {
	toolSpec
	mutating
	writer domain.RecordWriter
	team   domain.TeamDirectory
	logger *slog.Logger
}

// NewCreateTaskTool creates the create_task tool.
func NewCreateTaskTool(writer domain.RecordWriter, team domain.TeamDirectory, logger *slog.Logger) *CreateTaskTool {
	return &CreateTaskTool{
		toolSpec: toolSpec{
			name:        "create_task",
			description: "Create a follow-up task. It is assigned to the caller unless a team member is named.",
			schema: `{
				"type": "object",
				"properties": {
					"title":       {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"assignee":    {"type": "string", "description": "Team member name"},
					"due_date":    {"type": "string", "description": "YYYY-MM-DD"}
				},
				"required": ["title"]
			}`,
		},
		writer: writer,
		team:   team,
		logger: logger,
	}
}

type createTaskParams struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Assignee    string `json:"assignee"`
	DueDate     string `json:"due_date"`
}

func (t *CreateTaskTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.create_task", t.logger, params,
		func(ctx context.Context, _ trace.Span, p createTaskParams) (any, error) {
			if err := ValidateAll(RequireField("title", p.Title), ValidateDate("due_date", p.DueDate)); err != nil {
				return nil, err
			}
			rc, err := requestContext(ctx)
			if err != nil {
				return nil, err
			}

			roster, err := t.team.ListTeamMembers(ctx)
			if err != nil {
				t.logger.WarnContext(ctx, "roster unavailable, task assigned to caller", "error", err)
			}
			assigneeID, assignee := rc.Caller.ID, rc.Caller.Name
			for _, m := range roster {
				if isSelf(m, rc.Caller) {
					assigneeID, assignee = m.ID, m.Name
					break
				}
			}
			matched := true
			if p.Assignee != "" {
				if m, ok := ResolveAssignee(roster, p.Assignee); ok {
					assigneeID, assignee = m.ID, m.Name
				} else {
					matched = false
				}
			}

			fields := map[string]any{
				"title":       p.Title,
				"description": p.Description,
				"assignee_id": assigneeID,
				"status":      "open",
				"created_by":  rc.Caller.ID,
			}
			if p.DueDate != "" {
				fields["due_date"] = p.DueDate
			}
			id, err := t.writer.InsertRecord(ctx, "tasks", fields)
			if err != nil {
				t.logger.WarnContext(ctx, "task insert failed", "title", p.Title, "error", err)
				return map[string]any{
					"created": false,
					"warning": "the task could not be saved; mention it to the user as a manual follow-up",
				}, nil
			}
			if rc.Effects != nil {
				rc.Effects.AddTask(id)
			}

			out := map[string]any{"created": true, "id": id, "assignee": assignee}
			if !matched {
				out["note"] = "no team member matched " + p.Assignee + "; the task was assigned to you"
			}
			return out, nil
		})
}
