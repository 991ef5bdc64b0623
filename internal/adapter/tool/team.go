package tool

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/tracer"
)

// TeamRosterTool lists the company's team members. Callers without an
// elevated role see names and roles only, except for their own row.
type TeamRosterTool struct {
	toolSpec
	team   domain.TeamDirectory
	logger *slog.Logger
}

// NewTeamRosterTool creates the team_roster tool.
func NewTeamRosterTool(team domain.TeamDirectory, logger *slog.Logger) *TeamRosterTool {
	return &TeamRosterTool{
		toolSpec: toolSpec{
			name:        "team_roster",
			description: "List the team members of the company with their roles. Use it to find who to assign work to.",
			schema: `{
				"type": "object",
				"properties": {
					"role": {"type": "string", "description": "Only members whose role contains this text"}
				}
			}`,
		},
		team:   team,
		logger: logger,
	}
}

type rosterParams struct {
	Role string `json:"role"`
}

func (t *TeamRosterTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.team_roster", t.logger, params,
		func(ctx context.Context, span trace.Span, p rosterParams) (any, error) {
			members, err := t.team.ListTeamMembers(ctx)
			if err != nil {
				return nil, err
			}
			rc := domain.RequestFromContext(ctx)
			detail := rc != nil && domain.HasPermission(rc.Roles, domain.PermTeamDetail)

			out := make([]domain.TeamMember, 0, len(members))
			for _, m := range members {
				if p.Role != "" && !containsFold(m.Role, p.Role) {
					continue
				}
				if !detail && (rc == nil || !isSelf(m, rc.Caller)) {
					m = RedactMember(m)
				}
				out = append(out, m)
			}
			span.SetAttributes(tracer.IntAttr("tool.members", len(out)))
			if len(out) == 0 {
				return NotFoundResult("no team members matched"), nil
			}
			return map[string]any{"members": out, "count": len(out)}, nil
		})
}

// TeamActivityTool reports recent per-member activity metrics.
type TeamActivityTool struct {
	toolSpec
	source ActivitySource
	logger *slog.Logger
}

// NewTeamActivityTool creates the team_activity tool.
func NewTeamActivityTool(source ActivitySource, logger *slog.Logger) *TeamActivityTool {
	return &TeamActivityTool{
		toolSpec: toolSpec{
			name: "team_activity",
			description: "Summarize what each team member has done recently: tasks completed and overdue, " +
				"communications logged, assistant usage, strengths and coaching notes.",
			schema: `{"type": "object", "properties": {}}`,
		},
		source: source,
		logger: logger,
	}
}

func (t *TeamActivityTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.team_activity", t.logger, params,
		func(ctx context.Context, _ trace.Span, _ struct{}) (any, error) {
			if t.source == nil {
				return nil, errNotConfigured("team activity")
			}
			return t.source.TeamActivity(ctx)
		})
}
