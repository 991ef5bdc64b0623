package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/tracer"
)

// DBReadQueryTool runs a single validated SELECT/WITH statement.
type DBReadQueryTool struct {
	toolSpec
	sql    domain.SQLRunner
	limits Limits
	logger *slog.Logger
}

// NewDBReadQueryTool creates the raw read-query tool.
func NewDBReadQueryTool(sql domain.SQLRunner, limits Limits, logger *slog.Logger) *DBReadQueryTool {
	return &DBReadQueryTool{
		toolSpec: toolSpec{
			name: "db_read_query",
			description: "Run one read-only SQL query (SELECT or WITH only) against the business database. " +
				"Results are truncated to a bounded number of rows. Prefer the list_* tools when they fit.",
			schema: `{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "A single SELECT or WITH statement"}
				},
				"required": ["query"]
			}`,
		},
		sql:    sql,
		limits: limits,
		logger: logger,
	}
}

type dbReadParams struct {
	Query string `json:"query"`
}

func (t *DBReadQueryTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.db_read_query", t.logger, params,
		func(ctx context.Context, span trace.Span, p dbReadParams) (any, error) {
			if err := ValidateReadQuery(p.Query, t.limits.MaxQueryLength); err != nil {
				return nil, err
			}
			if rc := domain.RequestFromContext(ctx); rc != nil && !domain.HasPermission(rc.Roles, domain.PermRawSQLRead) {
				return nil, domain.Deniedf(domain.ErrForbidden, "your role does not allow raw SQL queries; use the list_* tools")
			}
			// Fetch one row past the cap so truncation is reported.
			fetch := 0
			if t.limits.ReadRowCap > 0 {
				fetch = t.limits.ReadRowCap + 1
			}
			rows, err := t.sql.ReadQuery(ctx, p.Query, fetch)
			if err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.IntAttr("tool.rows", len(rows)))
			if len(rows) == 0 {
				return NotFoundResult("the query returned no rows"), nil
			}
			capped := CapRows(rows, t.limits.ReadRowCap, t.limits.ReadByteCap, t.limits.ReadFallbackRows)
			if len(rows) == fetch {
				capped.Note = fmt.Sprintf("more than %d rows matched; showing %d", t.limits.ReadRowCap, capped.RowCount)
			}
			return capped, nil
		})
}

// DBWriteFixTool runs a single bounded INSERT/UPDATE/DELETE to correct data.
type DBWriteFixTool struct {
	toolSpec
	mutating
	sql    domain.SQLRunner
	gate   *WriteGate
	limits Limits
	logger *slog.Logger
}

// NewDBWriteFixTool creates the raw write tool.
func NewDBWriteFixTool(sql domain.SQLRunner, gate *WriteGate, limits Limits, logger *slog.Logger) *DBWriteFixTool {
	return &DBWriteFixTool{
		toolSpec: toolSpec{
			name: "db_write_fix",
			description: "Apply one data fix with a single INSERT, UPDATE or DELETE statement. UPDATE and DELETE " +
				"must have a WHERE clause targeting specific rows. Requires confirm: true after the user approves " +
				"the exact statement. Destructive statements (DROP, TRUNCATE, GRANT ...) are always refused.",
			schema: `{
				"type": "object",
				"properties": {
					"query":   {"type": "string", "description": "The single SQL statement to run"},
					"reason":  {"type": "string", "description": "Why the fix is needed"},
					"confirm": {"type": "boolean", "description": "Must be true; set only after the user approved"}
				},
				"required": ["query", "reason"]
			}`,
		},
		sql:    sql,
		gate:   gate,
		limits: limits,
		logger: logger,
	}
}

type dbWriteParams struct {
	Query   string `json:"query"`
	Reason  string `json:"reason"`
	Confirm bool   `json:"confirm"`
}

func (t *DBWriteFixTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.db_write_fix", t.logger, params,
		func(ctx context.Context, span trace.Span, p dbWriteParams) (any, error) {
			verb, err := ValidateWriteStatement(p.Query, t.limits.MaxQueryLength)
			if err != nil {
				return nil, err
			}
			if err := RequireField("reason", p.Reason); err != nil {
				return nil, err
			}
			if err := t.gate.GuardWrite(ctx, t.name, domain.PermRawSQLWrite, p.Confirm); err != nil {
				return nil, err
			}

			n, err := t.sql.ExecWrite(ctx, p.Query, int64(t.limits.MaxRowsAffected))
			if err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.IntAttr("tool.rows_affected", int(n)))

			result := map[string]any{
				"ok":            true,
				"operation":     verb,
				"rows_affected": n,
				"reason":        p.Reason,
			}
			t.gate.AuditWrite(ctx, domain.AuditDataEvent, t.name, "sql",
				p.Query, fmt.Sprintf("%s affected %d rows (reason: %s)", verb, n, p.Reason))
			return result, nil
		})
}
