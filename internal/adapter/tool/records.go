package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/tracer"
)

// ListSpec declares one list_* tool over a single table.
type ListSpec struct {
	Name         string
	Description  string
	Table        string
	Columns      []string
	StatusColumn string
	Statuses     []string
	DateColumn   string
	Resolve      *domain.NameResolution
}

var listSpecs = []ListSpec{
	{
		Name: "list_orders", Description: "List recent orders, newest first, optionally filtered by status.",
		Table: "orders", StatusColumn: "status", DateColumn: "created_at",
		Columns:  []string{"id", "order_number", "customer_name", "status", "total", "due_date", "assigned_to", "external_ref", "created_at"},
		Statuses: orderStatuses,
		Resolve:  &domain.NameResolution{IDColumn: "assigned_to", Table: "team_members", As: "assigned_name"},
	},
	{
		Name: "list_leads", Description: "List sales leads, newest first, optionally filtered by status.",
		Table: "leads", StatusColumn: "status", DateColumn: "created_at",
		Columns:  []string{"id", "name", "email", "phone", "source", "status", "notes", "assigned_to", "created_at"},
		Statuses: leadStatuses,
		Resolve:  &domain.NameResolution{IDColumn: "assigned_to", Table: "team_members", As: "assigned_name"},
	},
	{
		Name: "list_invoices", Description: "List invoices, newest first, optionally filtered by status (open, paid, overdue, void).",
		Table: "invoices", StatusColumn: "status", DateColumn: "created_at",
		Columns:  []string{"id", "invoice_number", "customer_name", "amount", "status", "due_date", "external_ref", "created_at"},
		Statuses: []string{"open", "paid", "overdue", "void"},
	},
	{
		Name: "list_machines", Description: "List production machines and their current status.",
		Table: "machines", StatusColumn: "status", DateColumn: "updated_at",
		Columns:  []string{"id", "name", "status", "location", "last_service", "notes", "updated_at"},
		Statuses: machineStatuses,
	},
	{
		Name: "list_deliveries", Description: "List deliveries by scheduled date, optionally filtered by status.",
		Table: "deliveries", StatusColumn: "status", DateColumn: "scheduled_for",
		Columns:  []string{"id", "order_id", "address", "scheduled_for", "status", "driver_id", "notes"},
		Statuses: []string{"pending", "scheduled", "in_transit", "delivered", "failed"},
		Resolve:  &domain.NameResolution{IDColumn: "driver_id", Table: "team_members", As: "driver_name"},
	},
	{
		Name: "list_tasks", Description: "List tasks, newest first, optionally filtered by status (open, in_progress, done).",
		Table: "tasks", StatusColumn: "status", DateColumn: "created_at",
		Columns:  []string{"id", "title", "assignee_id", "status", "due_date", "created_by", "completed_at", "created_at"},
		Statuses: taskStatuses,
		Resolve:  &domain.NameResolution{IDColumn: "assignee_id", Table: "team_members", As: "assignee_name"},
	},
	{
		Name: "list_communications", Description: "List logged calls, emails and messages, newest first. The status filter selects the direction (inbound or outbound).",
		Table: "communications", StatusColumn: "direction", DateColumn: "created_at",
		Columns:  []string{"id", "member_id", "direction", "channel", "counterpart", "subject", "created_at"},
		Statuses: []string{"inbound", "outbound"},
		Resolve:  &domain.NameResolution{IDColumn: "member_id", Table: "team_members", As: "member_name"},
	},
	{
		Name: "list_estimates", Description: "List estimates and quotes, newest first, optionally filtered by status.",
		Table: "estimates", StatusColumn: "status", DateColumn: "created_at",
		Columns:  []string{"id", "lead_id", "title", "amount", "status", "due_date", "revision_requested", "notes", "created_at"},
		Statuses: estimateStatuses,
		Resolve:  &domain.NameResolution{IDColumn: "lead_id", Table: "leads", As: "lead_name"},
	},
}

var (
	leadStatuses     = []string{"new", "contacted", "qualified", "proposal", "won", "lost"}
	machineStatuses  = []string{"idle", "running", "maintenance", "down"}
	taskStatuses     = []string{"open", "in_progress", "done", "cancelled"}
	estimateStatuses = []string{"draft", "sent", "revision", "accepted", "declined"}
)

// ListTool lists rows of one table with optional status and recency filters.
type ListTool struct {
	toolSpec
	spec   ListSpec
	data   domain.DataSource
	limits Limits
	logger *slog.Logger
}

// NewListTool creates a list_* tool from its spec.
func NewListTool(spec ListSpec, data domain.DataSource, limits Limits, logger *slog.Logger) *ListTool {
	statusEnum, _ := json.Marshal(spec.Statuses)
	return &ListTool{
		toolSpec: toolSpec{
			name:        spec.Name,
			description: spec.Description,
			schema: fmt.Sprintf(`{
				"type": "object",
				"properties": {
					"status":     {"type": "string", "enum": %s},
					"since_days": {"type": "integer", "minimum": 0, "maximum": 365, "description": "Only rows from the last N days"},
					"limit":      {"type": "integer", "minimum": 1, "maximum": 200}
				}
			}`, statusEnum),
		},
		spec:   spec,
		data:   data,
		limits: limits,
		logger: logger,
	}
}

type listParams struct {
	Status    string `json:"status"`
	SinceDays int    `json:"since_days"`
	Limit     int    `json:"limit"`
}

func (t *ListTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool."+t.spec.Name, t.logger, params,
		func(ctx context.Context, span trace.Span, p listParams) (any, error) {
			if err := ValidateEnum("status", p.Status, t.spec.Statuses...); err != nil {
				return nil, err
			}
			q := domain.RecordQuery{
				Table:   t.spec.Table,
				Columns: t.spec.Columns,
				OrderBy: t.spec.DateColumn,
				Desc:    true,
				Limit:   p.Limit,
			}
			if q.Limit <= 0 || (t.limits.ReadRowCap > 0 && q.Limit > t.limits.ReadRowCap) {
				q.Limit = t.limits.ReadRowCap
			}
			if p.Status != "" {
				q.Filters = append(q.Filters, domain.Filter{Column: t.spec.StatusColumn, Op: domain.OpEq, Value: p.Status})
			}
			if p.SinceDays > 0 {
				q.Filters = append(q.Filters, domain.Filter{
					Column: t.spec.DateColumn, Op: domain.OpGte,
					Value: time.Now().UTC().AddDate(0, 0, -p.SinceDays),
				})
			}

			rows, err := t.data.Query(ctx, q)
			if err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.IntAttr("tool.rows", len(rows)))
			if len(rows) == 0 {
				return NotFoundResult("no %s match the filters", t.spec.Table), nil
			}
			if t.spec.Resolve != nil {
				if err := ResolveColumn(ctx, t.data, rows, *t.spec.Resolve); err != nil {
					t.logger.WarnContext(ctx, "name resolution failed", "tool", t.spec.Name, "error", err)
				}
			}
			return CapRows(rows, t.limits.ReadRowCap, t.limits.ReadByteCap, t.limits.ReadFallbackRows), nil
		})
}

// ResolveColumn adds res.As to every row that has a resolvable res.IDColumn.
// Rows keep their raw ids when resolution fails.
func ResolveColumn(ctx context.Context, data domain.DataSource, rows []domain.Record, res domain.NameResolution) error {
	seen := map[string]bool{}
	var ids []string
	for _, r := range rows {
		id := fmt.Sprint(r[res.IDColumn])
		if r[res.IDColumn] == nil || id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}
	names, err := data.ResolveNames(ctx, res.Table, ids)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if r[res.IDColumn] == nil {
			continue
		}
		if name, ok := names[fmt.Sprint(r[res.IDColumn])]; ok {
			r[res.As] = name
		}
	}
	return nil
}

// GetRecordTool fetches one row by primary key from an allowed table.
type GetRecordTool struct {
	toolSpec
	data   domain.DataSource
	tables []string
	logger *slog.Logger
}

// NewGetRecordTool creates the get_record tool over the given tables.
func NewGetRecordTool(data domain.DataSource, tables []string, logger *slog.Logger) *GetRecordTool {
	enum, _ := json.Marshal(tables)
	return &GetRecordTool{
		toolSpec: toolSpec{
			name:        "get_record",
			description: "Fetch one record by id from a business table.",
			schema: fmt.Sprintf(`{
				"type": "object",
				"properties": {
					"table": {"type": "string", "enum": %s},
					"id":    {"type": "string"}
				},
				"required": ["table", "id"]
			}`, enum),
		},
		data:   data,
		tables: tables,
		logger: logger,
	}
}

type getRecordParams struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

func (t *GetRecordTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.get_record", t.logger, params,
		func(ctx context.Context, _ trace.Span, p getRecordParams) (any, error) {
			if err := ValidateAll(RequireFields("table", p.Table, "id", p.ID), t.checkTable(p.Table)); err != nil {
				return nil, err
			}
			rows, err := t.data.Query(ctx, domain.RecordQuery{
				Table:   p.Table,
				Filters: []domain.Filter{{Column: "id", Op: domain.OpEq, Value: p.ID}},
				Limit:   1,
			})
			if err != nil {
				return nil, err
			}
			if len(rows) == 0 {
				return NotFoundResult("no %s record with id %s", p.Table, p.ID), nil
			}
			return rows[0], nil
		})
}

func (t *GetRecordTool) checkTable(table string) error {
	if table == "" || slices.Contains(t.tables, table) {
		return nil
	}
	return domain.Validationf("table %q is not available (want: %s)", table, joinComma(t.tables))
}

// searchColumns is the default text column searched per table.
var searchColumns = map[string]string{
	"team_members":   "name",
	"orders":         "customer_name",
	"leads":          "name",
	"invoices":       "customer_name",
	"machines":       "name",
	"deliveries":     "address",
	"communications": "subject",
	"tasks":          "title",
	"estimates":      "title",
}

// SearchRecordsTool does a case-insensitive substring search on one column.
type SearchRecordsTool struct {
	toolSpec
	data   domain.DataSource
	tables []string
	limits Limits
	logger *slog.Logger
}

// NewSearchRecordsTool creates the search_records tool.
func NewSearchRecordsTool(data domain.DataSource, tables []string, limits Limits, logger *slog.Logger) *SearchRecordsTool {
	enum, _ := json.Marshal(tables)
	return &SearchRecordsTool{
		toolSpec: toolSpec{
			name: "search_records",
			description: "Search a business table for rows whose text column contains the given text. " +
				"The column defaults to the table's name or title column.",
			schema: fmt.Sprintf(`{
				"type": "object",
				"properties": {
					"table":  {"type": "string", "enum": %s},
					"text":   {"type": "string", "minLength": 2},
					"column": {"type": "string"},
					"limit":  {"type": "integer", "minimum": 1, "maximum": 100}
				},
				"required": ["table", "text"]
			}`, enum),
		},
		data:   data,
		tables: tables,
		limits: limits,
		logger: logger,
	}
}

type searchParams struct {
	Table  string `json:"table"`
	Text   string `json:"text"`
	Column string `json:"column"`
	Limit  int    `json:"limit"`
}

func (t *SearchRecordsTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.search_records", t.logger, params,
		func(ctx context.Context, _ trace.Span, p searchParams) (any, error) {
			if err := RequireFields("table", p.Table, "text", p.Text); err != nil {
				return nil, err
			}
			if !slices.Contains(t.tables, p.Table) {
				return nil, domain.Validationf("table %q is not available (want: %s)", p.Table, joinComma(t.tables))
			}
			col := p.Column
			if col == "" {
				col = searchColumns[p.Table]
			}
			if col == "" {
				return nil, domain.Validationf("column is required for table %s", p.Table)
			}
			limit := p.Limit
			if limit <= 0 || limit > 100 {
				limit = 25
			}
			rows, err := t.data.Query(ctx, domain.RecordQuery{
				Table:   p.Table,
				Filters: []domain.Filter{{Column: col, Op: domain.OpLike, Value: "%" + p.Text + "%"}},
				Limit:   limit,
			})
			if err != nil {
				return nil, err
			}
			if len(rows) == 0 {
				return NotFoundResult("no %s where %s contains %q", p.Table, col, p.Text), nil
			}
			return CapRows(rows, t.limits.ReadRowCap, t.limits.ReadByteCap, t.limits.ReadFallbackRows), nil
		})
}
