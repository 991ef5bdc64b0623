package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"opsdesk/internal/adapter/external"
	"opsdesk/internal/domain"
	"opsdesk/internal/infra/tracer"
)

// FieldSpec maps one tool argument onto a column.
type FieldSpec struct {
	Param       string
	Column      string
	Type        string // string, number, boolean, date
	Enum        []string
	Member      bool // resolve a team member name to its id
	Description string
}

// UpdateSpec declares a single-row update tool addressed by primary key.
type UpdateSpec struct {
	Name        string
	Description string
	Table       string
	IDParam     string
	Fields      []FieldSpec
	Required    []string
	Fixed       map[string]any
	StampColumn string
}

var updateSpecs = []UpdateSpec{
	{
		Name: "update_lead", Description: "Update a sales lead's status, notes, contact details or owner.",
		Table: "leads", IDParam: "lead_id",
		Fields: []FieldSpec{
			{Param: "status", Column: "status", Type: "string", Enum: leadStatuses},
			{Param: "notes", Column: "notes", Type: "string"},
			{Param: "email", Column: "email", Type: "string"},
			{Param: "phone", Column: "phone", Type: "string"},
			{Param: "assignee", Column: "assigned_to", Type: "string", Member: true, Description: "Team member name"},
		},
	},
	{
		Name: "update_task", Description: "Update a task's status, title, description, due date or assignee.",
		Table: "tasks", IDParam: "task_id",
		Fields: []FieldSpec{
			{Param: "status", Column: "status", Type: "string", Enum: taskStatuses},
			{Param: "title", Column: "title", Type: "string"},
			{Param: "description", Column: "description", Type: "string"},
			{Param: "due_date", Column: "due_date", Type: "date"},
			{Param: "assignee", Column: "assignee_id", Type: "string", Member: true, Description: "Team member name"},
		},
	},
	{
		Name: "complete_task", Description: "Mark a task as done.",
		Table: "tasks", IDParam: "task_id",
		Fixed:       map[string]any{"status": "done"},
		StampColumn: "completed_at",
	},
	{
		Name: "update_machine_status", Description: "Set a machine's status (idle, running, maintenance, down) with optional notes.",
		Table: "machines", IDParam: "machine_id",
		Fields: []FieldSpec{
			{Param: "status", Column: "status", Type: "string", Enum: machineStatuses},
			{Param: "notes", Column: "notes", Type: "string"},
			{Param: "last_service", Column: "last_service", Type: "date"},
		},
		Required: []string{"status"},
	},
	{
		Name: "schedule_delivery", Description: "Schedule a delivery for a date, optionally assigning a driver.",
		Table: "deliveries", IDParam: "delivery_id",
		Fields: []FieldSpec{
			{Param: "scheduled_for", Column: "scheduled_for", Type: "date"},
			{Param: "driver", Column: "driver_id", Type: "string", Member: true, Description: "Driver's name"},
			{Param: "notes", Column: "notes", Type: "string"},
		},
		Required: []string{"scheduled_for"},
		Fixed:    map[string]any{"status": "scheduled"},
	},
	{
		Name: "update_estimate", Description: "Update an estimate's status, amount, due date, notes or revision flag.",
		Table: "estimates", IDParam: "estimate_id",
		Fields: []FieldSpec{
			{Param: "status", Column: "status", Type: "string", Enum: estimateStatuses},
			{Param: "amount", Column: "amount", Type: "number"},
			{Param: "due_date", Column: "due_date", Type: "date"},
			{Param: "notes", Column: "notes", Type: "string"},
			{Param: "revision_requested", Column: "revision_requested", Type: "boolean"},
		},
	},
}

// UpdateRecordTool applies one gated single-row update.
type UpdateRecordTool struct {
	toolSpec
	mutating
	spec   UpdateSpec
	writer domain.RecordWriter
	team   domain.TeamDirectory
	gate   *WriteGate
	logger *slog.Logger
}

// NewUpdateRecordTool creates an update tool from its spec.
func NewUpdateRecordTool(spec UpdateSpec, writer domain.RecordWriter, team domain.TeamDirectory, gate *WriteGate, logger *slog.Logger) *UpdateRecordTool {
	return &UpdateRecordTool{
		toolSpec: toolSpec{
			name:        spec.Name,
			description: spec.Description + " Requires confirm: true after the user approves the change.",
			schema:      updateSchema(spec),
		},
		spec:   spec,
		writer: writer,
		team:   team,
		gate:   gate,
		logger: logger,
	}
}

func updateSchema(spec UpdateSpec) string {
	props := map[string]any{
		spec.IDParam: map[string]any{"type": "string"},
		"confirm":    map[string]any{"type": "boolean", "description": "Must be true; set only after the user approved"},
	}
	for _, f := range spec.Fields {
		p := map[string]any{"type": f.Type}
		switch f.Type {
		case "date":
			p["type"] = "string"
			p["description"] = "YYYY-MM-DD"
		case "number":
			p["minimum"] = 0
		}
		if len(f.Enum) > 0 {
			p["enum"] = f.Enum
		}
		if f.Description != "" {
			p["description"] = f.Description
		}
		props[f.Param] = p
	}
	data, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   append([]string{spec.IDParam}, spec.Required...),
	})
	return string(data)
}

func (t *UpdateRecordTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool."+t.spec.Name, t.logger, params,
		func(ctx context.Context, span trace.Span, p map[string]any) (any, error) {
			id := asString(p[t.spec.IDParam])
			if err := RequireField(t.spec.IDParam, id); err != nil {
				return nil, err
			}
			fields, err := t.fields(ctx, p)
			if err != nil {
				return nil, err
			}
			confirm, _ := p["confirm"].(bool)
			if err := t.gate.GuardWrite(ctx, t.name, domain.PermRecordWrite, confirm); err != nil {
				return nil, err
			}

			n, err := t.writer.UpdateRecord(ctx, t.spec.Table, id, fields)
			if err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.IntAttr("tool.rows_affected", int(n)))
			if n == 0 {
				return NotFoundResult("no %s record with id %s; nothing was changed", t.spec.Table, id), nil
			}

			changes, _ := json.Marshal(fields)
			t.gate.AuditWrite(ctx, domain.AuditDataEvent, t.name, t.spec.Table+"/"+id,
				fmt.Sprintf("UPDATE %s %s WHERE id = %s", t.spec.Table, changes, id),
				fmt.Sprintf("%d row updated", n))
			return map[string]any{"ok": true, "table": t.spec.Table, "id": id, "updated": fields}, nil
		})
}

// fields validates the arguments and converts them to column values.
func (t *UpdateRecordTool) fields(ctx context.Context, p map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(t.spec.Fields)+len(t.spec.Fixed)+1)
	var roster []domain.TeamMember
	for _, f := range t.spec.Fields {
		v, ok := p[f.Param]
		if !ok || v == nil {
			continue
		}
		val, err := coerceField(f, v)
		if err != nil {
			return nil, err
		}
		if f.Member {
			if roster == nil {
				if roster, err = t.team.ListTeamMembers(ctx); err != nil {
					return nil, domain.Upstreamf(err, "could not load the team roster: %v", err)
				}
			}
			m, found := ResolveAssignee(roster, asString(val))
			if !found {
				return nil, domain.Validationf("no team member matches %q", val)
			}
			val = m.ID
		}
		out[f.Column] = val
	}
	for _, name := range t.spec.Required {
		if _, ok := p[name]; !ok {
			return nil, domain.Validationf("'%s' is required", name)
		}
	}
	if len(out) == 0 && len(t.spec.Fixed) == 0 {
		names := make([]string, len(t.spec.Fields))
		for i, f := range t.spec.Fields {
			names[i] = f.Param
		}
		return nil, domain.Validationf("nothing to update: provide at least one of %s", joinComma(names))
	}
	for k, v := range t.spec.Fixed {
		out[k] = v
	}
	if t.spec.StampColumn != "" {
		out[t.spec.StampColumn] = time.Now().UTC()
	}
	return out, nil
}

func coerceField(f FieldSpec, v any) (any, error) {
	switch f.Type {
	case "number":
		n, ok := v.(float64)
		if !ok {
			return nil, domain.Validationf("%s must be a number", f.Param)
		}
		return n, nil
	case "boolean":
		b, ok := v.(bool)
		if !ok {
			return nil, domain.Validationf("%s must be true or false", f.Param)
		}
		return b, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, domain.Validationf("%s must be a string", f.Param)
	}
	s = strings.TrimSpace(s)
	if f.Type == "date" {
		if err := ValidateAll(RequireField(f.Param, s), ValidateDate(f.Param, s)); err != nil {
			return nil, err
		}
	}
	if len(f.Enum) > 0 {
		if err := ValidateEnum(f.Param, s, f.Enum...); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	case float64:
		return fmt.Sprintf("%.0f", s)
	default:
		return fmt.Sprint(s)
	}
}

var orderStatuses = []string{"new", "quoted", "confirmed", "in_production", "ready", "shipped", "delivered", "completed", "cancelled"}

// UpdateOrderStatusTool changes an order's status locally and mirrors it to
// the ERP. A change-log entry is written whatever the ERP answers.
type UpdateOrderStatusTool struct {
	toolSpec
	mutating
	data    domain.DataSource
	writer  domain.RecordWriter
	erp     ERP
	changes domain.ChangeLog
	gate    *WriteGate
	logger  *slog.Logger
}

// NewUpdateOrderStatusTool creates the update_order_status tool.
func NewUpdateOrderStatusTool(data domain.DataSource, writer domain.RecordWriter, erp ERP, changes domain.ChangeLog, gate *WriteGate, logger *slog.Logger) *UpdateOrderStatusTool {
	enum, _ := json.Marshal(orderStatuses)
	return &UpdateOrderStatusTool{
		toolSpec: toolSpec{
			name: "update_order_status",
			description: "Change an order's status. The change is mirrored to the ERP when the order is linked " +
				"to one. Requires confirm: true after the user approves.",
			schema: fmt.Sprintf(`{
				"type": "object",
				"properties": {
					"order_id": {"type": "string"},
					"status":   {"type": "string", "enum": %s},
					"note":     {"type": "string"},
					"confirm":  {"type": "boolean"}
				},
				"required": ["order_id", "status"]
			}`, enum),
		},
		data:    data,
		writer:  writer,
		erp:     erp,
		changes: changes,
		gate:    gate,
		logger:  logger,
	}
}

type orderStatusParams struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Note    string `json:"note"`
	Confirm bool   `json:"confirm"`
}

func (t *UpdateOrderStatusTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.update_order_status", t.logger, params,
		func(ctx context.Context, span trace.Span, p orderStatusParams) (any, error) {
			if err := ValidateAll(
				RequireFields("order_id", p.OrderID, "status", p.Status),
				ValidateEnum("status", p.Status, orderStatuses...),
			); err != nil {
				return nil, err
			}
			rows, err := t.data.Query(ctx, domain.RecordQuery{
				Table:   "orders",
				Filters: []domain.Filter{{Column: "id", Op: domain.OpEq, Value: p.OrderID}},
				Limit:   1,
			})
			if err != nil {
				return nil, err
			}
			if len(rows) == 0 {
				return NotFoundResult("no order with id %s; nothing was changed", p.OrderID), nil
			}
			order := rows[0]
			previous := asString(order["status"])

			if err := t.gate.GuardWrite(ctx, t.name, domain.PermERPWrite, p.Confirm); err != nil {
				return nil, err
			}
			n, err := t.writer.UpdateRecord(ctx, "orders", p.OrderID, map[string]any{"status": p.Status})
			if err != nil {
				return nil, err
			}
			if n == 0 {
				return NotFoundResult("order %s is gone; nothing was changed", p.OrderID), nil
			}

			ref := asString(order["external_ref"])
			remote, remoteErr := t.mirror(ctx, ref, p.Status)
			span.SetAttributes(tracer.StringAttr("tool.remote_status", remote))

			entry := domain.ChangeLogEntry{
				System:       "odoo",
				EntityType:   "order",
				EntityID:     p.OrderID,
				Changes:      map[string]any{"status": map[string]string{"from": previous, "to": p.Status}},
				RemoteStatus: remote,
				Meta:         map[string]string{"external_ref": ref, "note": p.Note},
			}
			if remoteErr != nil {
				entry.RemoteError = remoteErr.Error()
			}
			recordChange(ctx, t.changes, t.logger, entry)

			t.gate.AuditWrite(ctx, domain.AuditDataEvent, t.name, "orders/"+p.OrderID,
				fmt.Sprintf("status %s -> %s", previous, p.Status), "erp "+remote)

			out := map[string]any{
				"ok":              true,
				"order_id":        p.OrderID,
				"previous_status": previous,
				"status":          p.Status,
				"erp_sync":        remote,
			}
			if remoteErr != nil {
				out["erp_error"] = remoteErr.Error()
				out["warning"] = "the local order was updated but the ERP did not confirm the change"
			}
			return out, nil
		})
}

// mirror pushes the status to the ERP when the order is linked and the
// status has an ERP equivalent.
func (t *UpdateOrderStatusTool) mirror(ctx context.Context, ref, status string) (string, error) {
	state := external.OdooState(status)
	if ref == "" || state == "" || !t.erp.Configured() {
		return domain.RemoteSkipped, nil
	}
	if err := t.erp.UpdateOrder(ctx, ref, map[string]any{"state": state}); err != nil {
		return domain.RemoteFailed, err
	}
	return domain.RemoteApplied, nil
}

// recordChange fills actor fields from the request and stores entry. Failures
// are logged only.
func recordChange(ctx context.Context, changes domain.ChangeLog, logger *slog.Logger, entry domain.ChangeLogEntry) {
	if changes == nil {
		return
	}
	if rc := domain.RequestFromContext(ctx); rc != nil {
		entry.ActorID = rc.Caller.ID
		entry.AgentID = rc.AgentID()
		entry.CompanyID = rc.CompanyID
	}
	entry.CreatedAt = time.Now().UTC()
	if err := changes.RecordChange(ctx, entry); err != nil {
		logger.ErrorContext(ctx, "change log write failed", "system", entry.System, "entity", entry.EntityID, "error", err)
	}
}

// LogCommunicationTool records a call, email or meeting in the communications log.
type LogCommunicationTool struct {
	toolSpec
	mutating
	writer domain.RecordWriter
	team   domain.TeamDirectory
	gate   *WriteGate
	logger *slog.Logger
}

// NewLogCommunicationTool creates the log_communication tool.
func NewLogCommunicationTool(writer domain.RecordWriter, team domain.TeamDirectory, gate *WriteGate, logger *slog.Logger) *LogCommunicationTool {
	return &LogCommunicationTool{
		toolSpec: toolSpec{
			name:        "log_communication",
			description: "Log a customer communication. The team member defaults to the caller. Requires confirm: true.",
			schema: `{
				"type": "object",
				"properties": {
					"direction":   {"type": "string", "enum": ["inbound", "outbound"]},
					"channel":     {"type": "string", "enum": ["email", "phone", "sms", "meeting", "chat"]},
					"counterpart": {"type": "string", "description": "Customer or contact name"},
					"subject":     {"type": "string"},
					"body":        {"type": "string"},
					"member":      {"type": "string", "description": "Team member name; defaults to the caller"},
					"confirm":     {"type": "boolean"}
				},
				"required": ["direction", "channel", "counterpart", "subject"]
			}`,
		},
		writer: writer,
		team:   team,
		gate:   gate,
		logger: logger,
	}
}

type logCommParams struct {
	Direction   string `json:"direction"`
	Channel     string `json:"channel"`
	Counterpart string `json:"counterpart"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	Member      string `json:"member"`
	Confirm     bool   `json:"confirm"`
}

func (t *LogCommunicationTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.log_communication", t.logger, params,
		func(ctx context.Context, _ trace.Span, p logCommParams) (any, error) {
			if err := ValidateAll(
				RequireFields("direction", p.Direction, "channel", p.Channel, "counterpart", p.Counterpart, "subject", p.Subject),
				ValidateEnum("direction", p.Direction, "inbound", "outbound"),
				ValidateEnum("channel", p.Channel, "email", "phone", "sms", "meeting", "chat"),
			); err != nil {
				return nil, err
			}
			rc, err := requestContext(ctx)
			if err != nil {
				return nil, err
			}
			memberID, err := t.member(ctx, rc, p.Member)
			if err != nil {
				return nil, err
			}
			if err := t.gate.GuardWrite(ctx, t.name, domain.PermRecordWrite, p.Confirm); err != nil {
				return nil, err
			}
			id, err := t.writer.InsertRecord(ctx, "communications", map[string]any{
				"member_id":   memberID,
				"direction":   p.Direction,
				"channel":     p.Channel,
				"counterpart": p.Counterpart,
				"subject":     p.Subject,
				"body":        p.Body,
			})
			if err != nil {
				return nil, err
			}
			t.gate.AuditWrite(ctx, domain.AuditDataEvent, t.name, "communications/"+id,
				fmt.Sprintf("INSERT communications %s %s with %s: %s", p.Direction, p.Channel, p.Counterpart, p.Subject),
				"created "+id)
			return map[string]any{"ok": true, "id": id, "member_id": memberID}, nil
		})
}

// member resolves the named member, or the caller's own roster row.
func (t *LogCommunicationTool) member(ctx context.Context, rc *domain.RequestContext, name string) (string, error) {
	roster, err := t.team.ListTeamMembers(ctx)
	if err != nil {
		if name != "" {
			return "", domain.Upstreamf(err, "could not load the team roster: %v", err)
		}
		return rc.Caller.ID, nil
	}
	if name != "" {
		m, ok := ResolveAssignee(roster, name)
		if !ok {
			return "", domain.Validationf("no team member matches %q", name)
		}
		return m.ID, nil
	}
	for _, m := range roster {
		if isSelf(m, rc.Caller) {
			return m.ID, nil
		}
	}
	return rc.Caller.ID, nil
}
