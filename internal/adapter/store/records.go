package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"opsdesk/internal/domain"
)

// InsertDailyIfAbsent implements domain.ObservationStore. The UNIQUE
// (kind, company_id, day) constraint makes concurrent first writers race
// safely: exactly one insert lands, the rest are no-ops.
func (s *Store) InsertDailyIfAbsent(ctx context.Context, obs domain.Observation) (bool, error) {
	if obs.ID == "" {
		obs.ID = ulid.Make().String()
	}
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = time.Now()
	}
	res, err := s.exec(ctx, `INSERT INTO observations (id, kind, company_id, day, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, company_id, day) DO NOTHING`,
		obs.ID, obs.Kind, obs.CompanyID, obs.Day, string(obs.Payload), formatTime(obs.CreatedAt))
	if err != nil {
		return false, domain.NewSubSystemError("store", "Store.InsertDailyIfAbsent", domain.ErrProviderError, err.Error())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LatestObservation implements domain.ObservationStore.
func (s *Store) LatestObservation(ctx context.Context, kind, companyID string) (*domain.Observation, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, kind, company_id, day, payload, created_at
		FROM observations WHERE kind = ? AND company_id = ? ORDER BY day DESC LIMIT 1`), kind, companyID)

	var (
		obs              domain.Observation
		payload, created string
	)
	if err := row.Scan(&obs.ID, &obs.Kind, &obs.CompanyID, &obs.Day, &payload, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewSubSystemError("store", "Store.LatestObservation", domain.ErrNotFound, kind)
		}
		return nil, err
	}
	obs.Payload = []byte(payload)
	obs.CreatedAt = parseTime(created)
	return &obs, nil
}

// RecordChange implements domain.ChangeLog.
func (s *Store) RecordChange(ctx context.Context, e domain.ChangeLogEntry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.CompanyID == "" {
		e.CompanyID = domain.TenantIDFromContext(ctx)
	}
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO change_log (id, actor_id, agent_id, system, entity_type, entity_id,
		changes, remote_status, remote_error, meta, company_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ActorID, e.AgentID, e.System, e.EntityType, e.EntityID,
		string(changes), e.RemoteStatus, e.RemoteError, string(meta), e.CompanyID, formatTime(e.CreatedAt))
	if err != nil {
		return domain.NewSubSystemError("store", "Store.RecordChange", domain.ErrProviderError, err.Error())
	}
	return nil
}

// ChangesFor returns change log entries for one entity, newest first.
func (s *Store) ChangesFor(ctx context.Context, entityType, entityID string) ([]domain.ChangeLogEntry, error) {
	rows, err := s.query(ctx, `SELECT id, actor_id, agent_id, system, entity_type, entity_id, changes,
		remote_status, remote_error, meta, company_id, created_at
		FROM change_log WHERE entity_type = ? AND entity_id = ? ORDER BY created_at DESC, id DESC`,
		entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChangeLogEntry
	for rows.Next() {
		var (
			e                      domain.ChangeLogEntry
			changes, meta, created string
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.AgentID, &e.System, &e.EntityType, &e.EntityID, &changes,
			&e.RemoteStatus, &e.RemoteError, &meta, &e.CompanyID, &created); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(changes), &e.Changes)
		_ = json.Unmarshal([]byte(meta), &e.Meta)
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateNotification implements domain.NotificationStore.
func (s *Store) CreateNotification(ctx context.Context, n domain.Notification) (string, error) {
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.CompanyID == "" {
		n.CompanyID = domain.TenantIDFromContext(ctx)
	}
	_, err := s.exec(ctx, `INSERT INTO notifications (id, company_id, title, body, assignee_id, created_by, link, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.CompanyID, n.Title, n.Body, n.AssigneeID, n.CreatedBy, n.Link, formatTime(n.CreatedAt))
	if err != nil {
		return "", domain.NewSubSystemError("store", "Store.CreateNotification", domain.ErrProviderError, err.Error())
	}
	return n.ID, nil
}

// RecordToolUse implements domain.UsageRecorder.
func (s *Store) RecordToolUse(ctx context.Context, u domain.ToolUse) error {
	if u.CompanyID == "" {
		u.CompanyID = domain.TenantIDFromContext(ctx)
	}
	_, err := s.exec(ctx, `INSERT INTO tool_usage (id, company_id, actor_id, agent_id, tool, category, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ulid.Make().String(), u.CompanyID, u.ActorID, u.AgentID, u.Tool, string(u.Category), formatTime(time.Now()))
	if err != nil {
		return domain.NewSubSystemError("store", "Store.RecordToolUse", domain.ErrProviderError, err.Error())
	}
	return nil
}

// ListTeamMembers implements domain.TeamDirectory for the tenant in ctx.
func (s *Store) ListTeamMembers(ctx context.Context) ([]domain.TeamMember, error) {
	cols, err := s.checkTable(ctx, "team_members", "id", "name")
	if err != nil {
		return nil, err
	}
	recs, err := s.Query(ctx, domain.RecordQuery{Table: "team_members", OrderBy: "name"})
	if err != nil {
		return nil, err
	}
	out := make([]domain.TeamMember, 0, len(recs))
	for _, r := range recs {
		if cols["active"] && !truthy(r["active"]) {
			continue
		}
		out = append(out, domain.TeamMember{
			ID:         str(r["id"]),
			Name:       str(r["name"]),
			Email:      str(r["email"]),
			Role:       str(r["role"]),
			HourlyRate: num(r["hourly_rate"]),
			UserID:     str(r["user_id"]),
		})
	}
	return out, nil
}

// AuditLogger returns a domain.AuditLogger writing to the audit_events table.
// Closing it does not close the store.
func (s *Store) AuditLogger() domain.AuditLogger {
	return auditSink{s: s}
}

type auditSink struct{ s *Store }

func (a auditSink) Log(ctx context.Context, e domain.AuditEvent) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.TenantID == "" {
		e.TenantID = domain.TenantIDFromContext(ctx)
	}
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return domain.NewDomainError("store.AuditLog", domain.ErrAuditWrite, err.Error())
	}
	_, err = a.s.exec(ctx, `INSERT INTO audit_events (id, ts, type, actor, resource, action, outcome, company_id, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.Timestamp), string(e.Type), e.Actor, e.Resource, e.Action, e.Outcome, e.TenantID, string(detail))
	if err != nil {
		return domain.NewDomainError("store.AuditLog", domain.ErrAuditWrite, err.Error())
	}
	return nil
}

func (auditSink) Close() error { return nil }

// PurgeAuditEvents deletes audit events recorded before cutoff.
func (s *Store) PurgeAuditEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM audit_events WHERE ts < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	return res.RowsAffected()
}

// AuditEvents returns audit events of the given type, oldest first. An empty
// type returns all events.
func (s *Store) AuditEvents(ctx context.Context, typ domain.AuditEventType) ([]domain.AuditEvent, error) {
	q := `SELECT id, ts, type, actor, resource, action, outcome, company_id, detail FROM audit_events`
	var args []any
	if typ != "" {
		q += ` WHERE type = ?`
		args = append(args, string(typ))
	}
	q += ` ORDER BY ts, id`
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var (
			e             domain.AuditEvent
			ts, t, detail string
		)
		if err := rows.Scan(&e.ID, &ts, &t, &e.Actor, &e.Resource, &e.Action, &e.Outcome, &e.TenantID, &detail); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		e.Type = domain.AuditEventType(t)
		_ = json.Unmarshal([]byte(detail), &e.Detail)
		out = append(out, e)
	}
	return out, rows.Err()
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func num(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return 0
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case nil:
		return false
	default:
		return str(t) != "0" && str(t) != "false"
	}
}
