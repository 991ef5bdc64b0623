package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditToolExec     AuditEventType = "tool_exec"
	AuditAccessLog    AuditEventType = "access"
	AuditAccessDenied AuditEventType = "access_denied"
	AuditDataEvent    AuditEventType = "data_event"
	AuditExternal     AuditEventType = "external_write"
	AuditMessageSent  AuditEventType = "message_sent"
	AuditRBACDenied   AuditEventType = "rbac_denied"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	ID        string            `json:"id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail"`

	Actor    string `json:"actor,omitempty"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}

// ChangeLogEntry records an external-system write. Entries are written whether
// or not the remote call succeeded.
type ChangeLogEntry struct {
	ID           string            `json:"id"`
	ActorID      string            `json:"actor_id"`
	AgentID      string            `json:"agent_id"`
	System       string            `json:"system"`
	EntityType   string            `json:"entity_type"`
	EntityID     string            `json:"entity_id"`
	Changes      map[string]any    `json:"changes"`
	RemoteStatus string            `json:"remote_status"`
	RemoteError  string            `json:"remote_error,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
	CompanyID    string            `json:"company_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Remote status values for ChangeLogEntry.
const (
	RemoteApplied = "applied"
	RemoteFailed  = "failed"
	RemoteSkipped = "skipped"
)

// ChangeLog persists external-write history.
type ChangeLog interface {
	RecordChange(ctx context.Context, entry ChangeLogEntry) error
}
