package domain

import (
	"context"
	"time"
)

// Record is one row returned by the data source, keyed by column name.
type Record map[string]any

// FilterOp is a comparison operator supported by RecordQuery filters.
type FilterOp string

const (
	OpEq      FilterOp = "eq"
	OpNeq     FilterOp = "neq"
	OpGte     FilterOp = "gte"
	OpLte     FilterOp = "lte"
	OpLt      FilterOp = "lt"
	OpIn      FilterOp = "in"
	OpLike    FilterOp = "like"
	OpIsNull  FilterOp = "is_null"
	OpNotNull FilterOp = "not_null"
)

// Filter is a single column predicate. Value is ignored for null checks and
// must be a []any for OpIn.
type Filter struct {
	Column string
	Op     FilterOp
	Value  any
}

// RecordQuery is a structured single-table read. Identifiers are validated
// by the data source before being placed in SQL.
type RecordQuery struct {
	Table   string
	Columns []string
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// DataSource is the read side of the business database.
type DataSource interface {
	Query(ctx context.Context, q RecordQuery) ([]Record, error)
	// ResolveNames maps ids in table to their display name column.
	ResolveNames(ctx context.Context, table string, ids []string) (map[string]string, error)
}

// SQLRunner executes raw statements on behalf of the SQL tools.
type SQLRunner interface {
	ReadQuery(ctx context.Context, query string, maxRows int) ([]Record, error)
	// ExecWrite runs stmt in a transaction and rolls back when more than
	// maxAffected rows would change.
	ExecWrite(ctx context.Context, stmt string, maxAffected int64) (int64, error)
}

// RecordWriter performs single-row writes addressed by primary key.
type RecordWriter interface {
	UpdateRecord(ctx context.Context, table, id string, fields map[string]any) (int64, error)
	InsertRecord(ctx context.Context, table string, fields map[string]any) (string, error)
}

// Observation is a persisted daily snapshot, unique per (kind, company, day).
type Observation struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CompanyID string    `json:"company_id"`
	Day       string    `json:"day"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// ObservationStore persists daily observations idempotently.
type ObservationStore interface {
	// InsertDailyIfAbsent stores obs unless one already exists for the same
	// (kind, company, day). It reports whether a row was written.
	InsertDailyIfAbsent(ctx context.Context, obs Observation) (bool, error)
	LatestObservation(ctx context.Context, kind, companyID string) (*Observation, error)
}

// ReadStep is one declarative context fetch in an agent's read plan.
// SinceDays and SinceToday bound SinceColumn (default created_at) from below;
// PastDueColumn keeps rows whose date is before today.
type ReadStep struct {
	Key           string
	Table         string
	Columns       []string
	Filters       []Filter
	SinceDays     int
	SinceToday    bool
	SinceColumn   string
	PastDueColumn string
	OrderBy       string
	Desc          bool
	Limit         int
	Resolve       *NameResolution
}

// NameResolution replaces an id column with a display name looked up in
// another table after the step's own fetch completes.
type NameResolution struct {
	IDColumn string
	Table    string
	As       string
}

// TeamMember is one row of the company roster.
type TeamMember struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Email      string  `json:"email,omitempty"`
	Role       string  `json:"role,omitempty"`
	HourlyRate float64 `json:"hourly_rate,omitempty"`
	UserID     string  `json:"user_id,omitempty"`
}

// TeamDirectory lists the active members of the caller's company.
type TeamDirectory interface {
	ListTeamMembers(ctx context.Context) ([]TeamMember, error)
}

// Notification is an in-app notice addressed to a team member. An empty
// AssigneeID leaves it unassigned.
type Notification struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Body       string    `json:"body,omitempty"`
	AssigneeID string    `json:"assignee_id,omitempty"`
	CreatedBy  string    `json:"created_by,omitempty"`
	Link       string    `json:"link,omitempty"`
	CompanyID  string    `json:"company_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NotificationStore persists notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n Notification) (string, error)
}
