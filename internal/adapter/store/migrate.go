package store

import (
	"context"
	"fmt"
)

// coreSchema holds the tables the orchestration core owns. The DDL is
// portable across SQLite and Postgres.
var coreSchema = []string{
	`CREATE TABLE IF NOT EXISTS observations (
		id         TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		company_id TEXT NOT NULL DEFAULT '',
		day        TEXT NOT NULL,
		payload    TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (kind, company_id, day)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id         TEXT PRIMARY KEY,
		ts         TEXT NOT NULL,
		type       TEXT NOT NULL,
		actor      TEXT NOT NULL DEFAULT '',
		resource   TEXT NOT NULL DEFAULT '',
		action     TEXT NOT NULL DEFAULT '',
		outcome    TEXT NOT NULL DEFAULT '',
		company_id TEXT NOT NULL DEFAULT '',
		detail     TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events (ts)`,
	`CREATE TABLE IF NOT EXISTS change_log (
		id            TEXT PRIMARY KEY,
		actor_id      TEXT NOT NULL DEFAULT '',
		agent_id      TEXT NOT NULL DEFAULT '',
		system        TEXT NOT NULL,
		entity_type   TEXT NOT NULL,
		entity_id     TEXT NOT NULL,
		changes       TEXT NOT NULL DEFAULT '{}',
		remote_status TEXT NOT NULL,
		remote_error  TEXT NOT NULL DEFAULT '',
		meta          TEXT NOT NULL DEFAULT '{}',
		company_id    TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id          TEXT PRIMARY KEY,
		company_id  TEXT NOT NULL DEFAULT '',
		title       TEXT NOT NULL,
		body        TEXT NOT NULL DEFAULT '',
		assignee_id TEXT NOT NULL DEFAULT '',
		created_by  TEXT NOT NULL DEFAULT '',
		link        TEXT NOT NULL DEFAULT '',
		is_read     INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tool_usage (
		id         TEXT PRIMARY KEY,
		company_id TEXT NOT NULL DEFAULT '',
		actor_id   TEXT NOT NULL DEFAULT '',
		agent_id   TEXT NOT NULL DEFAULT '',
		tool       TEXT NOT NULL,
		category   TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_usage_actor ON tool_usage (company_id, actor_id, created_at)`,
}

// erpSchema is the development copy of the business tables. Production
// deployments point the store at the real ERP database instead.
var erpSchema = []string{
	`CREATE TABLE IF NOT EXISTS team_members (
		id          TEXT PRIMARY KEY,
		company_id  TEXT NOT NULL DEFAULT '',
		name        TEXT NOT NULL,
		email       TEXT NOT NULL DEFAULT '',
		phone       TEXT NOT NULL DEFAULT '',
		role        TEXT NOT NULL DEFAULT '',
		hourly_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		user_id     TEXT NOT NULL DEFAULT '',
		active      INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id            TEXT PRIMARY KEY,
		company_id    TEXT NOT NULL DEFAULT '',
		order_number  TEXT NOT NULL,
		customer_name TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'new',
		total         DOUBLE PRECISION NOT NULL DEFAULT 0,
		due_date      TEXT,
		assigned_to   TEXT,
		external_ref  TEXT,
		created_at    TEXT NOT NULL,
		updated_at    TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS leads (
		id           TEXT PRIMARY KEY,
		company_id   TEXT NOT NULL DEFAULT '',
		name         TEXT NOT NULL,
		email        TEXT NOT NULL DEFAULT '',
		phone        TEXT NOT NULL DEFAULT '',
		source       TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'new',
		notes        TEXT NOT NULL DEFAULT '',
		assigned_to  TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		id             TEXT PRIMARY KEY,
		company_id     TEXT NOT NULL DEFAULT '',
		invoice_number TEXT NOT NULL,
		customer_name  TEXT NOT NULL DEFAULT '',
		amount         DOUBLE PRECISION NOT NULL DEFAULT 0,
		status         TEXT NOT NULL DEFAULT 'open',
		due_date       TEXT,
		external_ref   TEXT,
		created_at     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS machines (
		id           TEXT PRIMARY KEY,
		company_id   TEXT NOT NULL DEFAULT '',
		name         TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'idle',
		location     TEXT NOT NULL DEFAULT '',
		last_service TEXT,
		notes        TEXT NOT NULL DEFAULT '',
		updated_at   TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		id            TEXT PRIMARY KEY,
		company_id    TEXT NOT NULL DEFAULT '',
		order_id      TEXT,
		address       TEXT NOT NULL DEFAULT '',
		scheduled_for TEXT,
		status        TEXT NOT NULL DEFAULT 'pending',
		driver_id     TEXT,
		notes         TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL,
		updated_at    TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS communications (
		id          TEXT PRIMARY KEY,
		company_id  TEXT NOT NULL DEFAULT '',
		member_id   TEXT,
		direction   TEXT NOT NULL,
		channel     TEXT NOT NULL DEFAULT 'email',
		counterpart TEXT NOT NULL DEFAULT '',
		subject     TEXT NOT NULL DEFAULT '',
		body        TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		company_id   TEXT NOT NULL DEFAULT '',
		title        TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		assignee_id  TEXT,
		status       TEXT NOT NULL DEFAULT 'open',
		due_date     TEXT,
		created_by   TEXT NOT NULL DEFAULT '',
		completed_at TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS estimates (
		id                 TEXT PRIMARY KEY,
		company_id         TEXT NOT NULL DEFAULT '',
		lead_id            TEXT,
		title              TEXT NOT NULL,
		amount             DOUBLE PRECISION NOT NULL DEFAULT 0,
		status             TEXT NOT NULL DEFAULT 'draft',
		due_date           TEXT,
		revision_requested INTEGER NOT NULL DEFAULT 0,
		notes              TEXT NOT NULL DEFAULT '',
		created_at         TEXT NOT NULL,
		updated_at         TEXT
	)`,
}

// ERPTables lists the business tables generic tools may address.
var ERPTables = []string{
	"team_members", "orders", "leads", "invoices", "machines",
	"deliveries", "communications", "tasks", "estimates",
}

func (s *Store) migrate(ctx context.Context, seed bool) error {
	stmts := coreSchema
	if seed {
		stmts = append(append([]string{}, coreSchema...), erpSchema...)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%.60s: %w", stmt, err)
		}
	}
	return nil
}
