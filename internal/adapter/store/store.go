// Package store is the SQL-backed business database: the context data source,
// the raw SQL runner behind the SQL tools, single-record writes and the tables
// the orchestration core owns (observations, audit, change log, notifications,
// tool usage). SQLite is the default driver; Postgres is selected with
// driver "postgres".
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder and operator syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// timeLayout is the fixed UTC text form used for every timestamp column, so
// lexical and chronological order agree.
const timeLayout = "2006-01-02T15:04:05Z"

// Config selects and tunes the database connection.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	SeedSchema   bool
}

// Store implements the domain persistence interfaces on database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect

	mu      sync.RWMutex
	columns map[string]map[string]bool // table -> column set, loaded lazily
}

// Open connects to the database and runs migrations. With SeedSchema the ERP
// tables used in development and tests are created as well.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		driver  string
		dialect Dialect
	)
	switch cfg.Driver {
	case "", "sqlite":
		driver, dialect = "sqlite", DialectSQLite
		if dir := filepath.Dir(cfg.DSN); dir != "." && !strings.HasPrefix(cfg.DSN, "file:") && cfg.DSN != ":memory:" {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	case "postgres":
		driver, dialect = "postgres", DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	dsn := cfg.DSN
	if dialect == DialectSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &Store{db: db, dialect: dialect, columns: make(map[string]map[string]bool)}
	if err := s.migrate(ctx, cfg.SeedSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect returns the SQL dialect in use.
func (s *Store) Dialect() Dialect { return s.dialect }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// sqliteDSN adds per-connection pragmas: WAL for concurrent readers and a
// busy timeout so concurrent writers wait instead of failing.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inQuote = !inQuote
		}
		if c == '?' && !inQuote {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

// likeOp is the case-insensitive pattern operator for the dialect.
func (s *Store) likeOp() string {
	if s.dialect == DialectPostgres {
		return "ILIKE"
	}
	return "LIKE"
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}
