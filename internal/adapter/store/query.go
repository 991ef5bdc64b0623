package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"opsdesk/internal/domain"
)

// defaultQueryLimit caps structured reads that do not set a limit.
const defaultQueryLimit = 500

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdentifier reports whether name is safe to splice into SQL as a table
// or column name.
func ValidIdentifier(name string) bool {
	return len(name) <= 63 && identRe.MatchString(name)
}

// tableColumns returns the column set of table, loading it on first use.
// An unknown table yields an empty set.
func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	s.mu.RLock()
	cols, ok := s.columns[table]
	s.mu.RUnlock()
	if ok {
		return cols, nil
	}

	var q string
	switch s.dialect {
	case DialectPostgres:
		q = `SELECT column_name FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = ?`
	default:
		q = `SELECT name FROM pragma_table_info(?)`
	}
	rows, err := s.query(ctx, q, table)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	cols = make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(cols) > 0 {
		s.mu.Lock()
		s.columns[table] = cols
		s.mu.Unlock()
	}
	return cols, nil
}

// HasTable reports whether table exists.
func (s *Store) HasTable(ctx context.Context, table string) bool {
	if !ValidIdentifier(table) {
		return false
	}
	cols, err := s.tableColumns(ctx, table)
	return err == nil && len(cols) > 0
}

// checkTable validates table and columns against the live schema.
func (s *Store) checkTable(ctx context.Context, table string, columns ...string) (map[string]bool, error) {
	if !ValidIdentifier(table) {
		return nil, domain.Validationf("invalid table name %q", table)
	}
	cols, err := s.tableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, domain.Validationf("unknown table %q", table)
	}
	for _, c := range columns {
		if !ValidIdentifier(c) || !cols[c] {
			return nil, domain.Validationf("unknown column %q on %s", c, table)
		}
	}
	return cols, nil
}

// Query implements domain.DataSource. Tables carrying company_id are scoped to
// the tenant in ctx.
func (s *Store) Query(ctx context.Context, q domain.RecordQuery) ([]domain.Record, error) {
	referenced := append([]string{}, q.Columns...)
	for _, f := range q.Filters {
		referenced = append(referenced, f.Column)
	}
	if q.OrderBy != "" {
		referenced = append(referenced, q.OrderBy)
	}
	cols, err := s.checkTable(ctx, q.Table, referenced...)
	if err != nil {
		return nil, err
	}

	selectList := "*"
	if len(q.Columns) > 0 {
		selectList = strings.Join(q.Columns, ", ")
	}

	where, args, err := s.buildWhere(ctx, cols, q.Filters)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", selectList, q.Table)
	if where != "" {
		b.WriteString(" WHERE " + where)
	}
	if q.OrderBy != "" {
		b.WriteString(" ORDER BY " + q.OrderBy)
		if q.Desc {
			b.WriteString(" DESC")
		}
	}
	limit := q.Limit
	if limit <= 0 || limit > defaultQueryLimit {
		limit = defaultQueryLimit
	}
	b.WriteString(" LIMIT ?")
	args = append(args, limit)

	rows, err := s.query(ctx, b.String(), args...)
	if err != nil {
		return nil, domain.NewSubSystemError("store", "Store.Query", domain.ErrProviderError, err.Error())
	}
	defer rows.Close()
	return scanRecords(rows, 0)
}

func (s *Store) buildWhere(ctx context.Context, cols map[string]bool, filters []domain.Filter) (string, []any, error) {
	var (
		clauses []string
		args    []any
	)
	if tenant := domain.TenantIDFromContext(ctx); tenant != "" && cols["company_id"] {
		clauses = append(clauses, "company_id = ?")
		args = append(args, tenant)
	}
	for _, f := range filters {
		v := s.sqlValue(f.Value)
		switch f.Op {
		case domain.OpEq, "":
			clauses = append(clauses, f.Column+" = ?")
			args = append(args, v)
		case domain.OpNeq:
			clauses = append(clauses, "("+f.Column+" <> ? OR "+f.Column+" IS NULL)")
			args = append(args, v)
		case domain.OpGte:
			clauses = append(clauses, f.Column+" >= ?")
			args = append(args, v)
		case domain.OpLte:
			clauses = append(clauses, f.Column+" <= ?")
			args = append(args, v)
		case domain.OpLt:
			clauses = append(clauses, f.Column+" < ?")
			args = append(args, v)
		case domain.OpLike:
			clauses = append(clauses, f.Column+" "+s.likeOp()+" ?")
			args = append(args, v)
		case domain.OpIsNull:
			clauses = append(clauses, f.Column+" IS NULL")
		case domain.OpNotNull:
			clauses = append(clauses, f.Column+" IS NOT NULL")
		case domain.OpIn:
			list, ok := f.Value.([]any)
			if !ok || len(list) == 0 {
				return "", nil, domain.Validationf("filter %s: in requires a non-empty list", f.Column)
			}
			clauses = append(clauses, f.Column+" IN ("+placeholders(len(list))+")")
			for _, item := range list {
				args = append(args, s.sqlValue(item))
			}
		default:
			return "", nil, domain.Validationf("filter %s: unsupported operator %q", f.Column, f.Op)
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

// ResolveNames implements domain.DataSource. The display column is name, or
// title for tables without one. Unknown ids are absent from the result.
func (s *Store) ResolveNames(ctx context.Context, table string, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cols, err := s.checkTable(ctx, table, "id")
	if err != nil {
		return nil, err
	}
	display := "name"
	if !cols["name"] {
		if !cols["title"] {
			return nil, domain.Validationf("table %s has no name or title column", table)
		}
		display = "title"
	}

	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	q := fmt.Sprintf("SELECT id, %s FROM %s WHERE id IN (%s)", display, table, placeholders(len(ids)))
	if tenant := domain.TenantIDFromContext(ctx); tenant != "" && cols["company_id"] {
		q += " AND company_id = ?"
		args = append(args, tenant)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, domain.NewSubSystemError("store", "Store.ResolveNames", domain.ErrProviderError, err.Error())
	}
	defer rows.Close()
	for rows.Next() {
		var id, name sql.NullString
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id.String] = name.String
	}
	return out, rows.Err()
}

// scanRecords reads rows into records. maxRows > 0 stops after that many.
func scanRecords(rows *sql.Rows, maxRows int) ([]domain.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []domain.Record{}
	for rows.Next() {
		if maxRows > 0 && len(out) >= maxRows {
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(domain.Record, len(cols))
		for i, c := range cols {
			rec[c] = normalize(vals[i])
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return formatTime(t)
	default:
		return v
	}
}

// sqlValue converts filter values to their column representation. Booleans
// become 0/1 on SQLite, where they are stored as INTEGER.
func (s *Store) sqlValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return formatTime(t)
	case bool:
		if s.dialect == DialectPostgres {
			return t
		}
		if t {
			return 1
		}
		return 0
	default:
		return v
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
