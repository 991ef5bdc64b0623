package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"opsdesk/internal/domain"
)

// protectedColumns are never written through RecordWriter field maps.
var protectedColumns = []string{"id", "company_id", "created_at"}

// UpdateRecord implements domain.RecordWriter. It returns the number of rows
// changed, which is 0 when the id does not exist in the caller's company.
func (s *Store) UpdateRecord(ctx context.Context, table, id string, fields map[string]any) (int64, error) {
	if len(fields) == 0 {
		return 0, domain.Validationf("no fields to update")
	}
	names := sortedKeys(fields)
	for _, n := range names {
		if slices.Contains(protectedColumns, n) {
			return 0, domain.Validationf("column %q cannot be updated", n)
		}
	}
	cols, err := s.checkTable(ctx, table, append([]string{"id"}, names...)...)
	if err != nil {
		return 0, err
	}

	sets := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+3)
	for _, n := range names {
		sets = append(sets, n+" = ?")
		args = append(args, s.sqlValue(fields[n]))
	}
	if cols["updated_at"] && fields["updated_at"] == nil {
		sets = append(sets, "updated_at = ?")
		args = append(args, formatTime(time.Now()))
	}

	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(sets, ", "))
	args = append(args, id)
	if tenant := domain.TenantIDFromContext(ctx); tenant != "" && cols["company_id"] {
		q += " AND company_id = ?"
		args = append(args, tenant)
	}

	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return 0, domain.NewSubSystemError("store", "Store.UpdateRecord", domain.ErrProviderError, err.Error())
	}
	return res.RowsAffected()
}

// InsertRecord implements domain.RecordWriter. A ULID id, the tenant and
// created_at are filled in when the table has those columns.
func (s *Store) InsertRecord(ctx context.Context, table string, fields map[string]any) (string, error) {
	row := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		if k == "company_id" {
			continue
		}
		row[k] = v
	}
	cols, err := s.checkTable(ctx, table, sortedKeys(row)...)
	if err != nil {
		return "", err
	}

	id, _ := row["id"].(string)
	if id == "" {
		id = ulid.Make().String()
		row["id"] = id
	}
	if tenant := domain.TenantIDFromContext(ctx); tenant != "" && cols["company_id"] {
		row["company_id"] = tenant
	}
	if cols["created_at"] && row["created_at"] == nil {
		row["created_at"] = formatTime(time.Now())
	}

	names := sortedKeys(row)
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = s.sqlValue(row[n])
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), placeholders(len(names)))
	if _, err := s.exec(ctx, q, args...); err != nil {
		return "", domain.NewSubSystemError("store", "Store.InsertRecord", domain.ErrProviderError, err.Error())
	}
	return id, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
