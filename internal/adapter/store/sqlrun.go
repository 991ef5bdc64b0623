package store

import (
	"context"
	"database/sql"
	"fmt"

	"opsdesk/internal/domain"
)

// ReadQuery implements domain.SQLRunner. The statement runs in a transaction
// that is always rolled back; on Postgres the transaction is also READ ONLY so
// data-modifying CTEs fail. Statement validation happens in the tool layer.
func (s *Store) ReadQuery(ctx context.Context, query string, maxRows int) ([]domain.Record, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: s.dialect == DialectPostgres})
	if err != nil {
		return nil, domain.NewSubSystemError("store", "Store.ReadQuery", domain.ErrProviderError, err.Error())
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.Validationf("query failed: %v", err)
	}
	defer rows.Close()
	return scanRecords(rows, maxRows)
}

// ExecWrite implements domain.SQLRunner. When the statement changes more than
// maxAffected rows the transaction is rolled back and ErrTooManyRows returned.
func (s *Store) ExecWrite(ctx context.Context, stmt string, maxAffected int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, domain.NewSubSystemError("store", "Store.ExecWrite", domain.ErrProviderError, err.Error())
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, stmt)
	if err != nil {
		return 0, domain.Validationf("statement failed: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.NewSubSystemError("store", "Store.ExecWrite", domain.ErrProviderError, err.Error())
	}
	if maxAffected > 0 && n > maxAffected {
		return 0, domain.Deniedf(domain.ErrTooManyRows,
			"statement would change %d rows, more than the %d allowed; rolled back", n, maxAffected)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}
