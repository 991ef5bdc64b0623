package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdesk/internal/domain"
)

var testLimits = Limits{
	ReadRowCap:       200,
	ReadByteCap:      64 * 1024,
	ReadFallbackRows: 25,
	MaxQueryLength:   4000,
	MaxRowsAffected:  25,
}

func newWriteFix(sql *fakeSQL, audit *fakeAudit) *DBWriteFixTool {
	return NewDBWriteFixTool(sql, NewWriteGate(nil, audit, 0, nopLogger()), testLimits, nopLogger())
}

func TestDBWriteFix_ConfirmRequired(t *testing.T) {
	for _, args := range []string{
		`{"query": "UPDATE orders SET status = 'ready' WHERE id = 'o-1'", "reason": "customer called"}`,
		`{"query": "UPDATE orders SET status = 'ready' WHERE id = 'o-1'", "reason": "customer called", "confirm": false}`,
	} {
		sql, audit := &fakeSQL{affected: 1}, &fakeAudit{}
		ctx, rc := requestCtx([]domain.AuthRole{domain.AuthRoleAdmin}, 3)

		res := run(t, ctx, newWriteFix(sql, audit), args)

		assert.True(t, res.IsError)
		assert.Equal(t, domain.CategoryPermissionDenied, res.Category)
		assert.Contains(t, res.Content, "confirm flag required")
		assert.Empty(t, sql.writes, "no mutation without confirm")
		assert.Empty(t, audit.ofType(domain.AuditDataEvent))
		assert.Zero(t, rc.Budget.Used(), "a refused call does not spend budget")
	}
}

func TestDBWriteFix_ConfirmedWriteMutatesOnceAndAuditsOnce(t *testing.T) {
	sql, audit := &fakeSQL{affected: 1}, &fakeAudit{}
	ctx, rc := requestCtx([]domain.AuthRole{domain.AuthRoleAdmin}, 3)
	ctx = domain.ContextWithRequestID(ctx, "01REQ")

	res := run(t, ctx, newWriteFix(sql, audit),
		`{"query": "UPDATE orders SET status = 'ready' WHERE id = 'o-1'", "reason": "customer called", "confirm": true}`)

	require.False(t, res.IsError, res.Content)
	out := decode(t, res)
	assert.Equal(t, "UPDATE", out["operation"])
	assert.EqualValues(t, 1, out["rows_affected"])
	assert.Len(t, sql.writes, 1)
	assert.Equal(t, 1, rc.Budget.Used())

	events := audit.ofType(domain.AuditDataEvent)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "u-maria", ev.Actor)
	assert.Equal(t, "db_write_fix", ev.Detail["tool"])
	assert.Equal(t, "operations", ev.Detail["agent"])
	assert.Equal(t, "01REQ", ev.Detail["request_id"])
	assert.Contains(t, ev.Detail["statement"], "UPDATE orders")
	assert.Equal(t, "acme", ev.TenantID)
}

// Scenario: DROP TABLE with confirm is refused before any mutation.
func TestDBWriteFix_DestructiveBlockedRegardlessOfConfirm(t *testing.T) {
	for _, confirm := range []string{"true", "false"} {
		sql, audit := &fakeSQL{affected: 1}, &fakeAudit{}
		ctx, rc := requestCtx([]domain.AuthRole{domain.AuthRoleAdmin}, 3)

		res := run(t, ctx, newWriteFix(sql, audit),
			`{"query": "DROP TABLE orders", "reason": "cleanup", "confirm": `+confirm+`}`)

		assert.True(t, res.IsError)
		assert.Equal(t, domain.CategoryPermissionDenied, res.Category)
		out := decode(t, res)
		assert.Contains(t, out["error"], "destructive")
		assert.Contains(t, out["error"], "not allowed")
		assert.Empty(t, sql.writes)
		assert.Empty(t, audit.events)
		assert.Zero(t, rc.Budget.Used())
	}
}

func TestDBWriteFix_BudgetCap(t *testing.T) {
	sql, audit := &fakeSQL{affected: 1}, &fakeAudit{}
	tl := newWriteFix(sql, audit)
	args := `{"query": "UPDATE tasks SET status = 'done' WHERE id = 't-1'", "reason": "done", "confirm": true}`

	ctx, _ := requestCtx([]domain.AuthRole{domain.AuthRoleAdmin}, 3)
	for i := 0; i < 3; i++ {
		res := run(t, ctx, tl, args)
		require.False(t, res.IsError, "call %d: %s", i+1, res.Content)
	}
	res := run(t, ctx, tl, args)
	assert.True(t, res.IsError)
	assert.Equal(t, domain.CategoryBudgetExceeded, res.Category)
	assert.Contains(t, res.Content, "at most 3 writes")
	assert.Len(t, sql.writes, 3, "no mutation past the cap")
	assert.Len(t, audit.ofType(domain.AuditDataEvent), 3)

	// A new top-level request starts with a full budget.
	ctx2, rc2 := requestCtx([]domain.AuthRole{domain.AuthRoleAdmin}, 3)
	res = run(t, ctx2, tl, args)
	assert.False(t, res.IsError, res.Content)
	assert.Equal(t, 1, rc2.Budget.Used())
	assert.Len(t, sql.writes, 4)
}

func TestDBWriteFix_RoleDenied(t *testing.T) {
	sql, audit := &fakeSQL{affected: 1}, &fakeAudit{}
	ctx, _ := requestCtx([]domain.AuthRole{domain.AuthRoleManager}, 3)

	res := run(t, ctx, newWriteFix(sql, audit),
		`{"query": "DELETE FROM tasks WHERE id = 't-1'", "reason": "dup", "confirm": true}`)

	assert.Equal(t, domain.CategoryPermissionDenied, res.Category)
	assert.Contains(t, res.Content, "your role does not allow db_write_fix")
	assert.Empty(t, sql.writes)
	assert.Len(t, audit.ofType(domain.AuditRBACDenied), 1)
}

func TestDBWriteFix_OutsideRequest(t *testing.T) {
	sql := &fakeSQL{affected: 1}
	res := run(t, context.Background(), newWriteFix(sql, &fakeAudit{}),
		`{"query": "DELETE FROM tasks WHERE id = 't-1'", "reason": "dup", "confirm": true}`)
	assert.Equal(t, domain.CategoryPermissionDenied, res.Category)
	assert.Empty(t, sql.writes)
}

func TestGuardWrite_DraftOnlyBeforeConfirm(t *testing.T) {
	ctx, rc := requestCtx([]domain.AuthRole{domain.AuthRoleAdmin}, 3)
	rc.DraftOnly = true
	gate := NewWriteGate(nil, nil, 0, nopLogger())

	err := gate.GuardWrite(ctx, "update_lead", domain.PermRecordWrite, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDraftOnly))
	assert.Contains(t, err.Error(), "draft-only")
	assert.Zero(t, rc.Budget.Used())
}

// Scenario: a chained DELETE in a read query is refused.
func TestDBReadQuery_MultiStatementWrite(t *testing.T) {
	sql := &fakeSQL{}
	ctx, _ := requestCtx([]domain.AuthRole{domain.AuthRoleManager}, 3)

	res := run(t, ctx, NewDBReadQueryTool(sql, testLimits, nopLogger()),
		`{"query": "SELECT 1; DELETE FROM orders"}`)

	assert.True(t, res.IsError)
	out := decode(t, res)
	assert.Regexp(t, `^Multi-statement write detected`, out["error"])
	assert.Empty(t, sql.reads)
}

func TestDBReadQuery_Results(t *testing.T) {
	rows := make([]domain.Record, 250)
	for i := range rows {
		rows[i] = domain.Record{"id": i}
	}
	sql := &fakeSQL{rows: rows}
	ctx, _ := requestCtx([]domain.AuthRole{domain.AuthRoleManager}, 3)
	tl := NewDBReadQueryTool(sql, testLimits, nopLogger())

	res := run(t, ctx, tl, `{"query": "SELECT id FROM orders"}`)
	require.False(t, res.IsError, res.Content)
	out := decode(t, res)
	assert.EqualValues(t, 200, out["row_count"])
	assert.Equal(t, true, out["truncated"])
	assert.Contains(t, out["note"], "more than 200 rows matched")

	sql.rows = nil
	res = run(t, ctx, tl, `{"query": "SELECT id FROM orders WHERE 1 = 0"}`)
	assert.False(t, res.IsError)
	assert.Equal(t, domain.CategoryNotFound, res.Category)
}

func TestDBReadQuery_StaffNeedsListTools(t *testing.T) {
	sql := &fakeSQL{rows: []domain.Record{{"id": 1}}}
	ctx, _ := requestCtx([]domain.AuthRole{domain.AuthRoleStaff}, 3)

	res := run(t, ctx, NewDBReadQueryTool(sql, testLimits, nopLogger()), `{"query": "SELECT 1"}`)
	assert.Equal(t, domain.CategoryPermissionDenied, res.Category)
	assert.Empty(t, sql.reads)
}
