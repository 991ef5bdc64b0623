package tool

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdesk/internal/adapter/external"
	"opsdesk/internal/domain"
)

func orderData() *fakeData {
	return &fakeData{rows: map[string][]domain.Record{
		"orders": {
			{"id": "o-1", "status": "confirmed", "external_ref": "S00042"},
			{"id": "o-2", "status": "new", "external_ref": nil},
		},
	}}
}

func TestUpdateOrderStatus_MirrorsToERP(t *testing.T) {
	writer, changes, audit := &fakeWriter{}, &fakeChanges{}, &fakeAudit{}
	erp := &fakeERP{}
	tl := NewUpdateOrderStatusTool(orderData(), writer, erp, changes, NewWriteGate(nil, audit, 0, nopLogger()), nopLogger())
	ctx, _ := requestCtx([]domain.AuthRole{domain.AuthRoleManager}, 3)

	res := run(t, ctx, tl, `{"order_id": "o-1", "status": "shipped", "confirm": true}`)
	require.False(t, res.IsError, res.Content)

	out := decode(t, res)
	assert.Equal(t, "confirmed", out["previous_status"])
	assert.Equal(t, domain.RemoteApplied, out["erp_sync"])
	assert.Equal(t, map[string]any{"status": "shipped"}, writer.updates[0].Fields)
	assert.Equal(t, external.OdooState("shipped"), erp.updated["S00042"]["state"])

	require.Len(t, changes.entries, 1)
	e := changes.entries[0]
	assert.Equal(t, "odoo", e.System)
	assert.Equal(t, "o-1", e.EntityID)
	assert.Equal(t, "u-maria", e.ActorID)
	assert.Equal(t, "operations", e.AgentID)
	assert.Equal(t, domain.RemoteApplied, e.RemoteStatus)
	assert.Len(t, audit.ofType(domain.AuditDataEvent), 1)
}

func TestUpdateOrderStatus_ERPFailureIsReportedNotFatal(t *testing.T) {
	writer, changes := &fakeWriter{}, &fakeChanges{}
	erp := &fakeERP{err: domain.Upstreamf(nil, "odoo failed with HTTP 502")}
	tl := NewUpdateOrderStatusTool(orderData(), writer, erp, changes, NewWriteGate(nil, nil, 0, nopLogger()), nopLogger())
	ctx, _ := requestCtx([]domain.AuthRole{domain.AuthRoleManager}, 3)

	res := run(t, ctx, tl, `{"order_id": "o-1", "status": "cancelled", "confirm": true}`)
	require.False(t, res.IsError, res.Content)
	out := decode(t, res)
	assert.Equal(t, domain.RemoteFailed, out["erp_sync"])
	assert.Contains(t, out["erp_error"], "HTTP 502")
	assert.Len(t, writer.updates, 1, "local write stands")

	require.Len(t, changes.entries, 1)
	assert.Equal(t, domain.RemoteFailed, changes.entries[0].RemoteStatus)
	assert.Contains(t, changes.entries[0].RemoteError, "HTTP 502")
}

func TestUpdateOrderStatus_RowGoneBeforeWrite(t *testing.T) {
	changes, audit, erp := &fakeChanges{}, &fakeAudit{}, &fakeERP{}
	tl := NewUpdateOrderStatusTool(orderData(), &fakeWriter{missing: true}, erp, changes,
		NewWriteGate(nil, audit, 0, nopLogger()), nopLogger())
	ctx, _ := requestCtx([]domain.AuthRole{domain.AuthRoleManager}, 3)

	res := run(t, ctx, tl, `{"order_id": "o-1", "status": "shipped", "confirm": true}`)
	assert.False(t, res.IsError)
	assert.Equal(t, domain.CategoryNotFound, res.Category)
	assert.NotContains(t, res.Content, `"ok"`)
	assert.Empty(t, erp.updated)
	assert.Empty(t, changes.entries)
	assert.Empty(t, audit.events)
}

func TestUpdateOrderStatus_ChangeLogFailureLoggedWithRequest(t *testing.T) {
	logs := &ctxRecords{}
	changes := &fakeChanges{err: errors.New("disk full")}
	tl := NewUpdateOrderStatusTool(orderData(), &fakeWriter{}, &fakeERP{}, changes,
		NewWriteGate(nil, nil, 0, nopLogger()), slog.New(logs))
	ctx, _ := requestCtx([]domain.AuthRole{domain.AuthRoleManager}, 3)

	res := run(t, ctx, tl, `{"order_id": "o-1", "status": "shipped", "confirm": true}`)
	require.False(t, res.IsError, res.Content)

	require.Contains(t, logs.msgs, "change log write failed")
	for i, msg := range logs.msgs {
		assert.Equal(t, "u-maria", logs.callers[i], msg)
	}
}

func TestUpdateOrderStatus_UnlinkedOrderSkipsERP(t *testing.T) {
	changes := &fakeChanges{}
	erp := &fakeERP{}
	tl := NewUpdateOrderStatusTool(orderData(), &fakeWriter{}, erp, changes, NewWriteGate(nil, nil, 0, nopLogger()), nopLogger())
	ctx, _ := requestCtx([]domain.AuthRole{domain.AuthRoleAdmin}, 3)

	res := run(t, ctx, tl, `{"order_id": "o-2", "status": "confirmed", "confirm": true}`)
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, domain.RemoteSkipped, decode(t, res)["erp_sync"])
	assert.Empty(t, erp.updated)
	assert.Equal(t, domain.RemoteSkipped, changes.entries[0].RemoteStatus)
}

func TestUpdateOrderStatus_UnknownOrderBeforeGate(t *testing.T) {
	writer := &fakeWriter{}
	tl := NewUpdateOrderStatusTool(orderData(), writer, &fakeERP{}, &fakeChanges{}, NewWriteGate(nil, nil, 0, nopLogger()), nopLogger())
	ctx, rc := requestCtx([]domain.AuthRole{domain.AuthRoleAdmin}, 3)

	res := run(t, ctx, tl, `{"order_id": "o-9", "status": "shipped", "confirm": true}`)
	assert.Equal(t, domain.CategoryNotFound, res.Category)
	assert.Empty(t, writer.updates)
	assert.Zero(t, rc.Budget.Used())
}

func TestLogCommunication_DefaultsToCaller(t *testing.T) {
	writer := &fakeWriter{}
	tl := NewLogCommunicationTool(writer, fakeTeam{members: testRoster}, NewWriteGate(nil, nil, 0, nopLogger()), nopLogger())
	ctx, _ := requestCtx([]domain.AuthRole{domain.AuthRoleStaff}, 3)

	res := run(t, ctx, tl, `{"direction": "outbound", "channel": "phone", "counterpart": "Baker Farms", "subject": "Quote follow-up", "confirm": true}`)
	require.False(t, res.IsError, res.Content)
	require.Len(t, writer.inserts, 1)
	assert.Equal(t, "communications", writer.inserts[0].Table)
	assert.Equal(t, "tm-1", writer.inserts[0].Fields["member_id"])
}

func TestTeamRoster_RedactsOthersForStaff(t *testing.T) {
	tl := NewTeamRosterTool(fakeTeam{members: testRoster}, nopLogger())

	ctx, _ := requestCtx([]domain.AuthRole{domain.AuthRoleStaff}, 3)
	out := decode(t, run(t, ctx, tl, `{}`))
	members := out["members"].([]any)
	require.Len(t, members, 3)
	self := members[0].(map[string]any)
	assert.Equal(t, "maria@example.com", self["email"], "own row intact")
	other := members[1].(map[string]any)
	assert.NotContains(t, other, "email")
	assert.NotContains(t, other, "hourly_rate")
	assert.Equal(t, "Dave Chen", other["name"])

	ctx, _ = requestCtx([]domain.AuthRole{domain.AuthRoleManager}, 3)
	out = decode(t, run(t, ctx, tl, `{"role": "driver"}`))
	members = out["members"].([]any)
	require.Len(t, members, 1)
	assert.Equal(t, "sam@example.com", members[0].(map[string]any)["email"])
}

type stubActivity struct{}

func (stubActivity) TeamActivity(context.Context) (any, error) {
	return map[string]any{"members": []any{}, "date": "2026-03-01"}, nil
}

func TestTeamActivity(t *testing.T) {
	res := run(t, t.Context(), NewTeamActivityTool(stubActivity{}, nopLogger()), `{}`)
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, "2026-03-01", decode(t, res)["date"])

	res = run(t, t.Context(), NewTeamActivityTool(nil, nopLogger()), `{}`)
	assert.True(t, res.IsError)
}

func TestWPUpdatePage_ChangeLogOnSuccessAndFailure(t *testing.T) {
	cms, changes, audit := &fakeCMS{}, &fakeChanges{}, &fakeAudit{}
	tl := NewWPUpdateTool("page", cms, changes, NewWriteGate(nil, audit, 0, nopLogger()), nopLogger())
	ctx, _ := requestCtx([]domain.AuthRole{domain.AuthRoleManager}, 3)

	res := run(t, ctx, tl, `{"id": 12, "title": "Our services", "confirm": true}`)
	require.False(t, res.IsError, res.Content)
	require.Len(t, changes.entries, 1)
	assert.Equal(t, "page", changes.entries[0].EntityType)
	assert.Equal(t, "12", changes.entries[0].EntityID)
	assert.Equal(t, domain.RemoteApplied, changes.entries[0].RemoteStatus)
	assert.Len(t, audit.ofType(domain.AuditExternal), 1)

	cms.err = domain.Upstreamf(domain.ErrProviderError, "wordpress.update_page failed with HTTP 500")
	res = run(t, ctx, tl, `{"id": 12, "status": "draft", "confirm": true}`)
	assert.True(t, res.IsError)
	assert.True(t, res.IsRetryable)
	require.Len(t, changes.entries, 2)
	assert.Equal(t, domain.RemoteFailed, changes.entries[1].RemoteStatus)
	assert.Len(t, audit.ofType(domain.AuditExternal), 1, "no audit for a failed remote write")
}

func TestWPUpdatePage_NotConfiguredBeforeGate(t *testing.T) {
	ctx, rc := requestCtx([]domain.AuthRole{domain.AuthRoleAdmin}, 3)
	tl := NewWPUpdateTool("page", disabledCMS{}, &fakeChanges{}, NewWriteGate(nil, nil, 0, nopLogger()), nopLogger())

	res := run(t, ctx, tl, `{"id": 3, "title": "x", "confirm": true}`)
	assert.Equal(t, domain.CategoryUpstreamFailure, res.Category)
	assert.False(t, res.IsRetryable)
	assert.Contains(t, res.Content, "wordpress integration is not configured")
	assert.Zero(t, rc.Budget.Used())
}

func TestWPCreatePost_DefaultsToDraft(t *testing.T) {
	cms := &fakeCMS{}
	tl := NewWPCreatePostTool(cms, &fakeChanges{}, NewWriteGate(nil, nil, 0, nopLogger()), nopLogger())
	ctx, _ := requestCtx([]domain.AuthRole{domain.AuthRoleManager}, 3)

	res := run(t, ctx, tl, `{"title": "Spring hours", "content": "<p>Open Saturdays</p>", "confirm": true}`)
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, "draft", cms.updates[0].Status)
}

func TestWPGetPage_NotFound(t *testing.T) {
	cms := &fakeCMS{pages: []external.WordPressPage{{ID: 1, Title: "Home"}}}
	res := run(t, t.Context(), NewWPGetPageTool(cms, nopLogger()), `{"page_id": 2}`)
	assert.False(t, res.IsError)
	assert.Equal(t, domain.CategoryNotFound, res.Category)
}

func TestOdooGetOrder(t *testing.T) {
	erp := &fakeERP{orders: map[string]map[string]any{"S00042": {"name": "S00042", "state": "sale"}}}
	tl := NewOdooGetOrderTool(erp, nopLogger())

	res := run(t, t.Context(), tl, `{"ref": "S00042"}`)
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, "sale", decode(t, res)["state"])

	res = run(t, t.Context(), tl, `{"ref": "S99999"}`)
	assert.Equal(t, domain.CategoryNotFound, res.Category)
}

func TestQBGetInvoice_NotConfigured(t *testing.T) {
	res := run(t, t.Context(), NewQBGetInvoiceTool(disabledAccounting{}, nopLogger()), `{"invoice_id": "130"}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "quickbooks integration is not configured")
}

func TestDraftEmail_NeverSends(t *testing.T) {
	res := run(t, t.Context(), NewDraftEmailTool(nopLogger()),
		`{"to": "buyer@example.com", "subject": "Your quote", "body": "Attached."}`)
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, false, decode(t, res)["sent"])
}

func TestSendEmail(t *testing.T) {
	mailer, audit := &fakeMailer{}, &fakeAudit{}
	tl := NewSendEmailTool(mailer, NewWriteGate(nil, audit, 0, nopLogger()), NewRateLimiter(1, time.Hour), nopLogger())
	ctx, rc := requestCtx([]domain.AuthRole{domain.AuthRoleStaff}, 3)

	res := run(t, ctx, tl, `{"to": "buyer@example.com", "subject": "Your quote", "body": "Attached."}`)
	assert.Contains(t, res.Content, "confirm flag required")
	assert.Empty(t, mailer.sent)

	res = run(t, ctx, tl, `{"to": "Buyer <buyer@example.com>", "subject": "Your quote", "body": "Attached.", "confirm": true}`)
	assert.Equal(t, domain.CategoryValidation, res.Category)

	res = run(t, ctx, tl, `{"to": "buyer@example.com", "subject": "Your quote", "body": "Attached.", "confirm": true}`)
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, []string{"buyer@example.com"}, mailer.sent)
	assert.Len(t, rc.Effects.Emails(), 1)
	assert.Len(t, audit.ofType(domain.AuditMessageSent), 1)

	res = run(t, ctx, tl, `{"to": "other@example.com", "subject": "Hi", "body": "Again", "confirm": true}`)
	assert.Equal(t, domain.CategoryBudgetExceeded, res.Category)
	assert.Contains(t, res.Content, "at most 1 emails per hour")
	assert.Len(t, mailer.sent, 1)
}

func TestSendSMS(t *testing.T) {
	sms := &fakeSMS{}
	tl := NewSendSMSTool(sms, NewWriteGate(nil, nil, 0, nopLogger()), nil, nopLogger())
	ctx, rc := requestCtx([]domain.AuthRole{domain.AuthRoleStaff}, 3)

	res := run(t, ctx, tl, `{"to": "555-1234", "body": "Your order shipped", "confirm": true}`)
	assert.Equal(t, domain.CategoryValidation, res.Category)
	assert.Contains(t, res.Content, "E.164")

	res = run(t, ctx, tl, `{"to": "+15551234567", "body": "Your order shipped", "confirm": true}`)
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, "SM123", decode(t, res)["message_id"])
	assert.Len(t, rc.Effects.SMS(), 1)
}

func TestSendSMS_ViewerDenied(t *testing.T) {
	sms := &fakeSMS{}
	tl := NewSendSMSTool(sms, NewWriteGate(nil, nil, 0, nopLogger()), nil, nopLogger())
	ctx, _ := requestCtx([]domain.AuthRole{domain.AuthRoleViewer}, 3)

	res := run(t, ctx, tl, `{"to": "+15551234567", "body": "hi", "confirm": true}`)
	assert.Equal(t, domain.CategoryPermissionDenied, res.Category)
	assert.Empty(t, sms.sent)
}
