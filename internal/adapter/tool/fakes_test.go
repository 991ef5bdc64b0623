package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"opsdesk/internal/adapter/external"
	"opsdesk/internal/domain"
)

type fakeData struct {
	rows    map[string][]domain.Record
	names   map[string]string
	err     error
	queries []domain.RecordQuery
}

func (f *fakeData) Query(_ context.Context, q domain.RecordQuery) ([]domain.Record, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Record
	for _, r := range f.rows[q.Table] {
		if matches(r, q.Filters) {
			out = append(out, r)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(r domain.Record, filters []domain.Filter) bool {
	for _, f := range filters {
		if f.Op == domain.OpEq && r[f.Column] != f.Value {
			return false
		}
	}
	return true
}

func (f *fakeData) ResolveNames(_ context.Context, _ string, ids []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range ids {
		if n, ok := f.names[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

type fakeSQL struct {
	rows     []domain.Record
	affected int64
	reads    []string
	writes   []string
}

func (f *fakeSQL) ReadQuery(_ context.Context, q string, maxRows int) ([]domain.Record, error) {
	f.reads = append(f.reads, q)
	if maxRows > 0 && len(f.rows) > maxRows {
		return f.rows[:maxRows], nil
	}
	return f.rows, nil
}

func (f *fakeSQL) ExecWrite(_ context.Context, stmt string, _ int64) (int64, error) {
	f.writes = append(f.writes, stmt)
	return f.affected, nil
}

type recordWrite struct {
	Table  string
	ID     string
	Fields map[string]any
}

type fakeWriter struct {
	mu       sync.Mutex
	updates  []recordWrite
	inserts  []recordWrite
	missing  bool
	failNext error
}

func (f *fakeWriter) UpdateRecord(_ context.Context, table, id string, fields map[string]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		return 0, f.failNext
	}
	if f.missing {
		return 0, nil
	}
	f.updates = append(f.updates, recordWrite{Table: table, ID: id, Fields: fields})
	return 1, nil
}

func (f *fakeWriter) InsertRecord(_ context.Context, table string, fields map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		return "", f.failNext
	}
	f.inserts = append(f.inserts, recordWrite{Table: table, Fields: fields})
	return "rec-1", nil
}

type fakeTeam struct {
	members []domain.TeamMember
	err     error
}

func (f fakeTeam) ListTeamMembers(context.Context) ([]domain.TeamMember, error) {
	return f.members, f.err
}

type fakeNotifications struct {
	mu      sync.Mutex
	created []domain.Notification
	failOn  string
}

func (f *fakeNotifications) CreateNotification(_ context.Context, n domain.Notification) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && n.Title == f.failOn {
		return "", domain.Upstreamf(nil, "insert failed")
	}
	f.created = append(f.created, n)
	return n.Title, nil
}

type fakeChanges struct {
	entries []domain.ChangeLogEntry
	err     error
}

func (f *fakeChanges) RecordChange(_ context.Context, e domain.ChangeLogEntry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

// ctxRecords keeps each log record with the request caller found on the
// context it was logged with.
type ctxRecords struct {
	mu      sync.Mutex
	callers []string
	msgs    []string
}

func (h *ctxRecords) Enabled(context.Context, slog.Level) bool { return true }
func (h *ctxRecords) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *ctxRecords) WithGroup(string) slog.Handler { return h }

func (h *ctxRecords) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	caller := ""
	if rc := domain.RequestFromContext(ctx); rc != nil {
		caller = rc.Caller.ID
	}
	h.callers = append(h.callers, caller)
	h.msgs = append(h.msgs, r.Message)
	return nil
}

type fakeAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (f *fakeAudit) Log(_ context.Context, e domain.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeAudit) Close() error { return nil }

func (f *fakeAudit) ofType(typ domain.AuditEventType) []domain.AuditEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.AuditEvent
	for _, e := range f.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakeCMS struct {
	pages   []external.WordPressPage
	updates []external.WordPressUpdate
	err     error
}

func (f *fakeCMS) Configured() bool { return true }
func (f *fakeCMS) ListPages(context.Context, string, int) ([]external.WordPressPage, error) {
	return f.pages, f.err
}
func (f *fakeCMS) GetPage(_ context.Context, id int) (*external.WordPressPage, error) {
	for _, p := range f.pages {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, domain.NotFoundf("wordpress page %d not found", id)
}
func (f *fakeCMS) Update(_ context.Context, _ string, id int, upd external.WordPressUpdate) (*external.WordPressPage, error) {
	f.updates = append(f.updates, upd)
	if f.err != nil {
		return nil, f.err
	}
	return &external.WordPressPage{ID: id, Status: "publish", Link: "https://example.com/p"}, nil
}
func (f *fakeCMS) CreatePost(_ context.Context, post external.WordPressUpdate) (*external.WordPressPage, error) {
	f.updates = append(f.updates, post)
	if f.err != nil {
		return nil, f.err
	}
	return &external.WordPressPage{ID: 99, Status: post.Status, Link: "https://example.com/new"}, nil
}

type fakeERP struct {
	orders  map[string]map[string]any
	updated map[string]map[string]any
	err     error
}

func (f *fakeERP) Configured() bool { return true }
func (f *fakeERP) FindOrder(_ context.Context, ref string) (map[string]any, error) {
	if o, ok := f.orders[ref]; ok {
		return o, nil
	}
	return nil, domain.NotFoundf("odoo order %s not found", ref)
}
func (f *fakeERP) UpdateOrder(_ context.Context, ref string, vals map[string]any) error {
	if f.err != nil {
		return f.err
	}
	if f.updated == nil {
		f.updated = map[string]map[string]any{}
	}
	f.updated[ref] = vals
	return nil
}

type fakeMailer struct {
	sent []string
}

func (f *fakeMailer) Configured() bool { return true }
func (f *fakeMailer) SendEmail(_ context.Context, to, _, _ string) (string, error) {
	f.sent = append(f.sent, to)
	return "<msg-1@opsdesk>", nil
}

type fakeSMS struct {
	sent []string
}

func (f *fakeSMS) Configured() bool { return true }
func (f *fakeSMS) SendSMS(_ context.Context, to, _ string) (string, error) {
	f.sent = append(f.sent, to)
	return "SM123", nil
}

var testRoster = []domain.TeamMember{
	{ID: "tm-1", Name: "Maria Lopez", Email: "maria@example.com", Role: "sales", HourlyRate: 42, UserID: "u-maria"},
	{ID: "tm-2", Name: "Dave Chen", Email: "dave@example.com", Role: "production", HourlyRate: 35, UserID: "u-dave"},
	{ID: "tm-3", Name: "Sam Okafor", Email: "sam@example.com", Role: "delivery driver", HourlyRate: 28, UserID: "u-sam"},
}

// requestCtx returns a context carrying a fresh request for caller u-maria.
func requestCtx(roles []domain.AuthRole, writeLimit int) (context.Context, *domain.RequestContext) {
	rc := domain.NewRequestContext(
		domain.Caller{ID: "u-maria", Email: "maria@example.com", Name: "Maria Lopez"},
		roles, "acme", &domain.AgentProfile{ID: "operations"}, writeLimit)
	return domain.ContextWithRequest(context.Background(), rc), rc
}

func run(t *testing.T, ctx context.Context, tl domain.Tool, args string) *domain.ToolResult {
	t.Helper()
	res, err := tl.Execute(ctx, json.RawMessage(args))
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func decode(t *testing.T, res *domain.ToolResult) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out), res.Content)
	return out
}
