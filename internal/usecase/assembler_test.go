package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdesk/internal/domain"
	"opsdesk/internal/usecase/capability"
)

// tableData is a goroutine-safe DataSource keyed by table. Only eq and in
// filters are evaluated; the others are recorded for inspection.
type tableData struct {
	mu      sync.Mutex
	rows    map[string][]domain.Record
	fail    map[string]error
	panics  map[string]bool
	names   map[string]string
	nameErr error
	queries []domain.RecordQuery
}

func (d *tableData) Query(_ context.Context, q domain.RecordQuery) ([]domain.Record, error) {
	d.mu.Lock()
	d.queries = append(d.queries, q)
	d.mu.Unlock()

	if d.panics[q.Table] {
		panic("driver exploded")
	}
	if err := d.fail[q.Table]; err != nil {
		return nil, err
	}
	var out []domain.Record
	for _, r := range d.rows[q.Table] {
		if recordMatches(r, q.Filters) {
			cp := make(domain.Record, len(r))
			for k, v := range r {
				cp[k] = v
			}
			out = append(out, cp)
		}
	}
	return out, nil
}

func recordMatches(r domain.Record, filters []domain.Filter) bool {
	for _, f := range filters {
		switch f.Op {
		case domain.OpEq:
			if r[f.Column] != f.Value {
				return false
			}
		case domain.OpIn:
			found := false
			for _, v := range f.Value.([]any) {
				if r[f.Column] == v {
					found = true
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func (d *tableData) ResolveNames(_ context.Context, _ string, ids []string) (map[string]string, error) {
	if d.nameErr != nil {
		return nil, d.nameErr
	}
	out := map[string]string{}
	for _, id := range ids {
		if n, ok := d.names[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

func (d *tableData) queriesFor(table string) []domain.RecordQuery {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.RecordQuery
	for _, q := range d.queries {
		if q.Table == table {
			out = append(out, q)
		}
	}
	return out
}

type staticTeam struct {
	members []domain.TeamMember
	err     error
}

func (s staticTeam) ListTeamMembers(context.Context) ([]domain.TeamMember, error) {
	return s.members, s.err
}

// uniqueObservations mimics the UNIQUE(kind, company, day) constraint.
type uniqueObservations struct {
	mu   sync.Mutex
	rows map[string]domain.Observation
	err  error
}

func (u *uniqueObservations) InsertDailyIfAbsent(_ context.Context, obs domain.Observation) (bool, error) {
	if u.err != nil {
		return false, u.err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rows == nil {
		u.rows = map[string]domain.Observation{}
	}
	key := obs.Kind + "|" + obs.CompanyID + "|" + obs.Day
	if _, ok := u.rows[key]; ok {
		return false, nil
	}
	u.rows[key] = obs
	return true, nil
}

func (u *uniqueObservations) LatestObservation(_ context.Context, kind, companyID string) (*domain.Observation, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	var latest *domain.Observation
	for _, o := range u.rows {
		if o.Kind == kind && o.CompanyID == companyID && (latest == nil || o.Day > latest.Day) {
			o := o
			latest = &o
		}
	}
	return latest, nil
}

var fixedNow = time.Date(2026, 3, 9, 8, 30, 0, 0, time.UTC)

func testRoster() []domain.TeamMember {
	return []domain.TeamMember{
		{ID: "tm-1", Name: "Dana Whitfield", Email: "dana@acme.test", Role: "manager", HourlyRate: 55, UserID: "u-1"},
		{ID: "tm-2", Name: "Luis Ortega", Email: "luis@acme.test", Role: "estimator", HourlyRate: 38, UserID: "u-2"},
		{ID: "tm-3", Name: "Priya Natarajan", Email: "priya@acme.test", Role: "driver", HourlyRate: 30},
	}
}

func newTestAssembler(data *tableData, team domain.TeamDirectory, obs domain.ObservationStore) *ContextAssembler {
	return NewContextAssembler(AssemblerDeps{
		Agents:       capability.Default(),
		Data:         data,
		Team:         team,
		Observations: obs,
		Now:          func() time.Time { return fixedNow },
	})
}

func opsData() *tableData {
	return &tableData{
		rows: map[string][]domain.Record{
			"orders": {
				{"id": "o-1", "order_number": "1042", "status": "in_production", "assigned_to": "tm-1"},
				{"id": "o-2", "order_number": "1043", "status": "shipped", "assigned_to": "tm-2"},
			},
			"deliveries": {{"id": "d-1", "address": "12 Mill Rd", "driver_id": "tm-3"}},
			"machines":   {{"id": "m-1", "name": "Press brake", "status": "down"}},
			"tasks":      {{"id": "t-1", "title": "Call Baker", "status": "open", "due_date": "2026-03-01", "assignee_id": "tm-2"}},
		},
		names: map[string]string{"tm-1": "Dana Whitfield", "tm-2": "Luis Ortega", "tm-3": "Priya Natarajan"},
	}
}

func TestAssembleReadPlan(t *testing.T) {
	a := newTestAssembler(opsData(), nil, nil)

	out, err := a.Assemble(context.Background(), "operations", domain.Caller{ID: "u-1"}, nil, nil)
	require.NoError(t, err)

	orders := out["open_orders"].([]domain.Record)
	require.Len(t, orders, 1)
	assert.Equal(t, "Dana Whitfield", orders[0]["assignee_name"])

	deliveries := out["deliveries_today"].([]domain.Record)
	assert.Equal(t, "Priya Natarajan", deliveries[0]["driver_name"])
	assert.Len(t, out["machines_down"], 1)
	assert.Len(t, out["overdue_tasks"], 1)

	meta := out[KeyMeta].(map[string]any)
	assert.Equal(t, "operations", meta["agent"])
	assert.Equal(t, "2026-03-09T08:30:00Z", meta["generated_at"])
	assert.Empty(t, meta["failed_keys"])
	_, hasTeam := out[KeyTeamActivity]
	assert.False(t, hasTeam, "no team directory configured")
}

func TestAssembleUnknownAgent(t *testing.T) {
	_, err := newTestAssembler(opsData(), nil, nil).Assemble(context.Background(), "astrology", domain.Caller{}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAgentNotFound))
}

func TestAssembleIsolatesFailures(t *testing.T) {
	data := opsData()
	data.fail = map[string]error{"machines": errors.New("connection reset")}
	data.panics = map[string]bool{"deliveries": true}

	out, err := newTestAssembler(data, nil, nil).Assemble(context.Background(), "operations", domain.Caller{}, nil, nil)
	require.NoError(t, err)

	assert.NotContains(t, out, "machines_down")
	assert.NotContains(t, out, "deliveries_today")
	assert.Contains(t, out, "open_orders")
	assert.Contains(t, out, "overdue_tasks")
	assert.Equal(t, []string{"deliveries_today", "machines_down"}, out[KeyMeta].(map[string]any)["failed_keys"])
}

func TestAssembleEveryStepFailing(t *testing.T) {
	data := &tableData{fail: map[string]error{
		"orders": errors.New("x"), "deliveries": errors.New("x"),
		"machines": errors.New("x"), "tasks": errors.New("x"),
	}}
	out, err := newTestAssembler(data, nil, nil).Assemble(context.Background(), "operations", domain.Caller{}, nil,
		map[string]any{"page": "orders"})
	require.NoError(t, err)
	assert.Len(t, out, 2, "only _meta and the caller context remain")
	assert.Equal(t, "orders", out["page"])
}

func TestAssembleNameResolutionFailureKeepsRows(t *testing.T) {
	data := opsData()
	data.nameErr = errors.New("names table missing")

	out, err := newTestAssembler(data, nil, nil).Assemble(context.Background(), "operations", domain.Caller{}, nil, nil)
	require.NoError(t, err)
	orders := out["open_orders"].([]domain.Record)
	require.Len(t, orders, 1)
	assert.NotContains(t, orders[0], "assignee_name")
	assert.Equal(t, "tm-1", orders[0]["assigned_to"])
}

func TestAssembleCallerContextWins(t *testing.T) {
	out, err := newTestAssembler(opsData(), staticTeam{members: testRoster()}, nil).Assemble(
		context.Background(), "operations", domain.Caller{}, nil,
		map[string]any{"open_orders": "overridden", KeyTeamSummary: "mine", KeyMeta: "custom"},
	)
	require.NoError(t, err)
	assert.Equal(t, "overridden", out["open_orders"])
	assert.Equal(t, "mine", out[KeyTeamSummary])
	assert.Equal(t, "custom", out[KeyMeta])
	assert.IsType(t, &TeamActivity{}, out[KeyTeamActivity])
}

func TestBuildQueryWindows(t *testing.T) {
	a := newTestAssembler(&tableData{}, nil, nil)
	now := fixedNow

	q := a.buildQuery(domain.ReadStep{Table: "deliveries", SinceToday: true, SinceColumn: "scheduled_for"}, now)
	require.Len(t, q.Filters, 1)
	assert.Equal(t, domain.Filter{Column: "scheduled_for", Op: domain.OpGte, Value: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)}, q.Filters[0])
	assert.Equal(t, 50, q.Limit)

	q = a.buildQuery(domain.ReadStep{Table: "leads", SinceDays: 7, Limit: 10}, now)
	require.Len(t, q.Filters, 1)
	assert.Equal(t, "created_at", q.Filters[0].Column)
	assert.Equal(t, now.AddDate(0, 0, -7), q.Filters[0].Value)
	assert.Equal(t, 10, q.Limit)

	step := domain.ReadStep{Table: "tasks", PastDueColumn: "due_date", Filters: []domain.Filter{{Column: "status", Op: domain.OpEq, Value: "open"}}}
	q = a.buildQuery(step, now)
	assert.Equal(t, []domain.Filter{
		{Column: "status", Op: domain.OpEq, Value: "open"},
		{Column: "due_date", Op: domain.OpNotNull},
		{Column: "due_date", Op: domain.OpLt, Value: "2026-03-09"},
	}, q.Filters)
	assert.Len(t, step.Filters, 1, "the plan's filters are not mutated")
}

func activityData() *tableData {
	return &tableData{
		rows: map[string][]domain.Record{
			"communications": {
				{"member_id": "tm-1", "direction": "inbound"},
				{"member_id": "tm-1", "direction": "inbound"},
				{"member_id": "tm-1", "direction": "inbound"},
				{"member_id": "tm-1", "direction": "outbound"},
				{"member_id": "tm-2", "direction": "outbound"},
				{"member_id": "stranger", "direction": "outbound"},
			},
			"tasks": {
				{"assignee_id": "tm-1", "status": "open", "due_date": "2026-03-01"},
				{"assignee_id": "tm-1", "status": "open", "due_date": "2026-03-02"},
				{"assignee_id": "tm-1", "status": "in_progress", "due_date": "2026-03-05"},
				{"assignee_id": "tm-1", "status": "open", "due_date": "2026-03-20"},
				{"assignee_id": "tm-3", "status": "done"},
				{"assignee_id": "tm-3", "status": "done"},
				{"assignee_id": "tm-3", "status": "done"},
				{"assignee_id": "tm-3", "status": "done"},
				{"assignee_id": "tm-3", "status": "done"},
			},
			"tool_usage": {
				{"actor_id": "u-2"}, {"actor_id": "u-2"}, {"actor_id": "tm-3"},
			},
		},
	}
}

func TestTeamActivitySummary(t *testing.T) {
	a := newTestAssembler(activityData(), staticTeam{members: testRoster()}, nil)

	summary, err := a.teamActivity(context.Background(), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-09", summary.Day)
	assert.Empty(t, summary.PartialSources)
	require.Len(t, summary.Members, 3)

	dana := summary.Members[0]
	assert.Equal(t, 1, dana.Sent)
	assert.Equal(t, 3, dana.Received)
	assert.Equal(t, 4, dana.TasksOpen)
	assert.Equal(t, 3, dana.TasksOverdue)
	assert.InDelta(t, 0.33, dana.ResponseScore, 0.001)
	assert.Len(t, dana.Coaching, 2)
	assert.Empty(t, dana.Strengths)

	luis := summary.Members[1]
	assert.Equal(t, 1.0, luis.ResponseScore, "sent without receiving scores 1")
	assert.Equal(t, 2, luis.ToolUses, "tool usage is mapped through the user id")
	assert.Empty(t, luis.Strengths, "no inbound traffic means no responsiveness strength")

	priya := summary.Members[2]
	assert.Equal(t, 0.0, priya.ResponseScore)
	assert.Equal(t, 5, priya.TasksDone)
	assert.Equal(t, 1, priya.ToolUses)
	assert.Equal(t, []string{"closed 5 tasks today"}, priya.Strengths)
}

func TestTeamActivityPartialAndRosterFailure(t *testing.T) {
	data := activityData()
	data.fail = map[string]error{"communications": errors.New("timeout")}
	a := newTestAssembler(data, staticTeam{members: testRoster()}, nil)

	summary, err := a.teamActivity(context.Background(), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"communications"}, summary.PartialSources)
	assert.Equal(t, 4, summary.Members[0].TasksOpen)

	a = newTestAssembler(data, staticTeam{err: errors.New("roster gone")}, nil)
	out, err := a.Assemble(context.Background(), "operations", domain.Caller{}, nil, nil)
	require.NoError(t, err)
	assert.NotContains(t, out, KeyTeamActivity)
	assert.Contains(t, out[KeyMeta].(map[string]any)["failed_keys"], KeyTeamActivity)
}

func TestResponseScore(t *testing.T) {
	tests := []struct {
		sent, received int
		want           float64
	}{
		{0, 0, 0},
		{3, 0, 1},
		{0, 4, 0},
		{2, 4, 0.5},
		{6, 3, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResponseScore(tt.sent, tt.received), "%d/%d", tt.sent, tt.received)
	}
}

func TestTeamActivityPersistedOncePerDay(t *testing.T) {
	obs := &uniqueObservations{}
	a := newTestAssembler(activityData(), staticTeam{members: testRoster()}, obs)
	ctx := domain.ContextWithTenantID(context.Background(), "acme")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Assemble(ctx, "estimation", domain.Caller{ID: "u-1"}, nil, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	_, err := a.Assemble(ctx, "operations", domain.Caller{ID: "u-2"}, nil, nil)
	require.NoError(t, err)

	require.Len(t, obs.rows, 1)
	latest, err := obs.LatestObservation(ctx, "team_activity", "acme")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-09", latest.Day)

	var stored TeamActivity
	require.NoError(t, json.Unmarshal(latest.Payload, &stored))
	assert.Equal(t, "dana@acme.test", stored.Members[0].Email, "the stored copy is unredacted")
}

func TestTeamActivityPersistFailureIsIgnored(t *testing.T) {
	obs := &uniqueObservations{err: errors.New("disk full")}
	out, err := newTestAssembler(activityData(), staticTeam{members: testRoster()}, obs).Assemble(
		context.Background(), "sales", domain.Caller{}, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, out, KeyTeamActivity)
}

func TestRedactActivity(t *testing.T) {
	a := newTestAssembler(activityData(), staticTeam{members: testRoster()}, nil)
	summary, err := a.teamActivity(context.Background(), fixedNow)
	require.NoError(t, err)

	staff := RedactActivity(summary, domain.Caller{ID: "u-2"}, []domain.AuthRole{domain.AuthRoleStaff})
	assert.Equal(t, "luis@acme.test", staff.Members[1].Email, "own row is intact")
	assert.Equal(t, 38.0, staff.Members[1].HourlyRate)
	for _, i := range []int{0, 2} {
		m := staff.Members[i]
		assert.Empty(t, m.Email)
		assert.Zero(t, m.HourlyRate)
		assert.Empty(t, m.UserID)
		assert.Nil(t, m.Coaching)
		assert.NotEmpty(t, m.Name)
	}
	assert.Equal(t, 3, staff.Members[0].TasksOverdue, "activity counts stay visible")

	byEmail := RedactActivity(summary, domain.Caller{Email: "PRIYA@acme.test"}, nil)
	assert.Equal(t, "priya@acme.test", byEmail.Members[2].Email)
	assert.Empty(t, byEmail.Members[0].Email)

	manager := RedactActivity(summary, domain.Caller{ID: "u-9"}, []domain.AuthRole{domain.AuthRoleManager})
	assert.Equal(t, "dana@acme.test", manager.Members[0].Email)
	assert.NotEmpty(t, manager.Members[0].Coaching)

	assert.Equal(t, "dana@acme.test", summary.Members[0].Email, "redaction does not touch the source")
}

func TestTeamActivityToolSource(t *testing.T) {
	a := newTestAssembler(activityData(), staticTeam{members: testRoster()}, nil)
	rc := domain.NewRequestContext(domain.Caller{ID: "u-1"}, []domain.AuthRole{domain.AuthRoleViewer}, "acme", nil, 3)
	ctx := domain.ContextWithRequest(context.Background(), rc)

	v, err := a.TeamActivity(ctx)
	require.NoError(t, err)
	view := v.(*TeamActivity)
	assert.Equal(t, "dana@acme.test", view.Members[0].Email)
	assert.Empty(t, view.Members[1].Email)

	_, err = newTestAssembler(activityData(), nil, nil).TeamActivity(ctx)
	assert.Error(t, err)
}
