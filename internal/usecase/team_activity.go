package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"opsdesk/internal/domain"
)

// Coaching and strength thresholds.
const (
	coachOverdueTasks   = 3
	coachMinReceived    = 3
	coachLowResponse    = 0.5
	coachOpenTasks      = 10
	strengthDoneTasks   = 5
	strengthToolUses    = 10
	activityFetchLimit  = 500
	observationActivity = "team_activity"
)

// MemberActivity is one person's activity for the day.
type MemberActivity struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Role          string   `json:"role,omitempty"`
	Email         string   `json:"email,omitempty"`
	HourlyRate    float64  `json:"hourly_rate,omitempty"`
	UserID        string   `json:"user_id,omitempty"`
	Sent          int      `json:"messages_sent"`
	Received      int      `json:"messages_received"`
	TasksOpen     int      `json:"tasks_open"`
	TasksDone     int      `json:"tasks_done"`
	TasksOverdue  int      `json:"tasks_overdue"`
	ToolUses      int      `json:"tool_uses"`
	ResponseScore float64  `json:"response_score"`
	Coaching      []string `json:"coaching,omitempty"`
	Strengths     []string `json:"strengths,omitempty"`
}

// TeamActivity is the daily cross-agent team summary.
type TeamActivity struct {
	Day            string           `json:"day"`
	GeneratedAt    time.Time        `json:"generated_at"`
	Members        []MemberActivity `json:"members"`
	PartialSources []string         `json:"partial_sources,omitempty"`
}

// ResponseScore is sent/received, 1 when someone sent without receiving and
// 0 when there was no traffic.
func ResponseScore(sent, received int) float64 {
	switch {
	case received > 0:
		return math.Round(float64(sent)/float64(received)*100) / 100
	case sent > 0:
		return 1
	default:
		return 0
	}
}

func annotate(m *MemberActivity) {
	m.Coaching, m.Strengths = nil, nil
	if m.TasksOverdue >= coachOverdueTasks {
		m.Coaching = append(m.Coaching, fmt.Sprintf("%d overdue tasks: clear or reschedule them", m.TasksOverdue))
	}
	if m.Received >= coachMinReceived && m.ResponseScore < coachLowResponse {
		m.Coaching = append(m.Coaching, fmt.Sprintf("replied to %d of %d inbound messages today", m.Sent, m.Received))
	}
	if m.TasksOpen >= coachOpenTasks {
		m.Coaching = append(m.Coaching, fmt.Sprintf("%d open tasks: consider handing some off", m.TasksOpen))
	}
	if m.TasksDone >= strengthDoneTasks {
		m.Strengths = append(m.Strengths, fmt.Sprintf("closed %d tasks today", m.TasksDone))
	}
	if m.ResponseScore >= 1 && m.Received > 0 {
		m.Strengths = append(m.Strengths, "kept up with every inbound message")
	}
	if m.ToolUses >= strengthToolUses {
		m.Strengths = append(m.Strengths, fmt.Sprintf("used the assistant %d times", m.ToolUses))
	}
}

// teamActivity computes today's summary. A roster failure is fatal for the
// summary; failures of the other sources mark it partial.
func (a *ContextAssembler) teamActivity(ctx context.Context, now time.Time) (*TeamActivity, error) {
	ctx, cancel := context.WithTimeout(ctx, a.deps.FetchTimeout)
	defer cancel()

	roster, err := a.deps.Team.ListTeamMembers(ctx)
	if err != nil {
		return nil, err
	}

	summary := &TeamActivity{
		Day:         now.Format(time.DateOnly),
		GeneratedAt: now,
		Members:     make([]MemberActivity, len(roster)),
	}
	index := make(map[string]*MemberActivity, 2*len(roster))
	for i, m := range roster {
		summary.Members[i] = MemberActivity{
			ID: m.ID, Name: m.Name, Role: m.Role, Email: m.Email,
			HourlyRate: m.HourlyRate, UserID: m.UserID,
		}
		index[m.ID] = &summary.Members[i]
		if m.UserID != "" {
			index[m.UserID] = &summary.Members[i]
		}
	}

	since := startOfDay(now)
	today := now.Format(time.DateOnly)
	partial := func(source string, err error) {
		a.deps.Logger.WarnContext(ctx, "team activity source failed", "source", source, "error", err)
		summary.PartialSources = append(summary.PartialSources, source)
	}

	comms, err := a.query(ctx, domain.RecordQuery{
		Table:   "communications",
		Columns: []string{"member_id", "direction"},
		Filters: []domain.Filter{{Column: "created_at", Op: domain.OpGte, Value: since}},
	})
	if err != nil {
		partial("communications", err)
	}
	for _, r := range comms {
		m := index[asText(r["member_id"])]
		if m == nil {
			continue
		}
		switch asText(r["direction"]) {
		case "outbound":
			m.Sent++
		case "inbound":
			m.Received++
		}
	}

	open, err := a.query(ctx, domain.RecordQuery{
		Table:   "tasks",
		Columns: []string{"assignee_id", "due_date"},
		Filters: []domain.Filter{{Column: "status", Op: domain.OpIn, Value: []any{"open", "in_progress"}}},
	})
	if err != nil {
		partial("open_tasks", err)
	}
	for _, r := range open {
		m := index[asText(r["assignee_id"])]
		if m == nil {
			continue
		}
		m.TasksOpen++
		if due := asText(r["due_date"]); due != "" && due[:min(len(due), 10)] < today {
			m.TasksOverdue++
		}
	}

	done, err := a.query(ctx, domain.RecordQuery{
		Table:   "tasks",
		Columns: []string{"assignee_id"},
		Filters: []domain.Filter{
			{Column: "status", Op: domain.OpEq, Value: "done"},
			{Column: "completed_at", Op: domain.OpGte, Value: since},
		},
	})
	if err != nil {
		partial("completed_tasks", err)
	}
	for _, r := range done {
		if m := index[asText(r["assignee_id"])]; m != nil {
			m.TasksDone++
		}
	}

	uses, err := a.query(ctx, domain.RecordQuery{
		Table:   "tool_usage",
		Columns: []string{"actor_id"},
		Filters: []domain.Filter{{Column: "created_at", Op: domain.OpGte, Value: since}},
	})
	if err != nil {
		partial("tool_usage", err)
	}
	for _, r := range uses {
		if m := index[asText(r["actor_id"])]; m != nil {
			m.ToolUses++
		}
	}

	for i := range summary.Members {
		m := &summary.Members[i]
		m.ResponseScore = ResponseScore(m.Sent, m.Received)
		annotate(m)
	}
	return summary, nil
}

func (a *ContextAssembler) query(ctx context.Context, q domain.RecordQuery) ([]domain.Record, error) {
	q.Limit = activityFetchLimit
	return a.deps.Data.Query(ctx, q)
}

// persistDaily stores the unredacted summary once per company and day.
// Concurrent first writers are resolved by the store; failures are logged.
func (a *ContextAssembler) persistDaily(ctx context.Context, summary *TeamActivity) {
	if a.deps.Observations == nil {
		return
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		a.deps.Logger.WarnContext(ctx, "team activity encode failed", "error", err)
		return
	}
	written, err := a.deps.Observations.InsertDailyIfAbsent(ctx, domain.Observation{
		Kind:      observationActivity,
		CompanyID: domain.TenantIDFromContext(ctx),
		Day:       summary.Day,
		Payload:   payload,
		CreatedAt: summary.GeneratedAt,
	})
	if err != nil {
		a.deps.Logger.WarnContext(ctx, "team activity persist failed", "day", summary.Day, "error", err)
		return
	}
	if written {
		a.deps.Logger.InfoContext(ctx, "team activity observation stored", "day", summary.Day, "members", len(summary.Members))
	}
}

// RedactActivity returns the view of summary a caller may see. Callers
// without an elevated role see other people's rows without email, rate,
// user id and coaching notes; their own row stays intact.
func RedactActivity(summary *TeamActivity, caller domain.Caller, roles []domain.AuthRole) *TeamActivity {
	view := *summary
	view.Members = append([]MemberActivity{}, summary.Members...)
	if domain.IsElevated(roles) {
		return &view
	}
	for i := range view.Members {
		m := &view.Members[i]
		if isCaller(m, caller) {
			continue
		}
		m.Email, m.HourlyRate, m.UserID, m.Coaching = "", 0, "", nil
	}
	return &view
}

func isCaller(m *MemberActivity, c domain.Caller) bool {
	switch {
	case c.ID != "" && (m.ID == c.ID || m.UserID == c.ID):
		return true
	case c.Email != "" && strings.EqualFold(m.Email, c.Email):
		return true
	default:
		return false
	}
}

// TeamActivity implements the team_activity tool's data source: the
// current summary for the request in ctx, redacted for its caller.
func (a *ContextAssembler) TeamActivity(ctx context.Context) (any, error) {
	if a.deps.Team == nil {
		return nil, domain.Upstreamf(domain.ErrDisabled, "team activity is not available")
	}
	summary, err := a.teamActivity(ctx, a.deps.Now().In(a.deps.Location))
	if err != nil {
		return nil, err
	}
	var (
		caller domain.Caller
		roles  []domain.AuthRole
	)
	if rc := domain.RequestFromContext(ctx); rc != nil {
		caller, roles = rc.Caller, rc.Roles
	}
	return RedactActivity(summary, caller, roles), nil
}

func asText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.DateOnly)
	default:
		return fmt.Sprint(t)
	}
}
