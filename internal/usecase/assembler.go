package usecase

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/metrics"
	"opsdesk/internal/infra/tracer"
)

// Context keys written by the assembler itself.
const (
	KeyTeamActivity = "team_activity"
	KeyTeamSummary  = "team_summary"
	KeyMeta         = "_meta"
)

// AssemblerDeps holds injected dependencies for the context assembler.
type AssemblerDeps struct {
	Agents         AgentSource
	Data           domain.DataSource
	Team           domain.TeamDirectory    // optional, nil = no team activity
	Observations   domain.ObservationStore // optional, nil = summary not persisted
	Metrics        *metrics.Metrics        // optional
	Logger         *slog.Logger
	Location       *time.Location // day boundaries; nil = UTC
	FetchTimeout   time.Duration
	RowLimit       int
	MaxConcurrency int
	Now            func() time.Time // for testing
}

// ContextAssembler builds the per-request context from an agent's read plan
// and the shared team activity summary. Every fetch is isolated: a failure
// is logged, counted and its key omitted.
type ContextAssembler struct {
	deps AssemblerDeps
}

// NewContextAssembler creates an assembler with defaults filled in.
func NewContextAssembler(deps AssemblerDeps) *ContextAssembler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.FetchTimeout <= 0 {
		deps.FetchTimeout = 10 * time.Second
	}
	if deps.RowLimit <= 0 {
		deps.RowLimit = 50
	}
	if deps.MaxConcurrency <= 0 {
		deps.MaxConcurrency = 8
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &ContextAssembler{deps: deps}
}

// fragment is the typed result of one read before it is merged.
type fragment struct {
	key   string
	value any
	err   error
}

// Assemble returns the merged context for agentID. The only error is an
// unknown agent; data failures shrink the result instead.
func (a *ContextAssembler) Assemble(ctx context.Context, agentID string, caller domain.Caller, roles []domain.AuthRole, userContext map[string]any) (domain.AssembledContext, error) {
	ctx, span := tracer.StartSpan(ctx, "context.assemble",
		trace.WithAttributes(tracer.StringAttr("agent.id", agentID)),
	)
	defer span.End()

	profile, err := a.deps.Agents.Get(agentID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	now := a.deps.Now().In(a.deps.Location)
	frags := a.runReadPlan(ctx, profile, now)

	out := make(domain.AssembledContext, len(frags)+4)
	var failed []string
	for _, f := range frags {
		if f.err != nil {
			failed = append(failed, f.key)
			continue
		}
		out[f.key] = f.value
	}

	if a.deps.Team != nil {
		summary, err := a.teamActivity(ctx, now)
		if err != nil {
			a.deps.Logger.WarnContext(ctx, "context fetch failed", "agent", agentID, "key", KeyTeamActivity, "error", err)
			failed = append(failed, KeyTeamActivity)
		} else {
			a.persistDaily(ctx, summary)
			view := RedactActivity(summary, caller, roles)
			out[KeyTeamActivity] = view
			out[KeyTeamSummary] = view
		}
		a.deps.Metrics.ObserveContextFetch(KeyTeamActivity, err)
	}

	sort.Strings(failed)
	out[KeyMeta] = map[string]any{
		"agent":        agentID,
		"generated_at": now.Format(time.RFC3339),
		"failed_keys":  failed,
	}

	for k, v := range userContext {
		out[k] = v
	}

	span.SetAttributes(
		tracer.IntAttr("context.keys", len(out)),
		tracer.IntAttr("context.failed", len(failed)),
	)
	tracer.SetOK(span)
	return out, nil
}

// runReadPlan executes the agent's steps concurrently, bounded by
// MaxConcurrency, and returns one fragment per step in plan order.
func (a *ContextAssembler) runReadPlan(ctx context.Context, profile *domain.AgentProfile, now time.Time) []fragment {
	frags := make([]fragment, len(profile.ReadPlan))

	var g errgroup.Group
	g.SetLimit(a.deps.MaxConcurrency)
	for i, step := range profile.ReadPlan {
		g.Go(func() error {
			rows, err := a.fetch(ctx, step, now)
			if err != nil {
				a.deps.Logger.WarnContext(ctx, "context fetch failed", "agent", profile.ID, "key", step.Key, "error", err)
			}
			a.deps.Metrics.ObserveContextFetch(step.Key, err)
			frags[i] = fragment{key: step.Key, value: rows, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return frags
}

// fetch runs one read step under its own timeout. A panic in the data
// source is converted into an error for that step only.
func (a *ContextAssembler) fetch(ctx context.Context, step domain.ReadStep, now time.Time) (rows []domain.Record, err error) {
	ctx, cancel := context.WithTimeout(ctx, a.deps.FetchTimeout)
	defer cancel()

	ctx, span := tracer.StartSpan(ctx, "context.fetch",
		trace.WithAttributes(tracer.StringAttr("context.key", step.Key)),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = domain.Upstreamf(nil, "fetch %s panicked: %v", step.Key, r)
		}
		if err != nil {
			tracer.RecordError(span, err)
		}
	}()

	rows, err = a.deps.Data.Query(ctx, a.buildQuery(step, now))
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []domain.Record{}
	}

	if step.Resolve != nil && len(rows) > 0 {
		if rerr := a.resolveNames(ctx, step.Resolve, rows); rerr != nil {
			a.deps.Logger.WarnContext(ctx, "name resolution failed", "key", step.Key, "table", step.Resolve.Table, "error", rerr)
		}
	}
	tracer.SetOK(span)
	return rows, nil
}

// buildQuery turns a declarative step into a RecordQuery, expanding the
// relative time windows against now.
func (a *ContextAssembler) buildQuery(step domain.ReadStep, now time.Time) domain.RecordQuery {
	filters := append([]domain.Filter{}, step.Filters...)

	sinceCol := step.SinceColumn
	if sinceCol == "" {
		sinceCol = "created_at"
	}
	switch {
	case step.SinceToday:
		filters = append(filters, domain.Filter{Column: sinceCol, Op: domain.OpGte, Value: startOfDay(now)})
	case step.SinceDays > 0:
		filters = append(filters, domain.Filter{Column: sinceCol, Op: domain.OpGte, Value: now.AddDate(0, 0, -step.SinceDays)})
	}
	if step.PastDueColumn != "" {
		filters = append(filters,
			domain.Filter{Column: step.PastDueColumn, Op: domain.OpNotNull},
			domain.Filter{Column: step.PastDueColumn, Op: domain.OpLt, Value: now.Format(time.DateOnly)},
		)
	}

	limit := step.Limit
	if limit <= 0 {
		limit = a.deps.RowLimit
	}
	return domain.RecordQuery{
		Table:   step.Table,
		Columns: step.Columns,
		Filters: filters,
		OrderBy: step.OrderBy,
		Desc:    step.Desc,
		Limit:   limit,
	}
}

// resolveNames adds res.As to every row whose res.IDColumn resolves.
func (a *ContextAssembler) resolveNames(ctx context.Context, res *domain.NameResolution, rows []domain.Record) error {
	seen := make(map[string]bool)
	var ids []string
	for _, r := range rows {
		if id, ok := r[res.IDColumn].(string); ok && id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	names, err := a.deps.Data.ResolveNames(ctx, res.Table, ids)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if id, ok := r[res.IDColumn].(string); ok {
			if name, found := names[id]; found {
				r[res.As] = name
			}
		}
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
