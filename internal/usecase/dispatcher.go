package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/metrics"
	"opsdesk/internal/infra/tracer"
)

// DispatcherDeps holds injected dependencies for the tool dispatcher.
type DispatcherDeps struct {
	Tools          domain.ToolExecutor
	Usage          domain.UsageRecorder // optional, nil = usage not recorded
	Metrics        *metrics.Metrics     // optional
	Logger         *slog.Logger
	Timeout        time.Duration
	ParallelReads  bool
	MaxConcurrency int
}

// ToolDispatcher runs the tool calls of one model round on behalf of an
// agent. It never returns an error: every outcome, including panics and
// timeouts, becomes a ToolResult the model can read.
type ToolDispatcher struct {
	deps DispatcherDeps
}

// NewToolDispatcher creates a dispatcher with defaults filled in.
func NewToolDispatcher(deps DispatcherDeps) *ToolDispatcher {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 30 * time.Second
	}
	if deps.MaxConcurrency <= 0 {
		deps.MaxConcurrency = 4
	}
	return &ToolDispatcher{deps: deps}
}

// Scoped returns the tool view for an agent: only its declared tools.
func (d *ToolDispatcher) Scoped(agent *domain.AgentProfile) domain.ToolExecutor {
	var declared []string
	if agent != nil {
		declared = agent.DeclaredTools
	}
	return NewScopedToolExecutor(d.deps.Tools, declared)
}

// Execute runs one call for the request in ctx. The result always carries
// the call's correlation id.
func (d *ToolDispatcher) Execute(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	rc := domain.RequestFromContext(ctx)
	var agent *domain.AgentProfile
	if rc != nil {
		agent = rc.Agent
	}

	ctx, span := tracer.StartSpan(ctx, "tool.dispatch",
		trace.WithAttributes(tracer.ToolAttrs(call.Name, call.ID)...),
	)
	defer span.End()

	start := time.Now()
	var res domain.ToolResult
	t, err := d.Scoped(agent).Get(call.Name)
	if err != nil {
		res = failure(err)
	} else {
		res = d.run(ctx, t, call)
	}
	res.ToolCallID = call.ID

	d.deps.Metrics.ObserveTool(call.Name, string(res.Category), time.Since(start))
	if res.IsError {
		tracer.RecordError(span, errors.New(res.Content))
		d.deps.Logger.WarnContext(ctx, "tool call failed",
			"tool", call.Name, "category", res.Category)
	} else {
		tracer.SetOK(span)
	}
	d.recordUsage(ctx, rc, call.Name, res)
	return res
}

// run executes t under the per-call timeout. A tool that ignores its context
// is abandoned when the timeout fires.
func (d *ToolDispatcher) run(ctx context.Context, t domain.Tool, call domain.ToolCall) domain.ToolResult {
	ctx, cancel := context.WithTimeout(ctx, d.deps.Timeout)
	defer cancel()

	done := make(chan domain.ToolResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.deps.Logger.ErrorContext(ctx, "tool panicked", "tool", call.Name, "panic", r)
				done <- failure(domain.Upstreamf(domain.ErrToolFailure, "tool %s failed unexpectedly", call.Name))
			}
		}()
		out, err := t.Execute(ctx, call.Arguments)
		switch {
		case err != nil:
			done <- failure(err)
		case out == nil:
			done <- failure(domain.Upstreamf(domain.ErrToolFailure, "tool %s returned no result", call.Name))
		default:
			done <- *out
		}
	}()

	select {
	case res := <-done:
		if res.IsError && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return d.timedOut(call)
		}
		return res
	case <-ctx.Done():
		return d.timedOut(call)
	}
}

func (d *ToolDispatcher) timedOut(call domain.ToolCall) domain.ToolResult {
	return failure(domain.Upstreamf(domain.ErrTimeout, "tool %s timed out after %s", call.Name, d.deps.Timeout))
}

func (d *ToolDispatcher) recordUsage(ctx context.Context, rc *domain.RequestContext, name string, res domain.ToolResult) {
	if d.deps.Usage == nil || rc == nil {
		return
	}
	err := d.deps.Usage.RecordToolUse(ctx, domain.ToolUse{
		ActorID:   rc.Caller.ID,
		AgentID:   rc.AgentID(),
		Tool:      name,
		Category:  res.Category,
		CompanyID: rc.CompanyID,
	})
	if err != nil {
		d.deps.Logger.WarnContext(ctx, "tool usage not recorded", "tool", name, "error", err)
	}
}

// ExecuteRound runs every call of one model response and returns the
// results in request order. With ParallelReads, each run of contiguous
// read-only calls executes concurrently; mutating calls always run alone so
// the write budget is consumed in request order.
func (d *ToolDispatcher) ExecuteRound(ctx context.Context, calls []domain.ToolCall) []domain.ToolResult {
	results := make([]domain.ToolResult, len(calls))
	if !d.deps.ParallelReads {
		for i, c := range calls {
			results[i] = d.Execute(ctx, c)
		}
		return results
	}

	for i := 0; i < len(calls); {
		if d.mutates(calls[i].Name) {
			results[i] = d.Execute(ctx, calls[i])
			i++
			continue
		}
		j := i
		for j < len(calls) && !d.mutates(calls[j].Name) {
			j++
		}
		var g errgroup.Group
		g.SetLimit(d.deps.MaxConcurrency)
		for k := i; k < j; k++ {
			g.Go(func() error {
				results[k] = d.Execute(ctx, calls[k])
				return nil
			})
		}
		_ = g.Wait()
		i = j
	}
	return results
}

// mutates treats unknown tools as mutating so they are never parallelized.
func (d *ToolDispatcher) mutates(name string) bool {
	t, err := d.deps.Tools.Get(name)
	if err != nil {
		return true
	}
	return domain.IsMutating(t)
}

// failure converts err into the error result shape the tools use.
func failure(err error) domain.ToolResult {
	cat := domain.CategoryOf(err)
	retryable := cat == domain.CategoryUpstreamFailure &&
		(errors.Is(err, domain.ErrTimeout) || errors.Is(err, domain.ErrProviderError))
	msg := err.Error()
	if retryable {
		msg += " (transient error, may succeed on retry)"
	}
	data, _ := json.Marshal(map[string]string{"error": msg})
	return domain.ToolResult{
		Content:     string(data),
		IsError:     true,
		IsRetryable: retryable,
		Category:    cat,
	}
}

// errorMessage extracts the message from an {"error": ...} result.
func errorMessage(res domain.ToolResult) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(res.Content), &body); err == nil && body.Error != "" {
		return body.Error
	}
	return res.Content
}
