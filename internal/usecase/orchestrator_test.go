package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdesk/internal/domain"
	"opsdesk/internal/usecase/capability"
)

type orchestratorFixture struct {
	openai    *scriptedLLM
	anthropic *scriptedLLM
	estimates *fakeTool
	email     *fakeTool
	context   *fixedContext
	sleeps    []time.Duration
	deps      OrchestratorDeps
}

func newOrchestratorFixture(openai ...scriptStep) *orchestratorFixture {
	f := &orchestratorFixture{
		openai:    &scriptedLLM{name: "openai", script: openai},
		anthropic: &scriptedLLM{name: "anthropic", script: []scriptStep{text("Morning! Quiet day so far.")}},
		estimates: &fakeTool{name: "list_estimates", content: `{"estimates":[{"id":"e-1","title":"Baker canopy"}]}`},
		email: &fakeTool{name: "send_email", mutating: true,
			err: domain.Upstreamf(errors.New("smtp 421"), "email provider unavailable")},
		context: &fixedContext{ctx: domain.AssembledContext{"_meta": map[string]any{"failed_keys": []string{}}}},
	}
	reg := capability.Default()
	f.deps = OrchestratorDeps{
		Agents:          reg,
		Assembler:       f.context,
		Router:          NewModelRouter(reg, testTiers()),
		Providers:       providerTable{"openai": f.openai, "anthropic": f.anthropic},
		DefaultProvider: "openai",
		Tools:           NewToolDispatcher(DispatcherDeps{Tools: newToolTable(f.estimates, f.email)}),
		Sleep: func(_ context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		},
	}
	return f
}

func (f *orchestratorFixture) orchestrator() *Orchestrator { return NewOrchestrator(f.deps) }

func estimationRequest(msg string) Request {
	return Request{
		AgentID:   "estimation",
		Message:   msg,
		Caller:    domain.Caller{ID: "tm-1", Name: "Dana"},
		Roles:     []domain.AuthRole{domain.AuthRoleManager},
		CompanyID: "acme",
	}
}

func TestHandleTextReply(t *testing.T) {
	f := newOrchestratorFixture(text("  The Baker estimate is due Friday.  "))

	reply, err := f.orchestrator().Handle(context.Background(), estimationRequest("can we bend 10ga steel"))

	require.NoError(t, err)
	assert.Equal(t, "The Baker estimate is due Friday.", reply.Reply)
	assert.Equal(t, StateDone, reply.Outcome)
	assert.Equal(t, 0, reply.Iterations)
	assert.Equal(t, "openai/gpt-4o", reply.ModelUsed)
	assert.Contains(t, reply.ModelRationale, "tier=standard")
	assert.NotEmpty(t, reply.RequestID)
	assert.Contains(t, reply.ContextUsed, "_meta")
	assert.Empty(t, reply.NotificationsCreated)

	calls := f.openai.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "gpt-4o", calls[0].Model)
	assert.Equal(t, 2048, calls[0].MaxTokens)
	assert.Equal(t, domain.RoleSystem, calls[0].Messages[0].Role)
	assert.Contains(t, calls[0].Messages[0].Content, "estimating lead")
	var toolNames []string
	for _, s := range calls[0].Tools {
		toolNames = append(toolNames, s.Name)
	}
	assert.ElementsMatch(t, []string{"list_estimates", "send_email"}, toolNames)
}

func TestHandleToolRoundThenText(t *testing.T) {
	f := newOrchestratorFixture(
		toolCalls(call("call_a", "list_estimates", `{"status":"sent"}`), call("", "list_estimates", `{}`)),
		text("Two estimates are out."),
	)

	reply, err := f.orchestrator().Handle(context.Background(), estimationRequest("can we bend 10ga steel"))

	require.NoError(t, err)
	assert.Equal(t, "Two estimates are out.", reply.Reply)
	assert.Equal(t, 1, reply.Iterations)
	assert.Equal(t, 2, f.estimates.callCount())
	require.Len(t, reply.ToolCalls, 2)
	assert.Equal(t, ToolTrace{Round: 1, Name: "list_estimates"}, reply.ToolCalls[0])

	calls := f.openai.calls()
	require.Len(t, calls, 2)
	msgs := calls[1].Messages
	require.GreaterOrEqual(t, len(msgs), 4)
	tail := msgs[len(msgs)-3:]
	assert.Equal(t, domain.RoleAssistant, tail[0].Role)
	require.Len(t, tail[0].ToolCalls, 2)
	assert.Equal(t, "call_a", tail[0].ToolCalls[0].ID)
	assert.True(t, strings.HasPrefix(tail[0].ToolCalls[1].ID, "call_"))
	assert.Equal(t, domain.RoleTool, tail[1].Role)
	assert.Equal(t, "call_a", tail[1].ToolCalls[0].ID)
	assert.Equal(t, tail[0].ToolCalls[1].ID, tail[2].ToolCalls[0].ID)
	assert.JSONEq(t, f.estimates.content, tail[1].Content)
}

func TestHandleStopsAtIterationCap(t *testing.T) {
	f := newOrchestratorFixture(toolCalls(call("c", "list_estimates", `{}`)))

	reply, err := f.orchestrator().Handle(context.Background(), estimationRequest("can we bend 10ga steel"))

	require.NoError(t, err)
	assert.Equal(t, StateDone, reply.Outcome)
	assert.Equal(t, 5, reply.Iterations)
	assert.Len(t, f.openai.calls(), 5)
	assert.Equal(t, 5, f.estimates.callCount())
	assert.True(t, strings.HasPrefix(reply.Reply, "Here is what I found:"), reply.Reply)
	assert.Contains(t, reply.Reply, "title=Baker canopy")
}

func TestHandleStopsOnRepeatedToolFailure(t *testing.T) {
	f := newOrchestratorFixture(toolCalls(call("c", "send_email", `{"to":"a@b.c"}`)))

	reply, err := f.orchestrator().Handle(context.Background(), estimationRequest("email Baker the quote"))

	require.NoError(t, err)
	assert.Equal(t, StateStopped, reply.Outcome)
	assert.Equal(t, 2, reply.Iterations)
	assert.Len(t, f.openai.calls(), 2)
	assert.Contains(t, reply.Reply, "UPSTREAM_FAILURE")
	assert.Contains(t, reply.Reply, "email provider unavailable")
	assert.Contains(t, reply.Reply, "To continue, I need:")
}

func TestHandleFailureStreakResets(t *testing.T) {
	f := newOrchestratorFixture(
		toolCalls(call("1", "send_email", `{}`)),
		toolCalls(call("2", "list_estimates", `{}`)),
		toolCalls(call("3", "send_email", `{}`)),
		text("Sent nothing, but here is the list."),
	)

	reply, err := f.orchestrator().Handle(context.Background(), estimationRequest("email Baker the quote"))

	require.NoError(t, err)
	assert.Equal(t, StateDone, reply.Outcome)
	assert.Equal(t, 3, reply.Iterations)
	assert.Equal(t, "Sent nothing, but here is the list.", reply.Reply)
}

func TestHandleUnknownToolIsRejected(t *testing.T) {
	f := newOrchestratorFixture(
		toolCalls(call("1", "update_order", `{}`)),
		text("I can't change orders."),
	)

	reply, err := f.orchestrator().Handle(context.Background(), estimationRequest("mark order 7 shipped"))

	require.NoError(t, err)
	require.Len(t, reply.ToolCalls, 1)
	assert.True(t, reply.ToolCalls[0].IsError)
	assert.Equal(t, domain.CategoryValidation, reply.ToolCalls[0].Category)
}

func TestHandleMorningBriefing(t *testing.T) {
	f := newOrchestratorFixture(text("unused"))

	reply, err := f.orchestrator().Handle(context.Background(), estimationRequest("good morning"))

	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-sonnet-4-5", reply.ModelUsed)
	assert.Contains(t, reply.ModelRationale, "tier=deep")
	assert.Empty(t, f.openai.calls())
	assert.True(t, strings.HasPrefix(reply.Reply, "Morning! Quiet day so far."), reply.Reply)
	for _, title := range []string{"## Estimates Due", "## Revision Requests", "## New Leads", "## Follow-ups"} {
		assert.Contains(t, reply.Reply, title+"\nNo items")
	}

	sys := f.anthropic.calls()[0].Messages[0].Content
	assert.Contains(t, sys, "## Briefing Format")
}

func TestHandleTextWinsOverToolCalls(t *testing.T) {
	f := newOrchestratorFixture(scriptStep{msg: domain.Message{
		Content:   "Here you go.",
		ToolCalls: []domain.ToolCall{call("1", "send_email", `{}`)},
	}})

	reply, err := f.orchestrator().Handle(context.Background(), estimationRequest("can we bend 10ga steel"))

	require.NoError(t, err)
	assert.Equal(t, "Here you go.", reply.Reply)
	assert.Zero(t, f.email.callCount())
	assert.Empty(t, reply.ToolCalls)
}

func TestHandleEmptyResponse(t *testing.T) {
	f := newOrchestratorFixture(text("   "))

	reply, err := f.orchestrator().Handle(context.Background(), estimationRequest("can we bend 10ga steel"))

	require.NoError(t, err)
	assert.Equal(t, StateDone, reply.Outcome)
	assert.NotEmpty(t, reply.Reply)
}

func TestHandleProviderFallback(t *testing.T) {
	f := newOrchestratorFixture(text("Fallback answer."))
	delete(f.deps.Providers.(providerTable), "anthropic")

	reply, err := f.orchestrator().Handle(context.Background(), estimationRequest("good morning"))

	require.NoError(t, err)
	assert.Equal(t, "openai/openai-default", reply.ModelUsed)
	require.Len(t, f.openai.calls(), 1)
	assert.Empty(t, f.openai.calls()[0].Model)
}

// requestLog remembers the request id on the context of every warning.
type requestLog struct {
	mu   sync.Mutex
	seen map[string]string // message -> request id
}

func (h *requestLog) Enabled(_ context.Context, l slog.Level) bool { return l >= slog.LevelWarn }
func (h *requestLog) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *requestLog) WithGroup(string) slog.Handler { return h }

func (h *requestLog) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen[r.Message] = domain.RequestIDFromContext(ctx)
	return nil
}

func TestHandleWarningsCarryRequestID(t *testing.T) {
	f := newOrchestratorFixture(
		scriptStep{msg: domain.Message{Role: domain.RoleAssistant, Content: "Here you go.",
			ToolCalls: []domain.ToolCall{call("c1", "send_email", `{}`)}}},
	)
	delete(f.deps.Providers.(providerTable), "anthropic")
	logs := &requestLog{seen: map[string]string{}}
	f.deps.Logger = slog.New(logs)

	reply, err := f.orchestrator().Handle(context.Background(), estimationRequest("good morning"))
	require.NoError(t, err)

	for _, msg := range []string{
		"routed provider unavailable, using default",
		"model returned text and tool calls, dropping the calls",
	} {
		require.Contains(t, logs.seen, msg)
		assert.Equal(t, reply.RequestID, logs.seen[msg], msg)
	}
}

func TestHandleNoProviderAtAll(t *testing.T) {
	f := newOrchestratorFixture(text("x"))
	f.deps.Providers = providerTable{}

	_, err := f.orchestrator().Handle(context.Background(), estimationRequest("hello"))

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
	assert.Contains(t, upstream.UserMessage(), "No AI service")
}

func TestHandleUnknownAgent(t *testing.T) {
	f := newOrchestratorFixture(text("x"))
	req := estimationRequest("hello")
	req.AgentID = "astrology"

	_, err := f.orchestrator().Handle(context.Background(), req)

	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
	assert.Empty(t, f.openai.calls())
}

func TestHandleQuotaExhausted(t *testing.T) {
	f := newOrchestratorFixture(failWith(fmt.Errorf("%w: API error 429: insufficient_quota", domain.ErrQuotaExceeded)))
	f.deps.Classifier = NewErrorClassifier()
	f.deps.LLMRetries = 3

	_, err := f.orchestrator().Handle(context.Background(), estimationRequest("hello"))

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
	assert.Equal(t, "openai", upstream.Provider)
	assert.Contains(t, upstream.UserMessage(), "run out of credit")
	assert.Len(t, f.openai.calls(), 1, "quota errors are not retried")
	assert.Empty(t, f.sleeps)
}

func TestHandleRetriesTransientLLMError(t *testing.T) {
	f := newOrchestratorFixture(
		failWith(errors.New("API error 503: overloaded")),
		text("Recovered."),
	)
	f.deps.Classifier = NewErrorClassifier()
	f.deps.LLMRetries = 2

	reply, err := f.orchestrator().Handle(context.Background(), estimationRequest("hello"))

	require.NoError(t, err)
	assert.Equal(t, "Recovered.", reply.Reply)
	assert.Len(t, f.openai.calls(), 2)
	require.Len(t, f.sleeps, 1)
	assert.GreaterOrEqual(t, f.sleeps[0], baseRetryDelay)
}

func TestHandleContextOverflowShrinksContext(t *testing.T) {
	f := newOrchestratorFixture(
		failWith(errors.New("API error 413: request too large")),
		text("Done."),
	)
	f.context.ctx["big"] = strings.Repeat("y", 40000)
	f.deps.Classifier = NewErrorClassifier()
	f.deps.LLMRetries = 1

	reply, err := f.orchestrator().Handle(context.Background(), estimationRequest("hello"))

	require.NoError(t, err)
	assert.Equal(t, "Done.", reply.Reply)
	assert.Empty(t, f.sleeps)
	calls := f.openai.calls()
	require.Len(t, calls, 2)
	assert.NotContains(t, calls[0].Messages[0].Content, "omitted for size")
	assert.Contains(t, calls[1].Messages[0].Content, "omitted for size: big")
}

func TestHandleWithoutClassifierDoesNotRetry(t *testing.T) {
	f := newOrchestratorFixture(failWith(errors.New("API error 503: overloaded")), text("never"))

	_, err := f.orchestrator().Handle(context.Background(), estimationRequest("hello"))

	require.Error(t, err)
	assert.Len(t, f.openai.calls(), 1)
}

func TestHandleConcurrentRequestsAreIndependent(t *testing.T) {
	f := newOrchestratorFixture(text("ok"))
	o := f.orchestrator()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := o.Handle(context.Background(), estimationRequest("can we bend 10ga steel"))
			if assert.NoError(t, err) {
				ids[i] = reply.RequestID
			}
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate request id %s", id)
		seen[id] = true
	}
}

func TestHandleKeepsCallerRequestID(t *testing.T) {
	f := newOrchestratorFixture(text("ok"))
	ctx := domain.ContextWithRequestID(context.Background(), "req-123")

	reply, err := f.orchestrator().Handle(ctx, estimationRequest("hi"))

	require.NoError(t, err)
	assert.Equal(t, "req-123", reply.RequestID)
}

func TestUpstreamErrorUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.ErrQuotaExceeded, "run out of credit"},
		{domain.ErrAuthInvalid, "credentials"},
		{errors.New("eof"), "not responding"},
	}
	for _, tt := range tests {
		e := &UpstreamError{Provider: "openai", Model: "gpt-4o", Err: tt.err}
		assert.Contains(t, e.UserMessage(), tt.want)
		assert.Contains(t, e.Error(), "openai/gpt-4o")
	}
}
