package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/metrics"
	"opsdesk/internal/usecase"
)

type stubChat struct {
	mu    sync.Mutex
	reqs  []usecase.Request
	ids   []string
	reply *usecase.Reply
	err   error
}

func (s *stubChat) Handle(ctx context.Context, req usecase.Request) (*usecase.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	s.ids = append(s.ids, domain.RequestIDFromContext(ctx))
	if s.err != nil {
		return nil, s.err
	}
	if s.reply != nil {
		return s.reply, nil
	}
	return &usecase.Reply{
		Reply:          "done",
		ModelUsed:      "openai/gpt-4o",
		ModelRationale: "standard",
		Outcome:        usecase.StateDone,
		RequestID:      domain.RequestIDFromContext(ctx),
	}, nil
}

func (s *stubChat) last() usecase.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[len(s.reqs)-1]
}

type stubAgents []domain.AgentSummary

func (a stubAgents) List() []domain.AgentSummary { return a }

type stubTools []string

func (stubTools) Get(name string) (domain.Tool, error) { return nil, domain.ErrToolNotFound }
func (t stubTools) Schemas() []domain.ToolSchema {
	out := make([]domain.ToolSchema, 0, len(t))
	for _, n := range t {
		out = append(out, domain.ToolSchema{Name: n})
	}
	return out
}

type stubProviders []string

func (p stubProviders) List() []string { return p }

const testToken = "secret-123"

func newHandlerDeps(chat ChatService) HandlerDeps {
	return HandlerDeps{
		Chat: chat,
		Agents: stubAgents{
			{ID: "estimation", Name: "Estimator"},
			{ID: "operations", Name: "Operations"},
		},
		Auth:         testAuth(),
		Tools:        stubTools{"list_estimates", "create_notifications"},
		Providers:    stubProviders{"openai", "anthropic"},
		Tiers:        map[string]domain.ModelTier{"quick": {Name: "quick", Provider: "openai", Model: "gpt-4o-mini"}},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		DefaultAgent: "operations",
		Version:      "test",
	}
}

func newTestMux(t *testing.T, deps HandlerDeps) http.Handler {
	t.Helper()
	srv := NewServer(ServerConfig{}, deps.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, RegisterHandlers(ctx, srv, deps))
	return srv.Handler()
}

func doChat(h http.Handler, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/chat", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body["error"]
}

func TestChatSuccess(t *testing.T) {
	chat := &stubChat{}
	h := newTestMux(t, newHandlerDeps(chat))

	w := doChat(h, `{
		"agentId": "estimation",
		"message": "price the Baker job",
		"history": [{"role": "user", "content": "hi"}, {"role": "assistant", "content": "hello"}],
		"context": {"job": "J-7"},
		"attachments": [{"name": "plan.png", "url": "https://files.example.com/plan.png"},
		                {"name": "spec.pdf", "data": "JVBERi0=", "mimeType": "application/pdf"}]
	}`, map[string]string{"X-Request-ID": "req-42"})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	var reply usecase.Reply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.Equal(t, "done", reply.Reply)
	assert.Equal(t, "openai/gpt-4o", reply.ModelUsed)
	assert.Equal(t, "req-42", reply.RequestID)

	got := chat.last()
	assert.Equal(t, "estimation", got.AgentID)
	assert.Equal(t, "price the Baker job", got.Message)
	assert.Equal(t, "tm-1", got.Caller.ID)
	assert.Equal(t, "acme", got.CompanyID)
	assert.Equal(t, []domain.AuthRole{domain.AuthRoleManager}, got.Roles)
	require.Len(t, got.History, 2)
	assert.Equal(t, domain.RoleAssistant, got.History[1].Role)
	assert.Equal(t, map[string]any{"job": "J-7"}, got.Context)
	require.Len(t, got.Attachments, 2)
	assert.Equal(t, "application/pdf", got.Attachments[1].MimeType)
	assert.Equal(t, "JVBERi0=", got.Attachments[1].Data)
}

func TestChatDefaultsAgentAndRequestID(t *testing.T) {
	chat := &stubChat{}
	h := newTestMux(t, newHandlerDeps(chat))

	w := doChat(h, `{"message": "what is late?"}`, nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "operations", chat.last().AgentID)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), chat.ids[0])
}

func TestChatUnauthenticated(t *testing.T) {
	chat := &stubChat{}
	h := newTestMux(t, newHandlerDeps(chat))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/chat", strings.NewReader(`{"message":"hi"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, chat.reqs)
}

func TestChatMalformedPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"message":`},
		{"missing message", `{"agentId":"estimation"}`},
		{"empty message", `{"message":""}`},
		{"blank message", `{"message":"   "}`},
		{"wrong type", `{"message": 42}`},
		{"bad history role", `{"message":"hi","history":[{"role":"system","content":"x"}]}`},
		{"attachment without source", `{"message":"hi","attachments":[{"name":"a.png"}]}`},
		{"context not object", `{"message":"hi","context":[1,2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &stubChat{}
			h := newTestMux(t, newHandlerDeps(chat))

			w := doChat(h, tt.body, nil)

			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.NotEmpty(t, errorBody(t, w))
			assert.Empty(t, chat.reqs)
		})
	}
}

func TestChatBodyTooLarge(t *testing.T) {
	deps := newHandlerDeps(&stubChat{})
	deps.MaxBodyBytes = 64
	h := newTestMux(t, deps)

	w := doChat(h, fmt.Sprintf(`{"message":%q}`, strings.Repeat("x", 200)), nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestChatErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{"unknown agent", domain.NewDomainError("Registry.Get", domain.ErrAgentNotFound, "ghost"), http.StatusNotFound, "unknown agent"},
		{"quota", &usecase.UpstreamError{Provider: "openai", Model: "gpt-4o", Err: domain.ErrQuotaExceeded}, http.StatusPaymentRequired, "run out of credit"},
		{"provider down", &usecase.UpstreamError{Provider: "openai", Model: "gpt-4o", Err: errors.New("eof")}, http.StatusBadGateway, "not responding"},
		{"deadline", fmt.Errorf("llm: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "too long"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestMux(t, newHandlerDeps(&stubChat{err: tt.err}))

			w := doChat(h, `{"message":"hi"}`, nil)

			assert.Equal(t, tt.wantCode, w.Code)
			msg := errorBody(t, w)
			assert.Contains(t, msg, tt.wantMsg)
			assert.NotContains(t, msg, "eof")
		})
	}
}

func TestChatRateLimited(t *testing.T) {
	m := metrics.New()
	deps := newHandlerDeps(&stubChat{})
	deps.Metrics = m
	deps.RateLimit = RateLimitSettings{Enabled: true, RequestsPerMinute: 1, Burst: 1}
	h := newTestMux(t, deps)

	first := doChat(h, `{"message":"hi"}`, nil)
	second := doChat(h, `{"message":"hi"}`, nil)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Contains(t, w.Body.String(), "opsdesk_rate_limited_total 1")
	assert.Contains(t, w.Body.String(), `opsdesk_chat_requests_total{agent="operations",status="2xx"} 1`)
}

func TestAgentsListing(t *testing.T) {
	h := newTestMux(t, newHandlerDeps(&stubChat{}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Agents       []domain.AgentSummary `json:"agents"`
		DefaultAgent string                `json:"defaultAgent"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Agents, 2)
	assert.Equal(t, "operations", body.DefaultAgent)
}

func TestHealthzIsPublic(t *testing.T) {
	h := newTestMux(t, newHandlerDeps(&stubChat{}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestMetricsRouteAbsentWithoutMetrics(t *testing.T) {
	h := newTestMux(t, newHandlerDeps(&stubChat{}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
