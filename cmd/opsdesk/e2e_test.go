package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"opsdesk/internal/infra/config"
	"opsdesk/internal/usecase"
)

// fakeOpenAI answers the first completion with a list_orders tool call and
// every later one with plain text.
type fakeOpenAI struct {
	mu       sync.Mutex
	requests []map[string]any
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/chat/completions" {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.requests = append(f.requests, body)
	n := len(f.requests)
	f.mu.Unlock()

	message := map[string]any{"role": "assistant", "content": "Nothing is overdue today."}
	finish := "stop"
	if n == 1 {
		message = map[string]any{
			"role": "assistant",
			"tool_calls": []map[string]any{{
				"id":       "call_1",
				"type":     "function",
				"function": map[string]any{"name": "list_orders", "arguments": `{"status":"new"}`},
			}},
		}
		finish = "tool_calls"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-test",
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{"index": 0, "message": message, "finish_reason": finish}},
		"usage":   map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
}

func (f *fakeOpenAI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func TestServeChatEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	llmSrv := httptest.NewServer(&fakeOpenAI{})
	defer llmSrv.Close()
	fake := llmSrv.Config.Handler.(*fakeOpenAI)

	cfg := config.Defaults()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "opsdesk.db")
	cfg.Database.SeedSchema = true
	cfg.LLM.Providers = []config.ProviderConfig{{
		Name: "openai", Type: "openai", APIKey: "sk-test", BaseURL: llmSrv.URL, Model: "gpt-4o-mini",
	}}
	cfg.Gateway.Auth.Tokens = []config.TokenConfig{{
		Token: "tok-ops", ID: "tm-1", Name: "Dana", Roles: []string{"manager"}, CompanyID: "acme",
	}}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	a, cleanup, err := buildApp(ctx, cfg, log)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer cleanup()

	srv, err := initGateway(ctx, cfg, a, log)
	if err != nil {
		t.Fatalf("initGateway: %v", err)
	}
	api := httptest.NewServer(srv.Handler())
	defer api.Close()

	req, _ := http.NewRequest(http.MethodPost, api.URL+"/api/v1/agent/chat",
		strings.NewReader(`{"agentId":"operations","message":"Anything new on orders?"}`))
	req.Header.Set("Authorization", "Bearer tok-ops")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("chat request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var reply usecase.Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Reply != "Nothing is overdue today." {
		t.Errorf("reply = %q", reply.Reply)
	}
	if reply.Outcome != usecase.StateDone {
		t.Errorf("outcome = %s, want DONE", reply.Outcome)
	}
	if len(reply.ToolCalls) != 1 || reply.ToolCalls[0].Name != "list_orders" || reply.ToolCalls[0].IsError {
		t.Errorf("tool calls = %+v", reply.ToolCalls)
	}
	if reply.RequestID == "" || resp.Header.Get("X-Request-ID") != reply.RequestID {
		t.Errorf("request id = %q, header = %q", reply.RequestID, resp.Header.Get("X-Request-ID"))
	}
	if got := fake.count(); got != 2 {
		t.Errorf("model calls = %d, want 2", got)
	}

	metricsResp, err := http.Get(api.URL + cfg.Metrics.Path)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	text, _ := io.ReadAll(metricsResp.Body)
	if !strings.Contains(string(text), "opsdesk_chat_requests_total") {
		t.Error("chat request not counted in metrics")
	}
}

func TestServeChatRejectsUnknownToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Defaults()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "opsdesk.db")
	cfg.Database.SeedSchema = true
	cfg.LLM.Providers = []config.ProviderConfig{{Name: "openai", APIKey: "sk-test"}}

	a, cleanup, err := buildApp(ctx, cfg, log)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer cleanup()
	srv, err := initGateway(ctx, cfg, a, log)
	if err != nil {
		t.Fatalf("initGateway: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/agent/chat", strings.NewReader(`{"message":"hi"}`))
	r.Header.Set("Authorization", "Bearer nope")
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}
