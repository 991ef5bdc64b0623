package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"opsdesk/internal/domain"
)

// --- Tools ---

type fakeTool struct {
	name     string
	content  string
	err      error
	result   *domain.ToolResult
	mutating bool
	panics   bool
	delay    time.Duration

	mu    sync.Mutex
	calls int
	args  []json.RawMessage
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "fake " + t.name }
func (t *fakeTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Description: t.Description(), Parameters: json.RawMessage(`{"type":"object"}`)}
}
func (t *fakeTool) Mutates() bool { return t.mutating }

func (t *fakeTool) Execute(ctx context.Context, args json.RawMessage) (*domain.ToolResult, error) {
	t.mu.Lock()
	t.calls++
	t.args = append(t.args, args)
	t.mu.Unlock()

	if t.panics {
		panic("nil map write")
	}
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.err != nil {
		return nil, t.err
	}
	if t.result != nil {
		r := *t.result
		return &r, nil
	}
	return &domain.ToolResult{Content: t.content}, nil
}

func (t *fakeTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

type toolTable map[string]domain.Tool

func newToolTable(tools ...domain.Tool) toolTable {
	tt := toolTable{}
	for _, t := range tools {
		tt[t.Name()] = t
	}
	return tt
}

func (tt toolTable) Get(name string) (domain.Tool, error) {
	t, ok := tt[name]
	if !ok {
		return nil, domain.ErrToolNotFound
	}
	return t, nil
}

func (tt toolTable) Schemas() []domain.ToolSchema {
	names := make([]string, 0, len(tt))
	for n := range tt {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]domain.ToolSchema, len(names))
	for i, n := range names {
		out[i] = tt[n].Schema()
	}
	return out
}

type usageLog struct {
	mu   sync.Mutex
	uses []domain.ToolUse
}

func (u *usageLog) RecordToolUse(_ context.Context, use domain.ToolUse) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uses = append(u.uses, use)
	return nil
}

// --- LLM ---

// scriptedLLM replays responses in order and repeats the last one once the
// script runs out. Each entry is either a response or an error.
type scriptedLLM struct {
	name   string
	script []scriptStep

	mu       sync.Mutex
	requests []domain.ChatRequest
}

type scriptStep struct {
	msg domain.Message
	err error
}

func (s *scriptedLLM) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := req
	cp.Messages = append([]domain.Message(nil), req.Messages...)
	s.requests = append(s.requests, cp)

	idx := len(s.requests) - 1
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	step := s.script[idx]
	if step.err != nil {
		return nil, step.err
	}
	model := req.Model
	if model == "" {
		model = s.Name() + "-default"
	}
	return &domain.ChatResponse{
		Model:   model,
		Message: step.msg,
		Usage:   domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (s *scriptedLLM) Name() string {
	if s.name == "" {
		return "openai"
	}
	return s.name
}

func (s *scriptedLLM) calls() []domain.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChatRequest(nil), s.requests...)
}

func text(s string) scriptStep { return scriptStep{msg: domain.Message{Role: domain.RoleAssistant, Content: s}} }

func toolCalls(calls ...domain.ToolCall) scriptStep {
	return scriptStep{msg: domain.Message{Role: domain.RoleAssistant, ToolCalls: calls}}
}

func failWith(err error) scriptStep { return scriptStep{err: err} }

func call(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

type providerTable map[string]domain.LLMProvider

func (p providerTable) Get(name string) (domain.LLMProvider, error) {
	if pr, ok := p[name]; ok {
		return pr, nil
	}
	return nil, domain.NewDomainError("providers.Get", domain.ErrProviderNotFound, name)
}

// --- Context ---

type fixedContext struct {
	ctx domain.AssembledContext
}

func (f *fixedContext) Assemble(_ context.Context, agentID string, _ domain.Caller, _ []domain.AuthRole, user map[string]any) (domain.AssembledContext, error) {
	out := domain.AssembledContext{}
	for k, v := range f.ctx {
		out[k] = v
	}
	for k, v := range user {
		out[k] = v
	}
	if agentID == "" {
		return nil, errors.New("no agent")
	}
	return out, nil
}
