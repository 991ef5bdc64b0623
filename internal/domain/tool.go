package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a tool. Content is what the model
// sees; Category is set for failures and for NOT_FOUND facts.
type ToolResult struct {
	ToolCallID  string        `json:"tool_call_id"`
	Content     string        `json:"content"`
	IsError     bool          `json:"is_error"`
	IsRetryable bool          `json:"is_retryable,omitempty"`
	Category    ErrorCategory `json:"category,omitempty"`
}

// Tool is the interface every tool must implement.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// MutatingTool is implemented by tools that change business data or send
// messages. Mutating calls are serialized within a round.
type MutatingTool interface {
	Mutates() bool
}

// IsMutating reports whether t declares itself as mutating.
func IsMutating(t Tool) bool {
	m, ok := t.(MutatingTool)
	return ok && m.Mutates()
}

// ToolExecutor abstracts tool lookup and execution.
type ToolExecutor interface {
	Get(name string) (Tool, error)
	Schemas() []ToolSchema
}

// UsageRecorder stores one row per tool invocation for activity metrics.
type UsageRecorder interface {
	RecordToolUse(ctx context.Context, use ToolUse) error
}

// ToolUse is a single recorded tool invocation.
type ToolUse struct {
	ActorID   string        `json:"actor_id"`
	AgentID   string        `json:"agent_id"`
	Tool      string        `json:"tool"`
	Category  ErrorCategory `json:"category,omitempty"`
	CompanyID string        `json:"company_id,omitempty"`
}
