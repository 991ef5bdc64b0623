package domain

import "context"

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "anthropic").
	Name() string
}

// ModelTier is a named provider/model/parameter bundle that routing rules
// select by name.
type ModelTier struct {
	Name        string  `json:"name"        yaml:"name"`
	Provider    string  `json:"provider"    yaml:"provider"`
	Model       string  `json:"model"       yaml:"model"`
	MaxTokens   int     `json:"max_tokens"  yaml:"max_tokens"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
}

// ModelDecision is the router's output for one request.
type ModelDecision struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Tier        string  `json:"tier"`
	Rationale   string  `json:"rationale"`
}
