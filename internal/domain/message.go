package domain

import "time"

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content part types for multimodal messages.
const (
	PartText     = "text"
	PartImage    = "image"
	PartDocument = "document"
)

// ContentPart is one block of a multimodal user message. Image and document
// parts carry either a URL or inline base64 Data.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Message is one turn of a conversation.
type Message struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	Name      string        `json:"name,omitempty"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
	Parts     []ContentPart `json:"parts,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// HasAttachments reports whether the message carries image or document parts.
func (m Message) HasAttachments() bool {
	for _, p := range m.Parts {
		if p.Type == PartImage || p.Type == PartDocument {
			return true
		}
	}
	return false
}

// ChatRequest is the provider-neutral input of one model call.
type ChatRequest struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
}

// ChatResponse is the provider-neutral output of one model call.
type ChatResponse struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Message   Message   `json:"message"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage counts the tokens of one model call, or of a whole run once
// summed with Add.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add folds o into u. Providers that omit the total get it derived.
func (u *Usage) Add(o Usage) {
	if o.TotalTokens == 0 {
		o.TotalTokens = o.PromptTokens + o.CompletionTokens
	}
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}
