package llm

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/config"
)

const defaultAnthropicVersion = "2023-06-01"

// NewAnthropicProvider speaks the Anthropic Messages API.
func NewAnthropicProvider(cfg config.ProviderConfig, logger *slog.Logger) *HTTPProvider {
	return newHTTPProvider(cfg, "https://api.anthropic.com", anthropicFormat{version: defaultAnthropicVersion}, logger)
}

type anthropicFormat struct {
	version string
}

func (anthropicFormat) kind() string { return "anthropic" }

func (anthropicFormat) endpoint(baseURL, _ string) string { return baseURL + "/v1/messages" }

func (f anthropicFormat) headers(apiKey string) http.Header {
	h := http.Header{}
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", f.version)
	return h
}

func (anthropicFormat) encode(req domain.ChatRequest) any { return toAnthropicRequest(req) }

func (anthropicFormat) decode(body []byte) (*domain.ChatResponse, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return fromAnthropicResponse(resp), nil
}

// Messages API wire types.

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

// anthropicBlock is a content block in either direction. Which fields are
// set depends on Type: text, tool_use, tool_result, image or document.
type anthropicBlock struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     json.RawMessage  `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   string           `json:"content,omitempty"`
	Source    *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// defaultAnthropicMaxTokens fills the required max_tokens when the tier
// leaves it unset.
const defaultAnthropicMaxTokens = 4096

func toAnthropicRequest(req domain.ChatRequest) anthropicRequest {
	temp := req.Temperature
	out := anthropicRequest{Model: req.Model, MaxTokens: req.MaxTokens, Temperature: &temp}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultAnthropicMaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)
		case domain.RoleTool:
			out.Messages = appendToolResult(out.Messages, anthropicBlock{
				Type:      "tool_result",
				ToolUseID: toolCallID(m),
				Content:   m.Content,
			})
		default:
			out.Messages = append(out.Messages, anthropicMessage{Role: m.Role, Content: anthropicBlocks(m)})
		}
	}
	out.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return out
}

// appendToolResult adds block to the trailing tool-result turn, or opens a
// new user turn. The API wants all results of one round in a single turn.
func appendToolResult(msgs []anthropicMessage, block anthropicBlock) []anthropicMessage {
	if n := len(msgs); n > 0 {
		last := &msgs[n-1]
		if last.Role == "user" && len(last.Content) > 0 && last.Content[0].Type == "tool_result" {
			last.Content = append(last.Content, block)
			return msgs
		}
	}
	return append(msgs, anthropicMessage{Role: "user", Content: []anthropicBlock{block}})
}

// anthropicBlocks converts a user or assistant turn. An empty turn still
// carries one text block because the API rejects empty content.
func anthropicBlocks(m domain.Message) []anthropicBlock {
	var blocks []anthropicBlock
	if m.Content != "" || (len(m.ToolCalls) == 0 && len(m.Parts) == 0) {
		blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		input := tc.Arguments
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
	}
	for _, p := range m.Parts {
		if b, ok := anthropicPart(p); ok {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// anthropicPart converts an attachment to an image or document block.
func anthropicPart(p domain.ContentPart) (anthropicBlock, bool) {
	if p.Type == domain.PartText {
		return anthropicBlock{Type: "text", Text: p.Text}, p.Text != ""
	}
	if p.Type != domain.PartImage && p.Type != domain.PartDocument {
		return anthropicBlock{}, false
	}
	src := &anthropicSource{Type: "url", URL: p.URL}
	if p.Data != "" {
		src = &anthropicSource{Type: "base64", MediaType: p.MimeType, Data: p.Data}
	}
	return anthropicBlock{Type: p.Type, Source: src}, true
}

func fromAnthropicResponse(resp anthropicResponse) *domain.ChatResponse {
	now := time.Now()
	out := &domain.ChatResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		CreatedAt: now,
		Message:   domain.Message{Role: domain.RoleAssistant, Timestamp: now},
	}
	out.Usage.Add(domain.Usage{PromptTokens: resp.Usage.InputTokens, CompletionTokens: resp.Usage.OutputTokens})

	var text []string
	for _, b := range resp.Content {
		switch {
		case b.Type == "text" && b.Text != "":
			text = append(text, b.Text)
		case b.Type == "tool_use":
			out.Message.ToolCalls = append(out.Message.ToolCalls, domain.ToolCall{ID: b.ID, Name: b.Name, Arguments: b.Input})
		}
	}
	out.Message.Content = strings.Join(text, "\n")
	return out
}
