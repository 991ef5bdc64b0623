package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/config"
)

// NewOpenAIProvider speaks the chat completions API. Any OpenAI-compatible
// endpoint works through BaseURL.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *HTTPProvider {
	return newHTTPProvider(cfg, "https://api.openai.com/v1", openaiFormat{}, logger)
}

type openaiFormat struct{}

func (openaiFormat) kind() string { return "openai" }

func (openaiFormat) endpoint(baseURL, _ string) string { return baseURL + "/chat/completions" }

func (openaiFormat) headers(apiKey string) http.Header {
	h := http.Header{}
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return h
}

func (openaiFormat) encode(req domain.ChatRequest) any { return toOpenAIRequest(req) }

func (openaiFormat) decode(body []byte) (*domain.ChatResponse, error) {
	var resp openaiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return fromOpenAIResponse(resp), nil
}

// Chat completions wire types.

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

// openaiMessage is one outgoing turn. Content is a string, nil for a pure
// tool-call turn, or []openaiPart for multimodal user input.
type openaiMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
	File *struct {
		Filename string `json:"filename,omitempty"`
		FileData string `json:"file_data"`
	} `json:"file,omitempty"`
}

// openaiFunc is the function half of a tool declaration or call. Declarations
// fill Description and Parameters, calls fill Arguments.
type openaiFunc struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Arguments   string          `json:"arguments,omitempty"`
}

type openaiTool struct {
	Type     string     `json:"type"`
	Function openaiFunc `json:"function"`
}

type openaiToolCall struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Function openaiFunc `json:"function"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage domain.Usage `json:"usage"`
}

func toOpenAIRequest(req domain.ChatRequest) openaiRequest {
	temp := req.Temperature
	out := openaiRequest{
		Model:       req.Model,
		Messages:    make([]openaiMessage, len(req.Messages)),
		MaxTokens:   req.MaxTokens,
		Temperature: &temp,
	}
	for i, m := range req.Messages {
		out.Messages[i] = toOpenAIMessage(m)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type:     "function",
			Function: openaiFunc{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return out
}

func toOpenAIMessage(m domain.Message) openaiMessage {
	msg := openaiMessage{Role: m.Role, Content: m.Content}
	switch {
	case m.Role == domain.RoleTool:
		msg.ToolCallID = toolCallID(m)
	case len(m.ToolCalls) > 0:
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: openaiFunc{Name: tc.Name, Arguments: string(tc.Arguments)},
			})
		}
		if m.Content == "" {
			msg.Content = nil
		}
	case len(m.Parts) > 0:
		msg.Content = openaiParts(m)
	}
	return msg
}

// openaiParts converts a multimodal message. The message text comes first.
func openaiParts(m domain.Message) []openaiPart {
	var parts []openaiPart
	text := func(s string) {
		if s != "" {
			parts = append(parts, openaiPart{Type: "text", Text: s})
		}
	}
	text(m.Content)
	for _, p := range m.Parts {
		switch {
		case p.Type == domain.PartImage:
			part := openaiPart{Type: "image_url"}
			part.ImageURL = &struct {
				URL string `json:"url"`
			}{URL: p.URL}
			if p.Data != "" {
				part.ImageURL.URL = dataURL(p.MimeType, p.Data)
			}
			parts = append(parts, part)
		case p.Type == domain.PartDocument && p.Data != "":
			part := openaiPart{Type: "file"}
			part.File = &struct {
				Filename string `json:"filename,omitempty"`
				FileData string `json:"file_data"`
			}{Filename: p.Name, FileData: dataURL(p.MimeType, p.Data)}
			parts = append(parts, part)
		case p.Type == domain.PartDocument:
			text(fmt.Sprintf("[document %s: %s]", p.Name, p.URL))
		default:
			text(p.Text)
		}
	}
	return parts
}

func fromOpenAIResponse(resp openaiResponse) *domain.ChatResponse {
	created := time.Unix(resp.Created, 0)
	out := &domain.ChatResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		Usage:     resp.Usage,
		CreatedAt: created,
		Message:   domain.Message{Role: domain.RoleAssistant, Timestamp: created},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	first := resp.Choices[0].Message
	out.Message.Content = first.Content
	for _, tc := range first.ToolCalls {
		args := tc.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out.Message.ToolCalls = append(out.Message.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return out
}
