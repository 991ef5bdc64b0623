package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/config"
)

// NewGeminiProvider speaks the Gemini generateContent API. The key travels in
// a header, never in the query string.
func NewGeminiProvider(cfg config.ProviderConfig, logger *slog.Logger) *HTTPProvider {
	return newHTTPProvider(cfg, "https://generativelanguage.googleapis.com", geminiFormat{}, logger)
}

type geminiFormat struct{}

func (geminiFormat) kind() string { return "gemini" }

func (geminiFormat) endpoint(baseURL, model string) string {
	return baseURL + "/v1beta/models/" + url.PathEscape(model) + ":generateContent"
}

func (geminiFormat) headers(apiKey string) http.Header {
	h := http.Header{}
	h.Set("x-goog-api-key", apiKey)
	return h
}

func (geminiFormat) encode(req domain.ChatRequest) any { return toGeminiRequest(req) }

func (geminiFormat) decode(body []byte) (*domain.ChatResponse, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return fromGeminiResponse(resp), nil
}

// generateContent wire types.

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	InlineData       *geminiBlob         `json:"inlineData,omitempty"`
	FileData         *geminiFileData     `json:"fileData,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResponse `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiFuncResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
	ModelVersion  string            `json:"modelVersion,omitempty"`
	ResponseID    string            `json:"responseId,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func toGeminiRequest(req domain.ChatRequest) geminiRequest {
	temp := req.Temperature
	out := geminiRequest{
		GenerationConfig: &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens, Temperature: &temp},
	}

	var system []geminiPart
	for _, m := range req.Messages {
		switch {
		case m.Role == domain.RoleSystem:
			system = append(system, geminiPart{Text: m.Content})
		case m.Role == domain.RoleTool:
			out.Contents = appendFunctionResponse(out.Contents, geminiPart{
				FunctionResponse: &geminiFuncResponse{Name: m.Name, Response: geminiToolPayload(m.Content)},
			})
		case m.Role == domain.RoleAssistant:
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: geminiCallParts(m)})
		default:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: geminiUserParts(m)})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}

	if len(req.Tools) > 0 {
		var decls []geminiFuncDecl
		for _, t := range req.Tools {
			decls = append(decls, geminiFuncDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return out
}

// appendFunctionResponse groups the responses of one round into a single
// user turn, which generateContent requires.
func appendFunctionResponse(contents []geminiContent, part geminiPart) []geminiContent {
	if n := len(contents); n > 0 {
		last := &contents[n-1]
		if last.Role == "user" && len(last.Parts) > 0 && last.Parts[0].FunctionResponse != nil {
			last.Parts = append(last.Parts, part)
			return contents
		}
	}
	return append(contents, geminiContent{Role: "user", Parts: []geminiPart{part}})
}

// geminiCallParts converts an assistant turn, including its function calls.
func geminiCallParts(m domain.Message) []geminiPart {
	if len(m.ToolCalls) == 0 {
		return []geminiPart{{Text: m.Content}}
	}
	var parts []geminiPart
	if m.Content != "" {
		parts = append(parts, geminiPart{Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		args := tc.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args}})
	}
	return parts
}

// geminiUserParts converts a user turn. Inline data wins over a file URI.
func geminiUserParts(m domain.Message) []geminiPart {
	var parts []geminiPart
	if m.Content != "" || len(m.Parts) == 0 {
		parts = append(parts, geminiPart{Text: m.Content})
	}
	for _, p := range m.Parts {
		var part geminiPart
		switch {
		case p.Type == domain.PartText:
			part.Text = p.Text
		case p.Data != "":
			part.InlineData = &geminiBlob{MimeType: p.MimeType, Data: p.Data}
		case p.URL != "":
			part.FileData = &geminiFileData{MimeType: p.MimeType, FileURI: p.URL}
		default:
			continue
		}
		parts = append(parts, part)
	}
	return parts
}

// geminiToolPayload wraps tool output as the object functionResponse requires.
func geminiToolPayload(content string) map[string]any {
	var obj map[string]any
	if json.Unmarshal([]byte(content), &obj) == nil && obj != nil {
		return obj
	}
	return map[string]any{"content": content}
}

func fromGeminiResponse(resp geminiResponse) *domain.ChatResponse {
	now := time.Now()
	out := &domain.ChatResponse{
		ID:        resp.ResponseID,
		Model:     resp.ModelVersion,
		CreatedAt: now,
		Message:   domain.Message{Role: domain.RoleAssistant, Timestamp: now},
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage.Add(domain.Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		})
	}
	if len(resp.Candidates) == 0 {
		return out
	}

	var text strings.Builder
	for i, part := range resp.Candidates[0].Content.Parts {
		if fc := part.FunctionCall; fc != nil {
			// Calls carry no id, so the part index keeps them unique.
			out.Message.ToolCalls = append(out.Message.ToolCalls, domain.ToolCall{
				ID:        fmt.Sprintf("call_%s_%d", fc.Name, i),
				Name:      fc.Name,
				Arguments: fc.Args,
			})
			continue
		}
		text.WriteString(part.Text)
	}
	out.Message.Content = text.String()
	return out
}
