package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/config"
	"opsdesk/internal/infra/tracer"
)

// maxResponseBody caps how much of a vendor response is read.
const maxResponseBody = 10 << 20

// wireFormat is one vendor's JSON chat dialect.
type wireFormat interface {
	kind() string
	endpoint(baseURL, model string) string
	headers(apiKey string) http.Header
	encode(req domain.ChatRequest) any
	decode(body []byte) (*domain.ChatResponse, error)
}

// HTTPProvider is a domain.LLMProvider that talks to a vendor chat API over
// HTTP. The vendor dialect is fixed at construction.
type HTTPProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	format  wireFormat
	client  *http.Client
	logger  *slog.Logger
}

func newHTTPProvider(cfg config.ProviderConfig, defaultBaseURL string, format wireFormat, logger *slog.Logger) *HTTPProvider {
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &HTTPProvider{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: base,
		format:  format,
		client:  NewHTTPClient(cfg),
		logger:  logger.With("provider", cfg.Name),
	}
}

// Name implements domain.LLMProvider.
func (p *HTTPProvider) Name() string { return p.name }

// Kind reports the vendor dialect: openai, anthropic or gemini.
func (p *HTTPProvider) Kind() string { return p.format.kind() }

// Chat implements domain.LLMProvider. An empty req.Model falls back to the
// configured model.
func (p *HTTPProvider) Chat(ctx context.Context, req domain.ChatRequest) (resp *domain.ChatResponse, err error) {
	if req.Model == "" {
		req.Model = p.model
	}
	ctx, span := startChatSpan(ctx, p.name, req)
	defer func() {
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			setUsageAttrs(span, resp.Usage)
			tracer.SetOK(span)
		}
		span.End()
	}()

	payload, err := json.Marshal(p.format.encode(req))
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", p.format.kind(), err)
	}
	raw, err := p.post(ctx, p.format.endpoint(p.baseURL, req.Model), payload)
	if err != nil {
		return nil, err
	}
	resp, err = p.format.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", p.format.kind(), err)
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}

	p.logger.DebugContext(ctx, "llm chat completed",
		"model", resp.Model,
		"tokens", resp.Usage.TotalTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	return resp, nil
}

// post sends one JSON body and returns the response payload. Non-200 answers
// become domain errors through mapHTTPError.
func (p *HTTPProvider) post(ctx context.Context, url string, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range p.format.headers(p.apiKey) {
		httpReq.Header[k] = vs
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", p.format.kind(), err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", p.format.kind(), err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(httpResp.StatusCode, body)
	}
	return body, nil
}
