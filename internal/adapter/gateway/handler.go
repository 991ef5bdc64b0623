package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kaptinlin/jsonschema"
	"github.com/oklog/ulid/v2"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/metrics"
	"opsdesk/internal/infra/middleware"
	"opsdesk/internal/usecase"
)

// ChatService runs one chat turn for an agent.
type ChatService interface {
	Handle(ctx context.Context, req usecase.Request) (*usecase.Reply, error)
}

// AgentLister lists the registered agents.
type AgentLister interface {
	List() []domain.AgentSummary
}

// ProviderLister lists configured LLM providers.
type ProviderLister interface {
	List() []string
}

// RateLimitSettings configures the per-caller limiter on the chat route.
type RateLimitSettings struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
	TrustedProxies    []string
}

// HandlerDeps holds dependencies needed by the HTTP handlers.
type HandlerDeps struct {
	Chat         ChatService
	Agents       AgentLister
	Auth         Authenticator
	Tools        domain.ToolExecutor // can be nil
	Providers    ProviderLister      // can be nil
	Tiers        map[string]domain.ModelTier
	Metrics      *metrics.Metrics // can be nil
	MetricsPath  string           // default /metrics
	Logger       *slog.Logger
	DefaultAgent string
	MaxBodyBytes int64
	RateLimit    RateLimitSettings
	Version      string
}

const defaultMaxBodyBytes = 1 << 20

// RegisterHandlers registers every HTTP route on the gateway server. ctx
// bounds the rate limiter's cleanup goroutine.
func RegisterHandlers(ctx context.Context, s *Server, deps HandlerDeps) error {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaultMaxBodyBytes
	}
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	validate, err := compileChatSchema()
	if err != nil {
		return err
	}

	var chat http.Handler = chatHandler(deps, validate)
	if deps.RateLimit.Enabled {
		chat = middleware.RateLimitWithConfig(ctx, middleware.RateLimitConfig{
			RequestsPerMin: deps.RateLimit.RequestsPerMinute,
			BurstSize:      deps.RateLimit.Burst,
			TrustedProxies: deps.RateLimit.TrustedProxies,
			KeyFunc: func(r *http.Request) string {
				if c := ClientFromContext(r.Context()); c != nil {
					return "caller:" + c.ID
				}
				return ""
			},
			OnLimited: deps.Metrics.RateLimited,
		})(chat)
	}

	s.Handle("POST /api/v1/agent/chat", requireAuth(deps.Auth, chat))
	s.Handle("GET /api/v1/agents", requireAuth(deps.Auth, agentsHandler(deps)))
	s.Handle("GET /api/v1/status", requireAuth(deps.Auth, statusHandler(deps, time.Now())))
	if deps.Metrics != nil {
		s.Handle("GET "+deps.MetricsPath, deps.Metrics.Handler())
	}
	s.Handle("GET /healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	return nil
}

// chatSchema is the inbound chat payload contract. Attachments need a url or
// inline base64 data.
const chatSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "agentId": {"type": "string", "maxLength": 64},
    "message": {"type": "string", "minLength": 1, "maxLength": 20000},
    "history": {
      "type": "array",
      "maxItems": 200,
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": {"enum": ["user", "assistant"]},
          "content": {"type": "string"}
        }
      }
    },
    "context": {"type": "object"},
    "attachments": {
      "type": "array",
      "maxItems": 10,
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "url": {"type": "string", "minLength": 1},
          "data": {"type": "string", "minLength": 1},
          "mimeType": {"type": "string"}
        },
        "anyOf": [{"required": ["url"]}, {"required": ["data"]}]
      }
    }
  }
}`

func compileChatSchema() (func(any) error, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(chatSchema))
	if err != nil {
		return nil, fmt.Errorf("compile chat schema: %w", err)
	}
	return func(data any) error {
		result := schema.Validate(data)
		if !result.IsValid() {
			return fmt.Errorf("%s", result.Error())
		}
		return nil
	}, nil
}

type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatAttachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

type chatRequest struct {
	AgentID     string           `json:"agentId"`
	Message     string           `json:"message"`
	History     []chatTurn       `json:"history"`
	Context     map[string]any   `json:"context"`
	Attachments []chatAttachment `json:"attachments"`
}

func (c chatRequest) toUsecase(client *ClientInfo, defaultAgent string) usecase.Request {
	req := usecase.Request{
		AgentID:   c.AgentID,
		Message:   c.Message,
		Context:   c.Context,
		Caller:    client.Caller(),
		Roles:     domain.StringsToAuthRoles(client.Roles),
		CompanyID: client.CompanyID,
	}
	if req.AgentID == "" {
		req.AgentID = defaultAgent
	}
	for _, t := range c.History {
		req.History = append(req.History, domain.Message{Role: t.Role, Content: t.Content})
	}
	for _, a := range c.Attachments {
		req.Attachments = append(req.Attachments, usecase.Attachment{
			Name: a.Name, URL: a.URL, Data: a.Data, MimeType: a.MimeType,
		})
	}
	return req
}

func chatHandler(deps HandlerDeps, validate func(any) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		client := ClientFromContext(r.Context())

		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 128 {
			reqID = ulid.Make().String()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := domain.ContextWithRequestID(r.Context(), reqID)

		agent := deps.DefaultAgent
		status := http.StatusOK
		defer func() {
			deps.Metrics.ObserveRequest(agent, status, time.Since(start))
		}()
		fail := func(code int, msg string) {
			status = code
			writeError(w, code, msg)
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, deps.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				fail(http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			fail(http.StatusBadRequest, "could not read request body")
			return
		}

		var raw any
		if err := json.Unmarshal(body, &raw); err != nil {
			fail(http.StatusBadRequest, "request body must be JSON")
			return
		}
		if err := validate(raw); err != nil {
			fail(http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}
		var in chatRequest
		if err := json.Unmarshal(body, &in); err != nil {
			fail(http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}
		if strings.TrimSpace(in.Message) == "" {
			fail(http.StatusBadRequest, "invalid request: message is empty")
			return
		}

		req := in.toUsecase(client, deps.DefaultAgent)
		agent = req.AgentID

		reply, err := deps.Chat.Handle(ctx, req)
		if err != nil {
			code, msg := errorResponse(err)
			deps.Logger.Warn("chat request failed",
				"request_id", reqID, "agent", agent, "caller", client.ID, "status", code, "error", err)
			if code == http.StatusNotFound {
				agent = "unknown"
			}
			fail(code, msg)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	}
}

// errorResponse maps an orchestration error onto an HTTP status and a
// message safe to show the caller.
func errorResponse(err error) (int, string) {
	var upstream *usecase.UpstreamError
	switch {
	case errors.Is(err, domain.ErrAgentNotFound):
		return http.StatusNotFound, "unknown agent"
	case errors.As(err, &upstream):
		if errors.Is(upstream.Err, domain.ErrQuotaExceeded) {
			return http.StatusPaymentRequired, upstream.UserMessage()
		}
		return http.StatusBadGateway, upstream.UserMessage()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "the request took too long to complete"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func agentsHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		agents := deps.Agents.List()
		if agents == nil {
			agents = []domain.AgentSummary{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"agents":       agents,
			"defaultAgent": deps.DefaultAgent,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
