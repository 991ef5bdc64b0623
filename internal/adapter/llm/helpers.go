package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/tracer"
)

// maxErrorDetail bounds how much of an error body is kept in the error text.
const maxErrorDetail = 512

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
}

// statusSentinels maps vendor status codes onto domain errors. Any 5xx is a
// provider error.
var statusSentinels = map[int]error{
	http.StatusPaymentRequired:       domain.ErrQuotaExceeded,
	http.StatusTooManyRequests:       domain.ErrRateLimit,
	http.StatusUnauthorized:          domain.ErrAuthInvalid,
	http.StatusForbidden:             domain.ErrAuthInvalid,
	http.StatusRequestEntityTooLarge: domain.ErrContextOverflow,
}

// quotaMarkers in a 400, 403 or 429 body mean the account is out of credit,
// not briefly throttled.
var quotaMarkers = []string{"insufficient_quota", "credit balance is too low", "billing", "resource_exhausted"}

// mapHTTPError turns a non-200 vendor answer into an error. The text always
// starts with "API error <code>:" since the usecase classifier reads it.
func mapHTTPError(status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > maxErrorDetail {
		detail = detail[:maxErrorDetail]
	}
	msg := fmt.Sprintf("API error %d: %s", status, detail)

	sentinel := statusSentinels[status]
	if status >= 500 {
		sentinel = domain.ErrProviderError
	}
	switch status {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusTooManyRequests:
		if hasQuotaMarker(detail) {
			sentinel = domain.ErrQuotaExceeded
		}
	}
	if sentinel == nil {
		return errors.New(msg)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

func hasQuotaMarker(body string) bool {
	lower := strings.ToLower(body)
	for _, m := range quotaMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// dataURL builds a data: URL for inline base64 content.
func dataURL(mimeType, data string) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + data
}

// toolCallID returns the id of the call a tool-result message answers.
// Tool results carry it in ToolCalls[0].ID.
func toolCallID(m domain.Message) string {
	if len(m.ToolCalls) > 0 {
		return m.ToolCalls[0].ID
	}
	return ""
}

// startChatSpan opens the span shared by every provider's Chat.
func startChatSpan(ctx context.Context, provider string, req domain.ChatRequest) (context.Context, trace.Span) {
	return tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", provider),
			tracer.StringAttr("llm.model", req.Model),
			tracer.IntAttr("llm.messages", len(req.Messages)),
			tracer.IntAttr("llm.tools", len(req.Tools)),
		),
	)
}
