package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/tracer"
)

// Handler is the typed body of a tool. It may return a *domain.ToolResult
// as-is, a string for a plain-text result, or any other value to be rendered
// as indented JSON. A returned error becomes a categorized error result.
type Handler[P any] func(ctx context.Context, span trace.Span, params P) (any, error)

// Execute decodes rawParams into P inside a span named spanName and runs h.
// Handler failures are returned to the model as error results, never as Go
// errors, so the loop can keep going.
func Execute[P any](ctx context.Context, spanName string, logger *slog.Logger, rawParams json.RawMessage, h Handler[P]) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, spanName, trace.WithAttributes(tracer.StringAttr("tool.name", spanName)))
	defer span.End()

	params, bad := ParseParams[P](rawParams)
	if bad != nil {
		tracer.RecordError(span, errors.New(bad.Content))
		return bad, nil
	}

	out, err := h(ctx, span, params)
	if err != nil {
		res := errorResult(err)
		tracer.RecordError(span, err)
		logger.WarnContext(ctx, "tool handler failed", "span", spanName, "category", res.Category, "error", err)
		return res, nil
	}

	res := render(out)
	if res.IsError {
		tracer.RecordError(span, errors.New(res.Content))
	} else {
		tracer.SetOK(span)
	}
	return res, nil
}

// render turns a handler's value into a result.
func render(out any) *domain.ToolResult {
	switch v := out.(type) {
	case *domain.ToolResult:
		return v
	case string:
		return &domain.ToolResult{Content: v}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return ErrResult(domain.CategoryUpstreamFailure, "failed to format response: %v", err)
	}
	return &domain.ToolResult{Content: string(data)}
}

// errorResult is the {"error": ...} payload the model sees for a failed
// handler. Transient failures say so, which invites one retry.
func errorResult(err error) *domain.ToolResult {
	msg := err.Error()
	transient := transientToolError(err)
	if transient {
		msg += " (transient error, may succeed on retry)"
	}
	return &domain.ToolResult{
		IsError:     true,
		IsRetryable: transient,
		Category:    domain.CategoryOf(err),
		Content:     errorContent(msg),
	}
}

func errorContent(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

// ParseParams decodes rawParams into P. Empty input decodes as {}. A decode
// failure comes back as a VALIDATION result ready to hand to the model.
func ParseParams[P any](rawParams json.RawMessage) (P, *domain.ToolResult) {
	var params P
	if len(rawParams) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return params, ErrResult(domain.CategoryValidation, "invalid params: %v", err)
	}
	return params, nil
}

// ErrResult builds an error result of category cat. Refusals use it so they
// reach the model without a warning log.
func ErrResult(cat domain.ErrorCategory, format string, args ...any) *domain.ToolResult {
	return &domain.ToolResult{
		IsError:  true,
		Category: cat,
		Content:  errorContent(fmt.Sprintf(format, args...)),
	}
}

// NotFoundResult reports an empty lookup as a fact, not a failure, so the
// model decides what to do next.
func NotFoundResult(format string, args ...any) *domain.ToolResult {
	data, _ := json.MarshalIndent(map[string]any{
		"found":   false,
		"message": fmt.Sprintf(format, args...),
	}, "", "  ")
	return &domain.ToolResult{Category: domain.CategoryNotFound, Content: string(data)}
}

func joinComma(ss []string) string { return strings.Join(ss, ", ") }
