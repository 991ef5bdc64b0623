package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/tracer"
)

const (
	maxSubjectLen = 200
	maxEmailBody  = 20000
	maxSMSBody    = 1600
)

// DraftEmailTool composes an email for review without sending it.
type DraftEmailTool struct {
	toolSpec
	logger *slog.Logger
}

// NewDraftEmailTool creates the draft_email tool.
func NewDraftEmailTool(logger *slog.Logger) *DraftEmailTool {
	return &DraftEmailTool{
		toolSpec: toolSpec{
			name: "draft_email",
			description: "Prepare an email for the user to review. Nothing is sent; use send_email once the " +
				"user approves the draft.",
			schema: `{
				"type": "object",
				"properties": {
					"to":      {"type": "string", "description": "Recipient email address"},
					"subject": {"type": "string"},
					"body":    {"type": "string"}
				},
				"required": ["subject", "body"]
			}`,
		},
		logger: logger,
	}
}

type emailParams struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Confirm bool   `json:"confirm"`
}

func (p emailParams) validate() error {
	return ValidateAll(
		RequireFields("subject", p.Subject, "body", p.Body),
		ValidateEmail("to", p.To),
		ValidateMaxLength("subject", p.Subject, maxSubjectLen),
		ValidateMaxLength("body", p.Body, maxEmailBody),
	)
}

func (t *DraftEmailTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.draft_email", t.logger, params,
		func(_ context.Context, _ trace.Span, p emailParams) (any, error) {
			if err := p.validate(); err != nil {
				return nil, err
			}
			return map[string]any{
				"draft": map[string]string{"to": p.To, "subject": p.Subject, "body": p.Body},
				"sent":  false,
				"note":  "draft only; show it to the user and call send_email with confirm after approval",
			}, nil
		})
}

// SendEmailTool sends an email through the configured mailer.
type SendEmailTool struct {
	toolSpec
	mutating
	mailer  Mailer
	gate    *WriteGate
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewSendEmailTool creates the send_email tool. limiter caps sends per
// process across requests.
func NewSendEmailTool(mailer Mailer, gate *WriteGate, limiter *RateLimiter, logger *slog.Logger) *SendEmailTool {
	return &SendEmailTool{
		toolSpec: toolSpec{
			name: "send_email",
			description: "Send an email on behalf of the company. Requires confirm: true after the user approved " +
				"the exact recipient, subject and body.",
			schema: `{
				"type": "object",
				"properties": {
					"to":      {"type": "string", "description": "Recipient email address"},
					"subject": {"type": "string"},
					"body":    {"type": "string", "description": "Plain text body"},
					"confirm": {"type": "boolean"}
				},
				"required": ["to", "subject", "body"]
			}`,
		},
		mailer:  mailer,
		gate:    gate,
		limiter: limiter,
		logger:  logger,
	}
}

func (t *SendEmailTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.send_email", t.logger, params,
		func(ctx context.Context, span trace.Span, p emailParams) (any, error) {
			if err := ValidateAll(RequireField("to", p.To), p.validate()); err != nil {
				return nil, err
			}
			if !t.mailer.Configured() {
				return nil, errNotConfigured("email")
			}
			if err := t.gate.GuardWrite(ctx, t.name, domain.PermMessageSend, p.Confirm); err != nil {
				return nil, err
			}
			if !t.limiter.Allow() {
				return nil, domain.Categorize(domain.CategoryBudgetExceeded, domain.ErrRateLimit,
					"email limit reached: at most %d emails per hour", t.limiter.Limit())
			}

			msgID, err := t.mailer.SendEmail(ctx, p.To, p.Subject, p.Body)
			if err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.StringAttr("tool.message_id", msgID))
			if rc := domain.RequestFromContext(ctx); rc != nil && rc.Effects != nil {
				rc.Effects.AddEmail(domain.MessageRef{To: p.To, Subject: p.Subject, MessageID: msgID})
			}
			t.gate.AuditWrite(ctx, domain.AuditMessageSent, t.name, "email:"+p.To,
				fmt.Sprintf("Subject: %s\n\n%s", p.Subject, p.Body), "sent "+msgID)
			return map[string]any{"ok": true, "to": p.To, "message_id": msgID}, nil
		})
}

// SendSMSTool sends a text message through the configured SMS provider.
type SendSMSTool struct {
	toolSpec
	mutating
	sms     SMSSender
	gate    *WriteGate
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewSendSMSTool creates the send_sms tool.
func NewSendSMSTool(sms SMSSender, gate *WriteGate, limiter *RateLimiter, logger *slog.Logger) *SendSMSTool {
	return &SendSMSTool{
		toolSpec: toolSpec{
			name: "send_sms",
			description: "Send a text message to a phone number in E.164 format (+15551234567). Requires " +
				"confirm: true after the user approved the exact text.",
			schema: `{
				"type": "object",
				"properties": {
					"to":      {"type": "string", "description": "E.164 phone number"},
					"body":    {"type": "string"},
					"confirm": {"type": "boolean"}
				},
				"required": ["to", "body"]
			}`,
		},
		sms:     sms,
		gate:    gate,
		limiter: limiter,
		logger:  logger,
	}
}

type smsParams struct {
	To      string `json:"to"`
	Body    string `json:"body"`
	Confirm bool   `json:"confirm"`
}

func (t *SendSMSTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.send_sms", t.logger, params,
		func(ctx context.Context, span trace.Span, p smsParams) (any, error) {
			if err := ValidateAll(
				RequireFields("to", p.To, "body", p.Body),
				ValidatePhone("to", p.To),
				ValidateMaxLength("body", p.Body, maxSMSBody),
			); err != nil {
				return nil, err
			}
			if !t.sms.Configured() {
				return nil, errNotConfigured("sms")
			}
			if err := t.gate.GuardWrite(ctx, t.name, domain.PermMessageSend, p.Confirm); err != nil {
				return nil, err
			}
			if !t.limiter.Allow() {
				return nil, domain.Categorize(domain.CategoryBudgetExceeded, domain.ErrRateLimit,
					"text message limit reached: at most %d messages per hour", t.limiter.Limit())
			}

			sid, err := t.sms.SendSMS(ctx, p.To, p.Body)
			if err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.StringAttr("tool.message_id", sid))
			if rc := domain.RequestFromContext(ctx); rc != nil && rc.Effects != nil {
				rc.Effects.AddSMS(domain.MessageRef{To: p.To, MessageID: sid})
			}
			t.gate.AuditWrite(ctx, domain.AuditMessageSent, t.name, "sms:"+p.To, p.Body, "sent "+sid)
			return map[string]any{"ok": true, "to": p.To, "message_id": sid}, nil
		})
}
