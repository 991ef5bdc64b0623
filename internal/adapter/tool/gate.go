package tool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"opsdesk/internal/domain"
)

// WriteGate is the single checkpoint every mutating tool passes through, and
// the writer of the audit trail for the mutations it lets through.
type WriteGate struct {
	auth       domain.Authorizer
	audit      domain.AuditLogger
	previewLen int
	logger     *slog.Logger
}

// NewWriteGate creates a gate. previewLen bounds the statement and result
// previews stored in audit events.
func NewWriteGate(auth domain.Authorizer, audit domain.AuditLogger, previewLen int, logger *slog.Logger) *WriteGate {
	if auth == nil {
		auth = domain.RoleAuthorizer{}
	}
	if previewLen <= 0 {
		previewLen = 2048
	}
	return &WriteGate{auth: auth, audit: audit, previewLen: previewLen, logger: logger}
}

// requestContext returns the per-request state or a PERMISSION_DENIED error
// when a tool runs outside a request.
func requestContext(ctx context.Context) (*domain.RequestContext, error) {
	rc := domain.RequestFromContext(ctx)
	if rc == nil || rc.Budget == nil {
		return nil, domain.Deniedf(domain.ErrPermissionDenied, "no request context: writes are only allowed inside a chat request")
	}
	return rc, nil
}

// GuardWrite runs the write checks in order: role permission, draft-only
// agent, confirm flag, then write budget. Budget is only consumed when every
// earlier check passed.
func (g *WriteGate) GuardWrite(ctx context.Context, tool string, perm domain.Permission, confirm bool) error {
	rc, err := requestContext(ctx)
	if err != nil {
		return err
	}
	if err := g.auth.Authorize(ctx, rc.Roles, perm); err != nil {
		g.logDenied(ctx, rc, tool, "role")
		return domain.Deniedf(err, "your role does not allow %s (needs %s)", tool, perm)
	}
	if rc.DraftOnly {
		return domain.Deniedf(domain.ErrDraftOnly,
			"agent %s is draft-only: present the change as a draft for a human to apply", rc.AgentID())
	}
	if !confirm {
		return domain.Deniedf(domain.ErrConfirmRequired,
			"confirm flag required: show the user exactly what %s will change and call again with confirm: true once they approve", tool)
	}
	if err := rc.Budget.TryConsume(); err != nil {
		return domain.Categorize(domain.CategoryBudgetExceeded, err,
			"write budget exhausted: at most %d writes per request, ask the user to continue in a new message", rc.Budget.Limit())
	}
	return nil
}

// AuditWrite records one successful mutation. The statement and result
// previews are truncated. Audit failures are logged, never returned: the
// mutation has already happened.
func (g *WriteGate) AuditWrite(ctx context.Context, typ domain.AuditEventType, tool, resource, statement, result string) {
	if g.audit == nil {
		return
	}
	rc := domain.RequestFromContext(ctx)
	ev := domain.AuditEvent{
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Resource:  resource,
		Action:    tool,
		Outcome:   "success",
		TenantID:  domain.TenantIDFromContext(ctx),
		Detail: map[string]string{
			"tool":      tool,
			"statement": truncate(statement, g.previewLen),
			"result":    truncate(result, g.previewLen),
		},
	}
	if rc != nil {
		ev.Actor = rc.Caller.ID
		ev.Detail["agent"] = rc.AgentID()
		ev.Detail["actor_email"] = rc.Caller.Email
	}
	if id := domain.RequestIDFromContext(ctx); id != "" {
		ev.Detail["request_id"] = id
	}
	if err := g.audit.Log(ctx, ev); err != nil {
		g.logger.ErrorContext(ctx, "audit write failed", "tool", tool, "error", errors.Join(domain.ErrAuditWrite, err))
	}
}

func (g *WriteGate) logDenied(ctx context.Context, rc *domain.RequestContext, tool, reason string) {
	if g.audit == nil {
		return
	}
	_ = g.audit.Log(ctx, domain.AuditEvent{
		Timestamp: time.Now().UTC(),
		Type:      domain.AuditRBACDenied,
		Actor:     rc.Caller.ID,
		Action:    tool,
		Outcome:   "denied",
		TenantID:  rc.CompanyID,
		Detail:    map[string]string{"tool": tool, "reason": reason, "agent": rc.AgentID()},
	})
}

// truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "…"
}
