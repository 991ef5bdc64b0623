package security

import (
	"cmp"
	"context"
	"maps"
	"time"
	"unicode/utf8"

	"opsdesk/internal/domain"
)

const truncatedMark = "…[truncated]"

// AttributingAuditLogger fills in who did what from the request context
// before handing events to inner, and clips long detail values.
type AttributingAuditLogger struct {
	inner   domain.AuditLogger
	clipLen int
}

// NewAttributingAuditLogger wraps inner. clipLen <= 0 keeps detail values
// whole.
func NewAttributingAuditLogger(inner domain.AuditLogger, clipLen int) *AttributingAuditLogger {
	return &AttributingAuditLogger{inner: inner, clipLen: clipLen}
}

func (a *AttributingAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	rc := domain.RequestFromContext(ctx)

	var caller, agent string
	if rc != nil {
		caller, agent = rc.Caller.ID, rc.AgentID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Actor = cmp.Or(event.Actor, caller, "system")
	event.TenantID = cmp.Or(event.TenantID, domain.TenantIDFromContext(ctx))
	event.Action = cmp.Or(event.Action, string(event.Type))
	event.Outcome = cmp.Or(event.Outcome, "success")
	event.Detail = a.detail(event.Detail, agent, domain.RequestIDFromContext(ctx))

	return a.inner.Log(ctx, event)
}

// detail returns a copy of d with values clipped and the agent and request
// id added. d itself is never modified.
func (a *AttributingAuditLogger) detail(d map[string]string, agent, requestID string) map[string]string {
	if a.clipLen <= 0 && agent == "" && requestID == "" {
		return d
	}
	out := maps.Clone(d)
	if out == nil {
		out = make(map[string]string, 2)
	}
	for k, v := range out {
		out[k] = Preview(v, a.clipLen)
	}
	if _, set := out["agent"]; !set && agent != "" {
		out["agent"] = agent
	}
	if requestID != "" {
		out["request_id"] = requestID
	}
	return out
}

func (a *AttributingAuditLogger) Close() error { return a.inner.Close() }

// Preview cuts s to at most n bytes without splitting a rune and marks the
// cut. n <= 0 returns s unchanged.
func Preview(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + truncatedMark
}
