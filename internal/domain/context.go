package domain

import (
	"context"
	"sync"
)

type ctxKey string

const (
	requestIDCtxKey ctxKey = "request_id"
	requestCtxKey   ctxKey = "request"
	tenantCtxKey    ctxKey = "tenant_id"
)

// ContextWithRequestID returns a new context carrying the request ID (ULID).
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDCtxKey, id)
}

// RequestIDFromContext extracts the request ID from the context.
// Returns empty string if not set.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithTenantID scopes ctx to one company. Data-source queries issued
// under ctx are filtered by it.
func ContextWithTenantID(ctx context.Context, companyID string) context.Context {
	return context.WithValue(ctx, tenantCtxKey, companyID)
}

// TenantIDFromContext returns the company scope, or "" when unscoped.
func TenantIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(tenantCtxKey).(string)
	return id
}

// Caller identifies the human on whose behalf a request runs.
type Caller struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// RequestContext is the per-request state shared by the loop and the tools.
// It is created once per inbound request and never shared across requests.
type RequestContext struct {
	Caller      Caller
	Roles       []AuthRole
	CompanyID   string
	Agent       *AgentProfile
	DraftOnly   bool
	UserContext map[string]any
	Budget      *WriteBudget
	Effects     *Effects
}

// NewRequestContext builds a RequestContext with a fresh budget and ledger.
func NewRequestContext(caller Caller, roles []AuthRole, companyID string, agent *AgentProfile, writeLimit int) *RequestContext {
	rc := &RequestContext{
		Caller:    caller,
		Roles:     roles,
		CompanyID: companyID,
		Agent:     agent,
		Budget:    NewWriteBudget(writeLimit),
		Effects:   &Effects{},
	}
	if agent != nil {
		rc.DraftOnly = agent.DraftOnly
	}
	return rc
}

// AgentID returns the id of the agent handling the request, or "".
func (rc *RequestContext) AgentID() string {
	if rc == nil || rc.Agent == nil {
		return ""
	}
	return rc.Agent.ID
}

// ContextWithRequest returns a new context carrying rc, its tenant and roles.
func ContextWithRequest(ctx context.Context, rc *RequestContext) context.Context {
	ctx = context.WithValue(ctx, requestCtxKey, rc)
	if rc != nil {
		ctx = ContextWithTenantID(ctx, rc.CompanyID)
		ctx = ContextWithRoles(ctx, rc.Roles)
	}
	return ctx
}

// RequestFromContext extracts the RequestContext. Returns nil if not set.
func RequestFromContext(ctx context.Context) *RequestContext {
	if v, ok := ctx.Value(requestCtxKey).(*RequestContext); ok {
		return v
	}
	return nil
}

// WriteBudget caps the number of mutating tool calls within one request.
type WriteBudget struct {
	mu    sync.Mutex
	limit int
	used  int
}

// NewWriteBudget returns a budget allowing limit writes.
func NewWriteBudget(limit int) *WriteBudget {
	return &WriteBudget{limit: limit}
}

// TryConsume takes one unit of budget or returns ErrWriteBudgetSpent.
func (b *WriteBudget) TryConsume() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.limit {
		return ErrWriteBudgetSpent
	}
	b.used++
	return nil
}

// Used returns the number of consumed units.
func (b *WriteBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Limit returns the configured cap.
func (b *WriteBudget) Limit() int { return b.limit }

// Remaining returns the number of writes still permitted.
func (b *WriteBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return max(b.limit-b.used, 0)
}

// NotificationRef describes a notification created during a request.
type NotificationRef struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Assignee string `json:"assignee"`
}

// MessageRef describes an outbound email or SMS.
type MessageRef struct {
	To        string `json:"to"`
	Subject   string `json:"subject,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// Effects collects the externally visible side effects of one request.
type Effects struct {
	mu            sync.Mutex
	notifications []NotificationRef
	emails        []MessageRef
	sms           []MessageRef
	tasks         []string
}

func (e *Effects) AddNotification(n NotificationRef) {
	e.mu.Lock()
	e.notifications = append(e.notifications, n)
	e.mu.Unlock()
}

func (e *Effects) AddEmail(m MessageRef) {
	e.mu.Lock()
	e.emails = append(e.emails, m)
	e.mu.Unlock()
}

func (e *Effects) AddSMS(m MessageRef) {
	e.mu.Lock()
	e.sms = append(e.sms, m)
	e.mu.Unlock()
}

func (e *Effects) AddTask(id string) {
	e.mu.Lock()
	e.tasks = append(e.tasks, id)
	e.mu.Unlock()
}

// Notifications returns a copy of the recorded notifications.
func (e *Effects) Notifications() []NotificationRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]NotificationRef{}, e.notifications...)
}

// Emails returns a copy of the recorded emails.
func (e *Effects) Emails() []MessageRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]MessageRef{}, e.emails...)
}

// SMS returns a copy of the recorded text messages.
func (e *Effects) SMS() []MessageRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]MessageRef{}, e.sms...)
}

// Tasks returns the ids of tasks created.
func (e *Effects) Tasks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.tasks...)
}
