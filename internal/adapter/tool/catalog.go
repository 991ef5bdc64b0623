package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"opsdesk/internal/adapter/external"
	"opsdesk/internal/domain"
)

// toolSpec is the static description shared by every built-in tool.
type toolSpec struct {
	name        string
	description string
	schema      string
}

func (s toolSpec) Name() string        { return s.name }
func (s toolSpec) Description() string { return s.description }
func (s toolSpec) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        s.name,
		Description: s.description,
		Parameters:  json.RawMessage(s.schema),
	}
}

// mutating marks a tool whose calls change business data or send messages.
type mutating struct{}

func (mutating) Mutates() bool { return true }

// CMS is the website content system the wp_* tools write to.
type CMS interface {
	Configured() bool
	ListPages(ctx context.Context, search string, limit int) ([]external.WordPressPage, error)
	GetPage(ctx context.Context, id int) (*external.WordPressPage, error)
	Update(ctx context.Context, kind string, id int, upd external.WordPressUpdate) (*external.WordPressPage, error)
	CreatePost(ctx context.Context, post external.WordPressUpdate) (*external.WordPressPage, error)
}

// ERP is the order system mirrored by update_order_status.
type ERP interface {
	Configured() bool
	FindOrder(ctx context.Context, ref string) (map[string]any, error)
	UpdateOrder(ctx context.Context, ref string, vals map[string]any) error
}

// Accounting reads invoices from the accounting system.
type Accounting interface {
	Configured() bool
	GetInvoice(ctx context.Context, id string) (*external.Invoice, error)
}

// Mailer sends a plain-text email and returns the message id.
type Mailer interface {
	Configured() bool
	SendEmail(ctx context.Context, to, subject, body string) (string, error)
}

// SMSSender sends a text message and returns the provider message id.
type SMSSender interface {
	Configured() bool
	SendSMS(ctx context.Context, to, body string) (string, error)
}

// ActivitySource computes the team activity summary for the request in ctx,
// already redacted for the caller.
type ActivitySource interface {
	TeamActivity(ctx context.Context) (any, error)
}

// Limits bounds what the tools read and write.
type Limits struct {
	ReadRowCap       int
	ReadByteCap      int
	ReadFallbackRows int
	MaxQueryLength   int
	MaxRowsAffected  int
	EmailsPerHour    int
	SMSPerHour       int
}

// Deps are the collaborators of the built-in tools. Nil external clients
// leave the matching tools registered but reporting the integration as not
// configured.
type Deps struct {
	Data          domain.DataSource
	SQL           domain.SQLRunner
	Writer        domain.RecordWriter
	Team          domain.TeamDirectory
	Notifications domain.NotificationStore
	Changes       domain.ChangeLog
	Activity      ActivitySource
	CMS           CMS
	ERP           ERP
	Accounting    Accounting
	Mailer        Mailer
	SMS           SMSSender
	Gate          *WriteGate
	Limits        Limits
	Tables        []string
	Logger        *slog.Logger
}

// RegisterBuiltins registers every built-in tool on reg.
func RegisterBuiltins(reg *Registry, d Deps) error {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Gate == nil {
		d.Gate = NewWriteGate(nil, nil, 0, d.Logger)
	}
	if d.CMS == nil {
		d.CMS = disabledCMS{}
	}
	if d.ERP == nil {
		d.ERP = disabledERP{}
	}
	if d.Accounting == nil {
		d.Accounting = disabledAccounting{}
	}
	if d.Mailer == nil {
		d.Mailer = disabledMailer{}
	}
	if d.SMS == nil {
		d.SMS = disabledSMS{}
	}

	tools := []domain.Tool{
		NewDBReadQueryTool(d.SQL, d.Limits, d.Logger),
		NewDBWriteFixTool(d.SQL, d.Gate, d.Limits, d.Logger),
		NewGetRecordTool(d.Data, d.Tables, d.Logger),
		NewSearchRecordsTool(d.Data, d.Tables, d.Limits, d.Logger),
		NewTeamRosterTool(d.Team, d.Logger),
		NewTeamActivityTool(d.Activity, d.Logger),
		NewUpdateOrderStatusTool(d.Data, d.Writer, d.ERP, d.Changes, d.Gate, d.Logger),
		NewLogCommunicationTool(d.Writer, d.Team, d.Gate, d.Logger),
		NewWPListPagesTool(d.CMS, d.Logger),
		NewWPGetPageTool(d.CMS, d.Logger),
		NewWPUpdateTool("page", d.CMS, d.Changes, d.Gate, d.Logger),
		NewWPUpdateTool("post", d.CMS, d.Changes, d.Gate, d.Logger),
		NewWPCreatePostTool(d.CMS, d.Changes, d.Gate, d.Logger),
		NewQBGetInvoiceTool(d.Accounting, d.Logger),
		NewOdooGetOrderTool(d.ERP, d.Logger),
		NewDraftEmailTool(d.Logger),
		NewSendEmailTool(d.Mailer, d.Gate, NewRateLimiter(d.Limits.EmailsPerHour, time.Hour), d.Logger),
		NewSendSMSTool(d.SMS, d.Gate, NewRateLimiter(d.Limits.SMSPerHour, time.Hour), d.Logger),
		NewCreateNotificationsTool(d.Notifications, d.Team, d.Logger),
		NewCreateTaskTool(d.Writer, d.Team, d.Logger),
	}
	for _, spec := range listSpecs {
		tools = append(tools, NewListTool(spec, d.Data, d.Limits, d.Logger))
	}
	for _, spec := range updateSpecs {
		tools = append(tools, NewUpdateRecordTool(spec, d.Writer, d.Team, d.Gate, d.Logger))
	}

	return reg.Register(tools...)
}

type disabledCMS struct{}

func (disabledCMS) Configured() bool { return false }
func (disabledCMS) ListPages(context.Context, string, int) ([]external.WordPressPage, error) {
	return nil, errNotConfigured("wordpress")
}
func (disabledCMS) GetPage(context.Context, int) (*external.WordPressPage, error) {
	return nil, errNotConfigured("wordpress")
}
func (disabledCMS) Update(context.Context, string, int, external.WordPressUpdate) (*external.WordPressPage, error) {
	return nil, errNotConfigured("wordpress")
}
func (disabledCMS) CreatePost(context.Context, external.WordPressUpdate) (*external.WordPressPage, error) {
	return nil, errNotConfigured("wordpress")
}

type disabledERP struct{}

func (disabledERP) Configured() bool { return false }
func (disabledERP) FindOrder(context.Context, string) (map[string]any, error) {
	return nil, errNotConfigured("odoo")
}
func (disabledERP) UpdateOrder(context.Context, string, map[string]any) error {
	return errNotConfigured("odoo")
}

type disabledAccounting struct{}

func (disabledAccounting) Configured() bool { return false }
func (disabledAccounting) GetInvoice(context.Context, string) (*external.Invoice, error) {
	return nil, errNotConfigured("quickbooks")
}

type disabledMailer struct{}

func (disabledMailer) Configured() bool { return false }
func (disabledMailer) SendEmail(context.Context, string, string, string) (string, error) {
	return "", errNotConfigured("email")
}

type disabledSMS struct{}

func (disabledSMS) Configured() bool { return false }
func (disabledSMS) SendSMS(context.Context, string, string) (string, error) {
	return "", errNotConfigured("sms")
}

func errNotConfigured(system string) error {
	return domain.Upstreamf(domain.ErrDisabled, "%s integration is not configured", system)
}
