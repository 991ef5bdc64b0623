package capability

import (
	"regexp"

	"opsdesk/internal/domain"
)

// Model tiers referenced by the built-in policies. The tier table itself
// lives in configuration.
const (
	TierQuick    = "quick"
	TierStandard = "standard"
	TierDeep     = "deep"
	TierCreative = "creative"
	TierVision   = "vision"
	TierLong     = "long"
)

// Shared message patterns.
var (
	briefingPattern = regexp.MustCompile(`(?i)\b(good morning|morning|briefing|brief me|daily (summary|brief|report)|start (of )?my day|overview)\b`)
	lookupPattern   = regexp.MustCompile(`(?i)^\s*(status|where is|when is|how many|list|show|find|look ?up)\b`)
	analysisPattern = regexp.MustCompile(`(?i)\b(analy[sz]\w*|deep dive|trend\w*|forecast\w*|compare|root cause|why)\b`)
	writingPattern  = regexp.MustCompile(`(?i)\b(write|draft|compose|rewrite|pitch|blog|caption|headline|copy|post)\b`)
)

func rule(tier string, pattern *regexp.Regexp, reason string) domain.TierRule {
	return domain.TierRule{Tier: tier, Pattern: pattern, Reason: reason}
}

func attachmentsRule(reason string) domain.TierRule {
	return domain.TierRule{Tier: TierVision, NeedsAttachments: true, Reason: reason}
}

func longHistoryRule() domain.TierRule {
	return domain.TierRule{Tier: TierLong, MinHistory: 12, Reason: "long conversation"}
}

func defaultRule(tier string) domain.TierRule {
	return domain.TierRule{Tier: tier, Reason: "agent default"}
}

func in(values ...any) domain.Filter {
	return domain.Filter{Op: domain.OpIn, Value: values}
}

func where(column string, f domain.Filter) domain.Filter {
	f.Column = column
	return f
}

func eq(column string, value any) domain.Filter {
	return domain.Filter{Column: column, Op: domain.OpEq, Value: value}
}

func names(idColumn, as string) *domain.NameResolution {
	return &domain.NameResolution{IDColumn: idColumn, Table: "team_members", As: as}
}

// Tools every agent may call.
var commonTools = []string{
	"get_record", "search_records", "team_roster", "team_activity",
	"create_notifications", "create_task", "draft_email",
}

func tools(extra ...string) []string {
	return append(append([]string{}, commonTools...), extra...)
}

func builtinAgents() []*domain.AgentProfile {
	return []*domain.AgentProfile{
		{
			ID:          "estimation",
			Name:        "Estimator",
			Description: "Prepares and tracks estimates, revision requests and the leads behind them.",
			PersonaText: `You are the estimating lead for a custom fabrication shop. You turn leads and drawings
into priced estimates, chase revision requests and keep due dates from slipping.
Quote numbers only from the context or from tool results. When a price depends on
information you do not have, list the missing inputs instead of guessing.`,
			DeclaredTools: tools("list_estimates", "update_estimate", "list_leads", "list_tasks",
				"update_task", "complete_task", "list_communications", "log_communication", "send_email"),
			ModelPolicy: []domain.TierRule{
				attachmentsRule("drawing or photo review"),
				rule(TierDeep, briefingPattern, "daily briefing"),
				rule(TierQuick, lookupPattern, "quick lookup"),
				defaultRule(TierStandard),
			},
			ReadPlan: []domain.ReadStep{
				{Key: "estimates_due", Table: "estimates", Columns: []string{"id", "title", "amount", "status", "due_date", "lead_id"},
					Filters: []domain.Filter{where("status", in("draft", "sent", "revision"))}, OrderBy: "due_date", Limit: 25,
					Resolve: &domain.NameResolution{IDColumn: "lead_id", Table: "leads", As: "lead_name"}},
				{Key: "estimate_revisions", Table: "estimates", Columns: []string{"id", "title", "notes", "due_date"},
					Filters: []domain.Filter{eq("revision_requested", 1)}, OrderBy: "updated_at", Desc: true, Limit: 15},
				{Key: "new_leads", Table: "leads", Columns: []string{"id", "name", "source", "status", "assigned_to", "created_at"},
					SinceDays: 7, OrderBy: "created_at", Desc: true, Limit: 20, Resolve: names("assigned_to", "assignee_name")},
				{Key: "follow_ups", Table: "tasks", Columns: []string{"id", "title", "due_date", "assignee_id"},
					Filters: []domain.Filter{eq("status", "open")}, OrderBy: "due_date", Limit: 20, Resolve: names("assignee_id", "assignee_name")},
			},
			Briefing: &domain.Briefing{
				Trigger: briefingPattern,
				Sections: []domain.BriefingSection{
					{Title: "Estimates Due", ContextKey: "estimates_due", Fields: []string{"title", "lead_name", "amount", "due_date"}},
					{Title: "Revision Requests", ContextKey: "estimate_revisions", Fields: []string{"title", "notes"}},
					{Title: "New Leads", ContextKey: "new_leads", Fields: []string{"name", "source", "assignee_name"}},
					{Title: "Follow-ups", ContextKey: "follow_ups", Fields: []string{"title", "assignee_name", "due_date"}},
				},
			},
		},
		{
			ID:          "sales",
			Name:        "Sales Assistant",
			Description: "Works the lead pipeline: qualification, follow-ups and customer messages.",
			PersonaText: `You support the sales team. Keep the lead pipeline moving: qualify new leads, suggest
the next step for each open one and draft follow-ups in a friendly, plain voice.
Never promise delivery dates or prices that are not in an estimate.`,
			DeclaredTools: tools("list_leads", "update_lead", "list_estimates", "list_orders",
				"list_communications", "log_communication", "send_email", "send_sms"),
			ModelPolicy: []domain.TierRule{
				rule(TierCreative, writingPattern, "customer-facing copy"),
				rule(TierQuick, lookupPattern, "quick lookup"),
				longHistoryRule(),
				defaultRule(TierStandard),
			},
			ReadPlan: []domain.ReadStep{
				{Key: "recent_leads", Table: "leads", Columns: []string{"id", "name", "email", "source", "status", "assigned_to", "created_at"},
					SinceDays: 14, OrderBy: "created_at", Desc: true, Limit: 30, Resolve: names("assigned_to", "assignee_name")},
				{Key: "open_estimates", Table: "estimates", Columns: []string{"id", "title", "amount", "status", "due_date"},
					Filters: []domain.Filter{where("status", in("draft", "sent", "revision"))}, OrderBy: "due_date", Limit: 20},
				{Key: "recent_communications", Table: "communications", Columns: []string{"id", "member_id", "direction", "channel", "counterpart", "subject", "created_at"},
					SinceDays: 3, OrderBy: "created_at", Desc: true, Limit: 30, Resolve: names("member_id", "member_name")},
			},
		},
		{
			ID:          "accounting",
			Name:        "Accounting Assistant",
			Description: "Answers questions about invoices, balances and cash coming in.",
			PersonaText: `You help the office manager with receivables. Report invoice balances and due dates
exactly as the records show them and point out anything overdue. You do not give tax
or legal advice; say so when asked.`,
			DeclaredTools: tools("list_invoices", "qb_get_invoice", "list_orders", "db_read_query"),
			ModelPolicy: []domain.TierRule{
				attachmentsRule("receipt or invoice scan"),
				rule(TierDeep, regexp.MustCompile(`(?i)\b(reconcil\w*|cash ?flow|aging|forecast\w*|analy[sz]\w*)\b`), "financial analysis"),
				defaultRule(TierStandard),
			},
			ReadPlan: []domain.ReadStep{
				{Key: "open_invoices", Table: "invoices", Columns: []string{"id", "invoice_number", "customer_name", "amount", "status", "due_date"},
					Filters: []domain.Filter{where("status", in("open", "overdue"))}, OrderBy: "due_date", Limit: 40},
				{Key: "overdue_invoices", Table: "invoices", Columns: []string{"id", "invoice_number", "customer_name", "amount", "due_date"},
					Filters: []domain.Filter{eq("status", "open")}, PastDueColumn: "due_date", OrderBy: "due_date", Limit: 25},
				{Key: "recent_orders", Table: "orders", Columns: []string{"id", "order_number", "customer_name", "status", "total"},
					SinceDays: 30, OrderBy: "created_at", Desc: true, Limit: 30},
			},
		},
		{
			ID:          "operations",
			Name:        "Operations Manager",
			Description: "Runs the day: orders in flight, deliveries, machines and overdue work.",
			PersonaText: `You are the operations manager's right hand. Keep orders moving through production
and delivery, flag machines that are down and chase overdue tasks. Be brief and
concrete: who, what, by when. Changes to orders go through update_order_status so
the ERP stays in sync.`,
			DeclaredTools: tools("list_orders", "update_order_status", "odoo_get_order", "list_deliveries",
				"schedule_delivery", "list_machines", "update_machine_status", "list_tasks", "update_task",
				"complete_task", "list_communications", "db_read_query", "db_write_fix", "send_sms"),
			ModelPolicy: []domain.TierRule{
				rule(TierDeep, briefingPattern, "daily briefing"),
				rule(TierQuick, lookupPattern, "quick lookup"),
				longHistoryRule(),
				defaultRule(TierStandard),
			},
			ReadPlan: []domain.ReadStep{
				{Key: "open_orders", Table: "orders", Columns: []string{"id", "order_number", "customer_name", "status", "due_date", "assigned_to"},
					Filters: []domain.Filter{where("status", in("new", "confirmed", "in_production", "ready"))}, OrderBy: "due_date", Limit: 40,
					Resolve: names("assigned_to", "assignee_name")},
				{Key: "deliveries_today", Table: "deliveries", Columns: []string{"id", "order_id", "address", "scheduled_for", "status", "driver_id"},
					SinceToday: true, SinceColumn: "scheduled_for", OrderBy: "scheduled_for", Limit: 30, Resolve: names("driver_id", "driver_name")},
				{Key: "machines_down", Table: "machines", Columns: []string{"id", "name", "status", "location", "notes"},
					Filters: []domain.Filter{where("status", in("down", "maintenance"))}, Limit: 20},
				{Key: "overdue_tasks", Table: "tasks", Columns: []string{"id", "title", "due_date", "assignee_id"},
					Filters: []domain.Filter{eq("status", "open")}, PastDueColumn: "due_date", OrderBy: "due_date", Limit: 25,
					Resolve: names("assignee_id", "assignee_name")},
			},
			Briefing: &domain.Briefing{
				Trigger: briefingPattern,
				Sections: []domain.BriefingSection{
					{Title: "Orders In Progress", ContextKey: "open_orders", Fields: []string{"order_number", "customer_name", "status", "due_date"}},
					{Title: "Deliveries Today", ContextKey: "deliveries_today", Fields: []string{"address", "scheduled_for", "driver_name"}},
					{Title: "Machines Down", ContextKey: "machines_down", Fields: []string{"name", "status", "notes"}},
					{Title: "Overdue Tasks", ContextKey: "overdue_tasks", Fields: []string{"title", "assignee_name", "due_date"}},
				},
			},
		},
		{
			ID:          "production",
			Name:        "Production Planner",
			Description: "Sequences shop-floor work and tracks machine status.",
			PersonaText: `You plan the shop floor. Sequence confirmed orders against machine availability,
report machine status changes and keep production tasks current. If a machine is
down, say which orders it blocks.`,
			DeclaredTools: tools("list_orders", "update_order_status", "list_machines", "update_machine_status",
				"list_tasks", "update_task", "complete_task"),
			ModelPolicy: []domain.TierRule{
				attachmentsRule("shop floor photo"),
				rule(TierQuick, lookupPattern, "quick lookup"),
				rule(TierDeep, analysisPattern, "scheduling analysis"),
				defaultRule(TierStandard),
			},
			ReadPlan: []domain.ReadStep{
				{Key: "production_orders", Table: "orders", Columns: []string{"id", "order_number", "customer_name", "status", "due_date"},
					Filters: []domain.Filter{where("status", in("confirmed", "in_production"))}, OrderBy: "due_date", Limit: 40},
				{Key: "machines", Table: "machines", Columns: []string{"id", "name", "status", "location", "last_service"}, OrderBy: "name", Limit: 50},
				{Key: "production_tasks", Table: "tasks", Columns: []string{"id", "title", "status", "due_date", "assignee_id"},
					Filters: []domain.Filter{where("status", in("open", "in_progress"))}, OrderBy: "due_date", Limit: 30,
					Resolve: names("assignee_id", "assignee_name")},
			},
		},
		{
			ID:          "delivery",
			Name:        "Dispatch",
			Description: "Schedules deliveries and keeps drivers and customers informed.",
			PersonaText: `You run dispatch. Schedule deliveries for ready orders, assign drivers and keep
customers informed with short text updates. Addresses and times come only from the
records.`,
			DeclaredTools: tools("list_deliveries", "schedule_delivery", "list_orders", "log_communication", "send_sms"),
			ModelPolicy: []domain.TierRule{
				rule(TierQuick, regexp.MustCompile(`(?i)\b(eta|where|when|today|tomorrow)\b`), "dispatch lookup"),
				defaultRule(TierStandard),
			},
			ReadPlan: []domain.ReadStep{
				{Key: "upcoming_deliveries", Table: "deliveries", Columns: []string{"id", "order_id", "address", "scheduled_for", "status", "driver_id"},
					SinceToday: true, SinceColumn: "scheduled_for", OrderBy: "scheduled_for", Limit: 40, Resolve: names("driver_id", "driver_name")},
				{Key: "unscheduled_deliveries", Table: "deliveries", Columns: []string{"id", "order_id", "address", "status"},
					Filters: []domain.Filter{eq("status", "pending")}, OrderBy: "created_at", Limit: 30},
				{Key: "ready_orders", Table: "orders", Columns: []string{"id", "order_number", "customer_name", "due_date"},
					Filters: []domain.Filter{eq("status", "ready")}, OrderBy: "due_date", Limit: 30},
			},
		},
		{
			ID:          "marketing",
			Name:        "Marketing Writer",
			Description: "Writes and updates website content and reviews where leads come from.",
			PersonaText: `You write for the company website. Draft clear, specific copy about the shop's work,
keep pages current and report which lead sources are working. New posts start as
drafts unless the user explicitly asks to publish.`,
			DeclaredTools: tools("wp_list_pages", "wp_get_page", "wp_update_page", "wp_update_post", "wp_create_post", "list_leads"),
			ModelPolicy: []domain.TierRule{
				attachmentsRule("image for a post"),
				rule(TierDeep, regexp.MustCompile(`(?i)\b(seo|audit|strategy|analy[sz]\w*)\b`), "content strategy"),
				defaultRule(TierCreative),
			},
			ReadPlan: []domain.ReadStep{
				{Key: "lead_sources", Table: "leads", Columns: []string{"id", "source", "status", "created_at"},
					SinceDays: 30, OrderBy: "created_at", Desc: true, Limit: 100},
			},
		},
		{
			ID:          "support",
			Name:        "Customer Support",
			Description: "Drafts replies to customers about their orders and deliveries.",
			PersonaText: `You answer customer questions about orders and deliveries. Look the order up before
answering, keep replies short and polite and never share another customer's
details.`,
			DeclaredTools: tools("list_orders", "list_deliveries", "list_communications", "log_communication", "send_email", "send_sms"),
			DraftOnly:     true,
			ModelPolicy: []domain.TierRule{
				rule(TierQuick, lookupPattern, "quick lookup"),
				longHistoryRule(),
				defaultRule(TierStandard),
			},
			ReadPlan: []domain.ReadStep{
				{Key: "inbound_messages", Table: "communications", Columns: []string{"id", "channel", "counterpart", "subject", "created_at", "member_id"},
					Filters: []domain.Filter{eq("direction", "inbound")}, SinceDays: 2, OrderBy: "created_at", Desc: true, Limit: 30,
					Resolve: names("member_id", "member_name")},
				{Key: "recent_orders", Table: "orders", Columns: []string{"id", "order_number", "customer_name", "status", "due_date"},
					SinceDays: 14, OrderBy: "created_at", Desc: true, Limit: 30},
			},
		},
		{
			ID:          "engineering",
			Name:        "Engineering Reviewer",
			Description: "Reviews drawings and technical questions against estimates and equipment.",
			PersonaText: `You review technical questions for the shop: drawings, tolerances, material choices
and whether the equipment can do the job. State assumptions explicitly and flag
anything that needs a licensed engineer's sign-off.`,
			DeclaredTools: tools("list_machines", "list_estimates", "db_read_query"),
			ModelPolicy: []domain.TierRule{
				attachmentsRule("drawing review"),
				rule(TierQuick, lookupPattern, "quick lookup"),
				defaultRule(TierDeep),
			},
			ReadPlan: []domain.ReadStep{
				{Key: "machines", Table: "machines", Columns: []string{"id", "name", "status", "location", "notes"}, OrderBy: "name", Limit: 50},
				{Key: "open_estimates", Table: "estimates", Columns: []string{"id", "title", "status", "notes", "due_date"},
					Filters: []domain.Filter{where("status", in("draft", "revision"))}, OrderBy: "due_date", Limit: 20},
			},
		},
		{
			ID:          "admin",
			Name:        "Admin Console",
			Description: "Data fixes, reporting and team oversight for administrators.",
			PersonaText: `You assist the system administrator. Prefer the list tools; use db_read_query for
reporting and db_write_fix only for targeted single-record corrections, always
explaining the fix before running it.`,
			DeclaredTools: tools("db_read_query", "db_write_fix", "list_orders", "list_leads", "list_invoices",
				"list_machines", "list_deliveries", "list_tasks", "list_communications", "list_estimates",
				"update_task", "update_lead", "send_email"),
			ModelPolicy: []domain.TierRule{
				rule(TierDeep, regexp.MustCompile(`(?i)\b(audit|report|analy[sz]\w*|trend\w*)\b`), "reporting"),
				longHistoryRule(),
				defaultRule(TierStandard),
			},
			ReadPlan: []domain.ReadStep{
				{Key: "open_tasks", Table: "tasks", Columns: []string{"id", "title", "status", "due_date", "assignee_id"},
					Filters: []domain.Filter{where("status", in("open", "in_progress"))}, OrderBy: "due_date", Limit: 40,
					Resolve: names("assignee_id", "assignee_name")},
				{Key: "recent_orders", Table: "orders", Columns: []string{"id", "order_number", "customer_name", "status", "total"},
					SinceDays: 7, OrderBy: "created_at", Desc: true, Limit: 30},
				{Key: "open_invoices", Table: "invoices", Columns: []string{"id", "invoice_number", "customer_name", "amount", "due_date"},
					Filters: []domain.Filter{eq("status", "open")}, OrderBy: "due_date", Limit: 30},
			},
		},
	}
}

// defaultPlaybook is the house rules text shared by every agent.
const defaultPlaybook = `House rules:
- Answer from the context and tool results only. If something is not there, say so.
- Keep replies short. Lead with the answer, then the detail.
- Every write needs confirm: true. Confirm only after the user has clearly asked for the change.
- One request may make at most a few writes. Batch what you can and say what is left.
- When a tool reports NOT_FOUND, treat it as a fact and move on.
- When a tool reports PERMISSION_DENIED, do not retry; explain what the user can do instead.
- Name people by their display name, never by internal id.`
