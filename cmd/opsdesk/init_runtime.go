package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"opsdesk/internal/adapter/external"
	"opsdesk/internal/adapter/llm"
	"opsdesk/internal/adapter/store"
	"opsdesk/internal/adapter/tool"
	"opsdesk/internal/infra/config"
	"opsdesk/internal/infra/metrics"
	"opsdesk/internal/usecase"
	"opsdesk/internal/usecase/capability"
)

// app holds the wired components the gateway serves.
type app struct {
	Store        *store.Store
	Providers    *llm.Registry
	Tools        *tool.Registry
	Agents       *capability.Registry
	Router       *usecase.ModelRouter
	Orchestrator *usecase.Orchestrator
	Metrics      *metrics.Metrics
}

// buildApp wires storage, audit, integrations, tools, agents and the
// orchestration loop. The returned cleanup closes everything it opened.
func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*app, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	// 1. Metrics
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	// 2. Database
	db, err := store.Open(ctx, store.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		SeedSchema:   cfg.Database.SeedSchema,
	})
	if err != nil {
		return fail(fmt.Errorf("database: %w", err))
	}
	closers = append(closers, func() {
		if err := db.Close(); err != nil {
			log.Error("database close error", "error", err)
		}
	})

	// 3. Audit
	audit, auditCleanup, err := initAudit(ctx, cfg.Security.Audit, cfg.Tools.AuditPreviewLen, db, log)
	if err != nil {
		return fail(fmt.Errorf("audit: %w", err))
	}
	closers = append(closers, auditCleanup)

	// 4. LLM providers
	providers, err := llm.NewRegistryFromConfig(cfg.LLM, log, m.ObserveCircuit)
	if err != nil {
		return fail(fmt.Errorf("llm: %w", err))
	}

	// 5. Context assembler
	loc, err := time.LoadLocation(cfg.Assembler.Timezone)
	if err != nil {
		return fail(fmt.Errorf("assembler timezone: %w", err))
	}
	agents, err := initAgents(cfg, nil)
	if err != nil {
		return fail(err)
	}
	assemblerDeps := usecase.AssemblerDeps{
		Agents:         agents,
		Data:           db,
		Metrics:        m,
		Logger:         log,
		Location:       loc,
		FetchTimeout:   cfg.Assembler.FetchTimeout,
		RowLimit:       cfg.Assembler.FetchRowLimit,
		MaxConcurrency: cfg.Assembler.MaxConcurrency,
	}
	if cfg.Assembler.TeamActivity {
		assemblerDeps.Team = db
		assemblerDeps.Observations = db
	}
	assembler := usecase.NewContextAssembler(assemblerDeps)

	// 6. Tools
	tools := tool.NewRegistry(log)
	integ := cfg.Integrations
	err = tool.RegisterBuiltins(tools, tool.Deps{
		Data:          db,
		SQL:           db,
		Writer:        db,
		Team:          db,
		Notifications: db,
		Changes:       db,
		Activity:      assembler,
		CMS:           external.NewWordPress(integ.WordPress.BaseURL, integ.WordPress.Username, integ.WordPress.AppPassword, nil),
		ERP:           external.NewOdoo(integ.Odoo.URL, integ.Odoo.Database, integ.Odoo.UserID, integ.Odoo.Password, nil),
		Accounting:    external.NewQuickBooks(integ.QuickBooks.BaseURL, integ.QuickBooks.RealmID, integ.QuickBooks.AccessToken, nil),
		Mailer:        external.NewSMTPMailer(integ.Email.SMTPHost, integ.Email.SMTPPort, integ.Email.Username, integ.Email.Password, integ.Email.From),
		SMS:           external.NewTwilio(integ.SMS.BaseURL, integ.SMS.AccountSID, integ.SMS.AuthToken, integ.SMS.From, nil),
		Gate:          tool.NewWriteGate(nil, audit, cfg.Tools.AuditPreviewLen, log),
		Limits: tool.Limits{
			ReadRowCap:       cfg.Tools.ReadRowCap,
			ReadByteCap:      cfg.Tools.ReadByteCap,
			ReadFallbackRows: cfg.Tools.ReadFallbackRows,
			MaxQueryLength:   cfg.Tools.MaxQueryLength,
			MaxRowsAffected:  cfg.Tools.MaxRowsAffected,
			EmailsPerHour:    cfg.Tools.EmailsPerHour,
			SMSPerHour:       cfg.Tools.SMSPerHour,
		},
		Tables: store.ERPTables,
		Logger: log,
	})
	if err != nil {
		return fail(fmt.Errorf("tools: %w", err))
	}
	if err := agents.Validate(tools.Names()); err != nil {
		return fail(fmt.Errorf("agents: %w", err))
	}

	// 7. Orchestration
	router := usecase.NewModelRouter(agents, cfg.LLM.DomainTiers())
	dispatcher := usecase.NewToolDispatcher(usecase.DispatcherDeps{
		Tools:         tools,
		Usage:         db,
		Metrics:       m,
		Logger:        log,
		Timeout:       cfg.Orchestrator.ToolTimeout,
		ParallelReads: cfg.Orchestrator.ParallelReads,
	})
	orch := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Agents:          agents,
		Assembler:       assembler,
		Router:          router,
		Providers:       providers,
		DefaultProvider: cfg.LLM.DefaultProvider,
		Tools:           dispatcher,
		Classifier:      usecase.NewErrorClassifier(),
		Metrics:         m,
		Logger:          log,
		MaxIterations:   cfg.Orchestrator.MaxIterations,
		MaxErrorRounds:  cfg.Orchestrator.MaxErrorRounds,
		HistoryLimit:    cfg.Orchestrator.HistoryLimit,
		WriteBudget:     cfg.Orchestrator.WriteBudget,
		LLMTimeout:      cfg.Orchestrator.LLMTimeout,
		LLMRetries:      cfg.Orchestrator.LLMRetries,
		MaxContextBytes: cfg.Orchestrator.MaxContextBytes,
	})

	return &app{
		Store:        db,
		Providers:    providers,
		Tools:        tools,
		Agents:       agents,
		Router:       router,
		Orchestrator: orch,
		Metrics:      m,
	}, cleanup, nil
}

// initAgents builds the agent registry with the configured persona file,
// playbook and draft-only switch. toolNames, when non-nil, is checked
// against every agent's declared tools.
func initAgents(cfg *config.Config, toolNames []string) (*capability.Registry, error) {
	reg := capability.Default()
	var err error
	if cfg.Agents.PersonaFile != "" {
		if reg, err = reg.WithPersonaOverrides(cfg.Agents.PersonaFile); err != nil {
			return nil, fmt.Errorf("agents: %w", err)
		}
	}
	if cfg.Agents.PlaybookFile != "" {
		text, err := capability.LoadPlaybook(cfg.Agents.PlaybookFile)
		if err != nil {
			return nil, fmt.Errorf("agents: %w", err)
		}
		reg = reg.WithPlaybook(text)
	}
	if reg, err = reg.WithDraftOnly(cfg.Agents.DraftOnlyOverride); err != nil {
		return nil, fmt.Errorf("agents: %w", err)
	}
	if _, err := reg.Get(cfg.Agents.Default); err != nil {
		return nil, fmt.Errorf("agents: default agent: %w", err)
	}
	if toolNames != nil {
		if err := reg.Validate(toolNames); err != nil {
			return nil, fmt.Errorf("agents: %w", err)
		}
	}
	return reg, nil
}
