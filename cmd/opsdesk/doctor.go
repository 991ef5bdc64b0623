package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"opsdesk/internal/adapter/store"
	"opsdesk/internal/adapter/tool"
	"opsdesk/internal/domain"
	"opsdesk/internal/infra/config"
)

// verdict grades one doctor check. Higher is worse.
type verdict int

const (
	verdictPass verdict = iota
	verdictWarn
	verdictFail
)

func (v verdict) String() string {
	switch v {
	case verdictPass:
		return "PASS"
	case verdictWarn:
		return "WARN"
	case verdictFail:
		return "FAIL"
	}
	return "????"
}

// finding is what a check reports: a verdict, a one-line message and an
// optional fix hint.
type finding struct {
	verdict verdict
	message string
	fix     string
}

func passf(format string, args ...any) finding {
	return finding{verdict: verdictPass, message: fmt.Sprintf(format, args...)}
}

func warnf(format string, args ...any) finding {
	return finding{verdict: verdictWarn, message: fmt.Sprintf(format, args...)}
}

func failf(format string, args ...any) finding {
	return finding{verdict: verdictFail, message: fmt.Sprintf(format, args...)}
}

func (f finding) withFix(fix string) finding {
	f.fix = fix
	return f
}

// doctorCheck is one named probe. cfg is nil when the config failed to load.
type doctorCheck struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) finding
}

// needsConfig guards probes that cannot run without a loaded config.
func needsConfig(fn func(context.Context, *config.Config) finding) func(context.Context, *config.Config) finding {
	return func(ctx context.Context, cfg *config.Config) finding {
		if cfg == nil {
			return failf("cannot check, config not loaded")
		}
		return fn(ctx, cfg)
	}
}

func doctorChecks(cfgPath string, cfgErr error) []doctorCheck {
	return []doctorCheck{
		{"Config file", func(context.Context, *config.Config) finding { return checkConfigFile(cfgPath, cfgErr) }},
		{"LLM API key", needsConfig(checkLLMAPIKey)},
		{"LLM connectivity", needsConfig(checkLLMConnectivity)},
		{"Model tiers", needsConfig(checkModelTiers)},
		{"Gateway tokens", needsConfig(checkGatewayTokens)},
		{"Database", needsConfig(checkDatabase)},
		{"Agents and tools", needsConfig(checkAgentTools)},
		{"Integrations", needsConfig(checkIntegrations)},
		{"Audit sink", needsConfig(checkAuditSink)},
	}
}

func runDoctor() error {
	cfgPath := configPath()
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	cfg, cfgErr := config.Load(cfgPath)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if failed := doctorReport(ctx, os.Stdout, doctorChecks(cfgPath, cfgErr), cfg); failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

// doctorReport runs the checks concurrently, prints them in order and
// returns how many failed.
func doctorReport(ctx context.Context, w io.Writer, checks []doctorCheck, cfg *config.Config) int {
	findings := make([]finding, len(checks))
	var g errgroup.Group
	g.SetLimit(4)
	for i, c := range checks {
		g.Go(func() error {
			findings[i] = c.run(ctx, cfg)
			return nil
		})
	}
	g.Wait()

	r := lipgloss.NewRenderer(w)
	badge := map[verdict]lipgloss.Style{
		verdictPass: r.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}),
		verdictWarn: r.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}),
		verdictFail: r.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}),
	}
	dim := r.NewStyle().Faint(true)

	fmt.Fprintln(w, r.NewStyle().Bold(true).Render("opsdesk doctor"))
	fmt.Fprintln(w)
	var counts [3]int
	for i, f := range findings {
		counts[f.verdict]++
		fmt.Fprintf(w, "  %s %s: %s\n", badge[f.verdict].Render("["+f.verdict.String()+"]"), checks[i].name, f.message)
		if f.fix != "" {
			fmt.Fprintln(w, dim.Render("      Fix: "+f.fix))
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d warnings, %d failed\n", counts[verdictPass], counts[verdictWarn], counts[verdictFail])
	switch {
	case counts[verdictFail] > 0:
		fmt.Fprintln(w, "Fix the FAIL items before running opsdesk serve.")
	case counts[verdictWarn] > 0:
		fmt.Fprintln(w, "opsdesk will run; the warnings limit what agents can do.")
	default:
		fmt.Fprintln(w, "All checks passed.")
	}
	return counts[verdictFail]
}

func checkConfigFile(cfgPath string, cfgErr error) finding {
	if cfgErr != nil {
		return failf("config error: %v", cfgErr).
			withFix("Check config.yaml syntax and the OPSDESK_* environment variables")
	}
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return warnf("no config file at %s, using defaults and environment", cfgPath).
			withFix("Create config.yaml or pass --config PATH")
	}
	return passf("config loaded from %s", cfgPath)
}

func checkLLMAPIKey(_ context.Context, cfg *config.Config) finding {
	if len(cfg.LLM.Providers) == 0 {
		return failf("no LLM providers configured").withFix("Add a provider under llm.providers")
	}
	var keyed, bare []string
	for _, p := range cfg.LLM.Providers {
		if p.APIKey == "" {
			bare = append(bare, p.Name)
		} else {
			keyed = append(keyed, p.Name)
		}
	}
	switch {
	case len(keyed) == 0:
		return failf("no API keys for %s", strings.Join(bare, ", ")).
			withFix("Set " + config.ProviderKeyEnv(bare[0]))
	case len(bare) > 0:
		return warnf("keys set for [%s]; missing for [%s]", strings.Join(keyed, ", "), strings.Join(bare, ", "))
	}
	return passf("API keys set for %s", strings.Join(keyed, ", "))
}

// checkLLMConnectivity pings the default provider's host. Any HTTP answer
// counts as reachable.
func checkLLMConnectivity(ctx context.Context, cfg *config.Config) finding {
	i := slices.IndexFunc(cfg.LLM.Providers, func(p config.ProviderConfig) bool {
		return p.Name == cfg.LLM.DefaultProvider
	})
	if i < 0 {
		return failf("default provider %q not found in config", cfg.LLM.DefaultProvider)
	}
	p := cfg.LLM.Providers[i]
	if p.APIKey == "" {
		return warnf("skipped, no API key for %s", p.Name)
	}
	endpoint := providerEndpoint(p)
	if endpoint == "" {
		return warnf("no known endpoint for provider type %q, skipped", p.Type)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return failf("bad endpoint %s: %v", endpoint, err)
	}
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return failf("cannot reach %s: %v", endpoint, err).withFix("Check network access and llm.providers[].base_url")
	}
	resp.Body.Close()
	return passf("%s reachable in %dms", p.Name, time.Since(start).Milliseconds())
}

var defaultEndpoints = map[string]string{
	"openai":    "https://api.openai.com/v1/models",
	"anthropic": "https://api.anthropic.com/",
	"gemini":    "https://generativelanguage.googleapis.com/",
}

// providerEndpoint picks the URL the connectivity probe hits. A configured
// BaseURL wins over the vendor default.
func providerEndpoint(p config.ProviderConfig) string {
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/")
	}
	typ := p.Type
	if typ == "" {
		typ = p.Name
	}
	return defaultEndpoints[typ]
}

// checkModelTiers flags tiers routed to a provider that is not configured.
// The router sends those requests to the default provider instead.
func checkModelTiers(_ context.Context, cfg *config.Config) finding {
	var orphaned []string
	for _, name := range slices.Sorted(maps.Keys(cfg.LLM.Tiers)) {
		tier := cfg.LLM.Tiers[name]
		if !slices.ContainsFunc(cfg.LLM.Providers, func(p config.ProviderConfig) bool { return p.Name == tier.Provider }) {
			orphaned = append(orphaned, name+"->"+tier.Provider)
		}
	}
	if len(orphaned) > 0 {
		return warnf("tiers fall back to %s: %s", cfg.LLM.DefaultProvider, strings.Join(orphaned, ", ")).
			withFix("Configure those providers or repoint llm.tiers.<name>.provider")
	}
	return passf("%d tiers routed to configured providers", len(cfg.LLM.Tiers))
}

func checkGatewayTokens(_ context.Context, cfg *config.Config) finding {
	tokens := cfg.Gateway.Auth.Tokens
	if len(tokens) == 0 {
		return failf("no gateway tokens, every request gets 401").withFix("Add callers under gateway.auth.tokens")
	}
	var roleless []string
	for _, t := range tokens {
		if len(domain.StringsToAuthRoles(t.Roles)) == 0 {
			roleless = append(roleless, t.ID)
		}
	}
	if len(roleless) > 0 {
		return warnf("callers without a valid role are read-only: %s", strings.Join(roleless, ", "))
	}
	return passf("%d caller token(s)", len(tokens))
}

// checkDatabase opens the database, which also runs migrations, and looks
// for the business tables the agents read.
func checkDatabase(ctx context.Context, cfg *config.Config) finding {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := store.Open(ctx, store.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: 1,
		SeedSchema:   cfg.Database.SeedSchema,
	})
	if err != nil {
		return failf("cannot open %s database: %v", cfg.Database.Driver, err).
			withFix("Check database.driver and database.dsn (or OPSDESK_DATABASE_DSN)")
	}
	defer db.Close()

	var missing []string
	for _, table := range store.ERPTables {
		if !db.HasTable(ctx, table) {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return warnf("%s reachable; business tables missing: %s", cfg.Database.Driver, strings.Join(missing, ", ")).
			withFix("Point database.dsn at the business database, or set database.seed_schema: true for development")
	}
	return passf("%s reachable, %d business tables", cfg.Database.Driver, len(store.ERPTables))
}

// checkAgentTools builds the agent registry against the builtin tool set, so
// an agent naming an unknown tool fails here instead of at serve time.
func checkAgentTools(_ context.Context, cfg *config.Config) finding {
	reg := tool.NewRegistry(nil)
	if err := tool.RegisterBuiltins(reg, tool.Deps{}); err != nil {
		return failf("tool registry: %v", err)
	}
	agents, err := initAgents(cfg, reg.Names())
	if err != nil {
		return failf("%v", err).withFix("Check agents.persona_file, agents.playbook_file and agents.default")
	}
	return passf("%d agents, %d tools", len(agents.IDs()), len(reg.Names()))
}

func checkIntegrations(_ context.Context, cfg *config.Config) finding {
	in := cfg.Integrations
	ready := map[string]bool{
		"email":      in.Email.SMTPHost != "" && in.Email.From != "",
		"odoo":       in.Odoo.URL != "" && in.Odoo.Database != "" && in.Odoo.UserID > 0 && in.Odoo.Password != "",
		"quickbooks": in.QuickBooks.RealmID != "" && in.QuickBooks.AccessToken != "",
		"sms":        in.SMS.AccountSID != "" && in.SMS.AuthToken != "" && in.SMS.From != "",
		"wordpress":  in.WordPress.BaseURL != "" && in.WordPress.Username != "" && in.WordPress.AppPassword != "",
	}
	var on, off []string
	for _, name := range slices.Sorted(maps.Keys(ready)) {
		if ready[name] {
			on = append(on, name)
		} else {
			off = append(off, name)
		}
	}
	if len(on) == 0 {
		return warnf("no integrations configured; their tools report not configured")
	}
	f := passf("configured: %s", strings.Join(on, ", "))
	if len(off) > 0 {
		f.message += "; not configured: " + strings.Join(off, ", ")
	}
	return f
}

// checkAuditSink probes the audit directory with a throwaway file when the
// file sink is on.
func checkAuditSink(_ context.Context, cfg *config.Config) finding {
	a := cfg.Security.Audit
	if !a.Enabled {
		return warnf("audit disabled; mutating tool calls leave no trail").withFix("Set security.audit.enabled: true")
	}
	if a.Sink != "file" && a.Sink != "both" {
		return passf("audit events stored in the database")
	}

	dir := filepath.Dir(a.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return failf("audit directory %s cannot be created: %v", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return failf("audit directory %s is not writable: %v", dir, err).withFix("chmod 700 " + dir)
	}
	probe.Close()
	os.Remove(probe.Name())
	return passf("audit file %s writable (sink: %s)", a.Path, a.Sink)
}
