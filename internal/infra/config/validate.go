package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"opsdesk/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateLLM(cfg, ve)
	validateOrchestrator(cfg, ve)
	validateAssembler(cfg, ve)
	validateAgents(cfg, ve)
	validateDatabase(cfg, ve)
	validateTools(cfg, ve)
	validateSecurity(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Gateway.MaxBodyBytes <= 0 {
		ve.Add("gateway.max_body_bytes must be > 0")
	}
	if cfg.Gateway.RateLimit.Enabled {
		if cfg.Gateway.RateLimit.RequestsPerMinute <= 0 {
			ve.Add("gateway.rate_limit.requests_per_minute must be > 0 when rate limiting is enabled")
		}
		if cfg.Gateway.RateLimit.Burst <= 0 {
			ve.Add("gateway.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
		for _, p := range cfg.Gateway.RateLimit.TrustedProxies {
			if _, err := netip.ParsePrefix(p); err == nil {
				continue
			}
			if _, err := netip.ParseAddr(p); err != nil {
				ve.Add("gateway.rate_limit.trusted_proxies entry %q is not an IP or CIDR", p)
			}
		}
	}
	switch cfg.Gateway.Auth.Type {
	case "", "static":
	default:
		ve.Add("gateway.auth.type %q is invalid (want: static)", cfg.Gateway.Auth.Type)
	}
	seen := make(map[string]bool)
	for i, tok := range cfg.Gateway.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
		if tok.ID == "" {
			ve.Add("gateway.auth.tokens[%d].id must not be empty", i)
		}
		if seen[tok.Token] && tok.Token != "" {
			ve.Add("gateway.auth.tokens[%d]: duplicate token", i)
		}
		seen[tok.Token] = true
		for _, r := range tok.Roles {
			if !domain.IsValidAuthRole(r) {
				ve.Add("gateway.auth.tokens[%d] (%s): unknown role %q", i, tok.ID, r)
			}
		}
	}
}

var validProviderTypes = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"gemini":    true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}

	for name, tier := range cfg.LLM.Tiers {
		if tier.Provider == "" || tier.Model == "" {
			ve.Add("llm.tiers.%s: provider and model are required", name)
		}
		if tier.MaxTokens < 0 {
			ve.Add("llm.tiers.%s.max_tokens must be >= 0", name)
		}
		if tier.Temperature < 0 || tier.Temperature > 2 {
			ve.Add("llm.tiers.%s.temperature must be within [0, 2]", name)
		}
	}
	if _, ok := cfg.LLM.Tiers["standard"]; !ok {
		ve.Add("llm.tiers must define a %q tier", "standard")
	}

	if cfg.LLM.CircuitBreaker.Enabled && cfg.LLM.CircuitBreaker.MaxFailures == 0 {
		ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
	}

	if len(cfg.LLM.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.Type != "" && !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, anthropic, gemini)", i, p.Type)
		}
		if p.APIKey == "" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via %s)", i, p.Name, ProviderKeyEnv(p.Name))
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}

	if !foundDefault && cfg.LLM.DefaultProvider != "" {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if o.MaxIterations <= 0 {
		ve.Add("orchestrator.max_iterations must be > 0")
	}
	if o.MaxErrorRounds <= 0 {
		ve.Add("orchestrator.max_error_rounds must be > 0")
	}
	if o.HistoryLimit <= 0 {
		ve.Add("orchestrator.history_limit must be > 0")
	}
	if o.WriteBudget <= 0 {
		ve.Add("orchestrator.write_budget must be > 0")
	}
	if o.ToolTimeout <= 0 {
		ve.Add("orchestrator.tool_timeout must be > 0")
	}
	if o.LLMTimeout <= 0 {
		ve.Add("orchestrator.llm_timeout must be > 0")
	}
	if o.LLMRetries < 0 {
		ve.Add("orchestrator.llm_retries must be >= 0")
	}
	if o.MaxContextBytes < 1024 {
		ve.Add("orchestrator.max_context_bytes must be >= 1024")
	}
}

func validateAssembler(cfg *Config, ve *ValidationError) {
	a := cfg.Assembler
	if _, err := time.LoadLocation(a.Timezone); err != nil {
		ve.Add("assembler.timezone %q is invalid: %v", a.Timezone, err)
	}
	if a.FetchTimeout <= 0 {
		ve.Add("assembler.fetch_timeout must be > 0")
	}
	if a.FetchRowLimit <= 0 {
		ve.Add("assembler.fetch_row_limit must be > 0")
	}
	if a.MaxConcurrency <= 0 {
		ve.Add("assembler.max_concurrency must be > 0")
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	switch cfg.Agents.DraftOnlyOverride {
	case "", "on", "off":
	default:
		ve.Add("agents.draft_only_override %q is invalid (want: on, off or empty)", cfg.Agents.DraftOnlyOverride)
	}
}

func validateDatabase(cfg *Config, ve *ValidationError) {
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		ve.Add("database.driver %q is invalid (want: sqlite, postgres)", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		ve.Add("database.dsn must not be empty")
	}
	if cfg.Database.MaxOpenConns < 0 {
		ve.Add("database.max_open_conns must be >= 0")
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	t := cfg.Tools
	if t.ReadRowCap <= 0 {
		ve.Add("tools.read_row_cap must be > 0")
	}
	if t.ReadByteCap <= 0 {
		ve.Add("tools.read_byte_cap must be > 0")
	}
	if t.ReadFallbackRows <= 0 || t.ReadFallbackRows > t.ReadRowCap {
		ve.Add("tools.read_fallback_rows must be within (0, read_row_cap]")
	}
	if t.MaxQueryLength <= 0 {
		ve.Add("tools.max_query_length must be > 0")
	}
	if t.MaxRowsAffected <= 0 {
		ve.Add("tools.max_rows_affected must be > 0")
	}
	if t.AuditPreviewLen <= 0 {
		ve.Add("tools.audit_preview_len must be > 0")
	}
}

func validateSecurity(cfg *Config, ve *ValidationError) {
	a := cfg.Security.Audit
	if !a.Enabled {
		return
	}
	switch a.Sink {
	case "db":
	case "file", "both":
		if a.Path == "" {
			ve.Add("security.audit.path is required when sink is %q", a.Sink)
		}
	default:
		ve.Add("security.audit.sink %q is invalid (want: db, file, both)", a.Sink)
	}
	if a.MaxAge < 0 {
		ve.Add("security.audit.max_age must be >= 0")
	}
	if a.MaxAge > 0 && a.RetentionSchedule == "" {
		ve.Add("security.audit.retention_schedule is required when max_age is set")
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	t := cfg.Tracer
	if !t.Enabled {
		return
	}
	switch t.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", t.Exporter)
	}
	if t.SampleRatio <= 0 || t.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be within (0, 1]")
	}
}
