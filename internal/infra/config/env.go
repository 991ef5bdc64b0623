package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides maps OPSDESK_* variables onto cfg. Unset or empty
// variables leave the field alone, and so do numbers that fail to parse.
func ApplyEnvOverrides(cfg *Config) {
	integ := &cfg.Integrations
	for key, field := range map[string]*string{
		"OPSDESK_GATEWAY_ADDR":           &cfg.Gateway.Addr,
		"OPSDESK_LLM_DEFAULT_PROVIDER":   &cfg.LLM.DefaultProvider,
		"OPSDESK_TIMEZONE":               &cfg.Assembler.Timezone,
		"OPSDESK_DRAFT_ONLY":             &cfg.Agents.DraftOnlyOverride,
		"OPSDESK_PERSONA_FILE":           &cfg.Agents.PersonaFile,
		"OPSDESK_DATABASE_DRIVER":        &cfg.Database.Driver,
		"OPSDESK_DATABASE_DSN":           &cfg.Database.DSN,
		"OPSDESK_LOGGER_LEVEL":           &cfg.Logger.Level,
		"OPSDESK_LOGGER_FORMAT":          &cfg.Logger.Format,
		"OPSDESK_TRACER_EXPORTER":        &cfg.Tracer.Exporter,
		"OPSDESK_AUDIT_SINK":             &cfg.Security.Audit.Sink,
		"OPSDESK_AUDIT_PATH":             &cfg.Security.Audit.Path,
		"OPSDESK_WORDPRESS_URL":          &integ.WordPress.BaseURL,
		"OPSDESK_WORDPRESS_USERNAME":     &integ.WordPress.Username,
		"OPSDESK_WORDPRESS_APP_PASSWORD": &integ.WordPress.AppPassword,
		"OPSDESK_ODOO_URL":               &integ.Odoo.URL,
		"OPSDESK_ODOO_DATABASE":          &integ.Odoo.Database,
		"OPSDESK_ODOO_PASSWORD":          &integ.Odoo.Password,
		"OPSDESK_QUICKBOOKS_URL":         &integ.QuickBooks.BaseURL,
		"OPSDESK_QUICKBOOKS_REALM_ID":    &integ.QuickBooks.RealmID,
		"OPSDESK_QUICKBOOKS_TOKEN":       &integ.QuickBooks.AccessToken,
		"OPSDESK_SMTP_HOST":              &integ.Email.SMTPHost,
		"OPSDESK_SMTP_USERNAME":          &integ.Email.Username,
		"OPSDESK_SMTP_PASSWORD":          &integ.Email.Password,
		"OPSDESK_EMAIL_FROM":             &integ.Email.From,
		"OPSDESK_TWILIO_ACCOUNT_SID":     &integ.SMS.AccountSID,
		"OPSDESK_TWILIO_AUTH_TOKEN":      &integ.SMS.AuthToken,
		"OPSDESK_TWILIO_FROM":            &integ.SMS.From,
	} {
		if v := os.Getenv(key); v != "" {
			*field = v
		}
	}

	for key, field := range map[string]*int{
		"OPSDESK_RATE_LIMIT_RPM":   &cfg.Gateway.RateLimit.RequestsPerMinute,
		"OPSDESK_MAX_ITERATIONS":   &cfg.Orchestrator.MaxIterations,
		"OPSDESK_MAX_ERROR_ROUNDS": &cfg.Orchestrator.MaxErrorRounds,
		"OPSDESK_WRITE_BUDGET":     &cfg.Orchestrator.WriteBudget,
		"OPSDESK_HISTORY_LIMIT":    &cfg.Orchestrator.HistoryLimit,
		"OPSDESK_ODOO_USER_ID":     &integ.Odoo.UserID,
	} {
		if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
			*field = n
		}
	}

	for key, field := range map[string]*bool{
		"OPSDESK_RATE_LIMIT_ENABLED": &cfg.Gateway.RateLimit.Enabled,
		"OPSDESK_METRICS_ENABLED":    &cfg.Metrics.Enabled,
		"OPSDESK_AUDIT_ENABLED":      &cfg.Security.Audit.Enabled,
	} {
		if v := os.Getenv(key); v != "" {
			*field = v == "true"
		}
	}
	if os.Getenv("OPSDESK_TRACER_ENABLED") == "true" {
		cfg.Tracer.Enabled = true
	}
	if d, err := time.ParseDuration(os.Getenv("OPSDESK_AUDIT_MAX_AGE")); err == nil && d >= 0 {
		cfg.Security.Audit.MaxAge = d
	}

	// DATABASE_URL is the platform convention and implies postgres. An
	// explicit OPSDESK_DATABASE_DSN still wins.
	if v := os.Getenv("DATABASE_URL"); v != "" && os.Getenv("OPSDESK_DATABASE_DSN") == "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.DSN = v
	}

	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if v := os.Getenv(ProviderKeyEnv(p.Name)); v != "" {
			p.APIKey = v
		}
	}
}

// ProviderKeyEnv names the variable that overrides a provider's api_key,
// for example OPSDESK_LLM_PROVIDER_OPENAI_API_KEY.
func ProviderKeyEnv(name string) string {
	return "OPSDESK_LLM_PROVIDER_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_API_KEY"
}
