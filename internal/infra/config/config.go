package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"opsdesk/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway"`
	LLM          LLMConfig          `yaml:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Assembler    AssemblerConfig    `yaml:"assembler"`
	Agents       AgentsConfig       `yaml:"agents"`
	Database     DatabaseConfig     `yaml:"database"`
	Tools        ToolsConfig        `yaml:"tools"`
	Integrations IntegrationsConfig `yaml:"integrations"`
	Security     SecurityConfig     `yaml:"security"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// GatewayConfig holds HTTP API settings.
type GatewayConfig struct {
	Addr         string          `yaml:"addr"`
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	MaxBodyBytes int64           `yaml:"max_body_bytes"`
	Auth         AuthConfig      `yaml:"auth"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig maps a bearer token to a caller identity.
type TokenConfig struct {
	Token     string   `yaml:"token"`
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Email     string   `yaml:"email"`
	Roles     []string `yaml:"roles"`
	CompanyID string   `yaml:"company_id"`
}

// RateLimitConfig holds per-caller token bucket settings.
type RateLimitConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	Burst             int      `yaml:"burst"`
	TrustedProxies    []string `yaml:"trusted_proxies"`
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	DefaultProvider string                     `yaml:"default_provider"`
	Providers       []ProviderConfig           `yaml:"providers"`
	CircuitBreaker  CircuitBreakerConfig       `yaml:"circuit_breaker"`
	Tiers           map[string]ModelTierConfig `yaml:"tiers,omitempty"`
}

// ModelTierConfig overrides one routing tier.
type ModelTierConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// OrchestratorConfig holds the tool-calling loop limits.
type OrchestratorConfig struct {
	MaxIterations   int           `yaml:"max_iterations"`
	MaxErrorRounds  int           `yaml:"max_error_rounds"`
	HistoryLimit    int           `yaml:"history_limit"`
	WriteBudget     int           `yaml:"write_budget"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	LLMTimeout      time.Duration `yaml:"llm_timeout"`
	LLMRetries      int           `yaml:"llm_retries"`
	ParallelReads   bool          `yaml:"parallel_reads"`
	MaxContextBytes int           `yaml:"max_context_bytes"`
}

// AssemblerConfig holds context assembly settings.
type AssemblerConfig struct {
	Timezone       string        `yaml:"timezone"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	FetchRowLimit  int           `yaml:"fetch_row_limit"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	TeamActivity   bool          `yaml:"team_activity"`
}

// AgentsConfig holds persona overrides and governance switches.
type AgentsConfig struct {
	Default           string `yaml:"default"`
	PersonaFile       string `yaml:"persona_file,omitempty"`
	PlaybookFile      string `yaml:"playbook_file,omitempty"`
	DraftOnlyOverride string `yaml:"draft_only_override,omitempty"` // "on", "off" or ""
}

// DatabaseConfig selects the business database.
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // "sqlite" or "postgres"
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	SeedSchema   bool   `yaml:"seed_schema"`
}

// ToolsConfig holds tool executor limits.
type ToolsConfig struct {
	ReadRowCap       int `yaml:"read_row_cap"`
	ReadByteCap      int `yaml:"read_byte_cap"`
	ReadFallbackRows int `yaml:"read_fallback_rows"`
	MaxQueryLength   int `yaml:"max_query_length"`
	MaxRowsAffected  int `yaml:"max_rows_affected"`
	AuditPreviewLen  int `yaml:"audit_preview_len"`
	EmailsPerHour    int `yaml:"emails_per_hour"`
	SMSPerHour       int `yaml:"sms_per_hour"`
}

// IntegrationsConfig holds external system credentials.
type IntegrationsConfig struct {
	WordPress  WordPressConfig  `yaml:"wordpress"`
	Odoo       OdooConfig       `yaml:"odoo"`
	QuickBooks QuickBooksConfig `yaml:"quickbooks"`
	Email      EmailConfig      `yaml:"email"`
	SMS        SMSConfig        `yaml:"sms"`
}

// WordPressConfig holds CMS REST credentials.
type WordPressConfig struct {
	BaseURL     string `yaml:"base_url"`
	Username    string `yaml:"username"`
	AppPassword string `yaml:"app_password"`
}

// OdooConfig holds ERP JSON-RPC credentials.
type OdooConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
	UserID   int    `yaml:"user_id"`
	Password string `yaml:"password"`
}

// QuickBooksConfig holds accounting REST credentials.
type QuickBooksConfig struct {
	BaseURL     string `yaml:"base_url"`
	RealmID     string `yaml:"realm_id"`
	AccessToken string `yaml:"access_token"`
}

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// SMSConfig holds Twilio settings.
type SMSConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
	BaseURL    string `yaml:"base_url,omitempty"`
}

// SecurityConfig holds audit settings.
type SecurityConfig struct {
	Audit AuditConfig `yaml:"audit"`
}

// AuditConfig holds audit logging settings. Sink is "db", "file" or "both".
type AuditConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Sink              string        `yaml:"sink"`
	Path              string        `yaml:"path"`
	MaxAge            time.Duration `yaml:"max_age"`            // 0 keeps everything
	RetentionSchedule string        `yaml:"retention_schedule"` // cron expression or duration
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`     // noop or stdout
	Output      string  `yaml:"output"`       // stdout exporter file; empty writes to stdout
	SampleRatio float64 `yaml:"sample_ratio"` // root spans kept, 0 < r <= 1
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// defaultDataDir returns the persistent data directory under $HOME/.opsdesk/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".opsdesk", "data")
}

// DefaultTiers returns the built-in model routing tiers.
func DefaultTiers() map[string]ModelTierConfig {
	return map[string]ModelTierConfig{
		"quick":    {Provider: "openai", Model: "gpt-4o-mini", MaxTokens: 1024, Temperature: 0.3},
		"standard": {Provider: "openai", Model: "gpt-4o", MaxTokens: 2048, Temperature: 0.4},
		"deep":     {Provider: "anthropic", Model: "claude-sonnet-4-5", MaxTokens: 4096, Temperature: 0.2},
		"creative": {Provider: "openai", Model: "gpt-4o", MaxTokens: 2048, Temperature: 0.9},
		"vision":   {Provider: "gemini", Model: "gemini-2.5-pro", MaxTokens: 4096, Temperature: 0.2},
		"long":     {Provider: "gemini", Model: "gemini-2.5-pro", MaxTokens: 4096, Temperature: 0.3},
	}
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Gateway: GatewayConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 180 * time.Second,
			MaxBodyBytes: 8 << 20,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 30,
				Burst:             10,
			},
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			Tiers: DefaultTiers(),
		},
		Orchestrator: OrchestratorConfig{
			MaxIterations:   5,
			MaxErrorRounds:  2,
			HistoryLimit:    20,
			WriteBudget:     3,
			ToolTimeout:     30 * time.Second,
			LLMTimeout:      120 * time.Second,
			LLMRetries:      2,
			ParallelReads:   true,
			MaxContextBytes: 60000,
		},
		Assembler: AssemblerConfig{
			Timezone:       "UTC",
			FetchTimeout:   10 * time.Second,
			FetchRowLimit:  50,
			MaxConcurrency: 8,
			TeamActivity:   true,
		},
		Agents: AgentsConfig{
			Default: "operations",
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          filepath.Join(dataDir, "opsdesk.db"),
			MaxOpenConns: 4,
		},
		Tools: ToolsConfig{
			ReadRowCap:       200,
			ReadByteCap:      64 << 10,
			ReadFallbackRows: 25,
			MaxQueryLength:   4000,
			MaxRowsAffected:  25,
			AuditPreviewLen:  2048,
			EmailsPerHour:    20,
			SMSPerHour:       20,
		},
		Integrations: IntegrationsConfig{
			Email: EmailConfig{SMTPPort: 587},
			SMS:   SMSConfig{BaseURL: "https://api.twilio.com"},
		},
		Security: SecurityConfig{
			Audit: AuditConfig{
				Enabled:           true,
				Sink:              "db",
				Path:              filepath.Join(dataDir, "audit.jsonl"),
				RetentionSchedule: "@hourly",
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			SampleRatio: 1,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads the YAML file at path over Defaults, then applies env
// overrides, decrypts "enc:" secrets when OPSDESK_CONFIG_KEY is set and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if err := mergeFile(cfg, path); err != nil {
		return nil, err
	}
	ApplyEnvOverrides(cfg)

	if key := os.Getenv("OPSDESK_CONFIG_KEY"); key != "" {
		if err := decryptSecrets(cfg, key); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := checkPermissions(path); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: parse config: %v", domain.ErrConfigLoad, err)
	}
	fillTierDefaults(cfg)
	return nil
}

// fillTierDefaults restores built-in tiers the YAML file did not mention.
func fillTierDefaults(cfg *Config) {
	if cfg.LLM.Tiers == nil {
		cfg.LLM.Tiers = map[string]ModelTierConfig{}
	}
	for name, tier := range DefaultTiers() {
		if _, ok := cfg.LLM.Tiers[name]; !ok {
			cfg.LLM.Tiers[name] = tier
		}
	}
}

// checkPermissions rejects a config file that group or others can write.
func checkPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

// DomainTiers converts the configured tiers to domain values keyed by name.
func (c *LLMConfig) DomainTiers() map[string]domain.ModelTier {
	out := make(map[string]domain.ModelTier, len(c.Tiers))
	for name, t := range c.Tiers {
		out[name] = domain.ModelTier{
			Name:        name,
			Provider:    t.Provider,
			Model:       t.Model,
			MaxTokens:   t.MaxTokens,
			Temperature: t.Temperature,
		}
	}
	return out
}
