package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, Validate(Defaults()))
}

func TestValidateReportsProblems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   []string
	}{
		{
			name: "orchestrator limits",
			mutate: func(c *Config) {
				c.Orchestrator.MaxIterations = 0
				c.Orchestrator.MaxErrorRounds = 0
				c.Orchestrator.HistoryLimit = 0
				c.Orchestrator.WriteBudget = 0
			},
			want: []string{
				"orchestrator.max_iterations must be > 0",
				"orchestrator.max_error_rounds must be > 0",
				"orchestrator.history_limit must be > 0",
				"orchestrator.write_budget must be > 0",
			},
		},
		{
			name:   "no default provider",
			mutate: func(c *Config) { c.LLM.DefaultProvider = "" },
			want:   []string{"llm.default_provider must not be empty"},
		},
		{
			name: "provider listed twice",
			mutate: func(c *Config) {
				c.LLM.Providers = []ProviderConfig{{Name: "openai", APIKey: "a"}, {Name: "openai", APIKey: "b"}}
			},
			want: []string{`duplicate provider name "openai"`},
		},
		{
			name: "unsupported provider type",
			mutate: func(c *Config) {
				c.LLM.Providers = []ProviderConfig{{Name: "openai", Type: "bedrock", APIKey: "k"}}
			},
			want: []string{`type "bedrock" is invalid`},
		},
		{
			name: "default provider missing from list",
			mutate: func(c *Config) {
				c.LLM.DefaultProvider = "ghost"
				c.LLM.Providers = []ProviderConfig{{Name: "openai", APIKey: "k"}}
			},
			want: []string{`llm.default_provider "ghost" does not match`},
		},
		{
			name:   "provider without key names the env var",
			mutate: func(c *Config) { c.LLM.Providers = []ProviderConfig{{Name: "openai"}} },
			want:   []string{"OPSDESK_LLM_PROVIDER_OPENAI_API_KEY"},
		},
		{
			name: "tiers",
			mutate: func(c *Config) {
				delete(c.LLM.Tiers, "standard")
				c.LLM.Tiers["broken"] = ModelTierConfig{Temperature: 3}
			},
			want: []string{
				`llm.tiers must define a "standard" tier`,
				"llm.tiers.broken: provider and model are required",
				"llm.tiers.broken.temperature must be within [0, 2]",
			},
		},
		{
			name: "gateway tokens",
			mutate: func(c *Config) {
				c.Gateway.Auth.Tokens = []TokenConfig{
					{Token: "t1", ID: "u1", Roles: []string{"admin"}},
					{Token: "t1", ID: "u2", Roles: []string{"superuser"}},
					{},
				}
			},
			want: []string{
				"gateway.auth.tokens[1]: duplicate token",
				`unknown role "superuser"`,
				"gateway.auth.tokens[2].token must not be empty",
				"gateway.auth.tokens[2].id must not be empty",
			},
		},
		{
			name:   "gateway addr",
			mutate: func(c *Config) { c.Gateway.Addr = "not-an-addr" },
			want:   []string{`gateway.addr "not-an-addr" is not a valid host:port`},
		},
		{
			name:   "rate limit",
			mutate: func(c *Config) { c.Gateway.RateLimit.RequestsPerMinute = 0 },
			want:   []string{"gateway.rate_limit.requests_per_minute must be > 0"},
		},
		{
			name: "trusted proxy hostname",
			mutate: func(c *Config) {
				c.Gateway.RateLimit.TrustedProxies = []string{"10.0.0.0/8", "192.168.1.1", "proxy.local"}
			},
			want: []string{`trusted_proxies entry "proxy.local" is not an IP or CIDR`},
		},
		{
			name:   "timezone",
			mutate: func(c *Config) { c.Assembler.Timezone = "Mars/Olympus" },
			want:   []string{`assembler.timezone "Mars/Olympus" is invalid`},
		},
		{
			name:   "draft-only override",
			mutate: func(c *Config) { c.Agents.DraftOnlyOverride = "maybe" },
			want:   []string{`agents.draft_only_override "maybe" is invalid`},
		},
		{
			name: "database",
			mutate: func(c *Config) {
				c.Database.Driver = "mongo"
				c.Database.DSN = ""
			},
			want: []string{`database.driver "mongo" is invalid`, "database.dsn must not be empty"},
		},
		{
			name:   "fallback rows above cap",
			mutate: func(c *Config) { c.Tools.ReadFallbackRows = c.Tools.ReadRowCap + 1 },
			want:   []string{"tools.read_fallback_rows must be within (0, read_row_cap]"},
		},
		{
			name: "file sink without path",
			mutate: func(c *Config) {
				c.Security.Audit.Sink = "file"
				c.Security.Audit.Path = ""
			},
			want: []string{`security.audit.path is required when sink is "file"`},
		},
		{
			name:   "unknown sink",
			mutate: func(c *Config) { c.Security.Audit.Sink = "kafka" },
			want:   []string{`security.audit.sink "kafka" is invalid`},
		},
		{
			name: "retention without schedule",
			mutate: func(c *Config) {
				c.Security.Audit.MaxAge = 720 * time.Hour
				c.Security.Audit.RetentionSchedule = ""
			},
			want: []string{"security.audit.retention_schedule is required"},
		},
		{
			name:   "negative retention",
			mutate: func(c *Config) { c.Security.Audit.MaxAge = -time.Hour },
			want:   []string{"security.audit.max_age must be >= 0"},
		},
		{
			name: "tracer exporter and ratio",
			mutate: func(c *Config) {
				c.Tracer.Enabled = true
				c.Tracer.Exporter = "jaeger"
				c.Tracer.SampleRatio = 0
			},
			want: []string{`tracer.exporter "jaeger" is invalid`, "tracer.sample_ratio must be within (0, 1]"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestValidateSkipsDisabledSections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"write budget of one", func(c *Config) { c.Orchestrator.WriteBudget = 1 }},
		{"rate limit off", func(c *Config) {
			c.Gateway.RateLimit.Enabled = false
			c.Gateway.RateLimit.RequestsPerMinute = 0
		}},
		{"tracer off", func(c *Config) { c.Tracer.SampleRatio = 0 }},
		{"tracer stdout sampled", func(c *Config) {
			c.Tracer.Enabled = true
			c.Tracer.Exporter = "stdout"
			c.Tracer.SampleRatio = 0.25
		}},
		{"valid proxies", func(c *Config) { c.Gateway.RateLimit.TrustedProxies = []string{"10.0.0.0/8", "::1"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.NoError(t, Validate(cfg))
		})
	}
}

func TestValidationErrorLists(t *testing.T) {
	ve := &ValidationError{}
	assert.False(t, ve.HasErrors())

	ve.Add("first %d", 1)
	ve.Add("second")
	assert.True(t, ve.HasErrors())
	assert.Equal(t, "config validation failed:\n  - first 1\n  - second", ve.Error())
}
