package llm

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/config"
)

// dialects maps a provider type to the constructor for its wire format.
var dialects = map[string]func(config.ProviderConfig, *slog.Logger) *HTTPProvider{
	"openai":    NewOpenAIProvider,
	"anthropic": NewAnthropicProvider,
	"gemini":    NewGeminiProvider,
}

// Registry holds the configured LLM providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.LLMProvider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]domain.LLMProvider)}
}

// Register adds p under its Name. Names are unique.
func (r *Registry) Register(p domain.LLMProvider) error {
	name := p.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.providers[name]; taken {
		return fmt.Errorf("llm provider %q registered twice", name)
	}
	r.providers[name] = p
	return nil
}

// Get returns the named provider or an ErrProviderNotFound domain error.
func (r *Registry) Get(name string) (domain.LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
}

// List returns the registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.providers))
}

// NewProvider builds the adapter for one configured provider. Type defaults
// to the provider name, so a provider called "openai" needs no type.
func NewProvider(cfg config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	dialect := cmp.Or(cfg.Type, cfg.Name)
	build, ok := dialects[dialect]
	if !ok {
		return nil, fmt.Errorf("provider %q: unsupported type %q (want one of %v)",
			cfg.Name, dialect, slices.Sorted(maps.Keys(dialects)))
	}
	return build(cfg, logger), nil
}

// NewRegistryFromConfig registers every configured provider, each behind a
// circuit breaker when the breaker is enabled. onBreaker may be nil.
func NewRegistryFromConfig(cfg config.LLMConfig, logger *slog.Logger, onBreaker func(provider, state string)) (*Registry, error) {
	guard := func(p domain.LLMProvider) domain.LLMProvider { return p }
	if cb := cfg.CircuitBreaker; cb.Enabled {
		guard = func(p domain.LLMProvider) domain.LLMProvider {
			return NewBreakerProvider(p, BreakerConfig{
				MaxFailures:   cb.MaxFailures,
				Timeout:       cb.Timeout,
				Interval:      cb.Interval,
				OnStateChange: onBreaker,
			}, logger)
		}
	}

	reg := NewRegistry()
	for _, pc := range cfg.Providers {
		p, err := NewProvider(pc, logger)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(guard(p)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
