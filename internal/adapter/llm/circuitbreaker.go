package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"opsdesk/internal/domain"
)

// BreakerConfig controls when a provider's circuit trips and recovers.
// Zero fields take the defaults below.
type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration

	// OnStateChange, when set, receives the provider name and new state
	// ("closed", "half-open" or "open") after every transition.
	OnStateChange func(provider, state string)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Interval == 0 {
		c.Interval = time.Minute
	}
	return c
}

// BreakerProvider fails fast once a provider keeps erroring, so the router
// can fall through to its next candidate without waiting on a dead upstream.
type BreakerProvider struct {
	inner   domain.LLMProvider
	breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]
}

// NewBreakerProvider wraps inner in a circuit breaker.
func NewBreakerProvider(inner domain.LLMProvider, cfg BreakerConfig, logger *slog.Logger) *BreakerProvider {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	provider := inner.Name()

	settings := gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("provider circuit changed", "provider", provider, "from", from.String(), "to", to.String())
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(provider, to.String())
			}
		},
		IsSuccessful: countsAsHealthy,
	}
	return &BreakerProvider{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[*domain.ChatResponse](settings),
	}
}

// Chat forwards to the wrapped provider unless the circuit is open.
func (p *BreakerProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.breaker.Execute(func() (*domain.ChatResponse, error) {
		return p.inner.Chat(ctx, req)
	})
	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("provider %q unavailable: %w: %w", p.inner.Name(), domain.ErrProviderError, err)
	default:
		return nil, err
	}
}

// Name returns the wrapped provider's name.
func (p *BreakerProvider) Name() string { return p.inner.Name() }

// State reports the breaker state.
func (p *BreakerProvider) State() gobreaker.State { return p.breaker.State() }

// Counts reports the breaker's request counters for the current window.
func (p *BreakerProvider) Counts() gobreaker.Counts { return p.breaker.Counts() }

var _ domain.LLMProvider = (*BreakerProvider)(nil)

// countsAsHealthy treats caller cancellation and malformed requests as
// healthy outcomes. Throttling, auth and 5xx failures count against the
// provider.
func countsAsHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	for _, upstream := range []error{domain.ErrRateLimit, domain.ErrAuthInvalid, domain.ErrQuotaExceeded, domain.ErrProviderError} {
		if errors.Is(err, upstream) {
			return false
		}
	}
	return strings.Contains(err.Error(), "API error 4")
}
