package main

import (
	"context"
	"log/slog"

	"opsdesk/internal/adapter/gateway"
	"opsdesk/internal/infra/config"
)

// initGateway builds the HTTP server and registers every route.
func initGateway(ctx context.Context, cfg *config.Config, a *app, log *slog.Logger) (*gateway.Server, error) {
	srv := gateway.NewServer(gateway.ServerConfig{
		Addr:         cfg.Gateway.Addr,
		ReadTimeout:  cfg.Gateway.ReadTimeout,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	}, log)

	tokens := make([]gateway.TokenEntry, 0, len(cfg.Gateway.Auth.Tokens))
	for _, t := range cfg.Gateway.Auth.Tokens {
		tokens = append(tokens, gateway.TokenEntry{
			Token: t.Token,
			ClientInfo: gateway.ClientInfo{
				ID:        t.ID,
				Name:      t.Name,
				Email:     t.Email,
				Roles:     t.Roles,
				CompanyID: t.CompanyID,
			},
		})
	}
	if len(tokens) == 0 {
		log.Warn("gateway has no tokens configured; every API request will be rejected")
	}

	err := gateway.RegisterHandlers(ctx, srv, gateway.HandlerDeps{
		Chat:         a.Orchestrator,
		Agents:       a.Agents,
		Auth:         gateway.NewStaticTokenAuth(tokens),
		Tools:        a.Tools,
		Providers:    a.Providers,
		Tiers:        a.Router.Tiers(),
		Metrics:      a.Metrics,
		MetricsPath:  cfg.Metrics.Path,
		Logger:       log,
		DefaultAgent: cfg.Agents.Default,
		MaxBodyBytes: cfg.Gateway.MaxBodyBytes,
		RateLimit: gateway.RateLimitSettings{
			Enabled:           cfg.Gateway.RateLimit.Enabled,
			RequestsPerMinute: cfg.Gateway.RateLimit.RequestsPerMinute,
			Burst:             cfg.Gateway.RateLimit.Burst,
			TrustedProxies:    cfg.Gateway.RateLimit.TrustedProxies,
		},
		Version: version,
	})
	if err != nil {
		return nil, err
	}
	return srv, nil
}
