package llm

import (
	"net"
	"net/http"
	"time"

	"opsdesk/internal/infra/config"
)

// Provider connection defaults. Model APIs are few hosts with slow responses,
// so idle connections are kept around longer than net/http's defaults.
const (
	defaultConnTimeout     = 30 * time.Second
	defaultRespTimeout     = 120 * time.Second
	defaultMaxIdleConns    = 20
	defaultMaxIdlePerHost  = 10
	defaultMaxConnsPerHost = 20
	defaultIdleConnTimeout = 2 * time.Minute
)

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// NewHTTPClient builds the pooled client a provider adapter talks through.
// The overall client timeout covers dialing plus waiting for headers.
func NewHTTPClient(cfg config.ProviderConfig) *http.Client {
	return &http.Client{
		Transport: newTransport(cfg),
		Timeout:   orDefault(cfg.ConnTimeout, defaultConnTimeout) + orDefault(cfg.RespTimeout, defaultRespTimeout),
	}
}

func newTransport(cfg config.ProviderConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   orDefault(cfg.ConnTimeout, defaultConnTimeout),
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: orDefault(cfg.RespTimeout, defaultRespTimeout),
		MaxIdleConns:          orDefault(cfg.Pool.MaxIdleConns, defaultMaxIdleConns),
		MaxIdleConnsPerHost:   orDefault(cfg.Pool.MaxIdleConnsPerHost, defaultMaxIdlePerHost),
		MaxConnsPerHost:       orDefault(cfg.Pool.MaxConnsPerHost, defaultMaxConnsPerHost),
		IdleConnTimeout:       orDefault(cfg.Pool.IdleConnTimeout, defaultIdleConnTimeout),
		ForceAttemptHTTP2:     true,
	}
}
