package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"opsdesk/internal/infra/middleware"
)

const (
	defaultAddr          = ":8080"
	defaultShutdownGrace = 10 * time.Second
	readHeaderTimeout    = 10 * time.Second
)

// ServerConfig holds listener settings for the gateway.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ShutdownGrace bounds how long in-flight requests may finish once Run's
	// context is cancelled.
	ShutdownGrace time.Duration
}

// Server is the HTTP gateway in front of the orchestrator.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	mux    *http.ServeMux

	ready chan struct{}
	once  sync.Once
	mu    sync.Mutex
	addr  string
}

// NewServer creates a gateway server with an empty route table.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		ready:  make(chan struct{}),
	}
}

// Handle routes pattern to h. Patterns use the net/http method syntax
// ("GET /healthz").
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler is the full route table behind the shared response headers.
func (s *Server) Handler() http.Handler {
	return middleware.SecurityHeaders(s.mux)
}

// Ready is closed once Run has bound its listener.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bound listener address, or "" before Ready.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run serves until ctx is cancelled, then drains in-flight requests for up
// to ShutdownGrace. A clean shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	hs := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.once.Do(func() { close(s.ready) })
	s.logger.Info("gateway listening", "addr", s.Addr())

	served := make(chan error, 1)
	go func() { served <- hs.Serve(ln) }()

	select {
	case err := <-served:
		return fmt.Errorf("gateway serve: %w", err)
	case <-ctx.Done():
	}

	drain, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownGrace)
	defer cancel()
	err = hs.Shutdown(drain)
	if serveErr := <-served; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		err = errors.Join(err, serveErr)
	}
	if err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	s.logger.Info("gateway stopped")
	return nil
}
