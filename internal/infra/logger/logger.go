// Package logger builds the process slog.Logger.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/config"
)

// New builds the logger described by cfg. The returned func closes the log
// file, if any.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	w, closeFn, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	return slog.New(newHandler(w, cfg)).With("service", "opsdesk"), closeFn, nil
}

func newHandler(w io.Writer, cfg config.LoggerConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return requestHandler{h}
}

// requestHandler adds the request id, agent, caller and company carried by
// the record's context. Only the *Context logging methods pass one.
type requestHandler struct {
	slog.Handler
}

func (h requestHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		r.AddAttrs(requestAttrs(ctx)...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h requestHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return requestHandler{h.Handler.WithAttrs(attrs)}
}

func (h requestHandler) WithGroup(name string) slog.Handler {
	return requestHandler{h.Handler.WithGroup(name)}
}

func requestAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if id := domain.RequestIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	rc := domain.RequestFromContext(ctx)
	if rc == nil {
		return attrs
	}
	for _, kv := range [][2]string{
		{"agent", rc.AgentID()},
		{"caller", rc.Caller.ID},
		{"company", rc.CompanyID},
	} {
		if kv[1] != "" {
			attrs = append(attrs, slog.String(kv[0], kv[1]))
		}
	}
	return attrs
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if s = strings.ToLower(s); s == "warning" {
		s = "warn"
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func openOutput(output string) (io.Writer, func() error, error) {
	switch strings.ToLower(output) {
	case "", "stderr":
		return os.Stderr, func() error { return nil }, nil
	case "stdout":
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
