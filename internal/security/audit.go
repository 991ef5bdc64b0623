package security

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"opsdesk/internal/domain"
	"opsdesk/internal/infra/tracer"
)

const auditFileMode = 0o600

// FileAuditLogger appends audit events to a JSONL file, one event per line.
type FileAuditLogger struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewFileAuditLogger opens path for appending, creating it owner-only.
func NewFileAuditLogger(path string) (*FileAuditLogger, error) {
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditLogger{path: path, file: f}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditFileMode)
}

// Log implements domain.AuditLogger.
func (a *FileAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	stampEvent(&event)
	line, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}
	line = append(line, '\n')

	a.mu.Lock()
	_, err = a.file.Write(line)
	a.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}
	addSpanEvent(ctx, event)
	return nil
}

// Close implements domain.AuditLogger.
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// EnforceRetention rewrites the file without events older than maxAge and
// reports how many were dropped. Lines without a readable timestamp are
// kept. Writers block for the duration; maxAge <= 0 disables it.
func (a *FileAuditLogger) EnforceRetention(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.file.Close(); err != nil {
		return 0, fmt.Errorf("close for retention: %w", err)
	}
	removed, rewriteErr := rewriteJSONL(a.path, func(line []byte) bool {
		var head struct {
			Timestamp time.Time `json:"timestamp"`
		}
		return json.Unmarshal(line, &head) != nil || head.Timestamp.IsZero() || !head.Timestamp.Before(cutoff)
	})

	f, err := openAppend(a.path)
	if err != nil {
		return removed, errors.Join(rewriteErr, fmt.Errorf("reopen audit log: %w", err))
	}
	a.file = f
	if rewriteErr != nil {
		return 0, rewriteErr
	}
	return removed, nil
}

// rewriteJSONL keeps the non-empty lines of path for which keep is true.
// The result replaces path atomically through a temp file in the same
// directory.
func rewriteJSONL(path string, keep func(line []byte) bool) (removed int, err error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open for retention: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	out := bufio.NewWriter(tmp)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if !keep(line) {
			removed++
			continue
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	if err = sc.Err(); err != nil {
		return 0, fmt.Errorf("scan audit log: %w", err)
	}
	if err = out.Flush(); err != nil {
		return 0, fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Chmod(auditFileMode); err != nil {
		return 0, fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("replace audit log: %w", err)
	}
	return removed, nil
}

// stampEvent fills the ID and timestamp when the caller left them empty.
func stampEvent(event *domain.AuditEvent) {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
}

// FanoutAuditLogger writes every event to all sinks. A failing sink does not
// stop delivery to the others; the errors are joined.
type FanoutAuditLogger struct {
	sinks []domain.AuditLogger
}

// NewFanoutAuditLogger combines sinks. Nil sinks are skipped.
func NewFanoutAuditLogger(sinks ...domain.AuditLogger) *FanoutAuditLogger {
	f := &FanoutAuditLogger{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Log delivers event to every sink. The event ID is fixed first so all sinks
// record the same identifier.
func (f *FanoutAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	stampEvent(&event)
	var errs []error
	for _, s := range f.sinks {
		if err := s.Log(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (f *FanoutAuditLogger) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// addSpanEvent mirrors the audit event onto the active span, if any.
func addSpanEvent(ctx context.Context, event domain.AuditEvent) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(event.Detail)+2)
	attrs = append(attrs, tracer.StringAttr("audit.actor", event.Actor), tracer.StringAttr("audit.outcome", event.Outcome))
	for k, v := range event.Detail {
		attrs = append(attrs, tracer.StringAttr("audit."+k, v))
	}
	span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
}
