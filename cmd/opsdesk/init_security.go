package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"opsdesk/internal/adapter/store"
	"opsdesk/internal/domain"
	"opsdesk/internal/infra/config"
	"opsdesk/internal/security"
	"opsdesk/internal/usecase/scheduling"
)

// initAudit builds the audit sink for write gating. Events always pass
// through the attribution wrapper. The sink is the database, a JSONL file or
// both. A disabled audit returns a nil logger.
func initAudit(ctx context.Context, cfg config.AuditConfig, previewLen int, db *store.Store, log *slog.Logger) (domain.AuditLogger, func(), error) {
	if !cfg.Enabled {
		log.Warn("audit logging disabled")
		return nil, func() {}, nil
	}

	var sinks []domain.AuditLogger
	var file *security.FileAuditLogger
	if cfg.Sink == "db" || cfg.Sink == "both" || cfg.Sink == "" {
		sinks = append(sinks, db.AuditLogger())
	}
	if cfg.Sink == "file" || cfg.Sink == "both" {
		var err error
		file, err = security.NewFileAuditLogger(cfg.Path)
		if err != nil {
			return nil, func() {}, err
		}
		sinks = append(sinks, file)
	}
	if len(sinks) == 0 {
		return nil, func() {}, fmt.Errorf("unknown audit sink %q", cfg.Sink)
	}

	var sink domain.AuditLogger = sinks[0]
	if len(sinks) > 1 {
		sink = security.NewFanoutAuditLogger(sinks...)
	}
	audit := security.NewAttributingAuditLogger(sink, previewLen)

	stop := func() {}
	if cfg.MaxAge > 0 {
		var err error
		if stop, err = startRetention(ctx, cfg, db, file, log); err != nil {
			audit.Close()
			return nil, func() {}, err
		}
	}

	return audit, func() {
		stop()
		if err := audit.Close(); err != nil {
			log.Error("audit close error", "error", err)
		}
	}, nil
}

// startRetention schedules audit trimming for every active sink. Each job
// also runs once at startup.
func startRetention(ctx context.Context, cfg config.AuditConfig, db *store.Store, file *security.FileAuditLogger, log *slog.Logger) (func(), error) {
	sched := scheduling.NewScheduler(log)
	var jobs []scheduling.Job

	if file != nil {
		jobs = append(jobs, scheduling.Job{Name: "audit-file-retention", Run: func(context.Context) error {
			removed, err := file.EnforceRetention(cfg.MaxAge)
			if removed > 0 {
				log.Info("audit file retention applied", "removed", removed)
			}
			return err
		}})
	}
	if cfg.Sink == "db" || cfg.Sink == "both" || cfg.Sink == "" {
		jobs = append(jobs, scheduling.Job{Name: "audit-db-retention", Run: func(ctx context.Context) error {
			removed, err := db.PurgeAuditEvents(ctx, time.Now().Add(-cfg.MaxAge))
			if removed > 0 {
				log.Info("audit db retention applied", "removed", removed)
			}
			return err
		}})
	}

	for _, job := range jobs {
		job.Schedule = cfg.RetentionSchedule
		job.RunOnStart = true
		if err := sched.Add(job); err != nil {
			return nil, fmt.Errorf("audit retention: %w", err)
		}
	}
	sched.Start(ctx)
	return sched.Stop, nil
}
