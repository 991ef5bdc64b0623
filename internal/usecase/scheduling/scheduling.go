// Package scheduling runs recurring housekeeping jobs, such as audit
// retention, on cron expressions or fixed intervals.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// defaultJobTimeout bounds a single run of a job.
const defaultJobTimeout = 5 * time.Minute

// Job is one recurring unit of work.
type Job struct {
	Name string
	// Schedule is a cron expression ("0 * * * *"), a descriptor ("@hourly")
	// or a Go duration ("30m").
	Schedule string
	// RunOnStart also runs the job once as soon as the scheduler starts.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Scheduler runs jobs on their schedules. A run that is still going when its
// next tick arrives makes that tick a no-op.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	startup []Job
	ctx     context.Context
	cancel  context.CancelFunc
	inline  sync.WaitGroup
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger}
	// Recover sits inside SkipIfStillRunning, which hands its token back only
	// when the wrapped job returns normally.
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl))),
		logger:  logger,
		timeout: defaultJobTimeout,
	}
}

// Add registers job. Jobs may be added before or after Start.
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("scheduler: job %q has no Run func", job.Name)
	}
	sched, err := ParseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: job %q: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.Schedule(sched, cron.FuncJob(func() { s.run(job) }))
	if job.RunOnStart {
		s.startup = append(s.startup, job)
	}
	s.logger.Info("job scheduled", "job", job.Name, "schedule", job.Schedule)
	return nil
}

func (s *Scheduler) run(job Job) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	start := time.Now()
	err := job.Run(ctx)
	log := s.logger.With("job", job.Name, "duration", time.Since(start))
	switch {
	case err == nil:
		log.Debug("job finished")
	case errors.Is(err, context.Canceled) && parent.Err() != nil:
		log.Debug("job interrupted by shutdown")
	default:
		log.Warn("job failed", "error", err)
	}
}

// Start begins ticking and fires every RunOnStart job in the background.
// Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.startup {
		s.inline.Go(func() { s.run(job) })
	}
	s.cron.Start()
}

// Stop cancels in-flight jobs and waits for them to return. It is safe to
// call more than once or without Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.ctx = nil
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.inline.Wait()
}

// ParseSchedule accepts a five-field cron expression or descriptor, then
// falls back to a positive Go duration.
func ParseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, errors.New("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(spec); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("%q is neither a cron expression nor a duration", spec)
	}
	if d <= 0 {
		return nil, fmt.Errorf("interval %q must be positive", spec)
	}
	return every(d), nil
}

// every is a fixed-interval schedule. cron.Every rounds to whole seconds,
// this does not.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// cronLogger routes cron's own logging into slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug("cron: "+msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append(kv, "error", err)...)
}
