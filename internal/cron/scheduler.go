// Package cron runs the engine's periodic maintenance (full rescans, journal
// checkpoints) on cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@hourly" or "@every 10m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one named maintenance task. An empty Spec disables it.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Jobs   []Job
	Logger *slog.Logger
}

// Scheduler fires jobs on their schedules. A run that is still going when
// its next slot arrives causes that slot to be skipped.
type Scheduler struct {
	cron   *cronlib.Cron
	logger *slog.Logger
	jobs   map[string]Job

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every schedule up front.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adapter := cronLogger{logger}
	s := &Scheduler{
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithChain(cronlib.Recover(adapter), cronlib.SkipIfStillRunning(adapter)),
			cronlib.WithLogger(adapter),
		),
		logger: logger,
		jobs:   make(map[string]Job),
		ctx:    context.Background(),
	}
	for _, job := range cfg.Jobs {
		if job.Spec == "" {
			logger.Info("cron job disabled", "job", job.Name)
			continue
		}
		if _, dup := s.jobs[job.Name]; dup {
			return nil, fmt.Errorf("cron job %q defined twice", job.Name)
		}
		if _, err := s.cron.AddFunc(job.Spec, s.wrap(job)); err != nil {
			return nil, fmt.Errorf("cron job %q: bad schedule %q: %w", job.Name, job.Spec, err)
		}
		s.jobs[job.Name] = job
	}
	return s, nil
}

func (s *Scheduler) wrap(job Job) func() {
	return func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		s.wg.Add(1)
		defer s.wg.Done()
		s.execute(ctx, job)
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) error {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("cron: job failed", "job", job.Name, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return err
	}
	s.logger.Debug("cron: job finished", "job", job.Name, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Start begins firing jobs. Jobs receive a context derived from ctx that is
// cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.jobs))
}

// Stop cancels running jobs and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// RunNow runs the named job immediately on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("cron job %q not found", name)
	}
	return s.execute(ctx, job)
}

// Next reports when the named job fires next; zero if it is not scheduled.
func (s *Scheduler) Next(name string) time.Time {
	job, ok := s.jobs[name]
	if !ok {
		return time.Time{}
	}
	next, err := NextRunTime(job.Spec, time.Now())
	if err != nil {
		return time.Time{}
	}
	return next
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// cronLogger routes robfig/cron's own messages into slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
