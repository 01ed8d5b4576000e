// Package scheduler runs BulkPipe's periodic housekeeping jobs on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultQuotaResetSpec fires at local midnight, when the daily quota window rolls over.
const DefaultQuotaResetSpec = "0 0 * * *"

// Opts holds configuration options for the Scheduler.
type Opts struct {
	Location *time.Location
}

// Option defines a configuration option for the Scheduler.
type Option func(*Opts)

// WithLocation sets the time zone expressions are evaluated in. The default is time.Local.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) {
		o.Location = loc
	}
}

// Scheduler runs named jobs on standard 5-field cron expressions.
type Scheduler struct {
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a Scheduler. Jobs do not fire until Start.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := Opts{Location: time.Local}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn))
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{cron: c, entries: make(map[string]cron.EntryID)}
}

// AddJob schedules task under name. Re-adding a name replaces the earlier job.
func (s *Scheduler) AddJob(name, spec string, task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		slog.Debug("Scheduler: job started", "job", name)
		task()
		slog.Debug("Scheduler: job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old)
	}
	s.entries[name] = id
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "spec", spec, "next", s.cron.Entry(id).Next)
	return nil
}

// Next returns the next run time of the named job, or the zero time if it is
// unknown or the scheduler is not running.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("Scheduler.Stop: gave up waiting for running jobs", "error", ctx.Err())
	}
}
