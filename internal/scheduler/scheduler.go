// Package scheduler provides cron-based scheduling for Sage's periodic
// maintenance tasks, such as closing conversations that never ended.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the stale-conversation sweep every fifteen minutes.
const DefaultSweepSchedule = "@every 15m"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates a cron scheduler. Expressions use the standard
// 5-field format (min, hour, dom, month, dow) or descriptors like "@hourly"
// and "@every 10m". Call Start to begin running tasks.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddContextJob schedules a task that receives ctx and may fail. Failures
// are logged; the task runs again at its next activation.
func (s *Scheduler) AddContextJob(ctx context.Context, name, expr string, task func(ctx context.Context) error) error {
	return s.AddJob(expr, func() {
		if ctx.Err() != nil {
			return
		}
		if err := task(ctx); err != nil {
			slog.Error("Scheduler: task failed", "task", name, "error", err)
		}
	})
}

// Start begins running scheduled tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Run starts the scheduler and blocks until ctx is cancelled, then stops it
// and waits for running tasks to finish.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("Scheduler.Run: starting", "entries", len(s.cron.Entries()))
	s.cron.Start()
	<-ctx.Done()
	s.Stop()
	slog.Info("Scheduler.Run: stopped")
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
