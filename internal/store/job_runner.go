// Package store provides the JobRunner for executing durable jobs.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes a job's work. It returns an error if the execution
// failed; wrap the error with Permanent to skip remaining attempts.
type JobHandler func(ctx context.Context, job Job) error

// FailureHandler is invoked once a job of its kind reaches the failed state.
type FailureHandler func(ctx context.Context, job Job, err error)

// PermanentError marks an error that retrying cannot fix, such as missing
// configuration.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the runner abandons the job instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RunnerOption configures a JobRunner.
type RunnerOption func(*JobRunner)

// WithRetryBackoff sets the base delay of the exponential retry backoff.
func WithRetryBackoff(base time.Duration) RunnerOption {
	return func(r *JobRunner) {
		if base >= 0 {
			r.retryBackoff = base
		}
	}
}

// WithStaleThreshold sets how long a job may stay running before recovery requeues it.
func WithStaleThreshold(d time.Duration) RunnerOption {
	return func(r *JobRunner) {
		if d > 0 {
			r.staleThreshold = d
		}
	}
}

// WithClaimLimit sets how many jobs are claimed per poll.
func WithClaimLimit(n int) RunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.claimLimit = n
		}
	}
}

// JobRunner periodically claims due jobs from the database and dispatches them
// to registered handlers.
type JobRunner struct {
	repo            JobRepo
	handlers        map[string]JobHandler
	failureHandlers map[string]FailureHandler
	mu              sync.RWMutex
	pollInterval    time.Duration
	staleThreshold  time.Duration
	retryBackoff    time.Duration
	claimLimit      int
	now             func() time.Time
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...RunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	r := &JobRunner{
		repo:            repo,
		handlers:        make(map[string]JobHandler),
		failureHandlers: make(map[string]FailureHandler),
		pollInterval:    pollInterval,
		staleThreshold:  5 * time.Minute,
		retryBackoff:    30 * time.Second,
		claimLimit:      10,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RegisterFailureHandler registers the callback run when a job of kind fails terminally.
func (r *JobRunner) RegisterFailureHandler(kind string, handler FailureHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failureHandlers[kind] = handler
	slog.Debug("JobRunner.RegisterFailureHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when the process crashed.
// Should be called once at startup.
func (r *JobRunner) RecoverStaleJobs() error {
	staleBefore := r.now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval, "retryBackoff", r.retryBackoff)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce claims the currently due jobs and executes them sequentially. It
// returns the number of jobs claimed.
func (r *JobRunner) RunOnce(ctx context.Context) int {
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.RunOnce: claim failed", "error", err)
		return 0
	}

	for _, job := range jobs {
		r.mu.RLock()
		handler, ok := r.handlers[job.Kind]
		r.mu.RUnlock()

		if !ok {
			slog.Warn("JobRunner.RunOnce: no handler for job kind", "kind", job.Kind, "id", job.ID)
			if _, err := r.repo.FailJob(job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
				slog.Error("JobRunner.RunOnce: fail job error", "id", job.ID, "error", err)
			}
			continue
		}

		slog.Debug("JobRunner.RunOnce: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		if err := handler(ctx, job); err != nil {
			r.handleFailure(ctx, job, err, now)
			continue
		}
		if err := r.repo.CompleteJob(job.ID); err != nil {
			slog.Error("JobRunner.RunOnce: complete job error", "id", job.ID, "error", err)
		}
		slog.Debug("JobRunner.RunOnce: job completed", "id", job.ID, "kind", job.Kind)
	}
	return len(jobs)
}

func (r *JobRunner) handleFailure(ctx context.Context, job Job, jobErr error, now time.Time) {
	if IsPermanent(jobErr) {
		slog.Error("JobRunner.handleFailure: permanent error, abandoning job", "id", job.ID, "kind", job.Kind, "error", jobErr)
		if err := r.repo.AbandonJob(job.ID, jobErr.Error()); err != nil {
			slog.Error("JobRunner.handleFailure: abandon job error", "id", job.ID, "error", err)
			return
		}
		job.Status = JobStatusFailed
		job.Attempt++
		job.LastError = jobErr.Error()
		r.notifyFailure(ctx, job, jobErr)
		return
	}

	slog.Error("JobRunner.handleFailure: job execution failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", jobErr)
	// Exponential backoff: base, 2*base, 4*base, ...
	nextRun := now.Add(r.retryBackoff * time.Duration(1<<job.Attempt))
	status, err := r.repo.FailJob(job.ID, jobErr.Error(), nextRun)
	if err != nil {
		slog.Error("JobRunner.handleFailure: fail job error", "id", job.ID, "error", err)
		return
	}
	if status == JobStatusFailed {
		job.Status = status
		job.Attempt++
		job.LastError = jobErr.Error()
		r.notifyFailure(ctx, job, jobErr)
	}
}

func (r *JobRunner) notifyFailure(ctx context.Context, job Job, jobErr error) {
	r.mu.RLock()
	handler, ok := r.failureHandlers[job.Kind]
	r.mu.RUnlock()
	if !ok {
		return
	}
	handler(ctx, job, jobErr)
}
