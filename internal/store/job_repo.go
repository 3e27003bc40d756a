// Package store provides the JobRepo interface and model for durable pipeline runs.
package store

import (
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultMaxAttempts bounds how many times a job is attempted before it is
// marked failed.
const DefaultMaxAttempts = 3

// IsTerminal reports whether no further attempts will be made for a job in status s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed || s == JobStatusCanceled
}

// Job is one durable execution record. For the lifecycle pipeline a job is
// one run; its completed steps live in job_steps.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo defines the interface for durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts a new job. If dedupeKey is non-empty and a queued or
	// running job with that key already exists, the call returns the existing
	// job ID without inserting a duplicate.
	EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)

	// ClaimDueJobs marks up to limit queued jobs whose run_at <= now as running
	// and returns them.
	ClaimDueJobs(now time.Time, limit int) ([]Job, error)

	// CompleteJob marks a job as done.
	CompleteJob(id string) error

	// FailJob increments the attempt counter and stores the error. The job is
	// requeued at nextRunAt while attempts remain, otherwise it is marked
	// failed. The resulting status is returned.
	FailJob(id string, errMsg string, nextRunAt time.Time) (JobStatus, error)

	// AbandonJob marks a job failed immediately, regardless of remaining attempts.
	AbandonJob(id string, errMsg string) error

	// CancelJob marks a job as canceled.
	CancelJob(id string) error

	// RequeueStaleRunningJobs resets jobs that have been running since before
	// staleBefore back to queued status (crash recovery).
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)

	// GetJob retrieves a single job by ID. Returns nil, nil when not found.
	GetJob(id string) (*Job, error)
}

// StepRepo stores per-job step checkpoints so a retried job resumes after
// its last completed step.
type StepRepo interface {
	// GetStepResult returns the stored result JSON and true when the step has
	// completed for the job.
	GetStepResult(jobID, step string) (string, bool, error)

	// SaveStepResult records a completed step. Saving again overwrites.
	SaveStepResult(jobID, step, resultJSON string) error

	// ListStepNames returns the completed step names of a job in completion order.
	ListStepNames(jobID string) ([]string, error)
}
