package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sagedialogue/sage/internal/util"
)

// Compile-time checks that SQLiteStore implements JobRepo and StepRepo.
var (
	_ JobRepo  = (*SQLiteStore)(nil)
	_ StepRepo = (*SQLiteStore)(nil)
)

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

// SQLite compares timestamps as text, so every stored time is normalized to UTC.
func sqliteNow() time.Time { return time.Now().UTC() }

func (s *SQLiteStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := util.GenerateJobID()
	now := sqliteNow()

	if dedupeKey != "" {
		// Only an in-flight job collapses a duplicate trigger.
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM jobs WHERE dedupe_key = ? AND status IN ('queued', 'running')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("SQLiteStore.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
		id, kind, runAt.UTC(), payloadJSON, DefaultMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *SQLiteStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	rows, err := s.db.Query(
		`SELECT `+jobColumns+`
		 FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs query failed: %w", err)
	}

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}

	// The single connection serializes writers, so the status guard is enough
	// to keep a job from being claimed twice.
	claimed := jobs[:0]
	for i := range jobs {
		res, err := s.db.Exec(
			`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ? AND status = 'queued'`,
			now, now, jobs[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark job running failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		j := jobs[i]
		j.Status = JobStatusRunning
		lockedAt := now
		j.LockedAt = &lockedAt
		claimed = append(claimed, j)
	}

	return claimed, nil
}

func (s *SQLiteStore) CompleteJob(id string) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`,
		sqliteNow(), id,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(id string, errMsg string, nextRunAt time.Time) (JobStatus, error) {
	now := sqliteNow()

	var attempt, maxAttempts int
	err := s.db.QueryRow(`SELECT attempt, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempt, &maxAttempts)
	if err != nil {
		return "", fmt.Errorf("fail job lookup failed: %w", err)
	}

	attempt++
	status := JobStatusQueued
	if attempt >= maxAttempts {
		status = JobStatusFailed
		_, err = s.db.Exec(
			`UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempt, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE jobs SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempt, errMsg, nextRunAt.UTC(), now, id,
		)
	}
	if err != nil {
		return "", fmt.Errorf("fail job update failed: %w", err)
	}
	return status, nil
}

func (s *SQLiteStore) AbandonJob(id string, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'failed', attempt = attempt + 1, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, sqliteNow(), id,
	)
	if err != nil {
		return fmt.Errorf("abandon job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CancelJob(id string) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`,
		sqliteNow(), id,
	)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`,
		sqliteNow(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJobRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (s *SQLiteStore) GetStepResult(jobID, step string) (string, bool, error) {
	var result string
	err := s.db.QueryRow(
		`SELECT result_json FROM job_steps WHERE job_id = ? AND step_name = ?`,
		jobID, step,
	).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get step result failed: %w", err)
	}
	return result, true, nil
}

func (s *SQLiteStore) SaveStepResult(jobID, step, resultJSON string) error {
	_, err := s.db.Exec(
		`INSERT INTO job_steps (job_id, step_name, result_json, completed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (job_id, step_name) DO UPDATE SET result_json = excluded.result_json, completed_at = excluded.completed_at`,
		jobID, step, resultJSON, sqliteNow(),
	)
	if err != nil {
		return fmt.Errorf("save step result failed: %w", err)
	}
	slog.Debug("SQLiteStore.SaveStepResult", "jobID", jobID, "step", step)
	return nil
}

func (s *SQLiteStore) ListStepNames(jobID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT step_name FROM job_steps WHERE job_id = ? ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list steps failed: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}
