package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sagedialogue/sage/internal/util"
)

// Compile-time checks that PostgresStore implements JobRepo and StepRepo.
var (
	_ JobRepo  = (*PostgresStore)(nil)
	_ StepRepo = (*PostgresStore)(nil)
)

func (s *PostgresStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := util.GenerateJobID()
	now := time.Now()

	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM jobs WHERE dedupe_key = $1 AND status IN ('queued', 'running')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7, $7)`,
		id, kind, runAt, payloadJSON, DefaultMaxAttempts, nilIfEmpty(dedupeKey), now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *PostgresStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	rows, err := s.db.Query(
		`UPDATE jobs SET status = 'running', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM jobs WHERE status = 'queued' AND run_at <= $1
		   ORDER BY run_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs failed: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) CompleteJob(id string) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailJob(id string, errMsg string, nextRunAt time.Time) (JobStatus, error) {
	// The CASE keeps the read-increment-decide sequence in one statement.
	var status JobStatus
	err := s.db.QueryRow(
		`UPDATE jobs SET
		   attempt = attempt + 1,
		   status = CASE WHEN attempt + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
		   run_at = CASE WHEN attempt + 1 >= max_attempts THEN run_at ELSE $1 END,
		   last_error = $2, locked_at = NULL, updated_at = $3
		 WHERE id = $4
		 RETURNING status`,
		nextRunAt, errMsg, time.Now(), id,
	).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("fail job update failed: %w", err)
	}
	return status, nil
}

func (s *PostgresStore) AbandonJob(id string, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'failed', attempt = attempt + 1, last_error = $1, locked_at = NULL, updated_at = $2 WHERE id = $3`,
		errMsg, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("abandon job failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelJob(id string) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'running' AND locked_at < $2`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJobRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) GetStepResult(jobID, step string) (string, bool, error) {
	var result string
	err := s.db.QueryRow(
		`SELECT result_json FROM job_steps WHERE job_id = $1 AND step_name = $2`,
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

func (s *PostgresStore) SaveStepResult(jobID, step, resultJSON string) error {
	_, err := s.db.Exec(
		`INSERT INTO job_steps (job_id, step_name, result_json, completed_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (job_id, step_name) DO UPDATE SET result_json = EXCLUDED.result_json, completed_at = EXCLUDED.completed_at`,
		jobID, step, resultJSON, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save step result failed: %w", err)
	}
	slog.Debug("PostgresStore.SaveStepResult", "jobID", jobID, "step", step)
	return nil
}

func (s *PostgresStore) ListStepNames(jobID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT step_name FROM job_steps WHERE job_id = $1 ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list steps failed: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}
