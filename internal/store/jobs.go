// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flyingrobots/queue-processor-system/internal/job"
)

// ErrNotFound is returned when a job id has no matching row.
var ErrNotFound = errors.New("store: job not found")

// ErrInvalidTransition is returned when UpdateStatus is asked to move a job
// between states not allowed by job.ValidTransition (invariant 1).
var ErrInvalidTransition = errors.New("store: invalid status transition")

// Create inserts a new waiting job row.
func (s *Store) Create(ctx context.Context, j job.Job) error {
	const query = `
		INSERT INTO jobs (
			id, type, priority, payload, status, created_at, updated_at,
			attempts, max_retries, progress
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		j.ID, j.Type, j.Priority, []byte(j.Payload), j.Status,
		j.CreatedAt, j.UpdatedAt, j.Attempts, j.MaxRetries, j.Progress,
	)
	if err != nil {
		return fmt.Errorf("store: create job: %w", err)
	}
	return nil
}

// Get fetches a single job by id.
func (s *Store) Get(ctx context.Context, id string) (job.Job, error) {
	const query = `
		SELECT id, type, priority, payload, status, created_at, updated_at,
			started_at, completed_at, failed_at, attempts, max_retries,
			progress, COALESCE(last_error, ''), result
		FROM jobs WHERE id = $1
	`
	var j job.Job
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&j.ID, &j.Type, &j.Priority, &j.Payload, &j.Status, &j.CreatedAt, &j.UpdatedAt,
		&j.StartedAt, &j.CompletedAt, &j.FailedAt, &j.Attempts, &j.MaxRetries,
		&j.Progress, &j.LastError, &j.Result,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, ErrNotFound
	}
	if err != nil {
		return job.Job{}, fmt.Errorf("store: get job: %w", err)
	}
	return j, nil
}

// ListByStatus returns up to limit jobs of a type in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, jobType string, status job.Status, limit int) ([]job.Job, error) {
	const query = `
		SELECT id, type, priority, payload, status, created_at, updated_at,
			started_at, completed_at, failed_at, attempts, max_retries,
			progress, COALESCE(last_error, ''), result
		FROM jobs WHERE type = $1 AND status = $2
		ORDER BY updated_at ASC LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, jobType, status, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list by status: %w", err)
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		var j job.Job
		if err := rows.Scan(
			&j.ID, &j.Type, &j.Priority, &j.Payload, &j.Status, &j.CreatedAt, &j.UpdatedAt,
			&j.StartedAt, &j.CompletedAt, &j.FailedAt, &j.Attempts, &j.MaxRetries,
			&j.Progress, &j.LastError, &j.Result,
		); err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListStaleActive returns active jobs whose updated_at is older than olderThan,
// used by the reaper to find workers that died mid-processing.
func (s *Store) ListStaleActive(ctx context.Context, olderThan time.Time) ([]job.Job, error) {
	const query = `
		SELECT id, type, priority, payload, status, created_at, updated_at,
			started_at, completed_at, failed_at, attempts, max_retries,
			progress, COALESCE(last_error, ''), result
		FROM jobs WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, job.StatusActive, olderThan)
	if err != nil {
		return nil, fmt.Errorf("store: list stale active: %w", err)
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		var j job.Job
		if err := rows.Scan(
			&j.ID, &j.Type, &j.Priority, &j.Payload, &j.Status, &j.CreatedAt, &j.UpdatedAt,
			&j.StartedAt, &j.CompletedAt, &j.FailedAt, &j.Attempts, &j.MaxRetries,
			&j.Progress, &j.LastError, &j.Result,
		); err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateStatus moves a job to a new status, validating the transition and
// stamping the corresponding timestamp column. Callers pass attempts/progress/
// lastError as the values to persist alongside the transition; pass the
// existing value to leave a field unchanged.
func (s *Store) UpdateStatus(ctx context.Context, id string, from, to job.Status, attempts, progress int, lastError string) error {
	if !job.ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := time.Now().UTC()
	var timestampCol string
	switch to {
	case job.StatusActive:
		timestampCol = "started_at"
	case job.StatusCompleted:
		timestampCol = "completed_at"
	case job.StatusFailed, job.StatusDead:
		timestampCol = "failed_at"
	}

	var query string
	var res sql.Result
	var err error
	if timestampCol != "" {
		query = fmt.Sprintf(`
			UPDATE jobs SET status = $1, updated_at = $2, attempts = $3, progress = $4,
				last_error = NULLIF($5, ''), %s = $2
			WHERE id = $6 AND status = $7
		`, timestampCol)
		res, err = s.db.ExecContext(ctx, query, to, now, attempts, progress, lastError, id, from)
	} else {
		query = `
			UPDATE jobs SET status = $1, updated_at = $2, attempts = $3, progress = $4,
				last_error = NULLIF($5, '')
			WHERE id = $6 AND status = $7
		`
		res, err = s.db.ExecContext(ctx, query, to, now, attempts, progress, lastError, id, from)
	}
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update status rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: update status: job %s not in expected state %s", id, from)
	}
	return nil
}

// UpdateProgress persists a handler-reported progress value for an active
// job without touching status, called by internal/dispatcher at a throttled
// cadence per spec.md §5. A job no longer active (already completed, failed,
// or reclaimed) silently ignores a stale write.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int) error {
	const query = `UPDATE jobs SET progress = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	_, err := s.db.ExecContext(ctx, query, progress, time.Now().UTC(), id, job.StatusActive)
	if err != nil {
		return fmt.Errorf("store: update progress: %w", err)
	}
	return nil
}

// SetResult stores the job's result payload without changing status.
func (s *Store) SetResult(ctx context.Context, id string, result []byte) error {
	const query = `UPDATE jobs SET result = $1, updated_at = $2 WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, result, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: set result: %w", err)
	}
	return nil
}

// AppendResult records a per-attempt history entry in job_results.
func (s *Store) AppendResult(ctx context.Context, r job.Result) error {
	const query = `
		INSERT INTO job_results (job_id, success, data, error, duration_ms, attempt_no, recorded_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query, r.JobID, r.Success, r.Data, r.Error, r.DurationMs, r.AttemptNo, r.RecordedAt)
	if err != nil {
		return fmt.Errorf("store: append result: %w", err)
	}
	return nil
}

// TrimRetention deletes completed/dead jobs of a type beyond the keep_completed/
// keep_failed counts (spec.md §3's "deleted only by retention sweeps that trim
// completed/failed beyond keep_* counts"), keeping the most recently finished
// keepCompleted completed rows and keepFailed dead rows.
func (s *Store) TrimRetention(ctx context.Context, jobType string, keepCompleted, keepFailed int) (int64, error) {
	var total int64
	n, err := s.trimStatus(ctx, jobType, job.StatusCompleted, "completed_at", keepCompleted)
	if err != nil {
		return total, err
	}
	total += n
	n, err = s.trimStatus(ctx, jobType, job.StatusDead, "failed_at", keepFailed)
	if err != nil {
		return total, err
	}
	total += n
	return total, nil
}

func (s *Store) trimStatus(ctx context.Context, jobType string, status job.Status, orderCol string, keep int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM jobs
		WHERE type = $1 AND status = $2
		  AND id NOT IN (
			SELECT id FROM jobs WHERE type = $1 AND status = $2
			ORDER BY %s DESC NULLS LAST LIMIT $3
		  )
	`, orderCol)
	res, err := s.db.ExecContext(ctx, query, jobType, status, keep)
	if err != nil {
		return 0, fmt.Errorf("store: trim retention (%s): %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: trim retention rows affected: %w", err)
	}
	return n, nil
}

// QueueMetrics is one queue type's slice of a MetricsSnapshot.
type QueueMetrics struct {
	Type           string
	Waiting        int64
	Active         int64
	Delayed        int64
	Failed         int64
	CompletedTotal int64
	FailedTotal    int64
}

// MetricsSnapshot aggregates per-type job counts by status for the given type,
// used by internal/metrics to compose SystemMetrics.
func (s *Store) MetricsSnapshot(ctx context.Context, jobType string) (QueueMetrics, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE status = 'waiting'),
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'delayed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'dead')
		FROM jobs WHERE type = $1
	`
	var m QueueMetrics
	m.Type = jobType
	err := s.db.QueryRowContext(ctx, query, jobType).Scan(
		&m.Waiting, &m.Active, &m.Delayed, &m.Failed, &m.CompletedTotal, &m.FailedTotal,
	)
	if err != nil {
		return QueueMetrics{}, fmt.Errorf("store: metrics snapshot: %w", err)
	}
	return m, nil
}

// AvgProcessingSeconds averages (completed_at - started_at) over completed
// jobs of a type, per spec.md §4.1's metricsSnapshot formula. Returns 0 when
// no completed jobs exist.
func (s *Store) AvgProcessingSeconds(ctx context.Context, jobType string) (float64, error) {
	const query = `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))), 0)
		FROM jobs WHERE type = $1 AND status = $2 AND started_at IS NOT NULL AND completed_at IS NOT NULL
	`
	var avg float64
	if err := s.db.QueryRowContext(ctx, query, jobType, job.StatusCompleted).Scan(&avg); err != nil {
		return 0, fmt.Errorf("store: avg processing seconds: %w", err)
	}
	return avg, nil
}
