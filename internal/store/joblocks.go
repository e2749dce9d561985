package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"flowmint-engine/internal/models"
)

// InsertIfAbsent inserts a lock row. The unique index on job_key turns a
// concurrent duplicate insert into ErrConflict instead of a second row,
// which is the whole at-most-once guarantee.
func (s *Postgres) InsertIfAbsent(ctx context.Context, lock models.JobLock) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO job_locks (id, job_key, intent_id, status, attempts, scheduled_at, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_key) DO NOTHING
	`, lock.ID, lock.JobKey, lock.IntentID, lock.Status, lock.Attempts, lock.ScheduledAt, lock.StartedAt)
	if err != nil {
		return fmt.Errorf("insert job lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// TryReacquire flips a failed lock back to running with attempts+1. The
// WHERE clause makes the transition conditional, so two racing processes
// resolve through RowsAffected rather than both proceeding.
func (s *Postgres) TryReacquire(ctx context.Context, jobKey string, retryLimit int, startedAt time.Time) (models.JobLock, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE job_locks
		SET status = $2, attempts = attempts + 1, started_at = $3,
			completed_at = NULL, result = NULL, last_error = NULL
		WHERE job_key = $1 AND status = $4 AND attempts < $5
		RETURNING id, job_key, intent_id, status, attempts, scheduled_at, started_at, completed_at, result, last_error
	`, jobKey, models.JobStatusRunning, startedAt, models.JobStatusFailed, retryLimit)

	lock, err := scanJobLock(row)
	if errors.Is(err, ErrNotFound) {
		return models.JobLock{}, ErrConflict
	}
	return lock, err
}

// FindByKey returns the lock row for a job key.
func (s *Postgres) FindByKey(ctx context.Context, jobKey string) (models.JobLock, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, job_key, intent_id, status, attempts, scheduled_at, started_at, completed_at, result, last_error
		FROM job_locks WHERE job_key = $1
	`, jobKey)
	return scanJobLock(row)
}

// UpdateStatus moves a lock to a terminal status.
func (s *Postgres) UpdateStatus(ctx context.Context, jobID, status string, result, lastErr *string, completedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_locks
		SET status = $2, result = $3, last_error = $4, completed_at = $5
		WHERE id = $1
	`, jobID, status, result, lastErr, completedAt)
	if err != nil {
		return fmt.Errorf("update job lock status: %w", err)
	}
	return nil
}

// FindStaleRunning returns running locks started before the cutoff.
func (s *Postgres) FindStaleRunning(ctx context.Context, startedBefore time.Time) ([]models.JobLock, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_key, intent_id, status, attempts, scheduled_at, started_at, completed_at, result, last_error
		FROM job_locks WHERE status = $1 AND started_at < $2
	`, models.JobStatusRunning, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("query stale running locks: %w", err)
	}
	defer rows.Close()

	var out []models.JobLock
	for rows.Next() {
		lock, err := scanJobLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lock)
	}
	return out, rows.Err()
}

func scanJobLock(row pgx.Row) (models.JobLock, error) {
	var lock models.JobLock
	var completedAt pgtype.Timestamptz
	var result, lastErr pgtype.Text

	err := row.Scan(&lock.ID, &lock.JobKey, &lock.IntentID, &lock.Status, &lock.Attempts,
		&lock.ScheduledAt, &lock.StartedAt, &completedAt, &result, &lastErr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobLock{}, ErrNotFound
		}
		return models.JobLock{}, fmt.Errorf("scan job lock: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		lock.CompletedAt = &t
	}
	lock.Result = textPtr(result)
	lock.LastError = textPtr(lastErr)
	return lock, nil
}
