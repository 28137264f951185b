package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codeforge/pipeline-core/internal/storage"
)

func (s *Store) EnqueueJob(ctx context.Context, rec storage.JobRecord) error {
	now := nowUTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.AvailableAt.IsZero() {
		rec.AvailableAt = now
	}
	if rec.State == "" {
		rec.State = storage.JobQueued
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, run_id, queue_name, stage, entity_key, payload, state, priority, attempts, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.QueueName, rec.Stage, rec.EntityKey, rec.Payload,
		string(rec.State), rec.Priority, rec.Attempts, rec.AvailableAt, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: enqueue job: %w", err)
	}
	return nil
}

// ClaimJob atomically takes the oldest available job in queueName,
// FIFO-best-effort per spec.md §4.6, and assigns it a lease.
func (s *Store) ClaimJob(ctx context.Context, queueName, leaseOwner string, leaseDuration time.Duration) (*storage.JobRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim job begin: %w", err)
	}
	defer tx.Rollback()

	now := nowUTC()
	row := tx.QueryRowContext(ctx, `
		SELECT id, run_id, queue_name, stage, entity_key, payload, state, priority, attempts, available_at, created_at, updated_at
		FROM jobs
		WHERE queue_name = ? AND state = ? AND available_at <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`, queueName, string(storage.JobQueued), now)

	rec, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: claim job select: %w", err)
	}

	expires := now.Add(leaseDuration)
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, lease_owner = ?, lease_expires_at = ?, updated_at = ? WHERE id = ?`,
		string(storage.JobActive), leaseOwner, expires, now, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim job update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: claim job commit: %w", err)
	}

	rec.State = storage.JobActive
	rec.LeaseOwner = leaseOwner
	rec.LeaseExpiresAt = &expires
	return rec, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?`,
		string(storage.JobDone), nowUTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: complete job: %w", err)
	}
	return nil
}

func (s *Store) RetryJob(ctx context.Context, id string, availableAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, attempts = attempts + 1, available_at = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ?`, string(storage.JobQueued), availableAt, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: retry job: %w", err)
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?`,
		string(storage.JobFailed), nowUTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: fail job: %w", err)
	}
	return nil
}

func (s *Store) JobCounts(ctx context.Context, queueName string) (storage.JobCounts, error) {
	var counts storage.JobCounts
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, available_at, COUNT(*) FROM jobs WHERE queue_name = ? GROUP BY state, available_at > ?`,
		queueName, nowUTC())
	if err != nil {
		return counts, fmt.Errorf("sqlite: job counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var availableAt time.Time
		var n int
		if err := rows.Scan(&state, &availableAt, &n); err != nil {
			return counts, fmt.Errorf("sqlite: job counts scan: %w", err)
		}
		switch storage.JobState(state) {
		case storage.JobActive:
			counts.Active += n
		case storage.JobDone:
			counts.Completed += n
		case storage.JobFailed:
			counts.Failed += n
		case storage.JobQueued:
			if availableAt.After(nowUTC()) {
				counts.Delayed += n
			} else {
				counts.Waiting += n
			}
		}
	}
	return counts, rows.Err()
}

// SweepStaleJobs reclaims jobs whose ownership lease has expired beyond
// now, per spec.md §4.6's stale-job sweeper.
func (s *Store) SweepStaleJobs(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		string(storage.JobQueued), now, string(storage.JobActive), now)
	if err != nil {
		return 0, fmt.Errorf("sqlite: sweep stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) CleanupJobs(ctx context.Context, queueName string, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE queue_name = ? AND state IN (?, ?) AND updated_at < ?`,
		queueName, string(storage.JobDone), string(storage.JobFailed), olderThan)
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*storage.JobRecord, error) {
	var rec storage.JobRecord
	var state string
	if err := row.Scan(&rec.ID, &rec.RunID, &rec.QueueName, &rec.Stage, &rec.EntityKey, &rec.Payload,
		&state, &rec.Priority, &rec.Attempts, &rec.AvailableAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.State = storage.JobState(state)
	return &rec, nil
}
