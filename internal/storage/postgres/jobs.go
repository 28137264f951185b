package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, run_id, queue_name, stage, entity_key, payload, state, priority, attempts, available_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.ID, rec.RunID, rec.QueueName, rec.Stage, rec.EntityKey, rec.Payload,
		string(rec.State), rec.Priority, rec.Attempts, rec.AvailableAt, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: enqueue job: %w", err)
	}
	return nil
}

func (s *Store) ClaimJob(ctx context.Context, queueName, leaseOwner string, leaseDuration time.Duration) (*storage.JobRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim job begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := nowUTC()
	row := tx.QueryRow(ctx, `
		SELECT id, run_id, queue_name, stage, entity_key, payload, state, priority, attempts, available_at, created_at, updated_at
		FROM jobs
		WHERE queue_name = $1 AND state = $2 AND available_at <= $3
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, queueName, string(storage.JobQueued), now)

	rec, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: claim job select: %w", err)
	}

	expires := now.Add(leaseDuration)
	_, err = tx.Exec(ctx, `UPDATE jobs SET state=$1, lease_owner=$2, lease_expires_at=$3, updated_at=$4 WHERE id=$5`,
		string(storage.JobActive), leaseOwner, expires, now, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim job update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: claim job commit: %w", err)
	}

	rec.State = storage.JobActive
	rec.LeaseOwner = leaseOwner
	rec.LeaseExpiresAt = &expires
	return rec, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET state=$1, updated_at=$2 WHERE id=$3`, string(storage.JobDone), nowUTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: complete job: %w", err)
	}
	return nil
}

func (s *Store) RetryJob(ctx context.Context, id string, availableAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state=$1, attempts=attempts+1, available_at=$2, lease_owner=NULL, lease_expires_at=NULL, updated_at=$3
		WHERE id=$4`, string(storage.JobQueued), availableAt, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: retry job: %w", err)
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET state=$1, updated_at=$2 WHERE id=$3`, string(storage.JobFailed), nowUTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: fail job: %w", err)
	}
	return nil
}

func (s *Store) JobCounts(ctx context.Context, queueName string) (storage.JobCounts, error) {
	var counts storage.JobCounts
	rows, err := s.pool.Query(ctx, `
		SELECT state, (available_at > $2) AS delayed, COUNT(*) FROM jobs WHERE queue_name = $1 GROUP BY state, delayed`,
		queueName, nowUTC())
	if err != nil {
		return counts, fmt.Errorf("postgres: job counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var delayed bool
		var n int
		if err := rows.Scan(&state, &delayed, &n); err != nil {
			return counts, fmt.Errorf("postgres: job counts scan: %w", err)
		}
		switch storage.JobState(state) {
		case storage.JobActive:
			counts.Active += n
		case storage.JobDone:
			counts.Completed += n
		case storage.JobFailed:
			counts.Failed += n
		case storage.JobQueued:
			if delayed {
				counts.Delayed += n
			} else {
				counts.Waiting += n
			}
		}
	}
	return counts, rows.Err()
}

func (s *Store) SweepStaleJobs(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state=$1, lease_owner=NULL, lease_expires_at=NULL, updated_at=$2
		WHERE state=$3 AND lease_expires_at IS NOT NULL AND lease_expires_at < $2`,
		string(storage.JobQueued), now, string(storage.JobActive))
	if err != nil {
		return 0, fmt.Errorf("postgres: sweep stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) CleanupJobs(ctx context.Context, queueName string, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE queue_name=$1 AND state IN ($2,$3) AND updated_at < $4`,
		queueName, string(storage.JobDone), string(storage.JobFailed), olderThan)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
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
