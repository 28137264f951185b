package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/codeforge/pipeline-core/internal/storage"
)

func (s *Store) InsertOutbox(ctx context.Context, row storage.OutboxRecord) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = nowUTC()
	}
	if row.Status == "" {
		row.Status = storage.OutboxPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbox (id, run_id, event_type, payload, status, attempts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		row.ID, row.RunID, row.EventType, row.Payload, string(row.Status), row.Attempts, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert outbox: %w", err)
	}
	return nil
}

func (s *Store) ClaimOutboxBatch(ctx context.Context, batchSize int) ([]storage.OutboxRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim outbox begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id FROM outbox WHERE status = $1 ORDER BY created_at ASC LIMIT $2 FOR UPDATE SKIP LOCKED`,
		string(storage.OutboxPending), batchSize)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim outbox select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: claim outbox scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	now := nowUTC()
	claimed := make([]storage.OutboxRecord, 0, len(ids))
	for _, id := range ids {
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status=$1, claimed_at=$2 WHERE id=$3 AND status=$4`,
			string(storage.OutboxPublishing), now, id, string(storage.OutboxPending)); err != nil {
			return nil, fmt.Errorf("postgres: claim outbox update: %w", err)
		}

		row := tx.QueryRow(ctx, `
			SELECT id, run_id, event_type, payload, status, attempts, last_error, created_at, published_at, claimed_at
			FROM outbox WHERE id=$1`, id)
		rec, err := scanOutbox(row)
		if err != nil {
			return nil, fmt.Errorf("postgres: claim outbox reselect: %w", err)
		}
		claimed = append(claimed, *rec)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: claim outbox commit: %w", err)
	}
	return claimed, nil
}

func (s *Store) MarkOutboxPublished(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET status=$1, published_at=$2 WHERE id=$3`,
		string(storage.OutboxPublished), nowUTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: mark outbox published: %w", err)
	}
	return nil
}

func (s *Store) MarkOutboxFailedAttempt(ctx context.Context, id, errMsg string, permanent bool) error {
	status := string(storage.OutboxPending)
	if permanent {
		status = string(storage.OutboxFailed)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status=$1, attempts=attempts+1, last_error=$2, claimed_at=NULL WHERE id=$3`,
		status, errMsg, id)
	if err != nil {
		return fmt.Errorf("postgres: mark outbox failed: %w", err)
	}
	return nil
}

func (s *Store) ReclaimStaleOutbox(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := nowUTC().Add(-staleAfter)
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status=$1, claimed_at=NULL WHERE status=$2 AND claimed_at < $3`,
		string(storage.OutboxPending), string(storage.OutboxPublishing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: reclaim stale outbox: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) PendingOutboxCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE status=$1`, string(storage.OutboxPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: pending outbox count: %w", err)
	}
	return n, nil
}

func scanOutbox(row rowScanner) (*storage.OutboxRecord, error) {
	var rec storage.OutboxRecord
	var status string
	var lastError *string
	var publishedAt, claimedAt *time.Time
	if err := row.Scan(&rec.ID, &rec.RunID, &rec.EventType, &rec.Payload, &status, &rec.Attempts,
		&lastError, &rec.CreatedAt, &publishedAt, &claimedAt); err != nil {
		return nil, err
	}
	rec.Status = storage.OutboxStatus(status)
	if lastError != nil {
		rec.LastError = *lastError
	}
	rec.PublishedAt = publishedAt
	rec.ClaimedAt = claimedAt
	return &rec, nil
}
