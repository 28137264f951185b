package sqlite

import (
	"context"
	"database/sql"
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (id, run_id, event_type, payload, status, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.RunID, row.EventType, row.Payload, string(row.Status), row.Attempts, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: insert outbox: %w", err)
	}
	return nil
}

// ClaimOutboxBatch flips up to batchSize pending rows, oldest first, to
// "publishing" under a local transaction, per spec.md §4.7's
// claim-then-publish protocol.
func (s *Store) ClaimOutboxBatch(ctx context.Context, batchSize int) ([]storage.OutboxRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim outbox begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM outbox WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(storage.OutboxPending), batchSize)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim outbox select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: claim outbox scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := nowUTC()
	claimed := make([]storage.OutboxRecord, 0, len(ids))
	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `UPDATE outbox SET status = ?, claimed_at = ? WHERE id = ? AND status = ?`,
			string(storage.OutboxPublishing), now, id, string(storage.OutboxPending))
		if err != nil {
			return nil, fmt.Errorf("sqlite: claim outbox update: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			SELECT id, run_id, event_type, payload, status, attempts, last_error, created_at, published_at, claimed_at
			FROM outbox WHERE id = ?`, id)
		rec, err := scanOutbox(row)
		if err != nil {
			return nil, fmt.Errorf("sqlite: claim outbox reselect: %w", err)
		}
		claimed = append(claimed, *rec)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: claim outbox commit: %w", err)
	}
	return claimed, nil
}

func (s *Store) MarkOutboxPublished(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET status = ?, published_at = ? WHERE id = ?`,
		string(storage.OutboxPublished), nowUTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: mark outbox published: %w", err)
	}
	return nil
}

func (s *Store) MarkOutboxFailedAttempt(ctx context.Context, id, errMsg string, permanent bool) error {
	status := string(storage.OutboxPending)
	if permanent {
		status = string(storage.OutboxFailed)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, attempts = attempts + 1, last_error = ?, claimed_at = NULL WHERE id = ?`,
		status, errMsg, id)
	if err != nil {
		return fmt.Errorf("sqlite: mark outbox failed: %w", err)
	}
	return nil
}

// ReclaimStaleOutbox reverts rows stuck in "publishing" past staleAfter
// back to "pending", per spec.md §4.7 ("a row's claim becomes stale ...
// and is re-eligible on next sweep") and §5 ("shutdown must not drop
// outbox rows already flipped to publishing").
func (s *Store) ReclaimStaleOutbox(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := nowUTC().Add(-staleAfter)
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, claimed_at = NULL WHERE status = ? AND claimed_at < ?`,
		string(storage.OutboxPending), string(storage.OutboxPublishing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: reclaim stale outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) PendingOutboxCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE status = ?`, string(storage.OutboxPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: pending outbox count: %w", err)
	}
	return n, nil
}

func scanOutbox(row rowScanner) (*storage.OutboxRecord, error) {
	var rec storage.OutboxRecord
	var status string
	var lastError sql.NullString
	var publishedAt, claimedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.RunID, &rec.EventType, &rec.Payload, &status, &rec.Attempts,
		&lastError, &rec.CreatedAt, &publishedAt, &claimedAt); err != nil {
		return nil, err
	}
	rec.Status = storage.OutboxStatus(status)
	rec.LastError = lastError.String
	if publishedAt.Valid {
		rec.PublishedAt = &publishedAt.Time
	}
	if claimedAt.Valid {
		rec.ClaimedAt = &claimedAt.Time
	}
	return &rec, nil
}
