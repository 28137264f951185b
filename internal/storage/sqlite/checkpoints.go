package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codeforge/pipeline-core/internal/storage"
)

func (s *Store) CreateCheckpoint(ctx context.Context, cp storage.CheckpointRecord) (*storage.CheckpointRecord, error) {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = nowUTC()
	}
	if cp.Status == "" {
		cp.Status = storage.CheckpointPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, run_id, stage, entity_id, status, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.RunID, cp.Stage, cp.EntityID, string(cp.Status), cp.MetadataJSON, cp.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrConflict
		}
		return nil, fmt.Errorf("sqlite: create checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *Store) UpdateCheckpoint(ctx context.Context, id string, patch storage.CheckpointPatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints SET status = ?, validation_json = ?, error = ?, completed_at = ?, failed_at = ? WHERE id = ?`,
		string(patch.Status), patch.ValidationJSON, patch.Error, patch.CompletedAt, patch.FailedAt, id)
	if err != nil {
		return fmt.Errorf("sqlite: update checkpoint: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetCheckpointByID(ctx context.Context, id string) (*storage.CheckpointRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, stage, entity_id, status, metadata_json, validation_json, error, created_at, completed_at, failed_at
		FROM checkpoints WHERE id = ?`, id)
	rec, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get checkpoint by id: %w", err)
	}
	return rec, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, runID, stage, entityID string) (*storage.CheckpointRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, stage, entity_id, status, metadata_json, validation_json, error, created_at, completed_at, failed_at
		FROM checkpoints WHERE run_id = ? AND stage = ? AND entity_id = ?`, runID, stage, entityID)
	rec, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get checkpoint: %w", err)
	}
	return rec, nil
}

func (s *Store) GetCheckpointsByRunStage(ctx context.Context, runID, stage string) ([]storage.CheckpointRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, stage, entity_id, status, metadata_json, validation_json, error, created_at, completed_at, failed_at
		FROM checkpoints WHERE run_id = ? AND stage = ? ORDER BY created_at ASC`, runID, stage)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get checkpoints by run/stage: %w", err)
	}
	defer rows.Close()

	var out []storage.CheckpointRecord
	for rows.Next() {
		rec, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan checkpoint: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) GetLatestCheckpoint(ctx context.Context, runID, entityID string) (*storage.CheckpointRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, stage, entity_id, status, metadata_json, validation_json, error, created_at, completed_at, failed_at
		FROM checkpoints WHERE run_id = ? AND entity_id = ? ORDER BY created_at DESC LIMIT 1`, runID, entityID)
	rec, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get latest checkpoint: %w", err)
	}
	return rec, nil
}

// InvalidateCheckpointsAfter flips every checkpoint of runID with
// created_at strictly after `after` to invalidated, excluding excludeID
// (the rollback target itself — spec.md §9 resolves the equal-timestamp
// ambiguity as strictly exclusive).
func (s *Store) InvalidateCheckpointsAfter(ctx context.Context, runID string, after time.Time, excludeID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: invalidate begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM checkpoints WHERE run_id = ? AND created_at > ? AND id != ?`, runID, after, excludeID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: invalidate select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE checkpoints SET status = ? WHERE id = ?`,
			string(storage.CheckpointInvalidated), id); err != nil {
			return nil, fmt.Errorf("sqlite: invalidate update: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: invalidate commit: %w", err)
	}
	return ids, nil
}

func (s *Store) CleanupCheckpoints(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) CleanupCheckpointsByRun(ctx context.Context, runID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup checkpoints by run: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanCheckpoint(row rowScanner) (*storage.CheckpointRecord, error) {
	var rec storage.CheckpointRecord
	var status string
	var errMsg sql.NullString
	var completedAt, failedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.RunID, &rec.Stage, &rec.EntityID, &status, &rec.MetadataJSON,
		&rec.ValidationJSON, &errMsg, &rec.CreatedAt, &completedAt, &failedAt); err != nil {
		return nil, err
	}
	rec.Status = storage.CheckpointStatus(status)
	rec.Error = errMsg.String
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	if failedAt.Valid {
		rec.FailedAt = &failedAt.Time
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
