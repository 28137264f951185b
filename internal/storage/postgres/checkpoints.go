package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/codeforge/pipeline-core/internal/storage"
)

func (s *Store) CreateCheckpoint(ctx context.Context, cp storage.CheckpointRecord) (*storage.CheckpointRecord, error) {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = nowUTC()
	}
	if cp.Status == "" {
		cp.Status = storage.CheckpointPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (id, run_id, stage, entity_id, status, metadata_json, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		cp.ID, cp.RunID, cp.Stage, cp.EntityID, string(cp.Status), cp.MetadataJSON, cp.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrConflict
		}
		return nil, fmt.Errorf("postgres: create checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *Store) UpdateCheckpoint(ctx context.Context, id string, patch storage.CheckpointPatch) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE checkpoints SET status=$1, validation_json=$2, error=$3, completed_at=$4, failed_at=$5 WHERE id=$6`,
		string(patch.Status), patch.ValidationJSON, patch.Error, patch.CompletedAt, patch.FailedAt, id)
	if err != nil {
		return fmt.Errorf("postgres: update checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetCheckpointByID(ctx context.Context, id string) (*storage.CheckpointRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, run_id, stage, entity_id, status, metadata_json, validation_json, error, created_at, completed_at, failed_at
		FROM checkpoints WHERE id=$1`, id)
	rec, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get checkpoint by id: %w", err)
	}
	return rec, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, runID, stage, entityID string) (*storage.CheckpointRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, run_id, stage, entity_id, status, metadata_json, validation_json, error, created_at, completed_at, failed_at
		FROM checkpoints WHERE run_id=$1 AND stage=$2 AND entity_id=$3`, runID, stage, entityID)
	rec, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get checkpoint: %w", err)
	}
	return rec, nil
}

func (s *Store) GetCheckpointsByRunStage(ctx context.Context, runID, stage string) ([]storage.CheckpointRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, stage, entity_id, status, metadata_json, validation_json, error, created_at, completed_at, failed_at
		FROM checkpoints WHERE run_id=$1 AND stage=$2 ORDER BY created_at ASC`, runID, stage)
	if err != nil {
		return nil, fmt.Errorf("postgres: get checkpoints by run/stage: %w", err)
	}
	defer rows.Close()

	var out []storage.CheckpointRecord
	for rows.Next() {
		rec, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan checkpoint: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) GetLatestCheckpoint(ctx context.Context, runID, entityID string) (*storage.CheckpointRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, run_id, stage, entity_id, status, metadata_json, validation_json, error, created_at, completed_at, failed_at
		FROM checkpoints WHERE run_id=$1 AND entity_id=$2 ORDER BY created_at DESC LIMIT 1`, runID, entityID)
	rec, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get latest checkpoint: %w", err)
	}
	return rec, nil
}

// InvalidateCheckpointsAfter mirrors the sqlite backend's strictly-exclusive
// rollback boundary (created_at > after, never >=).
func (s *Store) InvalidateCheckpointsAfter(ctx context.Context, runID string, after time.Time, excludeID string) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalidate begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id FROM checkpoints WHERE run_id=$1 AND created_at > $2 AND id != $3`, runID, after, excludeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalidate select: %w", err)
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
		if _, err := tx.Exec(ctx, `UPDATE checkpoints SET status=$1 WHERE id=$2`,
			string(storage.CheckpointInvalidated), id); err != nil {
			return nil, fmt.Errorf("postgres: invalidate update: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: invalidate commit: %w", err)
	}
	return ids, nil
}

func (s *Store) CleanupCheckpoints(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup checkpoints: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) CleanupCheckpointsByRun(ctx context.Context, runID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE run_id=$1`, runID)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup checkpoints by run: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanCheckpoint(row rowScanner) (*storage.CheckpointRecord, error) {
	var rec storage.CheckpointRecord
	var status string
	var errMsg *string
	var completedAt, failedAt *time.Time
	if err := row.Scan(&rec.ID, &rec.RunID, &rec.Stage, &rec.EntityID, &status, &rec.MetadataJSON,
		&rec.ValidationJSON, &errMsg, &rec.CreatedAt, &completedAt, &failedAt); err != nil {
		return nil, err
	}
	rec.Status = storage.CheckpointStatus(status)
	if errMsg != nil {
		rec.Error = *errMsg
	}
	rec.CompletedAt = completedAt
	rec.FailedAt = failedAt
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
