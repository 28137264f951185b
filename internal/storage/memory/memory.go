// Package memory implements internal/storage.Store with mutex-guarded maps,
// grounded on the teacher's now-deleted internal/storage/memory package's
// style of a lock-protected in-process backend for fast component tests
// that don't need a real database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeforge/pipeline-core/internal/storage"
)

type Store struct {
	mu          sync.Mutex
	jobs        map[string]storage.JobRecord
	outbox      map[string]storage.OutboxRecord
	checkpoints map[string]storage.CheckpointRecord
}

func New() *Store {
	return &Store{
		jobs:        make(map[string]storage.JobRecord),
		outbox:      make(map[string]storage.OutboxRecord),
		checkpoints: make(map[string]storage.CheckpointRecord),
	}
}

func (s *Store) Connect(ctx context.Context) error { return nil }
func (s *Store) Close() error                      { return nil }
func (s *Store) Health(ctx context.Context) error  { return nil }

func (s *Store) EnqueueJob(ctx context.Context, rec storage.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
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
	s.jobs[rec.ID] = rec
	return nil
}

func (s *Store) ClaimJob(ctx context.Context, queueName, leaseOwner string, leaseDuration time.Duration) (*storage.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var candidates []storage.JobRecord
	for _, j := range s.jobs {
		if j.QueueName == queueName && j.State == storage.JobQueued && !j.AvailableAt.After(now) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, storage.ErrNotFound
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	rec := candidates[0]
	rec.State = storage.JobActive
	rec.LeaseOwner = leaseOwner
	expires := now.Add(leaseDuration)
	rec.LeaseExpiresAt = &expires
	rec.UpdatedAt = now
	s.jobs[rec.ID] = rec
	out := rec
	return &out, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.State = storage.JobDone
	rec.UpdatedAt = time.Now().UTC()
	s.jobs[id] = rec
	return nil
}

func (s *Store) RetryJob(ctx context.Context, id string, availableAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.State = storage.JobQueued
	rec.Attempts++
	rec.AvailableAt = availableAt
	rec.LeaseOwner = ""
	rec.LeaseExpiresAt = nil
	rec.UpdatedAt = time.Now().UTC()
	s.jobs[id] = rec
	return nil
}

func (s *Store) FailJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.State = storage.JobFailed
	rec.UpdatedAt = time.Now().UTC()
	s.jobs[id] = rec
	return nil
}

func (s *Store) JobCounts(ctx context.Context, queueName string) (storage.JobCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts storage.JobCounts
	now := time.Now().UTC()
	for _, j := range s.jobs {
		if j.QueueName != queueName {
			continue
		}
		switch j.State {
		case storage.JobActive:
			counts.Active++
		case storage.JobDone:
			counts.Completed++
		case storage.JobFailed:
			counts.Failed++
		case storage.JobQueued:
			if j.AvailableAt.After(now) {
				counts.Delayed++
			} else {
				counts.Waiting++
			}
		}
	}
	return counts, nil
}

func (s *Store) SweepStaleJobs(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.State == storage.JobActive && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			j.State = storage.JobQueued
			j.LeaseOwner = ""
			j.LeaseExpiresAt = nil
			j.UpdatedAt = now
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *Store) CleanupJobs(ctx context.Context, queueName string, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.QueueName == queueName && (j.State == storage.JobDone || j.State == storage.JobFailed) && j.UpdatedAt.Before(olderThan) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertOutbox(ctx context.Context, row storage.OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if row.Status == "" {
		row.Status = storage.OutboxPending
	}
	s.outbox[row.ID] = row
	return nil
}

func (s *Store) ClaimOutboxBatch(ctx context.Context, batchSize int) ([]storage.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []storage.OutboxRecord
	for _, r := range s.outbox {
		if r.Status == storage.OutboxPending {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, k int) bool { return pending[i].CreatedAt.Before(pending[k].CreatedAt) })
	if len(pending) > batchSize {
		pending = pending[:batchSize]
	}
	now := time.Now().UTC()
	claimed := make([]storage.OutboxRecord, 0, len(pending))
	for _, r := range pending {
		r.Status = storage.OutboxPublishing
		r.ClaimedAt = &now
		s.outbox[r.ID] = r
		claimed = append(claimed, r)
	}
	return claimed, nil
}

func (s *Store) MarkOutboxPublished(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.outbox[id]
	if !ok {
		return storage.ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = storage.OutboxPublished
	r.PublishedAt = &now
	s.outbox[id] = r
	return nil
}

func (s *Store) MarkOutboxFailedAttempt(ctx context.Context, id, errMsg string, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.outbox[id]
	if !ok {
		return storage.ErrNotFound
	}
	r.Attempts++
	r.LastError = errMsg
	r.ClaimedAt = nil
	if permanent {
		r.Status = storage.OutboxFailed
	} else {
		r.Status = storage.OutboxPending
	}
	s.outbox[id] = r
	return nil
}

func (s *Store) ReclaimStaleOutbox(ctx context.Context, staleAfter time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-staleAfter)
	n := 0
	for id, r := range s.outbox {
		if r.Status == storage.OutboxPublishing && r.ClaimedAt != nil && r.ClaimedAt.Before(cutoff) {
			r.Status = storage.OutboxPending
			r.ClaimedAt = nil
			s.outbox[id] = r
			n++
		}
	}
	return n, nil
}

func (s *Store) PendingOutboxCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.outbox {
		if r.Status == storage.OutboxPending {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateCheckpoint(ctx context.Context, cp storage.CheckpointRecord) (*storage.CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.checkpoints {
		if existing.RunID == cp.RunID && existing.Stage == cp.Stage && existing.EntityID == cp.EntityID {
			return nil, storage.ErrConflict
		}
	}
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.Status == "" {
		cp.Status = storage.CheckpointPending
	}
	s.checkpoints[cp.ID] = cp
	out := cp
	return &out, nil
}

func (s *Store) UpdateCheckpoint(ctx context.Context, id string, patch storage.CheckpointPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return storage.ErrNotFound
	}
	cp.Status = patch.Status
	cp.ValidationJSON = patch.ValidationJSON
	cp.Error = patch.Error
	cp.CompletedAt = patch.CompletedAt
	cp.FailedAt = patch.FailedAt
	s.checkpoints[id] = cp
	return nil
}

func (s *Store) GetCheckpointByID(ctx context.Context, id string) (*storage.CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := cp
	return &out, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, runID, stage, entityID string) (*storage.CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range s.checkpoints {
		if cp.RunID == runID && cp.Stage == stage && cp.EntityID == entityID {
			out := cp
			return &out, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) GetCheckpointsByRunStage(ctx context.Context, runID, stage string) ([]storage.CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.CheckpointRecord
	for _, cp := range s.checkpoints {
		if cp.RunID == runID && cp.Stage == stage {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *Store) GetLatestCheckpoint(ctx context.Context, runID, entityID string) (*storage.CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *storage.CheckpointRecord
	for _, cp := range s.checkpoints {
		if cp.RunID != runID || cp.EntityID != entityID {
			continue
		}
		c := cp
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = &c
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest, nil
}

func (s *Store) InvalidateCheckpointsAfter(ctx context.Context, runID string, after time.Time, excludeID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, cp := range s.checkpoints {
		if cp.RunID == runID && cp.CreatedAt.After(after) && id != excludeID {
			cp.Status = storage.CheckpointInvalidated
			s.checkpoints[id] = cp
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) CleanupCheckpoints(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, cp := range s.checkpoints {
		if cp.CreatedAt.Before(olderThan) {
			delete(s.checkpoints, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) CleanupCheckpointsByRun(ctx context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, cp := range s.checkpoints {
		if cp.RunID == runID {
			delete(s.checkpoints, id)
			n++
		}
	}
	return n, nil
}

var _ storage.Store = (*Store)(nil)
