package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"media-batch-processor/internal/config"
	"media-batch-processor/internal/models"
)

// Lookup errors. Expired and never-existed records are indistinguishable
// once Redis drops the key; both surface as not found.
var (
	ErrJobNotFound     = errors.New("job not found")
	ErrBatchNotFound   = errors.New("batch not found")
	ErrSessionNotFound = errors.New("upload session not found")
	ErrFileNotFound    = errors.New("file record not found")
	ErrChunkMissing    = errors.New("chunk missing")
)

// Store persists job records, batch indexes, upload sessions, chunk sets
// and download file records in Redis. It is the single source of truth for
// job state; a job's mutable fields are written only by the worker holding
// its lease, so writes here are plain get/mutate/set without optimistic
// locking.
type Store struct {
	rdb *redis.Client
	cfg config.Config
}

// New wraps an existing Redis connection.
func New(rdb *redis.Client, cfg config.Config) *Store {
	return &Store{rdb: rdb, cfg: cfg}
}

func jobKey(id string) string     { return "job:" + id }
func batchKey(id string) string   { return "batch:" + id }
func sessionKey(id string) string { return "upload:" + id }
func fileKey(id string) string    { return "file:" + id }
func chunkKey(uploadID string, idx int) string {
	return fmt.Sprintf("chunk:%s:%d", uploadID, idx)
}
func mergeKey(uploadID string) string { return "merge:" + uploadID }

// CreateJob writes a new job record and registers it under its batch id.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), payload, s.cfg.JobRetention)
	pipe.SAdd(ctx, batchKey(job.BatchID), job.ID)
	pipe.Expire(ctx, batchKey(job.BatchID), s.cfg.JobRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob fetches one job record.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("read job %s: %w", id, err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return models.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

// BatchJobs returns every sub-job registered under a batch id. Sub-jobs
// whose records already expired are skipped; an empty result means the
// batch is unknown.
func (s *Store) BatchJobs(ctx context.Context, batchID string) ([]models.Job, error) {
	ids, err := s.rdb.SMembers(ctx, batchKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read batch %s: %w", batchID, err)
	}
	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		return nil, ErrBatchNotFound
	}
	return jobs, nil
}

func (s *Store) updateJob(ctx context.Context, id string, mutate func(*models.Job)) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	mutate(&job)
	payload, err := json.Marshal(&job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return s.rdb.Set(ctx, jobKey(id), payload, s.cfg.JobRetention).Err()
}

// MarkActive transitions a job to active under the given worker's lease.
func (s *Store) MarkActive(ctx context.Context, id, workerID string) error {
	return s.updateJob(ctx, id, func(j *models.Job) {
		j.State = models.StateActive
		j.WorkerID = workerID
		if j.StartedAt == nil {
			now := time.Now().UTC()
			j.StartedAt = &now
		}
	})
}

// MarkQueued returns a job to the queued state after a retry or stall
// redelivery. Item results accumulated so far are kept.
func (s *Store) MarkQueued(ctx context.Context, id string) error {
	return s.updateJob(ctx, id, func(j *models.Job) {
		j.State = models.StateQueued
		j.WorkerID = ""
	})
}

// UpdateProgress persists in-flight item results and the new progress
// percentage so a concurrent status read sees live results, not only the
// terminal ones. Progress never moves backward.
func (s *Store) UpdateProgress(ctx context.Context, id string, items []models.MediaItem, completed, percent int) error {
	return s.updateJob(ctx, id, func(j *models.Job) {
		j.Items = items
		j.CompletedCount = completed
		if percent > j.ProgressPercent {
			j.ProgressPercent = percent
		}
	})
}

// CompleteJob finalizes a job. Completed records are immutable thereafter
// and expire after the retention window.
func (s *Store) CompleteJob(ctx context.Context, id string, items []models.MediaItem, completed int) error {
	return s.updateJob(ctx, id, func(j *models.Job) {
		j.State = models.StateCompleted
		j.Items = items
		j.CompletedCount = completed
		j.ProgressPercent = 100
		j.WorkerID = ""
		now := time.Now().UTC()
		j.FinishedAt = &now
	})
}

// FailJob marks a job terminally failed with a reason.
func (s *Store) FailJob(ctx context.Context, id, reason string) error {
	return s.updateJob(ctx, id, func(j *models.Job) {
		j.State = models.StateFailed
		j.FailureReason = reason
		j.WorkerID = ""
		now := time.Now().UTC()
		j.FinishedAt = &now
	})
}

// RequestCancel flags an active job so its worker stops before the next
// item. Queued jobs are cancelled directly by the caller instead.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	return s.updateJob(ctx, id, func(j *models.Job) {
		j.CancelRequested = true
	})
}

// PutSession writes an upload session with the session TTL.
func (s *Store) PutSession(ctx context.Context, session *models.UploadSession) error {
	session.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.rdb.Set(ctx, sessionKey(session.UploadID), payload, s.cfg.SessionTTL).Err()
}

// GetSession reads an upload session.
func (s *Store) GetSession(ctx context.Context, uploadID string) (models.UploadSession, error) {
	data, err := s.rdb.Get(ctx, sessionKey(uploadID)).Bytes()
	if err == redis.Nil {
		return models.UploadSession{}, ErrSessionNotFound
	}
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("read session %s: %w", uploadID, err)
	}
	var session models.UploadSession
	if err := json.Unmarshal(data, &session); err != nil {
		return models.UploadSession{}, fmt.Errorf("decode session %s: %w", uploadID, err)
	}
	return session, nil
}

// UpdateSession applies a mutation to an existing session, keeping its TTL.
func (s *Store) UpdateSession(ctx context.Context, uploadID string, mutate func(*models.UploadSession)) error {
	session, err := s.GetSession(ctx, uploadID)
	if err != nil {
		return err
	}
	mutate(&session)
	return s.PutSession(ctx, &session)
}

// PutChunk records one received chunk with the chunk TTL.
func (s *Store) PutChunk(ctx context.Context, uploadID string, info models.ChunkInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return s.rdb.Set(ctx, chunkKey(uploadID, info.Index), payload, s.cfg.ChunkTTL).Err()
}

// GetChunk reads one chunk record; a missing index yields ErrChunkMissing.
func (s *Store) GetChunk(ctx context.Context, uploadID string, index int) (models.ChunkInfo, error) {
	data, err := s.rdb.Get(ctx, chunkKey(uploadID, index)).Bytes()
	if err == redis.Nil {
		return models.ChunkInfo{}, fmt.Errorf("%w: index %d", ErrChunkMissing, index)
	}
	if err != nil {
		return models.ChunkInfo{}, fmt.Errorf("read chunk %d: %w", index, err)
	}
	var info models.ChunkInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return models.ChunkInfo{}, fmt.Errorf("decode chunk %d: %w", index, err)
	}
	return info, nil
}

// AcquireMergeLock claims the single merge slot for an upload. Two final
// chunks racing each other both see every index present; only the SETNX
// winner may merge and submit.
func (s *Store) AcquireMergeLock(ctx context.Context, uploadID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, mergeKey(uploadID), 1, s.cfg.ChunkTTL).Result()
	if err != nil {
		return false, fmt.Errorf("merge lock %s: %w", uploadID, err)
	}
	return ok, nil
}

// DeleteChunk drops one chunk record after it has been merged.
func (s *Store) DeleteChunk(ctx context.Context, uploadID string, index int) error {
	return s.rdb.Del(ctx, chunkKey(uploadID, index)).Err()
}

// PutFileRecord registers a downloadable output under an opaque TTL'd id.
func (s *Store) PutFileRecord(ctx context.Context, rec *models.FileRecord) error {
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal file record: %w", err)
	}
	return s.rdb.Set(ctx, fileKey(rec.FileID), payload, s.cfg.FileRecordTTL).Err()
}

// GetFileRecord resolves a download id. Expired ids read as not found.
func (s *Store) GetFileRecord(ctx context.Context, fileID string) (models.FileRecord, error) {
	data, err := s.rdb.Get(ctx, fileKey(fileID)).Bytes()
	if err == redis.Nil {
		return models.FileRecord{}, ErrFileNotFound
	}
	if err != nil {
		return models.FileRecord{}, fmt.Errorf("read file record %s: %w", fileID, err)
	}
	var rec models.FileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.FileRecord{}, fmt.Errorf("decode file record %s: %w", fileID, err)
	}
	return rec, nil
}
