package status

import (
	"context"
	"math"
	"time"

	"media-batch-processor/internal/models"
	"media-batch-processor/internal/store"
)

// Batch statuses exposed to polling clients.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// BatchStatus is the aggregated read model for one batch. It is computed
// fresh on every call and never stored, so it cannot drift from its
// sub-jobs.
type BatchStatus struct {
	BatchID         string             `json:"jobId"`
	Status          string             `json:"status"`
	Progress        int                `json:"progress"`
	TotalImages     int                `json:"totalImages"`
	CompletedImages int                `json:"completedImages"`
	ProcessedImages []models.MediaItem `json:"processedImages"`
	TotalVideos     int                `json:"totalVideos"`
	CompletedVideos int                `json:"completedVideos"`
	ProcessedVideos []models.MediaItem `json:"processedVideos"`
	Error           string             `json:"error,omitempty"`
	QueuedAt        time.Time          `json:"queuedAt"`
	StartedAt       *time.Time         `json:"startedAt,omitempty"`
	CompletedAt     *time.Time         `json:"completedAt,omitempty"`
}

// Aggregator computes batch-level status from sub-job records.
type Aggregator struct {
	store *store.Store
}

// New builds an aggregator over the job store.
func New(s *store.Store) *Aggregator {
	return &Aggregator{store: s}
}

// Batch aggregates all sub-jobs sharing batchID. Returns
// store.ErrBatchNotFound when no sub-job exists under the id.
func (a *Aggregator) Batch(ctx context.Context, batchID string) (BatchStatus, error) {
	jobs, err := a.store.BatchJobs(ctx, batchID)
	if err != nil {
		return BatchStatus{}, err
	}
	return Combine(batchID, jobs), nil
}

// Combine folds sub-job records into one BatchStatus. Progress is weighted
// by item count so a small finished sub-job cannot dominate a large one
// still running. Overall status resolves by precedence
// failed > processing > completed > pending.
func Combine(batchID string, jobs []models.Job) BatchStatus {
	out := BatchStatus{
		BatchID:         batchID,
		Status:          StatusPending,
		ProcessedImages: []models.MediaItem{},
		ProcessedVideos: []models.MediaItem{},
	}

	var weighted, totalItems float64
	anyFailed, anyActive := false, false
	allCompleted := true

	for _, job := range jobs {
		n := len(job.Items)
		weighted += float64(job.ProgressPercent) * float64(n)
		totalItems += float64(n)

		switch job.Kind {
		case models.KindVideo:
			out.TotalVideos += n
			out.CompletedVideos += job.CompletedCount
			out.ProcessedVideos = append(out.ProcessedVideos, job.Items...)
		default:
			out.TotalImages += n
			out.CompletedImages += job.CompletedCount
			out.ProcessedImages = append(out.ProcessedImages, job.Items...)
		}

		switch job.State {
		case models.StateFailed:
			anyFailed = true
			allCompleted = false
			if out.Error == "" {
				out.Error = job.FailureReason
			}
		case models.StateActive:
			anyActive = true
			allCompleted = false
		case models.StateQueued:
			allCompleted = false
		}

		if out.QueuedAt.IsZero() || job.CreatedAt.Before(out.QueuedAt) {
			out.QueuedAt = job.CreatedAt
		}
		if job.StartedAt != nil && (out.StartedAt == nil || job.StartedAt.Before(*out.StartedAt)) {
			out.StartedAt = job.StartedAt
		}
		if job.FinishedAt != nil && (out.CompletedAt == nil || job.FinishedAt.After(*out.CompletedAt)) {
			out.CompletedAt = job.FinishedAt
		}
	}

	if totalItems > 0 {
		out.Progress = int(math.Round(weighted / totalItems))
	}

	switch {
	case anyFailed:
		out.Status = StatusFailed
	case anyActive:
		out.Status = StatusProcessing
	case allCompleted && len(jobs) > 0:
		out.Status = StatusCompleted
	}
	if !allCompleted || anyFailed || anyActive {
		out.CompletedAt = nil
	}
	return out
}

// NotFound is the compatibility body returned for an unknown batch id:
// polling clients always get a parseable, success-shaped object, so an
// expired or mistyped id reads as a failed batch rather than breaking the
// poll loop.
func NotFound(batchID string) BatchStatus {
	return BatchStatus{
		BatchID:         batchID,
		Status:          StatusFailed,
		ProcessedImages: []models.MediaItem{},
		ProcessedVideos: []models.MediaItem{},
		Error:           "job not found",
	}
}
