package worker

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"media-batch-processor/internal/config"
	"media-batch-processor/internal/models"
	"media-batch-processor/internal/queue"
	"media-batch-processor/internal/store"
	"media-batch-processor/internal/telemetry"
)

// Transform applies the overlay recipe to one media item, writing
// artifacts into outDir and filling the item's URLs.
type Transform func(ctx context.Context, job *models.Job, item *models.MediaItem, outDir string) error

// Mirror copies a finished batch's artifacts to durable storage.
// *artifacts.Store satisfies this.
type Mirror interface {
	MirrorBatch(ctx context.Context, batchID string)
}

// Processor drives one kind's lease loop: promote due retries, reclaim
// stalled leases, lease one job, process its items sequentially. Item
// parallelism is deliberately absent; codec transforms are heavy enough
// that one at a time is the safe ceiling per process.
type Processor struct {
	cfg       config.Config
	kind      models.MediaKind
	queue     *queue.Queue
	store     *store.Store
	transform Transform
	mirror    Mirror
	workerID  string
	log       zerolog.Logger
}

// NewProcessor builds a processor for one media kind.
func NewProcessor(cfg config.Config, kind models.MediaKind, q *queue.Queue, st *store.Store, transform Transform, workerID string, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:       cfg,
		kind:      kind,
		queue:     q,
		store:     st,
		transform: transform,
		workerID:  workerID,
		log:       log.With().Str("kind", string(kind)).Str("worker_id", workerID).Logger(),
	}
}

// SetMirror attaches an artifact mirror invoked after each completed job.
func (p *Processor) SetMirror(m Mirror) {
	p.mirror = m
}

// Run executes the lease loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.housekeep(ctx)

		jobID, err := p.queue.Lease(ctx, p.kind, p.workerID)
		if err != nil {
			p.log.Error().Err(err).Msg("lease failed")
			p.sleep(ctx)
			continue
		}
		if jobID == "" {
			p.sleep(ctx)
			continue
		}
		p.runJob(ctx, jobID)
	}
}

func (p *Processor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.WorkerPollInterval):
	}
}

// housekeep promotes due retries and reclaims expired leases before each
// lease attempt, so a single worker process keeps the queue healthy.
func (p *Processor) housekeep(ctx context.Context) {
	now := time.Now()
	_, _ = p.queue.PromoteScheduled(ctx, p.kind, now, 100)

	requeued, abandoned, err := p.queue.ReclaimExpired(ctx, p.kind, now, 100)
	if err != nil {
		p.log.Error().Err(err).Msg("reclaim failed")
	}
	for _, id := range requeued {
		telemetry.JobsStalled.WithLabelValues(string(p.kind)).Inc()
		if err := p.store.MarkQueued(ctx, id); err != nil {
			p.log.Error().Err(err).Str("job_id", id).Msg("requeue state update failed")
		}
	}
	for _, id := range abandoned {
		telemetry.JobsFailed.WithLabelValues(string(p.kind)).Inc()
		if err := p.store.FailJob(ctx, id, "worker stalled repeatedly"); err != nil {
			p.log.Error().Err(err).Str("job_id", id).Msg("abandon state update failed")
		}
	}

	if ready, inflight, err := p.queue.Depth(ctx, p.kind); err == nil {
		telemetry.QueueDepth.WithLabelValues(string(p.kind)).Set(float64(ready))
		telemetry.InFlight.WithLabelValues(string(p.kind)).Set(float64(inflight))
	}
}

func (p *Processor) runJob(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		// Record expired or was never written; drop the queue entry.
		p.log.Warn().Err(err).Str("job_id", jobID).Msg("leased job has no record")
		_ = p.queue.Complete(ctx, p.kind, jobID)
		return
	}
	if job.Terminal() {
		_ = p.queue.Complete(ctx, p.kind, jobID)
		return
	}
	if job.CancelRequested {
		p.finishCancelled(ctx, &job)
		return
	}

	if err := p.store.MarkActive(ctx, jobID, p.workerID); err != nil {
		p.log.Error().Err(err).Str("job_id", jobID).Msg("mark active failed")
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, jobID)

	jobErr := p.processItems(ctx, &job)

	stopHeartbeat()

	switch {
	case jobErr == errCancelled:
		p.finishCancelled(ctx, &job)
	case jobErr != nil:
		p.failAttempt(ctx, &job, jobErr)
	default:
		if err := p.store.CompleteJob(ctx, job.ID, job.Items, job.CompletedCount); err != nil {
			p.log.Error().Err(err).Str("job_id", job.ID).Msg("complete state update failed")
		}
		_ = p.queue.Complete(ctx, p.kind, job.ID)
		p.cleanupLogo(&job)
		if p.mirror != nil {
			p.mirror.MirrorBatch(ctx, job.BatchID)
		}
		telemetry.JobsCompleted.WithLabelValues(string(p.kind)).Inc()
		p.log.Info().Str("job_id", job.ID).Int("items", len(job.Items)).Msg("job completed")
	}
}

func (p *Processor) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(p.cfg.Policy(p.kind).HeartbeatEach)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, p.kind, jobID, p.workerID); err != nil {
				p.log.Warn().Err(err).Str("job_id", jobID).Msg("heartbeat failed")
			}
		}
	}
}

var errCancelled = fmt.Errorf("job cancelled")

// processItems runs the per-item loop. One item's failure is recorded on
// that item and never stops the loop; only setup errors (missing logo)
// escape and fail the whole job. Items already terminal from a previous
// delivery are skipped so progress survives a stall.
func (p *Processor) processItems(ctx context.Context, job *models.Job) error {
	if _, err := os.Stat(job.LogoPath); err != nil {
		return fmt.Errorf("logo file: %w", err)
	}

	outDir := filepath.Join(p.cfg.ProcessedDir(), job.BatchID)
	total := len(job.Items)

	for i := range job.Items {
		item := &job.Items[i]
		if item.Status != models.ItemPending {
			continue
		}

		if fresh, err := p.store.GetJob(ctx, job.ID); err == nil && fresh.CancelRequested {
			job.CancelRequested = true
			return errCancelled
		}

		start := time.Now()
		if err := p.transform(ctx, job, item, outDir); err != nil {
			item.Status = models.ItemFailed
			item.Error = err.Error()
			telemetry.ItemsProcessed.WithLabelValues(string(p.kind), "failed").Inc()
			p.log.Warn().Err(err).Str("job_id", job.ID).Str("file", item.OriginalName).Msg("item failed")
		} else {
			item.Status = models.ItemCompleted
			job.CompletedCount++
			telemetry.ItemsProcessed.WithLabelValues(string(p.kind), "completed").Inc()
			if p.kind == models.KindVideo || item.FileID != "" {
				p.registerDownload(ctx, job, item, outDir)
			}
		}
		telemetry.ItemDuration.WithLabelValues(string(p.kind)).Observe(time.Since(start).Seconds())

		// Consume-then-delete: the source file is spent either way.
		if item.SourcePath != "" {
			if err := os.Remove(item.SourcePath); err != nil && !os.IsNotExist(err) {
				p.log.Warn().Err(err).Str("path", item.SourcePath).Msg("source cleanup failed")
			}
			item.SourcePath = ""
		}

		percent := int(math.Floor(float64(job.CompletedCount) / float64(total) * 100))
		job.ProgressPercent = percent
		if err := p.store.UpdateProgress(ctx, job.ID, job.Items, job.CompletedCount, percent); err != nil {
			p.log.Error().Err(err).Str("job_id", job.ID).Msg("progress update failed")
		}
	}
	return nil
}

// failAttempt routes a job-level error through the queue's retry policy.
func (p *Processor) failAttempt(ctx context.Context, job *models.Job, jobErr error) {
	retryIn, exhausted, err := p.queue.Fail(ctx, p.kind, job.ID)
	if err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("fail bookkeeping failed")
	}
	if exhausted {
		if err := p.store.FailJob(ctx, job.ID, jobErr.Error()); err != nil {
			p.log.Error().Err(err).Str("job_id", job.ID).Msg("terminal fail update failed")
		}
		p.cleanupLogo(job)
		telemetry.JobsFailed.WithLabelValues(string(p.kind)).Inc()
		p.log.Error().Err(jobErr).Str("job_id", job.ID).Msg("job failed permanently")
		return
	}
	if err := p.store.MarkQueued(ctx, job.ID); err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("requeue state update failed")
	}
	telemetry.JobsRetried.WithLabelValues(string(p.kind)).Inc()
	p.log.Warn().Err(jobErr).Str("job_id", job.ID).Dur("retry_in", retryIn).Msg("job retry scheduled")
}

func (p *Processor) finishCancelled(ctx context.Context, job *models.Job) {
	_ = p.queue.Complete(ctx, p.kind, job.ID)
	if err := p.store.FailJob(ctx, job.ID, "cancelled"); err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("cancel state update failed")
	}
	for i := range job.Items {
		if path := job.Items[i].SourcePath; path != "" {
			_ = os.Remove(path)
		}
	}
	p.cleanupLogo(job)
	p.log.Info().Str("job_id", job.ID).Msg("job cancelled")
}

// registerDownload keys a processed output under an opaque TTL'd id so
// clients can fetch it through /download without exposing paths. Videos
// always get one; other items only when a download id was pre-issued at
// upload time.
func (p *Processor) registerDownload(ctx context.Context, job *models.Job, item *models.MediaItem, outDir string) {
	if item.FullURL == "" {
		return
	}
	fileID := item.FileID
	if fileID == "" {
		fileID = uuid.NewString()
	}
	isVideo := p.kind == models.KindVideo
	mime := "image/jpeg"
	if isVideo {
		mime = "video/mp4"
	}
	fileName := filepath.Base(item.FullURL)
	rec := &models.FileRecord{
		FileID:           fileID,
		FileName:         fileName,
		OriginalFileName: item.OriginalName,
		FilePath:         filepath.Join(outDir, fileName),
		MimeType:         mime,
		Hash:             item.Hash,
		IsVideo:          isVideo,
		JobID:            job.ID,
	}
	if err := p.store.PutFileRecord(ctx, rec); err != nil {
		p.log.Warn().Err(err).Str("job_id", job.ID).Msg("download record failed")
		return
	}
	item.DownloadURL = "/download/" + rec.FileID
}

// cleanupLogo removes an uploaded custom logo once no future attempt can
// need it. The configured default logo is never touched.
func (p *Processor) cleanupLogo(job *models.Job) {
	if job.CustomLogo && job.LogoPath != "" {
		if err := os.Remove(job.LogoPath); err != nil && !os.IsNotExist(err) {
			p.log.Warn().Err(err).Str("path", job.LogoPath).Msg("logo cleanup failed")
		}
	}
}
