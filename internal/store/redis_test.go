package store

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"media-batch-processor/internal/config"
	"media-batch-processor/internal/models"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{
		JobRetention:  24 * time.Hour,
		SessionTTL:    4 * time.Hour,
		ChunkTTL:      time.Hour,
		FileRecordTTL: 4 * time.Hour,
	}
	return New(client, cfg), mr
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	job := &models.Job{
		ID:      "job-1",
		BatchID: "batch-1",
		Kind:    models.KindImage,
		State:   models.StateQueued,
		Items: []models.MediaItem{
			{OriginalName: "a.jpg", Status: models.ItemPending},
			{OriginalName: "b.jpg", Status: models.ItemPending},
		},
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.MarkActive(ctx, "job-1", "worker-a"); err != nil {
		t.Fatalf("mark active: %v", err)
	}
	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != models.StateActive || got.WorkerID != "worker-a" {
		t.Fatalf("expected active under worker-a, got state=%s worker=%s", got.State, got.WorkerID)
	}
	if got.StartedAt == nil {
		t.Fatalf("expected StartedAt set on first activation")
	}
	firstStart := *got.StartedAt

	// Redelivery keeps the original start time.
	if err := s.MarkQueued(ctx, "job-1"); err != nil {
		t.Fatalf("mark queued: %v", err)
	}
	if err := s.MarkActive(ctx, "job-1", "worker-b"); err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	got, _ = s.GetJob(ctx, "job-1")
	if !got.StartedAt.Equal(firstStart) {
		t.Fatalf("StartedAt changed on redelivery")
	}

	items := got.Items
	items[0].Status = models.ItemCompleted
	if err := s.UpdateProgress(ctx, "job-1", items, 1, 50); err != nil {
		t.Fatalf("progress: %v", err)
	}
	got, _ = s.GetJob(ctx, "job-1")
	if got.ProgressPercent != 50 || got.CompletedCount != 1 {
		t.Fatalf("expected 50%%/1 completed, got %d%%/%d", got.ProgressPercent, got.CompletedCount)
	}
	if got.Items[0].Status != models.ItemCompleted {
		t.Fatalf("item results must be visible mid-flight")
	}

	// Progress never regresses.
	if err := s.UpdateProgress(ctx, "job-1", items, 1, 20); err != nil {
		t.Fatalf("progress: %v", err)
	}
	got, _ = s.GetJob(ctx, "job-1")
	if got.ProgressPercent != 50 {
		t.Fatalf("progress moved backward to %d", got.ProgressPercent)
	}

	items[1].Status = models.ItemCompleted
	if err := s.CompleteJob(ctx, "job-1", items, 2); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = s.GetJob(ctx, "job-1")
	if got.State != models.StateCompleted || got.ProgressPercent != 100 || got.FinishedAt == nil {
		t.Fatalf("bad terminal record: %+v", got)
	}
	if !got.Terminal() {
		t.Fatalf("completed job must be terminal")
	}
}

func TestGetJobNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.GetJob(ctx, "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestBatchJobs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for _, j := range []*models.Job{
		{ID: "job-i", BatchID: "batch-1", Kind: models.KindImage, State: models.StateQueued},
		{ID: "job-v", BatchID: "batch-1", Kind: models.KindVideo, State: models.StateQueued},
	} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	jobs, err := s.BatchJobs(ctx, "batch-1")
	if err != nil {
		t.Fatalf("batch jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 sub-jobs, got %d", len(jobs))
	}

	if _, err := s.BatchJobs(ctx, "unknown"); !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("expected ErrBatchNotFound, got %v", err)
	}
}

func TestFailJob(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	job := &models.Job{ID: "job-1", BatchID: "batch-1", Kind: models.KindVideo, State: models.StateActive}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.FailJob(ctx, "job-1", "ffmpeg exited 1"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ := s.GetJob(ctx, "job-1")
	if got.State != models.StateFailed || got.FailureReason != "ffmpeg exited 1" {
		t.Fatalf("bad failed record: %+v", got)
	}
}

func TestRequestCancel(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	job := &models.Job{ID: "job-1", BatchID: "batch-1", Kind: models.KindImage, State: models.StateActive}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.RequestCancel(ctx, "job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := s.GetJob(ctx, "job-1")
	if !got.CancelRequested {
		t.Fatalf("expected cancel flag set")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	session := &models.UploadSession{
		UploadID:   "up-1",
		BytesTotal: 1000,
		Phase:      models.PhaseUploading,
	}
	if err := s.PutSession(ctx, session); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.UpdateSession(ctx, "up-1", func(u *models.UploadSession) {
		u.BytesReceived = 500
		u.Percent = 50
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetSession(ctx, "up-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Percent != 50 || got.BytesReceived != 500 {
		t.Fatalf("bad session: %+v", got)
	}

	// Sessions vanish after their TTL; polls then read as not found.
	mr.FastForward(5 * time.Hour)
	if _, err := s.GetSession(ctx, "up-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after expiry, got %v", err)
	}
}

func TestChunkRecords(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if err := s.PutChunk(ctx, "up-1", models.ChunkInfo{Index: 0, Size: 10, Path: "/tmp/c0"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetChunk(ctx, "up-1", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Path != "/tmp/c0" {
		t.Fatalf("bad chunk: %+v", got)
	}
	if _, err := s.GetChunk(ctx, "up-1", 1); !errors.Is(err, ErrChunkMissing) {
		t.Fatalf("expected ErrChunkMissing, got %v", err)
	}
	if err := s.DeleteChunk(ctx, "up-1", 0); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetChunk(ctx, "up-1", 0); !errors.Is(err, ErrChunkMissing) {
		t.Fatalf("expected chunk gone after delete, got %v", err)
	}
}

func TestFileRecords(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	rec := &models.FileRecord{
		FileID:   "file-1",
		FileName: "clip_processed.mp4",
		FilePath: "/data/media/clip_processed.mp4",
		MimeType: "video/mp4",
		IsVideo:  true,
	}
	if err := s.PutFileRecord(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetFileRecord(ctx, "file-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FileName != "clip_processed.mp4" || !got.IsVideo {
		t.Fatalf("bad record: %+v", got)
	}
	if _, err := s.GetFileRecord(ctx, "missing"); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}

func TestMergeLockSingleWinner(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	ok, err := s.AcquireMergeLock(ctx, "up-1")
	if err != nil || !ok {
		t.Fatalf("first claim must win: ok=%v err=%v", ok, err)
	}
	ok, err = s.AcquireMergeLock(ctx, "up-1")
	if err != nil || ok {
		t.Fatalf("second claim must lose: ok=%v err=%v", ok, err)
	}

	// A different upload claims its own lock.
	ok, _ = s.AcquireMergeLock(ctx, "up-2")
	if !ok {
		t.Fatalf("locks must be per upload")
	}

	// The lock expires with the chunk TTL so an abandoned upload id can
	// be reused.
	mr.FastForward(2 * time.Hour)
	ok, _ = s.AcquireMergeLock(ctx, "up-1")
	if !ok {
		t.Fatalf("expired lock must be claimable again")
	}
}
