package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"media-batch-processor/internal/config"
	"media-batch-processor/internal/models"
	"media-batch-processor/internal/queue"
	"media-batch-processor/internal/store"
)

type harness struct {
	proc  *Processor
	store *store.Store
	queue *queue.Queue
	cfg   config.Config
}

func newHarness(t *testing.T, transform Transform) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Config{
		DataDir:            t.TempDir(),
		JobRetention:       time.Hour,
		WorkerPollInterval: 10 * time.Millisecond,
		Image: config.KindPolicy{
			MaxAttempts:   2,
			MaxStalls:     2,
			BackoffBase:   time.Second,
			BackoffMax:    time.Minute,
			LeaseDuration: time.Minute,
			HeartbeatEach: 30 * time.Second,
		},
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(client, cfg)
	q := queue.New(client, cfg)
	proc := NewProcessor(cfg, models.KindImage, q, st, transform, "worker-test", zerolog.Nop())
	return &harness{proc: proc, store: st, queue: q, cfg: cfg}
}

func (h *harness) enqueue(t *testing.T, job *models.Job) {
	t.Helper()
	ctx := context.Background()
	job.State = models.StateQueued
	if err := h.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := h.queue.Enqueue(ctx, models.KindImage, job.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func writeLogo(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "logo.png")
	if err := os.WriteFile(path, []byte("logo"), 0o644); err != nil {
		t.Fatalf("write logo: %v", err)
	}
	return path
}

func TestProcessItemsIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	transform := func(_ context.Context, _ *models.Job, item *models.MediaItem, _ string) error {
		if item.OriginalName == "bad.jpg" {
			return errors.New("corrupt header")
		}
		item.FullURL = "/processed/batch-1/" + item.OriginalName
		return nil
	}
	h := newHarness(t, transform)
	logo := writeLogo(t, h.cfg.DataDir)

	job := &models.Job{
		ID: "job-1", BatchID: "batch-1", Kind: models.KindImage, LogoPath: logo,
		Items: []models.MediaItem{
			{OriginalName: "a.jpg", Status: models.ItemPending},
			{OriginalName: "bad.jpg", Status: models.ItemPending},
			{OriginalName: "c.jpg", Status: models.ItemPending},
		},
	}
	h.enqueue(t, job)

	jobID, err := h.queue.Lease(ctx, models.KindImage, "worker-test")
	if err != nil || jobID != "job-1" {
		t.Fatalf("lease: id=%q err=%v", jobID, err)
	}
	h.proc.runJob(ctx, jobID)

	got, err := h.store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != models.StateCompleted {
		t.Fatalf("one bad item must not fail the job, state=%s reason=%s", got.State, got.FailureReason)
	}
	if got.CompletedCount != 2 {
		t.Fatalf("expected 2 completed items, got %d", got.CompletedCount)
	}
	if got.Items[1].Status != models.ItemFailed || got.Items[1].Error != "corrupt header" {
		t.Fatalf("bad item not recorded: %+v", got.Items[1])
	}
	if got.Items[0].Status != models.ItemCompleted || got.Items[2].Status != models.ItemCompleted {
		t.Fatalf("good items not completed: %+v", got.Items)
	}

	_, inflight, _ := h.queue.Depth(ctx, models.KindImage)
	if inflight != 0 {
		t.Fatalf("job still in flight after completion")
	}
}

func TestMissingLogoFailsWholeJob(t *testing.T) {
	ctx := context.Background()
	transform := func(_ context.Context, _ *models.Job, _ *models.MediaItem, _ string) error {
		t.Fatal("transform must not run without a logo")
		return nil
	}
	h := newHarness(t, transform)

	job := &models.Job{
		ID: "job-1", BatchID: "batch-1", Kind: models.KindImage,
		LogoPath: filepath.Join(h.cfg.DataDir, "missing.png"),
		Items:    []models.MediaItem{{OriginalName: "a.jpg", Status: models.ItemPending}},
	}
	h.enqueue(t, job)

	// Attempt 1 schedules a retry, attempt 2 exhausts.
	for attempt := 0; attempt < 2; attempt++ {
		_, _ = h.queue.PromoteScheduled(ctx, models.KindImage, time.Now().Add(time.Hour), 100)
		jobID, err := h.queue.Lease(ctx, models.KindImage, "worker-test")
		if err != nil || jobID == "" {
			t.Fatalf("lease attempt %d: id=%q err=%v", attempt, jobID, err)
		}
		h.proc.runJob(ctx, jobID)
	}

	got, _ := h.store.GetJob(ctx, "job-1")
	if got.State != models.StateFailed {
		t.Fatalf("expected terminal failure, got %s", got.State)
	}
	if got.FailureReason == "" {
		t.Fatalf("expected failure reason recorded")
	}
}

func TestRedeliverySkipsFinishedItems(t *testing.T) {
	ctx := context.Background()
	var processed []string
	transform := func(_ context.Context, _ *models.Job, item *models.MediaItem, _ string) error {
		processed = append(processed, item.OriginalName)
		return nil
	}
	h := newHarness(t, transform)
	logo := writeLogo(t, h.cfg.DataDir)

	job := &models.Job{
		ID: "job-1", BatchID: "batch-1", Kind: models.KindImage, LogoPath: logo,
		Items: []models.MediaItem{
			{OriginalName: "a.jpg", Status: models.ItemCompleted},
			{OriginalName: "b.jpg", Status: models.ItemPending},
		},
		CompletedCount: 1,
	}
	h.enqueue(t, job)

	jobID, _ := h.queue.Lease(ctx, models.KindImage, "worker-test")
	h.proc.runJob(ctx, jobID)

	if len(processed) != 1 || processed[0] != "b.jpg" {
		t.Fatalf("redelivery must only process pending items, got %v", processed)
	}
	got, _ := h.store.GetJob(ctx, "job-1")
	if got.State != models.StateCompleted || got.CompletedCount != 2 {
		t.Fatalf("bad final state: %+v", got)
	}
}

func TestCancelRequestedStopsBeforeNextItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	logo := writeLogo(t, h.cfg.DataDir)

	var processed int
	h.proc.transform = func(_ context.Context, job *models.Job, _ *models.MediaItem, _ string) error {
		processed++
		// Simulate an external cancel arriving mid-job.
		if err := h.store.RequestCancel(ctx, job.ID); err != nil {
			t.Fatalf("request cancel: %v", err)
		}
		return nil
	}

	job := &models.Job{
		ID: "job-1", BatchID: "batch-1", Kind: models.KindImage, LogoPath: logo,
		Items: []models.MediaItem{
			{OriginalName: "a.jpg", Status: models.ItemPending},
			{OriginalName: "b.jpg", Status: models.ItemPending},
		},
	}
	h.enqueue(t, job)

	jobID, _ := h.queue.Lease(ctx, models.KindImage, "worker-test")
	h.proc.runJob(ctx, jobID)

	if processed != 1 {
		t.Fatalf("expected processing to stop after the in-flight item, processed %d", processed)
	}
	got, _ := h.store.GetJob(ctx, "job-1")
	if got.State != models.StateFailed || got.FailureReason != "cancelled" {
		t.Fatalf("expected cancelled terminal state, got %+v", got)
	}
}

type recordingMirror struct {
	batches []string
}

func (m *recordingMirror) MirrorBatch(_ context.Context, batchID string) {
	m.batches = append(m.batches, batchID)
}

func TestCompletedBatchIsMirrored(t *testing.T) {
	ctx := context.Background()
	transform := func(_ context.Context, _ *models.Job, _ *models.MediaItem, _ string) error {
		return nil
	}
	h := newHarness(t, transform)
	logo := writeLogo(t, h.cfg.DataDir)
	mirror := &recordingMirror{}
	h.proc.SetMirror(mirror)

	job := &models.Job{
		ID: "job-1", BatchID: "batch-1", Kind: models.KindImage, LogoPath: logo,
		Items: []models.MediaItem{{OriginalName: "a.jpg", Status: models.ItemPending}},
	}
	h.enqueue(t, job)

	jobID, _ := h.queue.Lease(ctx, models.KindImage, "worker-test")
	h.proc.runJob(ctx, jobID)

	if len(mirror.batches) != 1 || mirror.batches[0] != "batch-1" {
		t.Fatalf("completed batch must be mirrored once, got %v", mirror.batches)
	}
}

func TestFailedJobIsNotMirrored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	mirror := &recordingMirror{}
	h.proc.SetMirror(mirror)

	job := &models.Job{
		ID: "job-1", BatchID: "batch-1", Kind: models.KindImage,
		LogoPath: filepath.Join(h.cfg.DataDir, "missing.png"),
		Items:    []models.MediaItem{{OriginalName: "a.jpg", Status: models.ItemPending}},
	}
	h.enqueue(t, job)

	jobID, _ := h.queue.Lease(ctx, models.KindImage, "worker-test")
	h.proc.runJob(ctx, jobID)

	if len(mirror.batches) != 0 {
		t.Fatalf("failed attempt must not mirror, got %v", mirror.batches)
	}
}

func TestPreIssuedDownloadIDRegistersRecord(t *testing.T) {
	ctx := context.Background()
	transform := func(_ context.Context, job *models.Job, item *models.MediaItem, _ string) error {
		item.FullURL = "/processed/" + job.BatchID + "/" + item.OriginalName
		return nil
	}
	h := newHarness(t, transform)
	logo := writeLogo(t, h.cfg.DataDir)

	job := &models.Job{
		ID: "job-1", BatchID: "batch-1", Kind: models.KindImage, LogoPath: logo,
		Items: []models.MediaItem{
			{OriginalName: "a.jpg", FileID: "file-abc", Status: models.ItemPending},
			{OriginalName: "b.jpg", Status: models.ItemPending},
		},
	}
	h.enqueue(t, job)

	jobID, _ := h.queue.Lease(ctx, models.KindImage, "worker-test")
	h.proc.runJob(ctx, jobID)

	rec, err := h.store.GetFileRecord(ctx, "file-abc")
	if err != nil {
		t.Fatalf("file record for pre-issued id: %v", err)
	}
	if rec.FileName != "a.jpg" || rec.IsVideo || rec.MimeType != "image/jpeg" {
		t.Fatalf("bad record: %+v", rec)
	}
	if rec.FilePath != filepath.Join(h.cfg.ProcessedDir(), "batch-1", "a.jpg") {
		t.Fatalf("record must point at the processed output, got %s", rec.FilePath)
	}

	got, _ := h.store.GetJob(ctx, "job-1")
	if got.Items[0].DownloadURL != "/download/file-abc" {
		t.Fatalf("item must carry its download link: %+v", got.Items[0])
	}
	// An image item without a pre-issued id gets no record.
	if got.Items[1].DownloadURL != "" {
		t.Fatalf("unflagged image item must not get a download link: %+v", got.Items[1])
	}
}

func TestConsumeThenDelete(t *testing.T) {
	ctx := context.Background()
	transform := func(_ context.Context, _ *models.Job, _ *models.MediaItem, _ string) error {
		return nil
	}
	h := newHarness(t, transform)
	logo := writeLogo(t, h.cfg.DataDir)

	srcPath := filepath.Join(h.cfg.DataDir, "a.jpg")
	if err := os.WriteFile(srcPath, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	job := &models.Job{
		ID: "job-1", BatchID: "batch-1", Kind: models.KindImage, LogoPath: logo,
		Items: []models.MediaItem{{OriginalName: "a.jpg", SourcePath: srcPath, Status: models.ItemPending}},
	}
	h.enqueue(t, job)

	jobID, _ := h.queue.Lease(ctx, models.KindImage, "worker-test")
	h.proc.runJob(ctx, jobID)

	if _, err := os.Stat(srcPath); !os.IsNotExist(err) {
		t.Fatalf("source file must be deleted after consumption, stat err=%v", err)
	}
	got, _ := h.store.GetJob(ctx, "job-1")
	if got.Items[0].SourcePath != "" {
		t.Fatalf("source path must be cleared from the record")
	}
}
