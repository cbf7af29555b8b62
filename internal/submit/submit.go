package submit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"media-batch-processor/internal/config"
	"media-batch-processor/internal/models"
	"media-batch-processor/internal/queue"
	"media-batch-processor/internal/store"
)

// Validation errors returned synchronously with nothing enqueued.
var (
	ErrNoFiles          = errors.New("no media files in batch")
	ErrTooManyFiles     = errors.New("too many files in batch")
	ErrFileTooLarge     = errors.New("file exceeds size ceiling")
	ErrBatchTooLarge    = errors.New("batch exceeds total size ceiling")
	ErrUnsupportedMedia = errors.New("file is neither image nor video")
	ErrNoLogo           = errors.New("no usable logo file")
	ErrBadOptions       = errors.New("invalid processing options")
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true, ".tif": true, ".tiff": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
	".webm": true, ".m4v": true, ".mpg": true, ".mpeg": true, ".3gp": true,
}

// File is one validated input to a batch: a file already staged on local
// disk by the upload pipeline, plus what the client declared about it.
type File struct {
	OriginalName string
	DeclaredMime string
	Path         string
	Size         int64
	Hash         string
	FileID       string // pre-issued download id for single-file uploads
}

// Request is one batch submission after upload.
type Request struct {
	Files              []File
	LogoPath           string // empty means use the configured default
	Options            models.ProcessOptions
	GenerateThumbnails bool
	Source             string // "http" or "chat"
}

// SubJob describes one enqueued kind-specific job.
type SubJob struct {
	Kind  models.MediaKind `json:"type"`
	JobID string           `json:"jobId"`
	Count int              `json:"fileCount"`
}

// Result is returned on successful submission.
type Result struct {
	BatchID    string
	ImageCount int
	VideoCount int
	Jobs       []SubJob
}

// Handler validates batches and enqueues kind-partitioned jobs.
type Handler struct {
	cfg   config.Config
	store *store.Store
	queue *queue.Queue
	log   zerolog.Logger
}

// NewHandler builds a submission handler.
func NewHandler(cfg config.Config, st *store.Store, q *queue.Queue, log zerolog.Logger) *Handler {
	return &Handler{cfg: cfg, store: st, queue: q, log: log}
}

// ValidateOptions checks the overlay recipe ranges. Out-of-range values
// are rejected, not clamped, so the client learns about its bug.
func ValidateOptions(opts models.ProcessOptions) error {
	switch opts.LogoPosition {
	case models.PositionTopLeft, models.PositionTopRight,
		models.PositionBottomLeft, models.PositionBottomRight, models.PositionCenter:
	default:
		return fmt.Errorf("%w: unknown logoPosition %q", ErrBadOptions, opts.LogoPosition)
	}
	if opts.LogoSizePercent < 5 || opts.LogoSizePercent > 100 {
		return fmt.Errorf("%w: logoSizePercent %d out of [5,100]", ErrBadOptions, opts.LogoSizePercent)
	}
	if opts.LogoOpacityPercent < 10 || opts.LogoOpacityPercent > 100 {
		return fmt.Errorf("%w: logoOpacityPercent %d out of [10,100]", ErrBadOptions, opts.LogoOpacityPercent)
	}
	if opts.PaddingXPercent < 0 || opts.PaddingXPercent > 20 {
		return fmt.Errorf("%w: paddingXPercent %.1f out of [0,20]", ErrBadOptions, opts.PaddingXPercent)
	}
	if opts.PaddingYPercent < 0 || opts.PaddingYPercent > 20 {
		return fmt.Errorf("%w: paddingYPercent %.1f out of [0,20]", ErrBadOptions, opts.PaddingYPercent)
	}
	return nil
}

// ClassifyKind resolves a file to image or video exactly once at
// ingestion. The extension is authoritative when it is recognized, because
// upload clients routinely lie in Content-Type; the declared MIME type is
// the second vote, and content sniffing the last resort.
func ClassifyKind(name, declaredMime, path string) (models.MediaKind, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case imageExts[ext]:
		return models.KindImage, nil
	case videoExts[ext]:
		return models.KindVideo, nil
	}
	switch {
	case strings.HasPrefix(declaredMime, "image/"):
		return models.KindImage, nil
	case strings.HasPrefix(declaredMime, "video/"):
		return models.KindVideo, nil
	}
	if path != "" {
		if mt, err := mimetype.DetectFile(path); err == nil {
			switch {
			case strings.HasPrefix(mt.String(), "image/"):
				return models.KindImage, nil
			case strings.HasPrefix(mt.String(), "video/"):
				return models.KindVideo, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, name)
}

// Submit validates the request and enqueues one job per non-empty kind
// partition under a shared batch id. Validation is all-or-nothing: any
// failure enqueues nothing.
func (h *Handler) Submit(ctx context.Context, req Request) (Result, error) {
	if len(req.Files) == 0 {
		return Result{}, ErrNoFiles
	}
	if len(req.Files) > h.cfg.MaxBatchFiles {
		return Result{}, fmt.Errorf("%w: %d > %d", ErrTooManyFiles, len(req.Files), h.cfg.MaxBatchFiles)
	}
	var total int64
	for _, f := range req.Files {
		if f.Size > h.cfg.MaxFileBytes {
			return Result{}, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, f.OriginalName, f.Size)
		}
		total += f.Size
	}
	if total > h.cfg.MaxBatchBytes {
		return Result{}, fmt.Errorf("%w: %d bytes", ErrBatchTooLarge, total)
	}
	if err := ValidateOptions(req.Options); err != nil {
		return Result{}, err
	}

	logoPath, customLogo, err := h.resolveLogo(req.LogoPath)
	if err != nil {
		return Result{}, err
	}

	var images, videos []models.MediaItem
	for _, f := range req.Files {
		kind, err := ClassifyKind(f.OriginalName, f.DeclaredMime, f.Path)
		if err != nil {
			return Result{}, err
		}
		item := models.MediaItem{
			OriginalName: f.OriginalName,
			MimeType:     f.DeclaredMime,
			SourcePath:   f.Path,
			Size:         f.Size,
			Hash:         f.Hash,
			FileID:       f.FileID,
			Status:       models.ItemPending,
		}
		if kind == models.KindVideo {
			videos = append(videos, item)
		} else {
			images = append(images, item)
		}
	}

	batchID := uuid.NewString()
	result := Result{BatchID: batchID, ImageCount: len(images), VideoCount: len(videos)}

	partitions := []struct {
		kind  models.MediaKind
		items []models.MediaItem
	}{
		{models.KindImage, images},
		{models.KindVideo, videos},
	}
	var created []SubJob
	var stagedLogos []string
	for _, p := range partitions {
		if len(p.items) == 0 {
			continue
		}
		jobID := uuid.NewString()
		jobLogo := logoPath
		if customLogo {
			// Each sub-job owns its own copy so finishing one job cannot
			// delete the logo out from under its sibling.
			jobLogo = filepath.Join(filepath.Dir(logoPath), "logo_"+jobID+filepath.Ext(logoPath))
			if err := copyFile(logoPath, jobLogo); err != nil {
				h.rollback(ctx, created, stagedLogos)
				return Result{}, fmt.Errorf("stage logo: %w", err)
			}
			stagedLogos = append(stagedLogos, jobLogo)
		}
		job := &models.Job{
			ID:                 jobID,
			BatchID:            batchID,
			Kind:               p.kind,
			Items:              p.items,
			Options:            req.Options,
			LogoPath:           jobLogo,
			CustomLogo:         customLogo,
			GenerateThumbnails: req.GenerateThumbnails,
			Source:             req.Source,
			State:              models.StateQueued,
		}
		if err := h.store.CreateJob(ctx, job); err != nil {
			h.rollback(ctx, created, stagedLogos)
			return Result{}, fmt.Errorf("create %s job: %w", p.kind, err)
		}
		if err := h.queue.Enqueue(ctx, p.kind, job.ID); err != nil {
			h.rollback(ctx, created, stagedLogos)
			return Result{}, fmt.Errorf("enqueue %s job: %w", p.kind, err)
		}
		created = append(created, SubJob{Kind: p.kind, JobID: job.ID, Count: len(p.items)})
		h.log.Info().
			Str("batch_id", batchID).
			Str("job_id", job.ID).
			Str("kind", string(p.kind)).
			Int("items", len(p.items)).
			Msg("job enqueued")
	}

	if customLogo {
		// The uploaded original was staged per sub-job above.
		_ = os.Remove(logoPath)
	}
	result.Jobs = created
	return result, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// resolveLogo picks the custom logo when provided, else the configured
// default. A missing logo fails submission before anything is enqueued.
func (h *Handler) resolveLogo(custom string) (path string, isCustom bool, err error) {
	if custom != "" {
		if _, err := os.Stat(custom); err != nil {
			return "", false, fmt.Errorf("%w: custom logo unreadable: %v", ErrNoLogo, err)
		}
		return custom, true, nil
	}
	if _, err := os.Stat(h.cfg.DefaultLogoPath); err != nil {
		return "", false, fmt.Errorf("%w: default logo unreadable: %v", ErrNoLogo, err)
	}
	return h.cfg.DefaultLogoPath, false, nil
}

// rollback cancels jobs created before a later partition failed and
// removes their staged logo copies, keeping submission all-or-nothing.
func (h *Handler) rollback(ctx context.Context, created []SubJob, stagedLogos []string) {
	for _, sj := range created {
		if err := h.queue.Cancel(ctx, sj.Kind, sj.JobID); err != nil {
			h.log.Error().Err(err).Str("job_id", sj.JobID).Msg("rollback cancel failed")
		}
		if err := h.store.FailJob(ctx, sj.JobID, "submission rolled back"); err != nil {
			h.log.Error().Err(err).Str("job_id", sj.JobID).Msg("rollback fail failed")
		}
	}
	for _, path := range stagedLogos {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			h.log.Warn().Err(err).Str("path", path).Msg("rollback logo cleanup failed")
		}
	}
}
