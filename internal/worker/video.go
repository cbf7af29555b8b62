package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"media-batch-processor/internal/config"
	"media-batch-processor/internal/models"
)

// VideoTransform applies the logo overlay to videos by shelling out to
// ffmpeg. Geometry uses the same coordinate scheme as images, computed
// from the probed frame size.
type VideoTransform struct {
	cfg config.Config
}

// NewVideoTransform builds the video transform.
func NewVideoTransform(cfg config.Config) *VideoTransform {
	return &VideoTransform{cfg: cfg}
}

type probeResult struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// probe reads the container's frame dimensions and duration via ffprobe.
func (t *VideoTransform) probe(ctx context.Context, path string) (width, height int, duration float64, err error) {
	cmd := exec.CommandContext(ctx, t.cfg.FFprobePath,
		"-v", "error",
		"-show_streams", "-show_format",
		"-of", "json",
		path,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, 0, 0, fmt.Errorf("ffprobe: %w", err)
	}
	var res probeResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		return 0, 0, 0, fmt.Errorf("parse ffprobe output: %w", err)
	}
	for _, s := range res.Streams {
		if s.CodecType == "video" && s.Width > 0 {
			width, height = s.Width, s.Height
			break
		}
	}
	if width == 0 || height == 0 {
		return 0, 0, 0, fmt.Errorf("no video stream in %s", filepath.Base(path))
	}
	duration, _ = strconv.ParseFloat(res.Format.Duration, 64)
	return width, height, duration, nil
}

// Process overlays the logo onto one video, optionally trims it to the
// configured maximum duration, and extracts a thumbnail frame from a
// fixed 2s offset to dodge leading black frames.
func (t *VideoTransform) Process(ctx context.Context, job *models.Job, item *models.MediaItem, outDir string) error {
	w, h, duration, err := t.probe(ctx, item.SourcePath)
	if err != nil {
		return err
	}

	logo, err := os.Open(job.LogoPath)
	if err != nil {
		return fmt.Errorf("open logo: %w", err)
	}
	logoCfg, _, err := decodeImageConfig(logo)
	logo.Close()
	if err != nil {
		return fmt.Errorf("decode logo: %w", err)
	}

	lw, lh := logoSize(w, logoCfg.Width, logoCfg.Height, job.Options.LogoSizePercent)
	x, y := placement(w, h, lw, lh, job.Options.LogoPosition, job.Options.PaddingXPercent, job.Options.PaddingYPercent)
	opacity := float64(job.Options.LogoOpacityPercent) / 100

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	base := baseName(item.OriginalName)
	fullName := base + "_processed.mp4"
	fullPath := filepath.Join(outDir, fullName)

	filter := fmt.Sprintf(
		"[1:v]scale=%d:%d,format=rgba,colorchannelmixer=aa=%.2f[logo];[0:v][logo]overlay=%d:%d",
		lw, lh, opacity, x, y,
	)
	args := []string{"-y", "-i", item.SourcePath, "-i", job.LogoPath}
	if limit := t.cfg.VideoMaxDuration; limit > 0 && duration > limit.Seconds() {
		args = append(args, "-t", fmt.Sprintf("%.3f", limit.Seconds()))
	}
	args = append(args,
		"-filter_complex", filter,
		"-c:v", "libx264", "-preset", "medium", "-crf", "15",
		"-c:a", "copy",
		"-movflags", "+faststart",
		fullPath,
	)
	if err := t.run(ctx, args); err != nil {
		return fmt.Errorf("overlay video: %w", err)
	}
	item.FullURL = "/processed/" + job.BatchID + "/" + fullName

	if job.GenerateThumbnails {
		thumbName := base + "_thumbnail.jpg"
		thumbPath := filepath.Join(outDir, thumbName)
		// Seek past t=0 so black lead-in frames never become the preview.
		offset := "2"
		if duration > 0 && duration < 2 {
			offset = "0"
		}
		scale := fmt.Sprintf(
			"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
			t.cfg.ThumbnailMaxPx, t.cfg.ThumbnailMaxPx, t.cfg.ThumbnailMaxPx, t.cfg.ThumbnailMaxPx,
		)
		thumbArgs := []string{
			"-y", "-ss", offset, "-i", fullPath,
			"-frames:v", "1", "-vf", scale, "-q:v", "4",
			thumbPath,
		}
		if err := t.run(ctx, thumbArgs); err != nil {
			return fmt.Errorf("extract thumbnail: %w", err)
		}
		item.ThumbnailURL = "/processed/" + job.BatchID + "/" + thumbName
	}
	return nil
}

func (t *VideoTransform) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, t.cfg.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, tail(stderr.String(), 500))
	}
	return nil
}

// tail returns at most the last n bytes of s; ffmpeg's useful error text
// is at the end of a long stderr stream.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func decodeImageConfig(r io.Reader) (image.Config, string, error) {
	return image.DecodeConfig(r)
}
