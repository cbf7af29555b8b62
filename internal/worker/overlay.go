package worker

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"media-batch-processor/internal/config"
	"media-batch-processor/internal/models"
)

// ImageTransform applies the logo overlay recipe to still images.
type ImageTransform struct {
	cfg config.Config
}

// NewImageTransform builds the image transform.
func NewImageTransform(cfg config.Config) *ImageTransform {
	return &ImageTransform{cfg: cfg}
}

// logoSize computes the target logo dimensions for one media frame: the
// width is a percentage of the media width, the height follows the logo's
// own aspect ratio.
func logoSize(mediaW, logoW, logoH, sizePercent int) (int, int) {
	w := int(math.Round(float64(mediaW) * float64(sizePercent) / 100))
	if w < 1 {
		w = 1
	}
	h := int(math.Round(float64(w) * float64(logoH) / float64(logoW)))
	if h < 1 {
		h = 1
	}
	return w, h
}

// placement computes the top-left corner for the logo. Padding is a
// percentage of the media dimension per axis. Both coordinates clamp to
// zero so an oversized logo degrades to flush placement instead of
// rendering off-canvas.
func placement(mediaW, mediaH, logoW, logoH int, position string, padXPercent, padYPercent float64) (int, int) {
	padX := int(math.Round(float64(mediaW) * padXPercent / 100))
	padY := int(math.Round(float64(mediaH) * padYPercent / 100))

	var x, y int
	switch position {
	case models.PositionTopLeft:
		x, y = padX, padY
	case models.PositionTopRight:
		x, y = mediaW-logoW-padX, padY
	case models.PositionBottomLeft:
		x, y = padX, mediaH-logoH-padY
	case models.PositionCenter:
		x, y = (mediaW-logoW)/2, (mediaH-logoH)/2
	default: // bottom-right
		x, y = mediaW-logoW-padX, mediaH-logoH-padY
	}
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	return x, y
}

// Process overlays the job's logo onto one image and writes the full-size
// artifact plus, unless suppressed, a bounded thumbnail. The item's URLs
// are filled in on success.
func (t *ImageTransform) Process(job *models.Job, item *models.MediaItem, outDir string) error {
	src, err := imaging.Open(item.SourcePath, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	logo, err := imaging.Open(job.LogoPath)
	if err != nil {
		return fmt.Errorf("open logo: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	lw, lh := logoSize(w, logo.Bounds().Dx(), logo.Bounds().Dy(), job.Options.LogoSizePercent)
	logo = imaging.Resize(logo, lw, lh, imaging.Lanczos)

	x, y := placement(w, h, lw, lh, job.Options.LogoPosition, job.Options.PaddingXPercent, job.Options.PaddingYPercent)
	opacity := float64(job.Options.LogoOpacityPercent) / 100
	out := imaging.Overlay(src, logo, image.Pt(x, y), opacity)

	base := baseName(item.OriginalName)
	fullName := base + "_processed.jpg"
	fullPath := filepath.Join(outDir, fullName)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := imaging.Save(out, fullPath, imaging.JPEGQuality(100)); err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	item.FullURL = "/processed/" + job.BatchID + "/" + fullName

	if job.GenerateThumbnails {
		thumb := imaging.Fit(out, t.cfg.ThumbnailMaxPx, t.cfg.ThumbnailMaxPx, imaging.Lanczos)
		thumbName := base + "_thumbnail.jpg"
		if err := imaging.Save(thumb, filepath.Join(outDir, thumbName), imaging.JPEGQuality(75)); err != nil {
			return fmt.Errorf("save thumbnail: %w", err)
		}
		item.ThumbnailURL = "/processed/" + job.BatchID + "/" + thumbName
	}
	return nil
}

// baseName strips the extension and any path components a client smuggled
// into the file name.
func baseName(name string) string {
	name = filepath.Base(name)
	ext := filepath.Ext(name)
	name = strings.TrimSuffix(name, ext)
	if name == "" || name == "." || name == ".." {
		name = "file"
	}
	return name
}
