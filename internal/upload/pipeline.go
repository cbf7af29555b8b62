package upload

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"media-batch-processor/internal/config"
	"media-batch-processor/internal/telemetry"
)

// Limit errors. Each fires as soon as the limit is crossed mid-stream,
// never after full receipt.
var (
	ErrTooManyFiles  = errors.New("too many files in upload")
	ErrFileTooLarge  = errors.New("file exceeds per-file size ceiling")
	ErrBatchTooLarge = errors.New("upload exceeds total size ceiling")
)

// Saved is one file staged to local disk by the pipeline.
type Saved struct {
	FieldName    string
	OriginalName string
	DeclaredMime string
	Path         string
	Size         int64
	Hash         string
}

// Progress receives incremental byte counts during a transfer.
type Progress func(bytesReceived, bytesTotal int64)

// Pipeline streams multipart uploads to disk, enforcing ceilings while
// bytes are still arriving. Whole-request buffering is never used; a
// 40GiB batch flows through a fixed-size copy buffer.
type Pipeline struct {
	cfg config.Config
}

// NewPipeline builds the upload pipeline.
func NewPipeline(cfg config.Config) *Pipeline {
	return &Pipeline{cfg: cfg}
}

// Result is a fully parsed multipart request: staged files, an optional
// staged logo, and the plain form fields.
type Result struct {
	Files  []Saved
	Logo   *Saved
	Fields map[string]string
}

// Parse consumes a multipart stream. File parts named "files" become
// batch inputs, a part named "logo" becomes the custom logo, other parts
// are collected as form fields. On any error every staged file is
// removed; partial batches never leak onto disk.
func (p *Pipeline) Parse(reader *multipart.Reader, contentLength int64, progress Progress) (res Result, err error) {
	res.Fields = make(map[string]string)
	var received int64

	defer func() {
		if err != nil {
			p.Discard(res)
		}
	}()

	if err := os.MkdirAll(p.cfg.TempUploadDir(), 0o755); err != nil {
		return res, fmt.Errorf("create upload dir: %w", err)
	}

	for {
		part, perr := reader.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil {
			return res, fmt.Errorf("read part: %w", perr)
		}

		if part.FileName() == "" {
			value, verr := readField(part)
			if verr != nil {
				return res, verr
			}
			res.Fields[part.FormName()] = value
			continue
		}

		// Every file part counts against the ceiling regardless of its
		// field name; only the logo slot is exempt.
		if part.FormName() != "logo" && len(res.Files) >= p.cfg.MaxBatchFiles {
			part.Close()
			return res, fmt.Errorf("%w: limit %d", ErrTooManyFiles, p.cfg.MaxBatchFiles)
		}

		saved, serr := p.saveFile(part, func(n int64) {
			received += n
			telemetry.UploadBytes.Add(float64(n))
			if progress != nil {
				progress(received, contentLength)
			}
		})
		part.Close()
		if serr != nil {
			return res, serr
		}

		switch part.FormName() {
		case "logo":
			if res.Logo != nil {
				_ = os.Remove(res.Logo.Path)
			}
			res.Logo = &saved
		default:
			res.Files = append(res.Files, saved)
		}

		var batchTotal int64
		for _, f := range res.Files {
			batchTotal += f.Size
		}
		if batchTotal > p.cfg.MaxBatchBytes {
			return res, fmt.Errorf("%w: %d bytes", ErrBatchTooLarge, batchTotal)
		}
	}

	if progress != nil {
		progress(received, contentLength)
	}
	return res, nil
}

// saveFile streams one part to a uniquely named temp file, hashing as it
// copies and aborting the moment the per-file ceiling is crossed.
func (p *Pipeline) saveFile(part *multipart.Part, onChunk func(int64)) (Saved, error) {
	name := filepath.Base(part.FileName())
	dst := filepath.Join(p.cfg.TempUploadDir(), uuid.NewString()+"_"+sanitize(name))

	out, err := os.Create(dst)
	if err != nil {
		return Saved{}, fmt.Errorf("create temp file: %w", err)
	}

	hasher := md5.New()
	var written int64
	buf := make([]byte, 1<<20)
	for {
		n, rerr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > p.cfg.MaxFileBytes {
				out.Close()
				os.Remove(dst)
				return Saved{}, fmt.Errorf("%w: %s", ErrFileTooLarge, name)
			}
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				os.Remove(dst)
				return Saved{}, fmt.Errorf("write temp file: %w", werr)
			}
			hasher.Write(buf[:n])
			onChunk(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			os.Remove(dst)
			return Saved{}, fmt.Errorf("read upload: %w", rerr)
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return Saved{}, fmt.Errorf("close temp file: %w", err)
	}

	return Saved{
		FieldName:    part.FormName(),
		OriginalName: name,
		DeclaredMime: part.Header.Get("Content-Type"),
		Path:         dst,
		Size:         written,
		Hash:         hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Discard removes every file staged by a failed or abandoned parse.
func (p *Pipeline) Discard(res Result) {
	for _, f := range res.Files {
		_ = os.Remove(f.Path)
	}
	if res.Logo != nil {
		_ = os.Remove(res.Logo.Path)
	}
}

func readField(part *multipart.Part) (string, error) {
	// Form fields are small; 64KiB is generous for any option value.
	data, err := io.ReadAll(io.LimitReader(part, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read field %s: %w", part.FormName(), err)
	}
	return string(data), nil
}

func sanitize(name string) string {
	name = strings.ReplaceAll(name, string(filepath.Separator), "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "upload"
	}
	return name
}
