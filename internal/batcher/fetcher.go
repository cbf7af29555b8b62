package batcher

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"media-batch-processor/internal/config"
	"media-batch-processor/internal/submit"
)

// HTTPFetcher downloads chat media by URL into the temp upload directory,
// where the submission handler expects staged files.
type HTTPFetcher struct {
	cfg    config.Config
	client *http.Client
}

// NewHTTPFetcher builds a fetcher with a bounded download timeout.
func NewHTTPFetcher(cfg config.Config, timeout time.Duration) *HTTPFetcher {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPFetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch streams one media URL to disk, enforcing the per-file ceiling
// while downloading.
func (f *HTTPFetcher) Fetch(ctx context.Context, item Incoming) (submit.File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
	if err != nil {
		return submit.File{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return submit.File{}, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return submit.File{}, fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(f.cfg.TempUploadDir(), 0o755); err != nil {
		return submit.File{}, fmt.Errorf("create upload dir: %w", err)
	}
	name := filepath.Base(item.FileName)
	if name == "" || name == "." {
		name = item.MediaID
	}
	dst := filepath.Join(f.cfg.TempUploadDir(), uuid.NewString()+"_"+name)
	out, err := os.Create(dst)
	if err != nil {
		return submit.File{}, fmt.Errorf("create temp file: %w", err)
	}

	hasher := md5.New()
	limited := io.LimitReader(resp.Body, f.cfg.MaxFileBytes+1)
	written, err := io.Copy(io.MultiWriter(out, hasher), limited)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return submit.File{}, fmt.Errorf("write media: %w", err)
	}
	if written > f.cfg.MaxFileBytes {
		os.Remove(dst)
		return submit.File{}, fmt.Errorf("media too large (>%d bytes)", f.cfg.MaxFileBytes)
	}

	mime := item.MimeType
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	return submit.File{
		OriginalName: name,
		DeclaredMime: mime,
		Path:         dst,
		Size:         written,
		Hash:         hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}
