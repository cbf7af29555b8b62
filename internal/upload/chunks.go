package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"media-batch-processor/internal/config"
	"media-batch-processor/internal/models"
	"media-batch-processor/internal/store"
)

// ErrChunkTooLarge rejects a single chunk over the configured ceiling.
var ErrChunkTooLarge = errors.New("chunk exceeds size ceiling")

// ErrIncomplete means a merge was requested before every index arrived.
var ErrIncomplete = errors.New("chunk set incomplete")

// Reassembler persists numbered chunks of oversized single-file uploads
// and merges them strictly in index order once the set is complete.
// Partial sets are bounded by TTL on both the Redis records and the
// on-disk files, so an abandoned upload cannot pin disk forever.
type Reassembler struct {
	cfg   config.Config
	store *store.Store
	log   zerolog.Logger
}

// NewReassembler builds a reassembler over the chunk store.
func NewReassembler(cfg config.Config, st *store.Store, log zerolog.Logger) *Reassembler {
	return &Reassembler{cfg: cfg, store: st, log: log}
}

func (r *Reassembler) uploadDir(uploadID string) string {
	return filepath.Join(r.cfg.ChunkDir(), uploadID)
}

// SaveChunk streams one chunk to disk and records it. Re-sending an index
// overwrites the previous copy, which makes client retries idempotent.
func (r *Reassembler) SaveChunk(ctx context.Context, uploadID string, index int, body io.Reader) (models.ChunkInfo, error) {
	dir := r.uploadDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.ChunkInfo{}, fmt.Errorf("create chunk dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("chunk_%d", index))

	out, err := os.Create(path)
	if err != nil {
		return models.ChunkInfo{}, fmt.Errorf("create chunk file: %w", err)
	}

	hasher := md5.New()
	written, err := io.Copy(io.MultiWriter(out, hasher), io.LimitReader(body, r.cfg.MaxChunkBytes+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return models.ChunkInfo{}, fmt.Errorf("write chunk: %w", err)
	}
	if written > r.cfg.MaxChunkBytes {
		os.Remove(path)
		return models.ChunkInfo{}, fmt.Errorf("%w: index %d", ErrChunkTooLarge, index)
	}

	info := models.ChunkInfo{
		Index:      index,
		Size:       written,
		Hash:       hex.EncodeToString(hasher.Sum(nil)),
		Path:       path,
		ReceivedAt: time.Now().UTC(),
	}
	if err := r.store.PutChunk(ctx, uploadID, info); err != nil {
		os.Remove(path)
		return models.ChunkInfo{}, err
	}
	return info, nil
}

// Received reports how many of the first totalChunks indices are present.
func (r *Reassembler) Received(ctx context.Context, uploadID string, totalChunks int) (int, error) {
	count := 0
	for i := 0; i < totalChunks; i++ {
		_, err := r.store.GetChunk(ctx, uploadID, i)
		if errors.Is(err, store.ErrChunkMissing) {
			continue
		}
		if err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}

// Merge concatenates chunks 0..totalChunks-1 into one output file. It
// refuses to run unless every index is present; a gap means a chunk
// expired or never arrived, and appending around it would corrupt the
// file. Chunk files and records are deleted after a successful merge.
func (r *Reassembler) Merge(ctx context.Context, uploadID string, totalChunks int, outPath string) (int64, error) {
	infos := make([]models.ChunkInfo, totalChunks)
	for i := 0; i < totalChunks; i++ {
		info, err := r.store.GetChunk(ctx, uploadID, i)
		if errors.Is(err, store.ErrChunkMissing) {
			return 0, fmt.Errorf("%w: index %d of %d", ErrIncomplete, i, totalChunks)
		}
		if err != nil {
			return 0, err
		}
		infos[i] = info
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}
	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("create merged file: %w", err)
	}

	var total int64
	for _, info := range infos {
		n, err := appendFile(out, info.Path)
		if err != nil {
			out.Close()
			os.Remove(outPath)
			return 0, fmt.Errorf("append chunk %d: %w", info.Index, err)
		}
		total += n
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return 0, fmt.Errorf("close merged file: %w", err)
	}

	for _, info := range infos {
		_ = os.Remove(info.Path)
		_ = r.store.DeleteChunk(ctx, uploadID, info.Index)
	}
	_ = os.Remove(r.uploadDir(uploadID))
	return total, nil
}

// PruneStale removes on-disk chunk directories whose newest file predates
// the cutoff. Redis records expire on their own TTL; this sweep covers
// the disk side for uploads whose final chunk never arrived.
func (r *Reassembler) PruneStale(cutoff time.Time) (removed int) {
	entries, err := os.ReadDir(r.cfg.ChunkDir())
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn().Err(err).Msg("chunk prune scan failed")
		}
		return 0
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.cfg.ChunkDir(), entry.Name())
		if newestMtime(dir).After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			r.log.Warn().Err(err).Str("dir", dir).Msg("chunk prune failed")
			continue
		}
		removed++
	}
	return removed
}

func appendFile(dst io.Writer, src string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return io.Copy(dst, in)
}

func newestMtime(dir string) time.Time {
	var newest time.Time
	entries, err := os.ReadDir(dir)
	if err != nil {
		return newest
	}
	for _, e := range entries {
		if info, err := e.Info(); err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}
