package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"media-batch-processor/internal/config"
	"media-batch-processor/internal/telemetry"
)

// Store owns the processed-artifact directory tree: one directory per
// batch, removed wholesale once its TTL lapses. When an S3 bucket is
// configured, finished artifacts are also mirrored there so they outlive
// the local TTL.
type Store struct {
	cfg    config.Config
	mirror *s3Mirror
	log    zerolog.Logger
}

// New builds the artifact store, connecting the S3 mirror when
// ARTIFACT_S3_BUCKET is set.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Store, error) {
	st := &Store{cfg: cfg, log: log}
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st.mirror = &s3Mirror{client: client, bucket: cfg.ArtifactS3Bucket}
	}
	return st, nil
}

// Resolve maps a batch id and file name to an on-disk artifact path,
// refusing anything that escapes the processed tree.
func (s *Store) Resolve(batchID, filename string) (string, error) {
	batchID = filepath.Base(filepath.Clean(batchID))
	filename = filepath.Base(filepath.Clean(filename))
	if batchID == "." || batchID == ".." || filename == "." || filename == ".." {
		return "", fmt.Errorf("invalid artifact path")
	}
	return filepath.Join(s.cfg.ProcessedDir(), batchID, filename), nil
}

// MirrorBatch uploads every artifact of one batch to S3. A mirror failure
// is logged, not fatal: the local copy remains authoritative until TTL.
func (s *Store) MirrorBatch(ctx context.Context, batchID string) {
	if s.mirror == nil {
		return
	}
	dir := filepath.Join(s.cfg.ProcessedDir(), batchID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.log.Warn().Err(err).Str("batch_id", batchID).Msg("mirror scan failed")
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("mirror read failed")
			continue
		}
		key := batchID + "/" + entry.Name()
		if err := s.mirror.put(ctx, key, data, contentTypeFor(entry.Name())); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("mirror upload failed")
		}
	}
}

// Sweep removes batch directories whose last-modified time predates the
// cutoff. Returns how many directories were removed.
func (s *Store) Sweep(cutoff time.Time) int {
	entries, err := os.ReadDir(s.cfg.ProcessedDir())
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Msg("sweep scan failed")
		}
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		dir := filepath.Join(s.cfg.ProcessedDir(), entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn().Err(err).Str("dir", dir).Msg("sweep remove failed")
			continue
		}
		removed++
		telemetry.ArtifactsSwept.Inc()
		s.log.Info().Str("dir", dir).Msg("expired artifacts removed")
	}
	return removed
}

// RunSweeper sweeps on the configured interval until the context ends.
func (s *Store) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(time.Now().Add(-s.cfg.ProcessedTTL))
		}
	}
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

type s3Mirror struct {
	client *s3.Client
	bucket string
}

func (m *s3Mirror) put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtifactS3Region),
	}
	if cfg.ArtifactS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:           cfg.ArtifactS3Endpoint,
					SigningRegion: cfg.ArtifactS3Region,
					Source:        aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}
