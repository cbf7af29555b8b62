package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"media-batch-processor/internal/models"
)

// KindPolicy holds queue behavior for one media kind. Video work is far
// heavier than image work, so the two kinds carry different lease and
// retry settings and drain through independent queues.
type KindPolicy struct {
	MaxAttempts   int
	MaxStalls     int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	LeaseDuration time.Duration
	HeartbeatEach time.Duration
}

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DataDir         string
	DefaultLogoPath string

	MaxFileBytes  int64
	MaxBatchBytes int64
	MaxBatchFiles int
	MaxChunkBytes int64

	ProcessedTTL    time.Duration
	CleanupInterval time.Duration
	ChunkTTL        time.Duration
	SessionTTL      time.Duration
	FileRecordTTL   time.Duration
	JobRetention    time.Duration

	WorkerKind         models.MediaKind
	WorkerPollInterval time.Duration
	Image              KindPolicy
	Video              KindPolicy

	VideoMaxDuration time.Duration
	ThumbnailMaxPx   int
	FFmpegPath       string
	FFprobePath      string

	GroupDebounce     time.Duration
	GroupFetchWorkers int

	RateLimitCapacity int
	RateLimitRefill   float64

	ArtifactS3Bucket   string
	ArtifactS3Region   string
	ArtifactS3Endpoint string

	DownloadBaseURL string
}

// Load reads configuration from environment variables with sane defaults
// for local development. Numeric TTL/interval values are clamped the same
// way the operators expect: a bad value degrades, it never disables cleanup.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "3000"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		DataDir:         getEnv("DATA_DIR", "./data"),
		DefaultLogoPath: getEnv("DEFAULT_LOGO_PATH", "./images/logo.png"),

		MaxFileBytes:  getEnvInt64("MAX_FILE_BYTES", 1600*1024*1024),
		MaxBatchBytes: getEnvInt64("MAX_BATCH_BYTES", 40*1024*1024*1024),
		MaxBatchFiles: getEnvInt("MAX_BATCH_FILES", 400),
		MaxChunkBytes: getEnvInt64("MAX_CHUNK_BYTES", 200*1024*1024),

		ChunkTTL:      getEnvDuration("CHUNK_TTL", time.Hour),
		SessionTTL:    getEnvDuration("SESSION_TTL", 4*time.Hour),
		FileRecordTTL: getEnvDuration("FILE_RECORD_TTL", 4*time.Hour),
		JobRetention:  getEnvDuration("JOB_RETENTION", 24*time.Hour),

		WorkerKind:         models.MediaKind(getEnv("WORKER_KIND", "image")),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", time.Second),

		Image: KindPolicy{
			MaxAttempts:   getEnvInt("IMAGE_MAX_ATTEMPTS", 3),
			MaxStalls:     getEnvInt("IMAGE_MAX_STALLS", 3),
			BackoffBase:   getEnvDuration("IMAGE_BACKOFF_BASE", 2*time.Second),
			BackoffMax:    getEnvDuration("IMAGE_BACKOFF_MAX", 5*time.Minute),
			LeaseDuration: getEnvDuration("IMAGE_LEASE_DURATION", 5*time.Minute),
			HeartbeatEach: getEnvDuration("IMAGE_HEARTBEAT_EACH", 150*time.Second),
		},
		Video: KindPolicy{
			MaxAttempts:   getEnvInt("VIDEO_MAX_ATTEMPTS", 2),
			MaxStalls:     getEnvInt("VIDEO_MAX_STALLS", 2),
			BackoffBase:   getEnvDuration("VIDEO_BACKOFF_BASE", 5*time.Second),
			BackoffMax:    getEnvDuration("VIDEO_BACKOFF_MAX", 10*time.Minute),
			LeaseDuration: getEnvDuration("VIDEO_LEASE_DURATION", 30*time.Minute),
			HeartbeatEach: getEnvDuration("VIDEO_HEARTBEAT_EACH", 15*time.Minute),
		},

		VideoMaxDuration: getEnvDuration("VIDEO_MAX_DURATION", 0),
		ThumbnailMaxPx:   getEnvInt("THUMBNAIL_MAX_PX", 800),
		FFmpegPath:       getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:      getEnv("FFPROBE_PATH", "ffprobe"),

		GroupDebounce:     getEnvDuration("GROUP_DEBOUNCE", 5*time.Second),
		GroupFetchWorkers: getEnvInt("GROUP_FETCH_WORKERS", 4),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 30),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 5),

		ArtifactS3Bucket:   getEnv("ARTIFACT_S3_BUCKET", ""),
		ArtifactS3Region:   getEnv("ARTIFACT_S3_REGION", "us-east-1"),
		ArtifactS3Endpoint: getEnv("ARTIFACT_S3_ENDPOINT", ""),

		DownloadBaseURL: getEnv("DOWNLOAD_BASE_URL", "http://localhost:3000"),
	}

	ttlMinutes := clampInt(getEnvInt("PROCESSED_TTL_MINUTES", 60), 5, 24*60)
	cfg.ProcessedTTL = time.Duration(ttlMinutes) * time.Minute
	cleanupMinutes := clampInt(getEnvInt("CLEANUP_INTERVAL_MINUTES", 10), 5, ttlMinutes)
	cfg.CleanupInterval = time.Duration(cleanupMinutes) * time.Minute

	return cfg
}

// Policy returns the queue policy for a media kind.
func (c Config) Policy(kind models.MediaKind) KindPolicy {
	if kind == models.KindVideo {
		return c.Video
	}
	return c.Image
}

// ProcessedDir is where finished artifacts live, one directory per batch.
func (c Config) ProcessedDir() string { return filepath.Join(c.DataDir, "processed") }

// TempUploadDir holds in-flight uploads until a worker consumes them.
func (c Config) TempUploadDir() string { return filepath.Join(c.DataDir, "temp_uploads") }

// ChunkDir holds numbered chunks of oversized single-file uploads.
func (c Config) ChunkDir() string { return filepath.Join(c.DataDir, "chunks") }

// MediaDir holds single-file outputs served by opaque download id.
func (c Config) MediaDir() string { return filepath.Join(c.DataDir, "media") }

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
