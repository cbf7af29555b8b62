package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"media-batch-processor/internal/artifacts"
	"media-batch-processor/internal/config"
	"media-batch-processor/internal/models"
	"media-batch-processor/internal/queue"
	"media-batch-processor/internal/store"
	"media-batch-processor/internal/telemetry"
	"media-batch-processor/internal/worker"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	for _, dir := range []string{cfg.ProcessedDir(), cfg.MediaDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("create data dir")
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
	}

	st := store.New(client, cfg)
	q := queue.New(client, cfg)

	kind := cfg.WorkerKind
	var transform worker.Transform
	switch kind {
	case models.KindVideo:
		vt := worker.NewVideoTransform(cfg)
		transform = vt.Process
	case models.KindImage:
		it := worker.NewImageTransform(cfg)
		transform = func(_ context.Context, job *models.Job, item *models.MediaItem, outDir string) error {
			return it.Process(job, item, outDir)
		}
	default:
		log.Fatal().Str("kind", string(kind)).Msg("unknown worker kind")
	}

	hostname, _ := os.Hostname()
	workerID := hostname + "-" + uuid.NewString()[:8]

	go serveMetrics(cfg, log)

	proc := worker.NewProcessor(cfg, kind, q, st, transform, workerID, log)
	art, err := artifacts.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init artifact store")
	}
	proc.SetMirror(art)
	log.Info().Str("kind", string(kind)).Str("worker_id", workerID).Msg("worker started")
	if err := proc.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("worker loop")
	}
}

func serveMetrics(cfg config.Config, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
		log.Error().Err(err).Msg("metrics listener")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "worker").Logger()
	if cfg.Env == "dev" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return log
}
