package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"media-batch-processor/internal/api"
	"media-batch-processor/internal/artifacts"
	"media-batch-processor/internal/batcher"
	"media-batch-processor/internal/config"
	"media-batch-processor/internal/models"
	"media-batch-processor/internal/queue"
	"media-batch-processor/internal/ratelimit"
	"media-batch-processor/internal/status"
	"media-batch-processor/internal/store"
	"media-batch-processor/internal/submit"
	"media-batch-processor/internal/upload"
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

	for _, dir := range []string{cfg.ProcessedDir(), cfg.TempUploadDir(), cfg.ChunkDir(), cfg.MediaDir()} {
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
	sub := submit.NewHandler(cfg, st, q, log)
	agg := status.New(st)
	pipe := upload.NewPipeline(cfg)
	reasm := upload.NewReassembler(cfg, st, log)
	art, err := artifacts.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init artifact store")
	}
	limiter := ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, q, sub, agg, pipe, reasm, art, limiter, log)

	fetcher := batcher.NewHTTPFetcher(cfg, 2*time.Minute)
	chatOptions := models.ProcessOptions{
		LogoPosition:       models.PositionBottomRight,
		LogoSizePercent:    15,
		LogoOpacityPercent: 100,
		PaddingXPercent:    2,
		PaddingYPercent:    2,
	}
	server.SetBatcher(batcher.New(cfg, fetcher, sub, chatOptions, log))

	go art.RunSweeper(ctx)
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reasm.PruneStale(time.Now().Add(-cfg.ChunkTTL))
			}
		}
	}()

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}
	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api").Logger()
	if cfg.Env == "dev" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return log
}
