package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"media-pipeline/internal/config"
	"media-pipeline/internal/logging"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/telemetry"
	workerproc "media-pipeline/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.Env)
	if cfg.QueueBackend != "redis" {
		log.Fatal().Str("queue_backend", cfg.QueueBackend).Msg("the delivery worker only drains the built-in redis queue")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}

	q := queue.NewRedisQueue(rdb, cfg)

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessor(cfg, q, &http.Client{}, logging.Component(log, "worker"), workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("worker_id", workerID).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Str("step_base_url", cfg.StepBaseURL).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		log.Info().Err(err).Msg("worker stopped")
	}
}
