package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"media-pipeline/internal/api"
	"media-pipeline/internal/config"
	"media-pipeline/internal/embedding"
	"media-pipeline/internal/lock"
	"media-pipeline/internal/logging"
	"media-pipeline/internal/media"
	"media-pipeline/internal/notify"
	"media-pipeline/internal/pipeline"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/ratelimit"
	"media-pipeline/internal/store"
	"media-pipeline/internal/transcribe"
	"media-pipeline/internal/upstream"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.Env)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	var (
		sched    queue.Scheduler
		dlq      api.DLQReader
		messages api.MessageInspector
	)
	switch cfg.QueueBackend {
	case "http":
		sched = queue.NewHTTPQueue(nil, cfg.QueueEnqueueURL, cfg.StepBaseURL, cfg.QueueToken)
	default:
		rq := queue.NewRedisQueue(rdb, cfg)
		sched, dlq, messages = rq, rq, rq
	}
	jobs := pipeline.NewJobScheduler(sched, cfg.DeliveryMaxAttempts)

	attachmentLock := lock.NewRedisLock(rdb, "attachment", cfg.LockTTL)
	upstreamClient := upstream.NewClient(&http.Client{}, cfg.UpstreamToken)
	notifier := newNotifier(cfg, upstreamClient, log)

	artifacts, err := media.NewArtifactStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init artifact store")
	}
	extractor := media.NewExtractor(&http.Client{}, artifacts, media.ExtractorOptions{
		FFmpegPath:      cfg.FFmpegPath,
		MaxBytes:        cfg.AudioMaxBytes,
		DownloadTimeout: cfg.DownloadTimeout,
	}, logging.Component(log, media.Service))

	deps := pipeline.Deps{
		Store:     st,
		Lock:      attachmentLock,
		Notifier:  notifier,
		Scheduler: jobs,
		Policy:    pipeline.RetryPolicy{Unit: cfg.RetryUnit},
		Schema:    pipeline.NewSchema(),
		Log:       logging.Component(log, "pipeline"),
	}
	transcriber := transcribe.NewClient(upstreamClient, cfg.TranscribeURL, cfg.TranscribeTimeout)
	generator := embedding.NewDualGenerator(
		newBackend(upstreamClient, embedding.ModelBGE, cfg.EmbedBGEURL, cfg.EmbedTimeout),
		newBackend(upstreamClient, embedding.ModelE5, cfg.EmbedE5URL, cfg.EmbedTimeout),
		logging.Component(log, embedding.Service),
	)

	orchestrator := pipeline.NewOrchestrator(st, attachmentLock, extractor, jobs, notifier,
		pipeline.OrchestratorOptions{MaxRetries: cfg.MaxRetries, RetryAfter: cfg.LockRetryAfter},
		logging.Component(log, "orchestrator"))

	var mediaDir string
	if local, ok := artifacts.(*media.LocalStore); ok {
		mediaDir = local.Dir()
	}

	server := api.New(api.Deps{
		Starter:    orchestrator,
		Transcribe: pipeline.NewTranscribeWorker(deps, transcriber, cfg.EmbedHandoffDelay),
		Embed:      pipeline.NewEmbedWorker(deps, generator),
		State:      st,
		DLQ:        dlq,
		Messages:   messages,
		Limiter:    ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		MediaDir:   mediaDir,
		QueueToken: cfg.QueueToken,
		Log:        logging.Component(log, "api"),
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("port", cfg.HTTPPort).Str("queue_backend", cfg.QueueBackend).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newNotifier(cfg config.Config, client *upstream.Client, log zerolog.Logger) pipeline.Notifier {
	if cfg.NotifyURL == "" {
		return notify.NewLogNotifier(logging.Component(log, notify.Service))
	}
	return notify.NewHTTPNotifier(client, cfg.NotifyURL, cfg.NotifyTimeout)
}

// newBackend returns nil for an unconfigured model so the generator skips it.
func newBackend(client *upstream.Client, model, endpoint string, timeout time.Duration) embedding.Embedder {
	if endpoint == "" {
		return nil
	}
	return embedding.NewBackend(client, model, endpoint, timeout)
}
