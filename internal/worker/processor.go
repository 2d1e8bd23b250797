package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"media-pipeline/internal/config"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/telemetry"
)

// Processor drains the Redis queue and pushes each message to its step endpoint.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	client   *http.Client
	log      zerolog.Logger
	workerID string
}

// Delivery results.
const (
	resultAcked      = "acked"
	resultRedeliver  = "redeliver"
	resultDeadLetter = "dead_letter"
)

// NewProcessor creates a processor with a specific worker ID for log correlation.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, client *http.Client, log zerolog.Logger, workerID string) *Processor {
	if client == nil {
		client = &http.Client{}
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		client:   client,
		log:      log.With().Str("worker_id", workerID).Logger(),
		workerID: workerID,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := p.Tick(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.Warn().Err(err).Msg("queue tick failed")
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// Tick performs one housekeeping pass and at most one delivery. It reports whether a
// message was delivered.
func (p *Processor) Tick(ctx context.Context) (bool, error) {
	now := time.Now()
	batch := int64(p.cfg.ScheduledBatchSize)
	if batch <= 0 {
		batch = 100
	}
	if _, err := p.queue.PromoteScheduled(ctx, now, batch); err != nil {
		return false, fmt.Errorf("promote scheduled: %w", err)
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, batch); err == nil && len(reclaimed) > 0 {
		p.log.Warn().Strs("message_ids", reclaimed).Msg("reclaimed expired leases")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	id, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if id == "" {
		return false, nil
	}

	env, err := p.queue.Load(ctx, id)
	if err != nil {
		if errors.Is(err, queue.ErrMessageNotFound) {
			_ = p.queue.Ack(ctx, id)
			return true, nil
		}
		return true, err
	}

	if p.cfg.DeliveryTimeout > p.cfg.VisibilityTimeout/2 {
		_ = p.queue.ExtendLease(ctx, id, p.cfg.DeliveryTimeout+time.Minute)
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	status, derr := p.deliver(ctx, env)
	result := p.settle(ctx, env, status, derr)
	telemetry.Deliveries.WithLabelValues(result).Inc()
	return true, nil
}

// deliver pushes the payload to the step endpoint and returns the response status.
func (p *Processor) deliver(ctx context.Context, env queue.Envelope) (int, error) {
	if p.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
		defer cancel()
	}
	url := p.cfg.StepBaseURL + env.Kind.Target()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(env.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Queue-Message-Id", env.ID)
	if p.cfg.QueueToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.QueueToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// settle acks, redelivers, or dead-letters a message based on the delivery outcome.
func (p *Processor) settle(ctx context.Context, env queue.Envelope, status int, derr error) string {
	log := p.log.With().Str("message_id", env.ID).Str("kind", string(env.Kind)).Int("status", status).Logger()

	switch {
	case derr == nil && status >= 200 && status < 300:
		_ = p.queue.Ack(ctx, env.ID)
		log.Debug().Msg("delivered")
		return resultAcked
	case derr == nil && status >= 400 && status < 500:
		log.Warn().Msg("step endpoint rejected message")
		_ = p.queue.DeadLetter(ctx, env.ID)
		return resultDeadLetter
	}

	attempts, err := p.queue.RecordAttempt(ctx, env.ID)
	if err != nil {
		attempts = env.Attempts + 1
	}
	cause := describe(status, derr)
	if attempts >= env.MaxAttempts {
		log.Error().Int("attempts", attempts).Str("cause", cause).Msg("delivery attempts exhausted")
		_ = p.queue.DeadLetter(ctx, env.ID)
		return resultDeadLetter
	}

	wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	_ = p.queue.Release(ctx, env.ID)
	_ = p.queue.Reschedule(ctx, env.ID, time.Now().Add(wait))
	log.Warn().Int("attempts", attempts).Dur("backoff", wait).Str("cause", cause).Msg("delivery failed, redelivering")
	return resultRedeliver
}

func describe(status int, err error) string {
	if err != nil {
		return strings.TrimSpace(err.Error())
	}
	return fmt.Sprintf("http %d", status)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(half))
	return wait/2 + jitter
}
