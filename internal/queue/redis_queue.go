package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"media-pipeline/internal/config"
	"media-pipeline/internal/telemetry"
)

// ErrMessageNotFound is returned when a message body is missing from Redis.
var ErrMessageNotFound = errors.New("queue message not found")

// Message states reported by Inspect.
const (
	StateScheduled = "scheduled"
	StateReady     = "ready"
	StateInFlight  = "inflight"
	StateUnknown   = "unknown"
)

// RedisQueue coordinates ready, in-flight, and scheduled messages in Redis.
type RedisQueue struct {
	client         redis.UniversalClient
	readyKey       string
	inflightKey    string
	scheduledKey   string
	messagePrefix  string
	visibilityTTL  time.Duration
	dlqKey         string
	defaultRetries int
	now            func() time.Time
}

// Envelope is a dequeued message with its delivery bookkeeping.
type Envelope struct {
	ID          string
	Kind        Kind
	Payload     json.RawMessage
	Attempts    int
	MaxAttempts int
}

// NewRedisQueue builds a queue over client using the delivery settings from cfg.
func NewRedisQueue(client redis.UniversalClient, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 15 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	retries := cfg.DeliveryMaxAttempts
	if retries <= 0 {
		retries = 3
	}
	return &RedisQueue{
		client:         client,
		readyKey:       "queue:ready",
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		messagePrefix:  "queue:msg:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
		defaultRetries: retries,
		now:            time.Now,
	}
}

func (q *RedisQueue) messageKey(id string) string {
	return q.messagePrefix + id
}

// Schedule stores the message and places it in the scheduled set or the ready list.
func (q *RedisQueue) Schedule(ctx context.Context, msg Message) (string, error) {
	id := uuid.NewString()
	retries := msg.Retries
	if retries <= 0 {
		retries = q.defaultRetries
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.messageKey(id),
		"kind", string(msg.Kind),
		"payload", string(msg.Payload),
		"attempts", 0,
		"max_attempts", retries,
	)
	if msg.Delay > 0 {
		runAt := q.now().Add(msg.Delay)
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	} else {
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", msg.Kind, err)
	}
	telemetry.EnqueueCounter.WithLabelValues(string(msg.Kind)).Inc()
	return id, nil
}

// Reschedule moves an existing message back into the scheduled set.
func (q *RedisQueue) Reschedule(ctx context.Context, id string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id}).Err()
}

// PromoteScheduled moves due scheduled messages into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{q.scheduledKey, q.readyKey}, now.UnixMilli(), limit).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DequeueWithLease pops a message from the ready list and places it into inflight with a visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := []string{q.readyKey, q.inflightKey}
	res, err := dequeueScript.Run(ctx, q.client, keys, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return id, nil
}

// Load reads the stored message body and delivery counters.
func (q *RedisQueue) Load(ctx context.Context, id string) (Envelope, error) {
	fields, err := q.client.HGetAll(ctx, q.messageKey(id)).Result()
	if err != nil {
		return Envelope{}, fmt.Errorf("load message %s: %w", id, err)
	}
	if len(fields) == 0 {
		return Envelope{}, fmt.Errorf("load message %s: %w", id, ErrMessageNotFound)
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	maxAttempts, _ := strconv.Atoi(fields["max_attempts"])
	if maxAttempts <= 0 {
		maxAttempts = q.defaultRetries
	}
	return Envelope{
		ID:          id,
		Kind:        Kind(fields["kind"]),
		Payload:     json.RawMessage(fields["payload"]),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}, nil
}

// RecordAttempt increments and returns the delivery attempt counter.
func (q *RedisQueue) RecordAttempt(ctx context.Context, id string) (int, error) {
	n, err := q.client.HIncrBy(ctx, q.messageKey(id), "attempts", 1).Result()
	return int(n), err
}

// ExtendLease pushes the visibility deadline forward for an in-flight message.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a message from in-flight tracking and deletes its body.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.messageKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Release removes a message from in-flight tracking but keeps its body for a later redelivery.
func (q *RedisQueue) Release(ctx context.Context, id string) error {
	return q.client.ZRem(ctx, q.inflightKey, id).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DeadLetter acks the message and appends its id to the dead-letter list. The body is
// kept for operational inspection.
func (q *RedisQueue) DeadLetter(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.RPush(ctx, q.dlqKey, id)
	_, err := pipe.Exec(ctx)
	if err == nil {
		telemetry.DeadLetters.Inc()
	}
	return err
}

// DLQPeek reads the latest dead-lettered message IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// Inspect reports where a message currently sits.
func (q *RedisQueue) Inspect(ctx context.Context, id string) (string, error) {
	pipe := q.client.Pipeline()
	scheduled := pipe.ZScore(ctx, q.scheduledKey, id)
	inflight := pipe.ZScore(ctx, q.inflightKey, id)
	exists := pipe.Exists(ctx, q.messageKey(id))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return "", err
	}
	switch {
	case scheduled.Err() == nil:
		return StateScheduled, nil
	case inflight.Err() == nil:
		return StateInFlight, nil
	case exists.Val() == 1:
		return StateReady, nil
	}
	return StateUnknown, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    return id
  end
end
return nil
`)

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('RPUSH', KEYS[2], id)
    moved = moved + 1
  end
end
return moved
`)
