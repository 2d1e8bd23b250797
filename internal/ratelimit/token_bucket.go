package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   redis.UniversalClient
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until the next token is available; zero when allowed.
	RetryAfter time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client redis.UniversalClient, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes a single token for the given key if available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{"ratelimit:" + key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected script result %v", key, res)
	}

	// The script reports milli-tokens since Redis truncates Lua numbers to integers.
	d := Decision{Allowed: res[0] == 1, Remaining: float64(res[1]) / 1000}
	if !d.Allowed {
		d.RetryAfter = time.Hour
		if b.refill > 0 {
			missing := 1 - d.Remaining
			d.RetryAfter = time.Duration(math.Ceil(missing/b.refill*1000)) * time.Millisecond
		}
	}
	return d, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens * 1000)}
`)
