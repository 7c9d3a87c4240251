package router

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SharedLimiter throttles calls across router instances.
type SharedLimiter interface {
	// Allow consumes one token for the tool. An error means the limiter
	// is unavailable; the router logs and proceeds on the local limit.
	Allow(ctx context.Context, tool string) (bool, error)
}

// tokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key, ARGV[1] = refill rate (tokens/sec),
// ARGV[2] = capacity, ARGV[3] = now (unix seconds, fractional).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter implements SharedLimiter with a per-tool token bucket.
type RedisLimiter struct {
	client   *redis.Client
	rate     float64
	capacity int
}

// NewRedisLimiter connects to Redis at addr. rate is tokens per second,
// capacity the burst ceiling.
func NewRedisLimiter(addr, password string, db int, ratePerSec float64, capacity int) *RedisLimiter {
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		rate:     ratePerSec,
		capacity: capacity,
	}
}

// Allow consumes one token for the tool's bucket.
func (l *RedisLimiter) Allow(ctx context.Context, tool string) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.client,
		[]string{"trustgate:rate:" + tool},
		l.rate, l.capacity, fmt.Sprintf("%.6f", now)).Int()
	if err != nil {
		return false, fmt.Errorf("router: redis limiter: %w", err)
	}
	return res == 1, nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error { return l.client.Close() }
