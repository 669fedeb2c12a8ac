package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// DefaultKeyPrefix namespaces limiter keys in a shared redis.
const DefaultKeyPrefix = "edgegw:ratelimit:"

// tokenBucketScript refills and takes tokens atomically.
// KEYS[1] bucket key; ARGV capacity, refill per second, now in ms.
// Returns {allowed, remaining, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
	tokens = capacity
	ts = now
end

if now > ts then
	tokens = math.min(capacity, tokens + (now - ts) / 1000.0 * rate)
	ts = now
end

local allowed = 0
local retry_ms = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
elseif rate > 0 then
	retry_ms = math.ceil((1 - tokens) / rate * 1000)
else
	retry_ms = 3600000
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(ts))
if rate > 0 then
	redis.call('PEXPIRE', key, math.ceil(capacity / rate * 1000) + 1000)
end

return {allowed, math.floor(tokens), retry_ms}
`)

// RedisLimiter is a token bucket shared by every gateway replica through
// redis. While redis is failing the circuit breaker opens and a local
// TokenBucket answers instead.
type RedisLimiter struct {
	client    redis.UniversalClient
	capacity  int
	refill    float64
	keyPrefix string
	logger    observability.Logger

	breaker  *gobreaker.CircuitBreaker
	fallback *TokenBucket

	breakerTimeout time.Duration
	closeOnce      sync.Once
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) RedisOption {
	return func(r *RedisLimiter) {
		r.logger = logger
	}
}

// WithKeyPrefix sets the redis key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisLimiter) {
		r.keyPrefix = prefix
	}
}

// WithBreakerTimeout sets how long the breaker stays open before probing
// redis again.
func WithBreakerTimeout(d time.Duration) RedisOption {
	return func(r *RedisLimiter) {
		r.breakerTimeout = d
	}
}

// NewRedisLimiter creates a redis-backed token bucket.
func NewRedisLimiter(client redis.UniversalClient, capacity int, refillPerSecond float64, opts ...RedisOption) *RedisLimiter {
	r := &RedisLimiter{
		client:         client,
		capacity:       capacity,
		refill:         refillPerSecond,
		keyPrefix:      DefaultKeyPrefix,
		logger:         observability.NopLogger(),
		breakerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.fallback = NewTokenBucket(capacity, refillPerSecond)
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-ratelimit",
		MaxRequests: 1,
		Timeout:     r.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("rate limiter circuit breaker state changed",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})

	return r
}

// Allow implements Limiter.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.allowRedis(ctx, key)
	})
	if err != nil {
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.logger.Debug("redis rate limit failed, using local bucket",
				observability.String("key", key),
				observability.Error(err),
			)
		}
		return r.fallback.Allow(ctx, key)
	}
	return out.(*Result), nil
}

func (r *RedisLimiter) allowRedis(ctx context.Context, key string) (*Result, error) {
	raw, err := tokenBucketScript.Run(ctx, r.client,
		[]string{r.keyPrefix + key},
		r.capacity,
		r.refill,
		time.Now().UnixMilli(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("token bucket script: %w", err)
	}
	return parseScriptResult(raw, r.capacity)
}

// parseScriptResult converts {allowed, remaining, retry_after_ms}.
func parseScriptResult(raw interface{}, limit int) (*Result, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) < 3 {
		return nil, fmt.Errorf("unexpected script result %v", raw)
	}

	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	retryMs, _ := values[2].(int64)

	result := &Result{
		Allowed:   allowed == 1,
		Limit:     limit,
		Remaining: max(0, int(remaining)),
	}
	if !result.Allowed {
		result.RetryAfter = time.Duration(retryMs) * time.Millisecond
	}
	return result, nil
}

// BreakerState returns the breaker state.
func (r *RedisLimiter) BreakerState() gobreaker.State {
	return r.breaker.State()
}

// Close implements Limiter. The redis client is owned by the caller.
func (r *RedisLimiter) Close() error {
	r.closeOnce.Do(func() {
		_ = r.fallback.Close()
	})
	return nil
}
