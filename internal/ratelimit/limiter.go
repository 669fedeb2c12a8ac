package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// Limiter decides whether one more request for a key fits the budget.
type Limiter interface {
	// Allow takes one unit for key. A non-nil error means the decision could
	// not be made; callers fail open.
	Allow(ctx context.Context, key string) (*Result, error)

	// Close releases background resources.
	Close() error
}

// Result represents the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Limit is the bucket capacity or window size.
	Limit int

	// Remaining is the number of requests still available now.
	Remaining int

	// RetryAfter is the duration to wait before retrying (when not allowed).
	RetryAfter time.Duration
}

// New creates the limiter described by cfg. client is required only for the
// redis store.
func New(cfg *config.RateLimitConfig, client redis.UniversalClient, logger observability.Logger) (Limiter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("rate limit config is nil")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	switch cfg.Store {
	case config.StoreRedis:
		if client == nil {
			return nil, fmt.Errorf("redis store requires a redis client")
		}
		return NewRedisLimiter(client, cfg.Capacity, cfg.RefillPerSecond, WithLogger(logger)), nil
	case config.StoreMemory, "":
	default:
		return nil, fmt.Errorf("unknown rate limit store %q", cfg.Store)
	}

	switch cfg.Algorithm {
	case config.AlgorithmTokenBucket, "":
		return NewTokenBucket(cfg.Capacity, cfg.RefillPerSecond), nil
	case config.AlgorithmSlidingWindow:
		return NewSlidingWindow(cfg.Capacity, cfg.Window.Duration()), nil
	default:
		return nil, fmt.Errorf("unknown rate limit algorithm %q", cfg.Algorithm)
	}
}
