package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/edgegw/internal/observability"
	"github.com/vyrodovalexey/edgegw/internal/util"
)

// DefaultRedisKeyPrefix namespaces cache keys in a shared redis.
const DefaultRedisKeyPrefix = "edgegw:cache:"

// RedisStore keeps entries in redis with the entry TTL as key expiry. Calls
// go through a circuit breaker; while it is open every operation fails fast
// with a cache error.
type RedisStore struct {
	client         redis.UniversalClient
	keyPrefix      string
	logger         observability.Logger
	breakerTimeout time.Duration
	breaker        *gobreaker.CircuitBreaker
	now            func() time.Time
}

// RedisOption is a functional option for configuring the redis store.
type RedisOption func(*RedisStore)

// WithRedisLogger sets the logger.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(s *RedisStore) {
		s.logger = logger
	}
}

// WithRedisKeyPrefix sets the key prefix.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.keyPrefix = prefix
	}
}

// WithRedisBreakerTimeout sets how long the breaker stays open.
func WithRedisBreakerTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.breakerTimeout = d
	}
}

// NewRedisStore creates a redis-backed store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:         client,
		keyPrefix:      DefaultRedisKeyPrefix,
		logger:         observability.NopLogger(),
		breakerTimeout: 10 * time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-cache",
		MaxRequests: 1,
		Timeout:     s.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrCacheMiss)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("cache circuit breaker state changed",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})
	return s
}

func (s *RedisStore) resolveKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return s.keyPrefix + hex.EncodeToString(sum[:])
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("cache.backend", "redis")),
	)
	defer span.End()

	out, err := s.breaker.Execute(func() (interface{}, error) {
		data, err := s.client.Get(ctx, s.resolveKey(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return data, err
	})
	if errors.Is(err, ErrCacheMiss) {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, util.NewCacheError("get", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(out.([]byte), &entry); err != nil {
		return nil, util.NewCacheError("decode", key, err)
	}
	if entry.Expired(s.now()) {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	span.SetAttributes(attribute.Bool("cache.hit", true))
	return &entry, nil
}

// Set implements Store. Entries already expired are not written.
func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.Int("cache.value_size", entry.Size()),
		),
	)
	defer span.End()

	ttl := entry.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return util.NewCacheError("encode", key, err)
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, s.resolveKey(key), data, ttl).Err()
	})
	if err != nil {
		return util.NewCacheError("set", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, s.resolveKey(key)).Err()
	})
	if err != nil {
		return util.NewCacheError("delete", key, err)
	}
	return nil
}

// BreakerState returns the circuit breaker state.
func (s *RedisStore) BreakerState() gobreaker.State {
	return s.breaker.State()
}

// Close implements Store. The client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}
