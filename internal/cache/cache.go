package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// ErrCacheMiss indicates that the key was not found or has expired.
var ErrCacheMiss = errors.New("cache miss")

// tracerName is the OpenTelemetry tracer name for cache operations.
const tracerName = "edgegw/cache"

// Entry is a stored response.
type Entry struct {
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	Body      []byte      `json:"body"`
	StoredAt  time.Time   `json:"stored_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Size approximates the memory held by the entry.
func (e *Entry) Size() int {
	size := len(e.Body)
	for k, vs := range e.Header {
		size += len(k)
		for _, v := range vs {
			size += len(v)
		}
	}
	return size
}

// Store is a response store. Get returns ErrCacheMiss for absent or expired
// keys; expired entries are never returned.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry *Entry) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// DefaultCleanupInterval is how often a memory store created by NewStore
// sweeps expired entries.
const DefaultCleanupInterval = time.Minute

// NewStore creates the store selected by cfg. client is required for the
// redis backend.
func NewStore(
	cfg config.CacheConfig,
	client redis.UniversalClient,
	logger observability.Logger,
	metrics *observability.Metrics,
) (Store, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	switch cfg.Backend {
	case "", config.StoreMemory:
		return NewMemoryStore(cfg.Capacity,
			WithMemoryLogger(logger),
			WithMemoryMetrics(metrics),
			WithCleanupInterval(DefaultCleanupInterval),
		), nil
	case config.StoreRedis:
		if client == nil {
			return nil, fmt.Errorf("cache backend %q requires a redis client", cfg.Backend)
		}
		return NewRedisStore(client, WithRedisLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
