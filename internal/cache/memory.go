package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// DefaultCapacity is the entry limit of a memory store created with none.
const DefaultCapacity = 1024

// MemoryStore is a bounded LRU store with per-entry expiry.
type MemoryStore struct {
	capacity int
	logger   observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List

	stopOnce sync.Once
	stopCh   chan struct{}
}

type memoryEntry struct {
	key   string
	entry *Entry
}

// MemoryOption is a functional option for configuring the memory store.
type MemoryOption func(*MemoryStore)

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger observability.Logger) MemoryOption {
	return func(s *MemoryStore) {
		s.logger = logger
	}
}

// WithMemoryMetrics sets the metrics collector for the entry gauge.
func WithMemoryMetrics(metrics *observability.Metrics) MemoryOption {
	return func(s *MemoryStore) {
		s.metrics = metrics
	}
}

// WithCleanupInterval starts a background sweep of expired entries.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if interval > 0 {
			go s.cleanupLoop(interval)
		}
	}
}

// NewMemoryStore creates a memory store holding at most capacity entries.
func NewMemoryStore(capacity int, opts ...MemoryOption) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	s := &MemoryStore{
		capacity: capacity,
		logger:   observability.NopLogger(),
		now:      time.Now,
		items:    make(map[string]*list.Element),
		eviction: list.New(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get retrieves an entry and marks it most recently used. An expired entry
// is removed and reported as a miss.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("cache.backend", "memory")),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	entry := elem.Value.(*memoryEntry).entry
	if entry.Expired(s.now()) {
		s.removeElement(elem)
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	s.eviction.MoveToFront(elem)
	span.SetAttributes(attribute.Bool("cache.hit", true))
	return entry, nil
}

// Set stores an entry, evicting the least recently used entries beyond
// capacity.
func (s *MemoryStore) Set(ctx context.Context, key string, entry *Entry) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.Int("cache.value_size", entry.Size()),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		elem.Value.(*memoryEntry).entry = entry
		s.eviction.MoveToFront(elem)
		return nil
	}

	s.items[key] = s.eviction.PushFront(&memoryEntry{key: key, entry: entry})
	for s.eviction.Len() > s.capacity {
		s.removeElement(s.eviction.Back())
		s.logger.Debug("cache evicted least recently used entry")
	}
	s.metrics.SetCacheEntries(s.eviction.Len())
	return nil
}

// Delete removes an entry.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		s.removeElement(elem)
		s.metrics.SetCacheEntries(s.eviction.Len())
	}
	return nil
}

// Len returns the number of entries, expired ones included until they are
// touched or swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eviction.Len()
}

// Close stops the cleanup goroutine and drops every entry.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*list.Element)
	s.eviction.Init()
	s.metrics.SetCacheEntries(0)
	return nil
}

// Cleanup removes every expired entry.
func (s *MemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for elem := s.eviction.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*memoryEntry).entry.Expired(now) {
			s.removeElement(elem)
			removed++
		}
		elem = prev
	}
	if removed > 0 {
		s.metrics.SetCacheEntries(s.eviction.Len())
	}
	return removed
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.Cleanup(); n > 0 {
				s.logger.Debug("cache cleanup completed", observability.Int("removed", n))
			}
		case <-s.stopCh:
			return
		}
	}
}

// removeElement must be called with the lock held.
func (s *MemoryStore) removeElement(elem *list.Element) {
	s.eviction.Remove(elem)
	delete(s.items, elem.Value.(*memoryEntry).key)
}
