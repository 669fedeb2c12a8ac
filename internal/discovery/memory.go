package discovery

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrWatcherOverflow is delivered to a memory watch that fell behind.
var ErrWatcherOverflow = errors.New("watch buffer overflow")

const memoryWatchBuffer = 128

// MemoryStore is an in-process Store. It serves the static provider and
// tests; Fail simulates a store outage.
type MemoryStore struct {
	mu       sync.Mutex
	revision int64
	data     map[string][]byte
	history  []Event
	watches  map[*memoryWatch]struct{}
	failErr  error
}

type memoryWatch struct {
	prefix string
	ch     chan WatchResponse
	done   chan struct{}
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string][]byte),
		watches: make(map[*memoryWatch]struct{}),
	}
}

// Put sets a key and returns the new revision.
func (s *MemoryStore) Put(key string, value []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revision++
	s.data[key] = append([]byte(nil), value...)
	s.emitLocked(Event{Op: OpPut, Key: key, Value: s.data[key], Revision: s.revision})
	return s.revision
}

// Delete removes a key and returns the new revision. Deleting a missing key
// is a no-op that returns the current revision.
func (s *MemoryStore) Delete(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return s.revision
	}
	s.revision++
	delete(s.data, key)
	s.emitLocked(Event{Op: OpDelete, Key: key, Revision: s.revision})
	return s.revision
}

// Keys returns the keys under prefix, sorted.
func (s *MemoryStore) Keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Fail breaks every open watch with err and makes List and Watch fail until
// Recover is called.
func (s *MemoryStore) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failErr = err
	for w := range s.watches {
		s.breakLocked(w, err)
	}
}

// Recover ends a simulated outage.
func (s *MemoryStore) Recover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = nil
}

// Revision returns the current store revision.
func (s *MemoryStore) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]KeyValue, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return nil, 0, s.failErr
	}

	kvs := make([]KeyValue, 0)
	for key, value := range s.data {
		if strings.HasPrefix(key, prefix) {
			kvs = append(kvs, KeyValue{Key: key, Value: value})
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs, s.revision, nil
}

// Watch implements Store. Events at or after fromRevision that are still in
// history are replayed first.
func (s *MemoryStore) Watch(ctx context.Context, prefix string, fromRevision int64) (<-chan WatchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return nil, s.failErr
	}

	w := &memoryWatch{
		prefix: prefix,
		ch:     make(chan WatchResponse, memoryWatchBuffer),
		done:   make(chan struct{}),
	}

	var replay []Event
	for _, ev := range s.history {
		if ev.Revision >= fromRevision && strings.HasPrefix(ev.Key, prefix) {
			replay = append(replay, ev)
		}
	}
	if len(replay) > 0 {
		w.ch <- WatchResponse{Events: replay}
	}
	s.watches[w] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-w.done:
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watches[w]; ok {
			delete(s.watches, w)
			close(w.done)
			close(w.ch)
		}
	}()

	return w.ch, nil
}

// Close breaks every open watch.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for w := range s.watches {
		delete(s.watches, w)
		close(w.done)
		close(w.ch)
	}
	return nil
}

func (s *MemoryStore) emitLocked(ev Event) {
	s.history = append(s.history, ev)
	for w := range s.watches {
		if !strings.HasPrefix(ev.Key, w.prefix) {
			continue
		}
		select {
		case w.ch <- WatchResponse{Events: []Event{ev}}:
		default:
			s.breakLocked(w, ErrWatcherOverflow)
		}
	}
}

func (s *MemoryStore) breakLocked(w *memoryWatch, err error) {
	delete(s.watches, w)
	select {
	case w.ch <- WatchResponse{Err: err}:
	default:
	}
	close(w.done)
	close(w.ch)
}
