package discovery

import (
	"context"
	"sort"
	"sync"

	"github.com/vyrodovalexey/edgegw/internal/config"
)

// Manager runs one Watcher per configured service and follows config
// reloads.
type Manager struct {
	store     Store
	publisher Publisher
	opts      []WatcherOption

	mu       sync.Mutex
	watchers map[string]*runningWatcher
}

type runningWatcher struct {
	prefix  string
	watcher *Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager creates a manager publishing into publisher.
func NewManager(store Store, publisher Publisher, opts ...WatcherOption) *Manager {
	return &Manager{
		store:     store,
		publisher: publisher,
		opts:      opts,
		watchers:  make(map[string]*runningWatcher),
	}
}

// Sync starts watchers for new services, restarts those whose key prefix
// changed and stops those no longer configured. When the store is the
// static memory store, configured instances are seeded first.
func (m *Manager) Sync(ctx context.Context, services []config.ServiceConfig) error {
	if mem, ok := m.store.(*MemoryStore); ok {
		if err := SeedStatic(mem, services); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	configured := make(map[string]bool, len(services))
	for i := range services {
		svc := &services[i]
		configured[svc.ID] = true

		if rw, ok := m.watchers[svc.ID]; ok {
			if rw.prefix == svc.KeyPrefix {
				continue
			}
			rw.stop()
		}
		m.watchers[svc.ID] = m.start(ctx, svc.ID, svc.KeyPrefix)
	}

	for id, rw := range m.watchers {
		if !configured[id] {
			rw.stop()
			delete(m.watchers, id)
		}
	}
	return nil
}

func (m *Manager) start(ctx context.Context, service, prefix string) *runningWatcher {
	ctx, cancel := context.WithCancel(ctx)
	rw := &runningWatcher{
		prefix:  prefix,
		watcher: NewWatcher(m.store, service, prefix, m.publisher, m.opts...),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(rw.done)
		rw.watcher.Run(ctx)
	}()
	return rw
}

func (rw *runningWatcher) stop() {
	rw.cancel()
	<-rw.done
}

// Synced reports whether every watcher has published at least one listing.
func (m *Manager) Synced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rw := range m.watchers {
		if !rw.watcher.Synced() {
			return false
		}
	}
	return true
}

// Revisions returns the last applied revision per service.
func (m *Manager) Revisions() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int64, len(m.watchers))
	for id, rw := range m.watchers {
		out[id] = rw.watcher.Revision()
	}
	return out
}

// Services returns the watched service ids, sorted.
func (m *Manager) Services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every watcher and closes the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	for id, rw := range m.watchers {
		rw.stop()
		delete(m.watchers, id)
	}
	m.mu.Unlock()

	return m.store.Close()
}
