package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/edgegw/internal/backend"
)

type recordingPublisher struct {
	mu       sync.Mutex
	updates  int
	current  map[string][]backend.Endpoint
	revision map[string]int64
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{
		current:  make(map[string][]backend.Endpoint),
		revision: make(map[string]int64),
	}
}

func (p *recordingPublisher) Replace(service string, endpoints []backend.Endpoint, revision int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates++
	p.current[service] = endpoints
	p.revision[service] = revision
	return true
}

func (p *recordingPublisher) ids(service string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ep := range p.current[service] {
		out = append(out, ep.ID)
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updates
}

func put(s *MemoryStore, prefix, id string) int64 {
	return s.Put(prefix+id, []byte(`{"address":"`+id+`:80"}`))
}

func runWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func eventuallyIDs(t *testing.T, p *recordingPublisher, want ...string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, p.ids("orders"))
	}, 3*time.Second, 5*time.Millisecond, "want %v, have %v", want, p.ids("orders"))
}

const prefix = "/services/orders/"

func TestWatcher_ListThenFollow(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	put(store, prefix, "a")
	put(store, prefix, "b")

	pub := newRecordingPublisher()
	w := NewWatcher(store, "orders", prefix, pub, WithDebounce(0))
	runWatcher(t, w)

	eventuallyIDs(t, pub, "a", "b")
	assert.Eventually(t, w.Synced, time.Second, 5*time.Millisecond)

	put(store, prefix, "c")
	eventuallyIDs(t, pub, "a", "b", "c")

	rev := store.Delete(prefix + "a")
	eventuallyIDs(t, pub, "b", "c")
	assert.Eventually(t, func() bool { return w.Revision() == rev }, time.Second, 5*time.Millisecond)
}

func TestWatcher_InvalidValueRemovesInstance(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	put(store, prefix, "a")

	pub := newRecordingPublisher()
	runWatcher(t, NewWatcher(store, "orders", prefix, pub, WithDebounce(0)))
	eventuallyIDs(t, pub, "a")

	store.Put(prefix+"a", []byte("garbage"))
	eventuallyIDs(t, pub)
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	pub := newRecordingPublisher()
	w := NewWatcher(store, "orders", prefix, pub, WithDebounce(100*time.Millisecond))
	runWatcher(t, w)

	assert.Eventually(t, w.Synced, time.Second, 5*time.Millisecond)
	before := pub.count()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		put(store, prefix, id)
	}

	eventuallyIDs(t, pub, "a", "b", "c", "d", "e")
	assert.Less(t, pub.count()-before, 5, "burst is published in fewer updates than events")
}

func TestWatcher_SteadyStreamStillPublishes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		opts     []WatcherOption
		minBumps int
	}{
		{
			name:     "explicit max delay",
			opts:     []WatcherOption{WithDebounce(50 * time.Millisecond), WithMaxDelay(150 * time.Millisecond)},
			minBumps: 2,
		},
		{
			name:     "default max delay",
			opts:     []WatcherOption{WithDebounce(25 * time.Millisecond)},
			minBumps: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := NewMemoryStore()
			pub := newRecordingPublisher()
			w := NewWatcher(store, "orders", prefix, pub, tt.opts...)
			runWatcher(t, w)

			assert.Eventually(t, w.Synced, time.Second, 5*time.Millisecond)
			before := pub.count()

			// Events arrive faster than the debounce for well over the max delay.
			for i := 0; i < 40; i++ {
				put(store, prefix, fmt.Sprintf("i%02d", i))
				time.Sleep(15 * time.Millisecond)
			}

			assert.GreaterOrEqual(t, pub.count()-before, tt.minBumps)
		})
	}
}

func TestWatcher_ReconnectResynchronizes(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	put(store, prefix, "a")
	put(store, prefix, "b")

	pub := newRecordingPublisher()
	w := NewWatcher(store, "orders", prefix, pub,
		WithDebounce(0),
		WithBackoff(5*time.Millisecond, 20*time.Millisecond),
	)
	runWatcher(t, w)
	eventuallyIDs(t, pub, "a", "b")

	store.Fail(errors.New("connection lost"))

	// Changes made while the stream is down are only visible through the
	// resync listing.
	store.Delete(prefix + "a")
	put(store, prefix, "c")
	put(store, prefix, "b")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, pub.ids("orders"), "last known state is kept during the outage")

	store.Recover()
	eventuallyIDs(t, pub, "b", "c")

	put(store, prefix, "d")
	eventuallyIDs(t, pub, "b", "c", "d")
}

func TestWatcher_SkipsStaleEvents(t *testing.T) {
	t.Parallel()

	pub := newRecordingPublisher()
	w := NewWatcher(NewMemoryStore(), "orders", prefix, pub)
	w.lastRevision.Store(10)
	w.state[prefix+"a"] = backend.Endpoint{ID: "a", Address: "a:80"}

	changed := w.apply([]Event{
		{Op: OpDelete, Key: prefix + "a", Revision: 7},
		{Op: OpPut, Key: prefix + "z", Value: []byte(`{"address":"z:80"}`), Revision: 9},
	})
	assert.False(t, changed)
	assert.Len(t, w.state, 1)
	assert.EqualValues(t, 10, w.Revision())

	changed = w.apply([]Event{
		{Op: OpPut, Key: prefix + "b", Value: []byte(`{"address":"b:80"}`), Revision: 11},
		{Op: OpDelete, Key: prefix + "a", Revision: 8},
	})
	assert.True(t, changed)
	assert.Len(t, w.state, 2)
	assert.EqualValues(t, 11, w.Revision())
}

func TestWatcher_OlderListingIsRejected(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	put(store, prefix, "a")

	w := NewWatcher(store, "orders", prefix, newRecordingPublisher())
	w.lastRevision.Store(50)

	err := w.resync(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 50, w.Revision())
}
