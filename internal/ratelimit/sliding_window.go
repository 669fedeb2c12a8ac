package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow allows at most limit requests per key within any rolling
// window. It keeps a log of the admitted request times of every key.
// Accounting for one key is serialized by that key's mutex. Call Close to
// stop the background cleanup goroutine.
type SlidingWindow struct {
	limit  int
	window time.Duration

	windows sync.Map // key -> *windowState

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once

	now func() time.Time
}

type windowState struct {
	mu       sync.Mutex
	requests []time.Time
	// removed is set once Cleanup dropped the state from the map.
	removed bool
}

// NewSlidingWindow creates a new sliding window limiter. Keys with no
// request inside the window are dropped every window, at most every
// minute.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	interval := window
	if interval <= 0 || interval > defaultCleanupInterval {
		interval = defaultCleanupInterval
	}
	return newSlidingWindow(limit, window, interval)
}

func newSlidingWindow(limit int, window, interval time.Duration) *SlidingWindow {
	l := &SlidingWindow{
		limit:           limit,
		window:          window,
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}
	go l.cleanupLoop()
	return l
}

// Allow implements Limiter.
func (l *SlidingWindow) Allow(_ context.Context, key string) (*Result, error) {
	now := l.now()

	var ws *windowState
	for {
		v, _ := l.windows.LoadOrStore(key, &windowState{})
		ws = v.(*windowState)
		ws.mu.Lock()
		if !ws.removed {
			break
		}
		ws.mu.Unlock()
	}
	defer ws.mu.Unlock()

	l.evict(ws, now)

	result := &Result{Limit: l.limit}
	if len(ws.requests) < l.limit {
		ws.requests = append(ws.requests, now)
		result.Allowed = true
	} else {
		result.RetryAfter = ws.requests[0].Add(l.window).Sub(now)
	}
	result.Remaining = l.limit - len(ws.requests)

	return result, nil
}

// evict drops timestamps that left the window. requests is kept in order.
func (l *SlidingWindow) evict(ws *windowState, now time.Time) {
	windowStart := now.Add(-l.window)
	i := 0
	for i < len(ws.requests) && !ws.requests[i].After(windowStart) {
		i++
	}
	if i > 0 {
		ws.requests = append(ws.requests[:0], ws.requests[i:]...)
	}
}

func (l *SlidingWindow) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// Cleanup removes keys with no request inside the window.
func (l *SlidingWindow) Cleanup() {
	now := l.now()
	l.windows.Range(func(key, value any) bool {
		ws := value.(*windowState)
		ws.mu.Lock()
		l.evict(ws, now)
		if len(ws.requests) == 0 {
			ws.removed = true
			l.windows.Delete(key)
		}
		ws.mu.Unlock()
		return true
	})
}

// Len returns the number of tracked keys.
func (l *SlidingWindow) Len() int {
	n := 0
	l.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close implements Limiter. Safe to call multiple times.
func (l *SlidingWindow) Close() error {
	l.cleanupOnce.Do(func() {
		close(l.stopCleanup)
	})
	return nil
}
