package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultCleanupInterval = time.Minute
	// A bucket idle this long has refilled completely and can be rebuilt.
	minBucketTTL = 5 * time.Minute
)

// TokenBucket implements the token bucket algorithm with one rate.Limiter per
// key. Call Close to stop the background cleanup goroutine.
type TokenBucket struct {
	capacity int
	refill   rate.Limit

	buckets sync.Map // key -> *bucket

	cleanupInterval time.Duration
	bucketTTL       time.Duration
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once

	now func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// NewTokenBucket creates a limiter that holds capacity tokens per key and
// refills refillPerSecond tokens per second. A zero refill rate never refills.
func NewTokenBucket(capacity int, refillPerSecond float64) *TokenBucket {
	ttl := minBucketTTL
	if refillPerSecond > 0 {
		full := time.Duration(float64(capacity) / refillPerSecond * float64(time.Second))
		if full > ttl {
			ttl = full
		}
	}
	return newTokenBucket(capacity, refillPerSecond, defaultCleanupInterval, ttl)
}

func newTokenBucket(capacity int, refillPerSecond float64, interval, ttl time.Duration) *TokenBucket {
	tb := &TokenBucket{
		capacity:        capacity,
		refill:          rate.Limit(refillPerSecond),
		cleanupInterval: interval,
		bucketTTL:       ttl,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}
	// Without refill an evicted bucket would come back full, so keep state.
	if refillPerSecond > 0 {
		go tb.cleanupLoop()
	}
	return tb
}

// Allow implements Limiter.
func (tb *TokenBucket) Allow(_ context.Context, key string) (*Result, error) {
	now := tb.now()
	b := tb.bucket(key, now)

	allowed := b.limiter.AllowN(now, 1)
	tokens := b.limiter.TokensAt(now)
	if tb.refill <= 0 {
		// A zero-rate limiter spends its burst directly.
		tokens = float64(b.limiter.Burst())
	}

	result := &Result{
		Allowed:   allowed,
		Limit:     tb.capacity,
		Remaining: max(0, int(math.Floor(tokens))),
	}
	if !allowed {
		result.RetryAfter = tb.retryAfter(tokens)
	}
	return result, nil
}

func (tb *TokenBucket) bucket(key string, now time.Time) *bucket {
	v, ok := tb.buckets.Load(key)
	if !ok {
		nb := &bucket{limiter: rate.NewLimiter(tb.refill, tb.capacity)}
		v, _ = tb.buckets.LoadOrStore(key, nb)
	}
	b := v.(*bucket)
	b.lastSeen.Store(now.UnixNano())
	return b
}

func (tb *TokenBucket) retryAfter(tokens float64) time.Duration {
	if tb.refill <= 0 {
		return time.Hour
	}
	deficit := 1 - tokens
	if deficit <= 0 {
		return time.Second
	}
	return time.Duration(deficit / float64(tb.refill) * float64(time.Second))
}

func (tb *TokenBucket) cleanupLoop() {
	ticker := time.NewTicker(tb.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tb.Cleanup()
		case <-tb.stopCleanup:
			return
		}
	}
}

// Cleanup drops buckets idle for longer than the bucket TTL.
func (tb *TokenBucket) Cleanup() {
	cutoff := tb.now().Add(-tb.bucketTTL).UnixNano()
	tb.buckets.Range(func(key, value any) bool {
		if value.(*bucket).lastSeen.Load() < cutoff {
			tb.buckets.Delete(key)
		}
		return true
	})
}

// Len returns the number of tracked keys.
func (tb *TokenBucket) Len() int {
	n := 0
	tb.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close implements io.Closer. Safe to call multiple times.
func (tb *TokenBucket) Close() error {
	tb.cleanupOnce.Do(func() {
		close(tb.stopCleanup)
	})
	return nil
}
