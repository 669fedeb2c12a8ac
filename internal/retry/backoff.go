package retry

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// ExponentialBackoff produces growing delays for reconnect loops. It is safe
// for concurrent use.
type ExponentialBackoff struct {
	initial time.Duration
	max     time.Duration
	factor  float64
	jitter  float64

	mu      sync.Mutex
	attempt int
}

// NewExponentialBackoff creates a new exponential backoff. jitter is the
// symmetric fraction applied to each delay.
func NewExponentialBackoff(initial, max time.Duration, factor, jitter float64) *ExponentialBackoff {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	if factor < 1 {
		factor = 2
	}
	return &ExponentialBackoff{
		initial: initial,
		max:     max,
		factor:  factor,
		jitter:  jitter,
	}
}

// Next returns the next delay and advances the attempt counter.
func (b *ExponentialBackoff) Next() time.Duration {
	b.mu.Lock()
	attempt := b.attempt
	b.attempt++
	b.mu.Unlock()

	backoff := float64(b.initial) * math.Pow(b.factor, float64(attempt))
	if backoff > float64(b.max) {
		backoff = float64(b.max)
	}

	if b.jitter > 0 {
		jitterRange := backoff * b.jitter
		//nolint:gosec // G404: jitter for reconnect timing is not security-sensitive
		backoff += (rand.Float64() * 2 * jitterRange) - jitterRange
	}
	if backoff < 0 {
		backoff = 0
	}

	return time.Duration(backoff)
}

// Reset restarts the sequence after a successful connection.
func (b *ExponentialBackoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}
