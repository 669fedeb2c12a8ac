package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTransient = errors.New("transient")

func TestDo_SucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	var attempts []int
	err := Do(context.Background(), &Config{MaxAttempts: 3, InitialBackoff: time.Millisecond}, func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return errTransient
		}
		return nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestDo_BudgetExhausted(t *testing.T) {
	t.Parallel()

	calls := 0
	retries := 0
	err := Do(context.Background(), &Config{MaxAttempts: 2, InitialBackoff: time.Millisecond}, func(int) error {
		calls++
		return errTransient
	}, &Options{OnRetry: func(int, error, time.Duration) { retries++ }})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, retries)
}

func TestDo_NonRetryable(t *testing.T) {
	t.Parallel()

	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), &Config{MaxAttempts: 5, InitialBackoff: time.Millisecond}, func(int) error {
		calls++
		return fatal
	}, &Options{ShouldRetry: func(err error) bool { return !errors.Is(err, fatal) }})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, &Config{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}, func(int) error {
		calls++
		cancel()
		return errTransient
	}, nil)

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestCalculateBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 0, expected: 10 * time.Millisecond},
		{attempt: 1, expected: 20 * time.Millisecond},
		{attempt: 3, expected: 80 * time.Millisecond},
		{attempt: 10, expected: 100 * time.Millisecond},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, CalculateBackoff(tt.attempt, 10*time.Millisecond, 100*time.Millisecond, 0))
	}

	withJitter := CalculateBackoff(0, 10*time.Millisecond, time.Second, 0.5)
	assert.GreaterOrEqual(t, withJitter, 10*time.Millisecond)
	assert.LessOrEqual(t, withJitter, 15*time.Millisecond)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	var cfg *Config
	assert.Equal(t, DefaultMaxAttempts, cfg.GetMaxAttempts())
	assert.Equal(t, DefaultInitialBackoff, cfg.GetInitialBackoff())
	assert.Equal(t, DefaultMaxBackoff, cfg.GetMaxBackoff())
	assert.Zero(t, cfg.GetJitterFactor())
	assert.Equal(t, MaxJitterFactor, (&Config{JitterFactor: 3}).GetJitterFactor())
}

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	b := NewExponentialBackoff(10*time.Millisecond, 40*time.Millisecond, 2, 0)
	assert.Equal(t, 10*time.Millisecond, b.Next())
	assert.Equal(t, 20*time.Millisecond, b.Next())
	assert.Equal(t, 40*time.Millisecond, b.Next())
	assert.Equal(t, 40*time.Millisecond, b.Next())

	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.Next())
}
