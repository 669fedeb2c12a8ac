package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_Refill(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(2, 10)
	defer tb.Close()

	now := time.Unix(1_700_000_000, 0)
	tb.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		res, err := tb.Allow(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2, res.Limit)
		assert.Equal(t, 1-i, res.Remaining)
	}

	res, err := tb.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 100*time.Millisecond, res.RetryAfter.Round(time.Millisecond))

	now = now.Add(100 * time.Millisecond)
	res, err = tb.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucket_Cleanup(t *testing.T) {
	t.Parallel()

	tb := newTokenBucket(1, 1, time.Hour, time.Minute)
	defer tb.Close()

	now := time.Unix(1_700_000_000, 0)
	tb.now = func() time.Time { return now }

	_, _ = tb.Allow(context.Background(), "old")
	now = now.Add(2 * time.Minute)
	_, _ = tb.Allow(context.Background(), "fresh")

	tb.Cleanup()
	assert.Equal(t, 1, tb.Len())
}

func TestTokenBucket_CloseIdempotent(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 1)
	assert.NoError(t, tb.Close())
	assert.NoError(t, tb.Close())
}
