package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindow_Rolls(t *testing.T) {
	t.Parallel()

	sw := newSlidingWindow(2, time.Second, time.Hour)
	defer sw.Close()
	now := time.Unix(1_700_000_000, 0)
	sw.now = func() time.Time { return now }

	res, _ := sw.Allow(context.Background(), "k")
	assert.True(t, res.Allowed)

	now = now.Add(500 * time.Millisecond)
	res, _ = sw.Allow(context.Background(), "k")
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	res, err := sw.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 500*time.Millisecond, res.RetryAfter)

	// The first request leaves the window.
	now = now.Add(500 * time.Millisecond)
	res, _ = sw.Allow(context.Background(), "k")
	assert.True(t, res.Allowed)
}

func TestSlidingWindow_Cleanup(t *testing.T) {
	t.Parallel()

	sw := newSlidingWindow(1, time.Second, time.Hour)
	defer sw.Close()
	now := time.Unix(1_700_000_000, 0)
	sw.now = func() time.Time { return now }

	_, _ = sw.Allow(context.Background(), "k")
	now = now.Add(2 * time.Second)
	sw.Cleanup()

	assert.Zero(t, sw.Len())

	// A key swept while it was idle starts a fresh window.
	res, err := sw.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, sw.Len())
}

func TestSlidingWindow_BackgroundCleanup(t *testing.T) {
	t.Parallel()

	sw := newSlidingWindow(5, 10*time.Millisecond, 5*time.Millisecond)
	defer sw.Close()

	for i := 0; i < 1000; i++ {
		res, err := sw.Allow(context.Background(), fmt.Sprintf("10.0.%d.%d", i/256, i%256))
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	assert.Eventually(t, func() bool {
		return sw.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSlidingWindow_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	sw := NewSlidingWindow(1, time.Second)
	require.NoError(t, sw.Close())
	require.NoError(t, sw.Close())
}
