package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan WatchResponse) WatchResponse {
	t.Helper()
	select {
	case resp, ok := <-ch:
		require.True(t, ok, "channel closed")
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("no watch response")
		return WatchResponse{}
	}
}

func TestMemoryStore_ListAndWatch(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	s.Put("/services/orders/a", []byte("1"))
	s.Put("/services/users/x", []byte("2"))

	kvs, rev, err := s.List(context.Background(), "/services/orders/")
	require.NoError(t, err)
	assert.EqualValues(t, 2, rev)
	assert.Equal(t, []KeyValue{{Key: "/services/orders/a", Value: []byte("1")}}, kvs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.Watch(ctx, "/services/orders/", rev+1)
	require.NoError(t, err)

	s.Put("/services/users/y", []byte("3"))
	s.Put("/services/orders/b", []byte("4"))
	s.Delete("/services/orders/a")

	resp := receive(t, ch)
	assert.Equal(t, []Event{{Op: OpPut, Key: "/services/orders/b", Value: []byte("4"), Revision: 4}}, resp.Events)
	resp = receive(t, ch)
	assert.Equal(t, []Event{{Op: OpDelete, Key: "/services/orders/a", Revision: 5}}, resp.Events)

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStore_WatchReplaysHistory(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	s.Put("/p/a", []byte("1"))
	s.Put("/p/b", []byte("2"))
	s.Delete("/p/a")

	ch, err := s.Watch(context.Background(), "/p/", 2)
	require.NoError(t, err)

	resp := receive(t, ch)
	require.Len(t, resp.Events, 2)
	assert.EqualValues(t, 2, resp.Events[0].Revision)
	assert.Equal(t, OpDelete, resp.Events[1].Op)
}

func TestMemoryStore_Fail(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ch, err := s.Watch(context.Background(), "/p/", 1)
	require.NoError(t, err)

	boom := errors.New("store down")
	s.Fail(boom)

	resp := receive(t, ch)
	assert.ErrorIs(t, resp.Err, boom)
	_, ok := <-ch
	assert.False(t, ok)

	_, _, err = s.List(context.Background(), "/p/")
	assert.ErrorIs(t, err, boom)
	_, err = s.Watch(context.Background(), "/p/", 1)
	assert.ErrorIs(t, err, boom)

	s.Recover()
	_, _, err = s.List(context.Background(), "/p/")
	assert.NoError(t, err)
}

func TestMemoryStore_Overflow(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ch, err := s.Watch(context.Background(), "/p/", 1)
	require.NoError(t, err)

	for i := 0; i < memoryWatchBuffer+5; i++ {
		s.Put("/p/k", []byte("v"))
	}

	count := 0
	for resp := range ch {
		count++
		assert.NoError(t, resp.Err)
	}
	assert.Equal(t, memoryWatchBuffer, count, "the watch is closed once it falls behind")
}

func TestMemoryStore_DeleteMissingAndKeys(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	assert.Zero(t, s.Delete("/p/none"))
	s.Put("/p/b", nil)
	s.Put("/p/a", nil)
	s.Put("/q/a", nil)
	assert.Equal(t, []string{"/p/a", "/p/b"}, s.Keys("/p/"))
	assert.EqualValues(t, 3, s.Revision())
	require.NoError(t, s.Close())
}
