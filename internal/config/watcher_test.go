package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
services:
  - id: orders
    instances:
      - id: a
        address: 127.0.0.1:9001
routes:
  - name: orders
    match:
      path: /orders
    service: orders
`

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o600))

	var applied, rejected atomic.Int32
	w, err := NewWatcher(path, func(cfg *GatewayConfig) error {
		applied.Add(1)
		return nil
	}, WithErrorCallback(func(error) { rejected.Add(1) }))
	require.NoError(t, err)

	require.NoError(t, w.Reload())
	assert.EqualValues(t, 1, applied.Load())

	require.NoError(t, os.WriteFile(path, []byte("routes: []\n"), 0o600))
	assert.Error(t, w.Reload())
	assert.EqualValues(t, 1, applied.Load())
	assert.EqualValues(t, 1, rejected.Load())
}

func TestWatcher_FileChangeTriggersReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o600))

	reloaded := make(chan *GatewayConfig, 4)
	w, err := NewWatcher(path, func(cfg *GatewayConfig) error {
		reloaded <- cfg
		return nil
	}, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte(minimalConfig+"listen: \":8181\"\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, ":8181", cfg.Listen)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not observed")
	}
}
