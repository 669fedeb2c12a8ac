package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/edgegw/internal/config"
)

func TestManager_StaticServices(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	pub := newRecordingPublisher()
	m := NewManager(store, pub, WithDebounce(0))

	services := []config.ServiceConfig{
		{ID: "orders", KeyPrefix: "/services/orders/", Instances: []config.InstanceConfig{
			{ID: "a", Address: "a:80"},
			{ID: "b", Address: "b:80"},
		}},
		{ID: "users", KeyPrefix: "/services/users/", Instances: []config.InstanceConfig{
			{ID: "u", Address: "u:80"},
		}},
	}
	require.NoError(t, m.Sync(context.Background(), services))
	assert.Equal(t, []string{"orders", "users"}, m.Services())

	eventuallyIDs(t, pub, "a", "b")
	assert.Eventually(t, m.Synced, time.Second, 5*time.Millisecond)

	services[0].Instances = services[0].Instances[1:]
	require.NoError(t, m.Sync(context.Background(), services[:1]))
	assert.Equal(t, []string{"orders"}, m.Services())
	eventuallyIDs(t, pub, "b")

	assert.Positive(t, m.Revisions()["orders"])
	require.NoError(t, m.Close())
	assert.Empty(t, m.Services())
}

func TestNewStore(t *testing.T) {
	t.Parallel()

	s, err := NewStore(config.DiscoveryConfig{Provider: config.ProviderStatic})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewStore(config.DiscoveryConfig{Provider: "zookeeper"})
	assert.Error(t, err)
}
