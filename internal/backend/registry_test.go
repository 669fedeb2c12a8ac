package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/util"
)

func TestRegistry_Sync(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	defer r.Close()
	ctx := context.Background()

	require.NoError(t, r.Sync(ctx, []config.ServiceConfig{
		{ID: "orders", LoadBalancer: config.LoadBalancerConfig{Policy: config.PolicyRoundRobin}},
		{ID: "users", LoadBalancer: config.LoadBalancerConfig{Policy: config.PolicyRandom}},
	}))
	assert.Equal(t, []string{"orders", "users"}, r.Services())

	assert.True(t, r.Replace("orders", []Endpoint{{ID: "a", Address: "a:80"}, {ID: "b", Address: "b:80"}}, 3))
	assert.False(t, r.Replace("billing", []Endpoint{{ID: "x", Address: "x:80"}}, 1))
	assert.Len(t, r.HealthyInstances("orders"), 2)
	assert.Nil(t, r.HealthyInstances("billing"))

	ordersPool, _ := r.Pool("orders")

	require.NoError(t, r.Sync(ctx, []config.ServiceConfig{
		{ID: "orders", LoadBalancer: config.LoadBalancerConfig{Policy: config.PolicyLeastOutstanding}},
	}))
	assert.Equal(t, []string{"orders"}, r.Services())

	samePool, ok := r.Pool("orders")
	require.True(t, ok)
	assert.Same(t, ordersPool, samePool, "instances survive a config sync")
	assert.Len(t, r.HealthyInstances("orders"), 2)

	a, _ := samePool.Instance("a")
	a.Acquire()
	defer a.Release()
	inst, err := r.Select("orders", "")
	require.NoError(t, err)
	assert.Equal(t, "b", inst.ID, "new policy is in effect")
}

func TestRegistry_SelectUnknownService(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.Select("missing", "")
	assert.ErrorIs(t, err, util.ErrUpstreamUnavailable)
}

func TestRegistry_SyncRejectsBadPolicy(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	err := r.Sync(context.Background(), []config.ServiceConfig{
		{ID: "orders", LoadBalancer: config.LoadBalancerConfig{Policy: "fastest"}},
	})
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
	assert.Empty(t, r.Services())
}

func TestRegistry_ProberLifecycle(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	ctx := context.Background()
	probe := &config.ProbeConfig{Path: "/healthz", Interval: config.Duration(3600e9)}

	require.NoError(t, r.Sync(ctx, []config.ServiceConfig{{ID: "orders", Probe: probe}}))
	first := r.pools["orders"].prober
	require.NotNil(t, first)

	require.NoError(t, r.Sync(ctx, []config.ServiceConfig{{ID: "orders", Probe: &config.ProbeConfig{Path: "/healthz", Interval: config.Duration(3600e9)}}}))
	assert.Same(t, first, r.pools["orders"].prober, "unchanged probe config keeps the prober")

	require.NoError(t, r.Sync(ctx, []config.ServiceConfig{{ID: "orders"}}))
	assert.Nil(t, r.pools["orders"].prober)

	r.Close()
}
