package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))
	assert.Empty(t, RouteFromContext(ctx))
	assert.Empty(t, ServiceFromContext(ctx))
	assert.Zero(t, ElapsedTime(ctx))

	ctx = ContextWithRequestID(ctx, "req-1")
	ctx = ContextWithRoute(ctx, "orders")
	ctx = ContextWithService(ctx, "orders-svc")
	ctx = ContextWithStartTime(ctx, time.Now().Add(-time.Second))

	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Equal(t, "orders", RouteFromContext(ctx))
	assert.Equal(t, "orders-svc", ServiceFromContext(ctx))
	assert.GreaterOrEqual(t, ElapsedTime(ctx), time.Second)
}
