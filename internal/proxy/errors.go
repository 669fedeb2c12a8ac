package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/vyrodovalexey/edgegw/internal/util"
)

// Sentinel errors for connection pool operations.
var (
	// ErrPoolExhausted indicates the instance connection cap is reached.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed indicates the instance was removed while dispatching.
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrNoUpgrade indicates the upstream answered an upgrade request
	// without switching protocols where one was required.
	ErrNoUpgrade = errors.New("upstream did not switch protocols")
)

// classifyError maps a transport failure to the gateway error taxonomy:
// an exhausted or closed pool is unavailable (503), a passed deadline is a
// timeout (504) and everything else is a retry-eligible connection error
// (502).
func classifyError(ctx context.Context, service, instance string, timeout time.Duration, err error) error {
	switch {
	case errors.Is(err, ErrPoolExhausted):
		return util.NewUpstreamUnavailableError(service, "instance "+instance+" connection limit reached")
	case errors.Is(err, ErrPoolClosed):
		return util.NewUpstreamUnavailableError(service, "instance "+instance+" removed")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return util.NewTimeoutError("upstream round trip", timeout, err)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return util.NewUpstreamConnectionError(service, instance, err)
	}
}

// retryable reports whether a failed attempt may be re-dispatched. Only
// connection-level failures qualify.
func retryable(err error) bool {
	return errors.Is(err, util.ErrUpstreamConnection)
}
