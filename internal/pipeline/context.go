package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/vyrodovalexey/edgegw/internal/ratelimit"
	"github.com/vyrodovalexey/edgegw/internal/retry"
)

// RequestContext is the mutable state threaded through one request.
// It is owned by the goroutine serving the request.
type RequestContext struct {
	// Request is the inbound request.
	Request *http.Request

	// Route identity, copied from the matched rule.
	RouteName  string
	Service    string
	Idempotent bool
	PathParams map[string]string

	// ClientIP is the remote address without port.
	ClientIP string

	// ClientID and Claims are set by the authentication stage.
	ClientID string
	Claims   map[string]any

	// RateLimitKey and RateLimit are set by the rate limit stage.
	RateLimitKey string
	RateLimit    *ratelimit.Result

	// Retry is set by the retry stage when the request may be re-dispatched.
	Retry *retry.Config

	// Dispatch bookkeeping.
	Attempts int
	Instance string
	CacheKey string

	ctx        context.Context
	timeout    time.Duration
	cancels    []context.CancelFunc
	finalizers []func()
	committed  func() bool
	finishOnce sync.Once
}

// NewRequestContext creates the context for r, inheriting r's context.
func NewRequestContext(r *http.Request) *RequestContext {
	return &RequestContext{
		Request:  r,
		ClientIP: ClientIP(r),
		ctx:      r.Context(),
	}
}

// Context returns the cancellation scope of the request. It is done when the
// client goes away or a Timeout stage deadline passes.
func (rc *RequestContext) Context() context.Context {
	return rc.ctx
}

// WithTimeout narrows the request scope to d. The timer is released by Finish.
func (rc *RequestContext) WithTimeout(d time.Duration) {
	ctx, cancel := context.WithTimeout(rc.ctx, d)
	rc.ctx = ctx
	rc.timeout = d
	rc.cancels = append(rc.cancels, cancel)
}

// Timeout returns the bound installed by WithTimeout, or zero.
func (rc *RequestContext) Timeout() time.Duration {
	return rc.timeout
}

// TimedOut reports whether the request scope ended by deadline.
func (rc *RequestContext) TimedOut() bool {
	return errors.Is(rc.ctx.Err(), context.DeadlineExceeded)
}

// Defer registers fn to run at Finish. Finalizers run last-in first-out.
func (rc *RequestContext) Defer(fn func()) {
	rc.finalizers = append(rc.finalizers, fn)
}

// Finish runs the finalizers and cancels the request scope. It is idempotent.
func (rc *RequestContext) Finish() {
	rc.finishOnce.Do(func() {
		for i := len(rc.finalizers) - 1; i >= 0; i-- {
			rc.finalizers[i]()
		}
		for i := len(rc.cancels) - 1; i >= 0; i-- {
			rc.cancels[i]()
		}
	})
}

// SetCommittedFunc installs the probe reporting whether any response byte
// has reached the client.
func (rc *RequestContext) SetCommittedFunc(fn func() bool) {
	rc.committed = fn
}

// ResponseCommitted reports whether the client has already received part of
// a response. Once true the request must not be re-dispatched.
func (rc *RequestContext) ResponseCommitted() bool {
	return rc.committed != nil && rc.committed()
}
