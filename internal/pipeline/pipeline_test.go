package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/edgegw/internal/util"
)

type recordingStage struct {
	name         string
	log          *[]string
	shortCircuit *Response
}

func (s *recordingStage) Kind() string { return s.name }

func (s *recordingStage) OnRequest(*RequestContext) *Response {
	*s.log = append(*s.log, "req:"+s.name)
	return s.shortCircuit
}

func (s *recordingStage) OnResponse(_ *RequestContext, resp *Response) {
	*s.log = append(*s.log, "resp:"+s.name)
	resp.header().Add("X-Seen-By", s.name)
}

func (s *recordingStage) sealed() {}

func newTestContext(method, target string) *RequestContext {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "203.0.113.7:51000"
	return NewRequestContext(req)
}

func TestExecute_OnionOrder(t *testing.T) {
	t.Parallel()

	var log []string
	p := New(
		&recordingStage{name: "a", log: &log},
		&recordingStage{name: "b", log: &log},
		&recordingStage{name: "c", log: &log},
	)

	rc := newTestContext(http.MethodGet, "/orders")
	resp := p.Execute(rc, func(*RequestContext) *Response {
		log = append(log, "dispatch")
		return NewResponse(http.StatusOK, nil, []byte("ok"))
	})

	assert.Equal(t, []string{"req:a", "req:b", "req:c", "dispatch", "resp:c", "resp:b", "resp:a"}, log)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"c", "b", "a"}, resp.Header.Values("X-Seen-By"))
	assert.Equal(t, []string{"a", "b", "c"}, p.Kinds())
}

func TestExecute_ShortCircuit(t *testing.T) {
	t.Parallel()

	var log []string
	p := New(
		&recordingStage{name: "a", log: &log},
		&recordingStage{name: "b", log: &log, shortCircuit: ErrorResponse(util.NewForbiddenError("nope"))},
		&recordingStage{name: "c", log: &log},
	)

	dispatched := false
	resp := p.Execute(newTestContext(http.MethodGet, "/"), func(*RequestContext) *Response {
		dispatched = true
		return nil
	})

	assert.False(t, dispatched)
	assert.Equal(t, []string{"req:a", "req:b", "resp:b", "resp:a"}, log)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.True(t, resp.Synthetic)
}

func TestExecute_EmptyPipelineAndNilDispatch(t *testing.T) {
	t.Parallel()

	var p *Pipeline
	resp := p.Execute(newTestContext(http.MethodGet, "/"), func(*RequestContext) *Response { return nil })
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Nil(t, p.Stages())
}

func TestExecute_CancelledBeforeDispatch(t *testing.T) {
	t.Parallel()

	rc := newTestContext(http.MethodGet, "/")
	ctx, cancel := context.WithCancel(rc.Request.Context())
	rc.ctx = ctx
	cancel()

	resp := New().Execute(rc, func(*RequestContext) *Response {
		t.Fatal("dispatch must not run after cancellation")
		return nil
	})
	assert.ErrorIs(t, resp.Err, context.Canceled)
}

func TestErrorResponse(t *testing.T) {
	t.Parallel()

	resp := ErrorResponse(&util.RateLimitError{Key: "k", RetryAfter: 1500 * time.Millisecond})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body := readBody(t, resp)
	assert.Contains(t, body, `"error":"too many requests"`)
}

func TestRequestContext_FinishOrder(t *testing.T) {
	t.Parallel()

	rc := newTestContext(http.MethodGet, "/")
	rc.WithTimeout(time.Hour)

	var order []int
	rc.Defer(func() { order = append(order, 1) })
	rc.Defer(func() { order = append(order, 2) })

	rc.Finish()
	rc.Finish()

	assert.Equal(t, []int{2, 1}, order)
	assert.ErrorIs(t, rc.Context().Err(), context.Canceled)
	assert.False(t, rc.TimedOut())
	assert.Equal(t, "203.0.113.7", rc.ClientIP)
}

func TestRequestContext_ResponseCommitted(t *testing.T) {
	t.Parallel()

	rc := newTestContext(http.MethodGet, "/")
	assert.False(t, rc.ResponseCommitted())

	committed := false
	rc.SetCommittedFunc(func() bool { return committed })
	assert.False(t, rc.ResponseCommitted())
	committed = true
	assert.True(t, rc.ResponseCommitted())
}

func readBody(t *testing.T, resp *Response) string {
	t.Helper()
	require.NotNil(t, resp.Body)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
