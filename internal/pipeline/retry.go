package pipeline

import (
	"net/http"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/retry"
)

// Retry marks the request as re-dispatchable. The dispatcher runs the
// attempts; this stage only decides eligibility: the route must be
// idempotent, the method idempotent and the body empty or replayable.
type Retry struct {
	cfg retry.Config
}

// NewRetry creates a retry stage.
func NewRetry(cfg retry.Config) *Retry {
	return &Retry{cfg: cfg}
}

// Kind implements Stage.
func (s *Retry) Kind() string { return config.StageRetry }

// OnRequest implements Stage.
func (s *Retry) OnRequest(rc *RequestContext) *Response {
	if rc.Idempotent && IdempotentMethod(rc.Request.Method) && replayableBody(rc.Request) {
		cfg := s.cfg
		rc.Retry = &cfg
	}
	return nil
}

// OnResponse implements Stage.
func (s *Retry) OnResponse(*RequestContext, *Response) {}

func (s *Retry) sealed() {}

// IdempotentMethod reports whether method is idempotent per RFC 9110.
func IdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace,
		http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func replayableBody(r *http.Request) bool {
	return r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 || r.GetBody != nil
}
