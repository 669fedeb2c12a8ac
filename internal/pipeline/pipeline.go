package pipeline

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/vyrodovalexey/edgegw/internal/util"
)

// Stage is one middleware step. The set of implementations is closed to the
// kinds in this package.
type Stage interface {
	// Kind returns the configuration kind of the stage.
	Kind() string

	// OnRequest inspects or modifies the request. A non-nil response
	// short-circuits the pipeline.
	OnRequest(rc *RequestContext) *Response

	// OnResponse inspects or modifies the response in place.
	OnResponse(rc *RequestContext, resp *Response)

	sealed()
}

// Dispatch produces the response for a request that passed every request
// phase.
type Dispatch func(rc *RequestContext) *Response

// Pipeline is an immutable, ordered list of stages.
type Pipeline struct {
	stages []Stage
}

// New creates a pipeline running stages in the given order.
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: append([]Stage(nil), stages...)}
}

// Stages returns the stages in request-phase order.
func (p *Pipeline) Stages() []Stage {
	if p == nil {
		return nil
	}
	return append([]Stage(nil), p.stages...)
}

// Kinds returns the stage kinds in request-phase order.
func (p *Pipeline) Kinds() []string {
	if p == nil {
		return nil
	}
	kinds := make([]string, len(p.stages))
	for i, s := range p.stages {
		kinds[i] = s.Kind()
	}
	return kinds
}

// Execute runs the onion: request phases in order, dispatch unless a stage
// short-circuited, then response phases in reverse for every stage whose
// request phase ran. It never returns nil.
func (p *Pipeline) Execute(rc *RequestContext, dispatch Dispatch) *Response {
	var stages []Stage
	if p != nil {
		stages = p.stages
	}

	var resp *Response
	ran := 0
	for _, stage := range stages {
		ran++
		if resp = stage.OnRequest(rc); resp != nil {
			break
		}
	}

	if resp == nil {
		if err := rc.Context().Err(); err != nil {
			resp = ErrorResponse(contextError(rc, err))
		} else {
			resp = dispatch(rc)
		}
	}
	if resp == nil {
		resp = ErrorResponse(errors.New("dispatch produced no response"))
	}

	for i := ran - 1; i >= 0; i-- {
		stages[i].OnResponse(rc, resp)
	}

	return resp
}

func contextError(rc *RequestContext, err error) error {
	if rc.TimedOut() {
		return util.NewTimeoutError("upstream round trip", rc.Timeout(), err)
	}
	return err
}

// ClientIP returns the host part of r.RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
