package pipeline

import (
	"net/http"
	"time"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/util"
)

// Timeout bounds the upstream round trip, body streaming included. When
// the deadline passes the in-flight call is cancelled and a gateway error
// becomes 504.
type Timeout struct {
	duration time.Duration
}

// NewTimeout creates a timeout stage.
func NewTimeout(d time.Duration) *Timeout {
	return &Timeout{duration: d}
}

// Kind implements Stage.
func (s *Timeout) Kind() string { return config.StageTimeout }

// Duration returns the configured bound.
func (s *Timeout) Duration() time.Duration { return s.duration }

// OnRequest implements Stage.
func (s *Timeout) OnRequest(rc *RequestContext) *Response {
	rc.WithTimeout(s.duration)
	return nil
}

// OnResponse implements Stage.
func (s *Timeout) OnResponse(rc *RequestContext, resp *Response) {
	if !resp.Synthetic || resp.Err == nil || !rc.TimedOut() {
		return
	}
	if util.StatusForError(resp.Err) == http.StatusGatewayTimeout {
		return
	}
	resp.Close()
	*resp = *ErrorResponse(util.NewTimeoutError("upstream round trip", s.duration, resp.Err))
}

func (s *Timeout) sealed() {}
