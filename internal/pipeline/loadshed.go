package pipeline

import (
	"fmt"
	"sync/atomic"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/observability"
	"github.com/vyrodovalexey/edgegw/internal/util"
)

// LoadShed caps the requests of a route in flight at once. Over the limit
// it answers 503 immediately; nothing is queued.
type LoadShed struct {
	max      int64
	inflight *atomic.Int64
	route    string
	metrics  *observability.Metrics
}

// NewLoadShed creates a load shedding stage. inflight is the shared counter;
// nil allocates a new one.
func NewLoadShed(maxConcurrent int, inflight *atomic.Int64, route string, metrics *observability.Metrics) *LoadShed {
	if inflight == nil {
		inflight = &atomic.Int64{}
	}
	return &LoadShed{
		max:      int64(maxConcurrent),
		inflight: inflight,
		route:    route,
		metrics:  metrics,
	}
}

// Kind implements Stage.
func (s *LoadShed) Kind() string { return config.StageLoadShed }

// InFlight returns the current number of admitted requests.
func (s *LoadShed) InFlight() int64 { return s.inflight.Load() }

// OnRequest implements Stage.
func (s *LoadShed) OnRequest(rc *RequestContext) *Response {
	for {
		current := s.inflight.Load()
		if current >= s.max {
			s.metrics.RecordLoadShed(s.route)
			return ErrorResponse(fmt.Errorf("%w: %d requests in flight", util.ErrOverloaded, current))
		}
		if s.inflight.CompareAndSwap(current, current+1) {
			break
		}
	}
	rc.Defer(func() { s.inflight.Add(-1) })
	return nil
}

// OnResponse implements Stage.
func (s *LoadShed) OnResponse(*RequestContext, *Response) {}

func (s *LoadShed) sealed() {}
