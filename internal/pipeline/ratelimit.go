package pipeline

import (
	"strconv"
	"strings"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/observability"
	"github.com/vyrodovalexey/edgegw/internal/ratelimit"
	"github.com/vyrodovalexey/edgegw/internal/util"
)

const headerKeyPrefix = "header:"

// RateLimit admits requests against a per-key budget and answers 429 when
// the budget is spent. Limiter failures fail open.
type RateLimit struct {
	limiter   ratelimit.Limiter
	dimension string
	route     string
	metrics   *observability.Metrics
	logger    observability.Logger
}

// NewRateLimit creates a rate limit stage for route keyed by dimension
// (client, ip, route or header:<name>).
func NewRateLimit(
	limiter ratelimit.Limiter,
	dimension, route string,
	metrics *observability.Metrics,
	logger observability.Logger,
) *RateLimit {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RateLimit{
		limiter:   limiter,
		dimension: dimension,
		route:     route,
		metrics:   metrics,
		logger:    logger,
	}
}

// Kind implements Stage.
func (s *RateLimit) Kind() string { return config.StageRateLimit }

// Key derives the limiter key for rc. Keys are scoped by route so two
// routes never share a bucket.
func (s *RateLimit) Key(rc *RequestContext) string {
	var part string
	switch {
	case s.dimension == config.RateLimitKeyRoute:
		return s.route
	case s.dimension == config.RateLimitKeyClient:
		part = rc.ClientID
		if part == "" {
			part = "ip:" + rc.ClientIP
		}
	case strings.HasPrefix(s.dimension, headerKeyPrefix):
		part = rc.Request.Header.Get(strings.TrimPrefix(s.dimension, headerKeyPrefix))
		if part == "" {
			part = "ip:" + rc.ClientIP
		}
	default:
		part = rc.ClientIP
	}
	return s.route + ":" + part
}

// OnRequest implements Stage.
func (s *RateLimit) OnRequest(rc *RequestContext) *Response {
	key := s.Key(rc)
	rc.RateLimitKey = key

	res, err := s.limiter.Allow(rc.Context(), key)
	if err != nil {
		s.logger.Warn("rate limiter failed, admitting request",
			observability.String("route", s.route),
			observability.Error(err),
		)
		return nil
	}
	rc.RateLimit = res

	if !res.Allowed {
		s.metrics.RecordRateLimited(s.route)
		return ErrorResponse(&util.RateLimitError{Key: key, RetryAfter: res.RetryAfter})
	}
	return nil
}

// OnResponse implements Stage.
func (s *RateLimit) OnResponse(rc *RequestContext, resp *Response) {
	if rc.RateLimit == nil {
		return
	}
	h := resp.header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(rc.RateLimit.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(rc.RateLimit.Remaining))
}

func (s *RateLimit) sealed() {}
