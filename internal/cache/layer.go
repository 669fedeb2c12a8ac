package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/observability"
	"github.com/vyrodovalexey/edgegw/internal/pipeline"
)

// Lookup results recorded in metrics.
const (
	ResultHit    = "hit"
	ResultMiss   = "miss"
	ResultBypass = "bypass"
	ResultError  = "error"
)

// Values of the X-Cache response header.
const (
	HeaderXCache = "X-Cache"
	StatusHit    = "HIT"
	StatusMiss   = "MISS"
)

// Layer consults the store before dispatch and populates it afterwards.
// Store failures are logged and counted, and the request falls through to
// live dispatch.
type Layer struct {
	store        Store
	maxBodyBytes int64
	defaultTTL   time.Duration
	logger       observability.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

// LayerOption is a functional option for configuring the layer.
type LayerOption func(*Layer)

// WithLayerLogger sets the logger.
func WithLayerLogger(logger observability.Logger) LayerOption {
	return func(l *Layer) {
		l.logger = logger
	}
}

// WithLayerMetrics sets the metrics collector.
func WithLayerMetrics(metrics *observability.Metrics) LayerOption {
	return func(l *Layer) {
		l.metrics = metrics
	}
}

// NewLayer creates a cache layer over store.
func NewLayer(store Store, cfg config.CacheConfig, opts ...LayerOption) *Layer {
	l := &Layer{
		store:        store,
		maxBodyBytes: cfg.MaxBodyBytes,
		defaultTTL:   cfg.DefaultTTL.Duration(),
		logger:       observability.NopLogger(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store.
func (l *Layer) Store() Store {
	return l.store
}

// Lookup returns the stored response for the request, or nil. It sets
// rc.CacheKey when the request is cacheable under policy so Capture can
// populate the entry after dispatch.
func (l *Layer) Lookup(rc *pipeline.RequestContext, policy *config.CachePolicyConfig) *pipeline.Response {
	if l == nil || policy == nil || !policy.Enabled {
		return nil
	}
	if !Cacheable(rc.Request) {
		l.metrics.RecordCacheLookup(ResultBypass)
		return nil
	}

	key := Key(rc.Request, policy)
	rc.CacheKey = key

	entry, err := l.store.Get(rc.Context(), key)
	switch {
	case errors.Is(err, ErrCacheMiss):
		l.metrics.RecordCacheLookup(ResultMiss)
		return nil
	case err != nil:
		l.metrics.RecordCacheLookup(ResultError)
		l.logger.Warn("cache lookup failed",
			observability.String("route", rc.RouteName),
			observability.Error(err),
		)
		return nil
	}

	l.metrics.RecordCacheLookup(ResultHit)

	header := entry.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(HeaderXCache, StatusHit)
	age := l.now().Sub(entry.StoredAt)
	if age < 0 {
		age = 0
	}
	header.Set("Age", strconv.FormatInt(int64(age/time.Second), 10))
	if rc.Request.Method != http.MethodHead && entry.Status != http.StatusNoContent {
		header.Set("Content-Length", strconv.Itoa(len(entry.Body)))
	}

	return &pipeline.Response{
		StatusCode: entry.Status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(entry.Body)),
		Cache:      StatusHit,
	}
}

// Capture marks a dispatched response as a miss and arranges for it to be
// stored once its body has streamed to the client. Synthetic responses,
// upgrades, non-storable statuses and oversized bodies are not stored.
func (l *Layer) Capture(rc *pipeline.RequestContext, policy *config.CachePolicyConfig, resp *pipeline.Response) {
	if l == nil || rc.CacheKey == "" || resp == nil || resp.Synthetic || resp.Upgrade != nil {
		return
	}

	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(HeaderXCache, StatusMiss)
	resp.Cache = StatusMiss

	if !StorableStatus(resp.StatusCode) {
		return
	}
	if resp.Header.Get("Set-Cookie") != "" || strings.TrimSpace(resp.Header.Get("Vary")) == "*" {
		return
	}
	ttl := TTL(resp.Header, policy, l.defaultTTL)
	if ttl <= 0 {
		return
	}

	limit := l.maxBodyBytes
	if policy != nil && policy.MaxBodyBytes > 0 {
		limit = policy.MaxBodyBytes
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > limit {
			return
		}
	}

	header := resp.Header.Clone()
	header.Del(HeaderXCache)
	key := rc.CacheKey
	status := resp.StatusCode
	ctx := context.WithoutCancel(rc.Context())

	store := func(body []byte) {
		now := l.now()
		entry := &Entry{
			Status:    status,
			Header:    header,
			Body:      append([]byte(nil), body...),
			StoredAt:  now,
			ExpiresAt: now.Add(ttl),
		}
		if err := l.store.Set(ctx, key, entry); err != nil {
			l.metrics.RecordCacheLookup(ResultError)
			l.logger.Warn("cache store failed",
				observability.String("route", rc.RouteName),
				observability.Error(err),
			)
		}
	}

	if resp.Body == nil {
		store(nil)
		return
	}
	resp.Body = newCaptureBody(resp.Body, limit, store)
}
