package gateway

import (
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/edgegw/internal/cache"
	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/observability"
	"github.com/vyrodovalexey/edgegw/internal/pipeline"
	"github.com/vyrodovalexey/edgegw/internal/proxy"
	"github.com/vyrodovalexey/edgegw/internal/router"
	"github.com/vyrodovalexey/edgegw/internal/util"
)

const tracerName = "edgegw/gateway"

const (
	// HeaderRequestID carries the request id in both directions.
	HeaderRequestID = "X-Request-ID"

	// DefaultHashHeader is the consistent hash key header used when a
	// service does not name one.
	DefaultHashHeader = "X-LB-Hash"
)

const copyBufferSize = 32 * 1024

// Handler serves proxied traffic: it resolves the route, runs the route
// pipeline around cache lookup and dispatch, and writes the response.
type Handler struct {
	router  *router.Router
	proxy   *proxy.Proxy
	cache   *cache.Layer
	logger  observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	hashHeaders atomic.Pointer[map[string]string]
}

// HandlerOption is a functional option for configuring the handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger for the handler.
func WithHandlerLogger(logger observability.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithHandlerMetrics sets the metrics collector.
func WithHandlerMetrics(metrics *observability.Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = metrics
	}
}

// WithCacheLayer enables the response cache.
func WithCacheLayer(layer *cache.Layer) HandlerOption {
	return func(h *Handler) {
		h.cache = layer
	}
}

// NewHandler creates a handler resolving against rt and dispatching via px.
func NewHandler(rt *router.Router, px *proxy.Proxy, opts ...HandlerOption) *Handler {
	h := &Handler{
		router: rt,
		proxy:  px,
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.SetServices(nil)
	return h
}

// SetServices installs the consistent hash header of every service.
func (h *Handler) SetServices(services []config.ServiceConfig) {
	headers := make(map[string]string, len(services))
	for i := range services {
		name := services[i].LoadBalancer.HashHeader
		if name == "" {
			name = DefaultHashHeader
		}
		headers[services[i].ID] = name
	}
	h.hashHeaders.Store(&headers)
}

// outcome collects what the access log reports about a request.
type outcome struct {
	route    string
	instance string
	cache    string
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := h.now()

	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.New().String()
		r.Header.Set(HeaderRequestID, requestID)
	}

	ctx := observability.ExtractTraceContext(r.Context(), r.Header)
	ctx = util.ContextWithRequestID(ctx, requestID)
	ctx = util.ContextWithStartTime(ctx, start)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "gateway.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
			attribute.String("http.host", r.Host),
		),
	)
	defer span.End()
	r = r.WithContext(ctx)

	w.Header().Set(HeaderRequestID, requestID)
	sw := util.NewStatusCapturingResponseWriter(w)

	var out outcome
	aborted := h.serve(sw, r, &out)

	duration := h.now().Sub(start)
	status := sw.StatusCode

	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.String("gateway.route", out.route),
	)
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}

	h.metrics.RecordRequest(out.route, status, duration)
	h.logger.WithContext(ctx).Info("request completed",
		observability.String("method", r.Method),
		observability.String("path", r.URL.Path),
		observability.String("route", out.route),
		observability.Int("status", status),
		observability.Duration("duration", duration),
		observability.String("instance", out.instance),
		observability.String("cache", out.cache),
		observability.String("remote_addr", r.RemoteAddr),
	)

	if aborted {
		panic(http.ErrAbortHandler)
	}
}

// serve handles the request and reports whether the client connection
// must be aborted because a response was cut short after it was committed.
func (h *Handler) serve(w *util.StatusCapturingResponseWriter, r *http.Request, out *outcome) (aborted bool) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		if p == http.ErrAbortHandler { //nolint:errorlint // sentinel panic value
			aborted = true
			return
		}
		h.logger.WithContext(r.Context()).Error("panic recovered",
			observability.String("path", r.URL.Path),
			observability.String("method", r.Method),
			observability.Any("error", p),
			observability.String("stack", string(debug.Stack())),
		)
		if w.Committed() {
			aborted = true
			return
		}
		util.WriteJSONError(w, http.StatusInternalServerError, "internal server error")
	}()

	match, err := h.router.Resolve(r.Method, r.Host, r.URL.Path)
	if err != nil {
		return h.write(w, r, pipeline.ErrorResponse(err))
	}
	rule := match.Rule
	out.route = rule.Name

	ctx := util.ContextWithRoute(r.Context(), rule.Name)
	ctx = util.ContextWithService(ctx, rule.Service)
	r = r.WithContext(ctx)

	rc := pipeline.NewRequestContext(r)
	defer rc.Finish()
	rc.RouteName = rule.Name
	rc.Service = rule.Service
	rc.Idempotent = rule.Idempotent
	rc.PathParams = match.Params
	rc.SetCommittedFunc(w.Committed)

	resp := rule.Pipeline.Execute(rc, h.dispatch(rule))
	out.instance = rc.Instance
	out.cache = resp.Cache

	return h.write(w, r, resp)
}

// dispatch consults the cache before load balancing, so a hit needs no
// healthy instance, and offers live responses to the cache on the way out.
func (h *Handler) dispatch(rule *router.Rule) pipeline.Dispatch {
	return func(rc *pipeline.RequestContext) *pipeline.Response {
		if h.cache != nil {
			if hit := h.cache.Lookup(rc, rule.Cache); hit != nil {
				return hit
			}
		}

		resp := h.proxy.Dispatch(rc, h.hashKey(rc))

		if h.cache != nil {
			h.cache.Capture(rc, rule.Cache, resp)
		}
		return resp
	}
}

// hashKey returns the consistent hash key: the service's hash header,
// then the authenticated client, then the client address.
func (h *Handler) hashKey(rc *pipeline.RequestContext) string {
	name := DefaultHashHeader
	if headers := h.hashHeaders.Load(); headers != nil {
		if n, ok := (*headers)[rc.Service]; ok {
			name = n
		}
	}
	if v := rc.Request.Header.Get(name); v != "" {
		return v
	}
	if rc.ClientID != "" {
		return rc.ClientID
	}
	return rc.ClientIP
}

func (h *Handler) write(w *util.StatusCapturingResponseWriter, r *http.Request, resp *pipeline.Response) (aborted bool) {
	if resp.Upgrade != nil {
		return h.writeUpgrade(w, r, resp)
	}
	defer resp.Close()

	dst := w.Header()
	for k, vs := range resp.Header {
		dst[k] = vs
	}
	w.WriteHeader(resp.StatusCode)

	if resp.Body == nil || r.Method == http.MethodHead {
		return false
	}

	flush := resp.Header.Get("Content-Length") == ""
	readErr, writeErr := copyBody(w, resp.Body, flush)
	switch {
	case writeErr != nil:
		h.logger.WithContext(r.Context()).Debug("client went away during response",
			observability.Error(writeErr),
		)
	case readErr != nil:
		h.logger.WithContext(r.Context()).Warn("upstream response truncated",
			observability.Int64("bytes_written", w.BytesWritten()),
			observability.Error(readErr),
		)
		return true
	}
	return false
}

func (h *Handler) writeUpgrade(w *util.StatusCapturingResponseWriter, r *http.Request, resp *pipeline.Response) bool {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(HeaderRequestID, w.Header().Get(HeaderRequestID))

	started := h.now()
	sent, received, err := proxy.ServeUpgrade(w, resp)
	if err != nil {
		h.logger.WithContext(r.Context()).Warn("protocol upgrade failed",
			observability.Error(err),
		)
		if !w.Committed() {
			util.WriteJSONError(w, http.StatusBadGateway, "protocol upgrade failed")
		}
		return false
	}

	h.logger.WithContext(r.Context()).Debug("upgraded connection closed",
		observability.Int64("bytes_sent", sent),
		observability.Int64("bytes_received", received),
		observability.Duration("duration", h.now().Sub(started)),
	)
	return false
}

// copyBody streams src to w. When flush is set every chunk is flushed so
// unbounded streams reach the client as they arrive.
func copyBody(w *util.StatusCapturingResponseWriter, src io.Reader, flush bool) (readErr, writeErr error) {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return nil, werr
			}
			if flush {
				w.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return err, nil
		}
	}
}
