package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/edgegw/internal/backend"
	"github.com/vyrodovalexey/edgegw/internal/observability"
	"github.com/vyrodovalexey/edgegw/internal/pipeline"
	"github.com/vyrodovalexey/edgegw/internal/retry"
	"github.com/vyrodovalexey/edgegw/internal/router"
)

const tracerName = "edgegw/proxy"

// Proxy dispatches requests to service instances. Every attempt selects an
// instance from the registry, so a retry may land on a different one.
type Proxy struct {
	registry  *backend.Registry
	transport *Transport
	logger    observability.Logger
	metrics   *observability.Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
}

// ProxyOption is a functional option for configuring the proxy.
type ProxyOption func(*Proxy)

// WithProxyLogger sets the logger for the proxy.
func WithProxyLogger(logger observability.Logger) ProxyOption {
	return func(p *Proxy) {
		p.logger = logger
	}
}

// WithProxyMetrics sets the metrics collector.
func WithProxyMetrics(metrics *observability.Metrics) ProxyOption {
	return func(p *Proxy) {
		p.metrics = metrics
	}
}

// NewProxy creates a proxy over registry and transport.
func NewProxy(registry *backend.Registry, transport *Transport, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		registry:  registry,
		transport: transport,
		logger:    observability.NopLogger(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Transport returns the upstream transport.
func (p *Proxy) Transport() *Transport {
	return p.transport
}

// Dispatch forwards the request to an instance of rc.Service and returns
// the upstream response with its body still streaming. hashKey feeds
// consistent-hash selection. Failures come back as synthetic error
// responses. When rc.Retry is set, connection failures are re-dispatched
// with backoff as long as nothing has reached the client.
func (p *Proxy) Dispatch(rc *pipeline.RequestContext, hashKey string) *pipeline.Response {
	ctx := rc.Context()

	var resp *pipeline.Response
	attempt := func(n int) error {
		rc.Attempts = n
		inst, err := p.registry.Select(rc.Service, hashKey)
		if err != nil {
			return err
		}
		r, err := p.forward(ctx, rc, inst)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	var err error
	if rc.Retry != nil {
		err = retry.Do(ctx, rc.Retry, attempt, &retry.Options{
			ShouldRetry: func(err error) bool {
				return retryable(err) && !rc.ResponseCommitted()
			},
			OnRetry: func(n int, err error, backoff time.Duration) {
				p.metrics.RecordRetry(rc.RouteName)
				p.logger.Debug("retrying upstream request",
					observability.String("route", rc.RouteName),
					observability.String("service", rc.Service),
					observability.Int("attempt", n),
					observability.Duration("backoff", backoff),
					observability.Error(err),
				)
			},
		})
	} else {
		err = attempt(1)
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = classifyError(ctx, rc.Service, rc.Instance, rc.Timeout(), err)
		}
		return pipeline.ErrorResponse(err)
	}
	return resp
}

func (p *Proxy) forward(ctx context.Context, rc *pipeline.RequestContext, inst *backend.Instance) (*pipeline.Response, error) {
	rc.Instance = inst.ID

	ctx, span := otel.Tracer(tracerName).Start(ctx, "proxy.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("edgegw.service", rc.Service),
			attribute.String("edgegw.instance", inst.ID),
			attribute.Int("edgegw.attempt", rc.Attempts),
		),
	)
	defer span.End()

	pool := p.transport.Pool(rc.Service, inst.ID, inst.Address)
	upgrade := IsUpgradeRequest(rc.Request)
	out := outboundRequest(ctx, rc, pool, upgrade)

	inst.Acquire()
	p.metrics.UpstreamStarted(rc.Service)
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			inst.Release()
			p.metrics.UpstreamFinished(rc.Service)
		})
	}

	httpResp, stream, err := p.transport.RoundTrip(ctx, pool, out)
	if err != nil {
		release()
		err = classifyError(ctx, rc.Service, inst.ID, rc.Timeout(), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Debug("upstream attempt failed",
			observability.String("service", rc.Service),
			observability.String("instance", inst.ID),
			observability.Error(err),
		)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", httpResp.StatusCode))

	header := httpResp.Header
	upgradeProto := upgradeType(header)
	removeHopHeaders(header)
	header.Set(HeaderUpstreamID, inst.ID)
	if v := inst.Metadata[MetadataVersion]; v != "" {
		header.Set(HeaderUpstreamVersion, v)
	}

	resp := &pipeline.Response{
		StatusCode: httpResp.StatusCode,
		Header:     header,
	}
	if stream != nil {
		if upgradeProto == "" {
			upgradeProto = upgradeType(rc.Request.Header)
		}
		header.Set("Connection", "Upgrade")
		header.Set("Upgrade", upgradeProto)
		resp.Upgrade = &releasingStream{ReadWriteCloser: stream, release: release}
		return resp, nil
	}
	resp.Body = &releasingBody{ReadCloser: httpResp.Body, release: release}
	return resp, nil
}

// outboundRequest builds the upstream request for one attempt.
func outboundRequest(ctx context.Context, rc *pipeline.RequestContext, pool *ConnPool, upgrade bool) *http.Request {
	in := rc.Request
	address := pool.Address()

	header := in.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	upgradeProto := upgradeType(in.Header)
	removeHopHeaders(header)
	setForwardedHeaders(header, in, rc.ClientIP)
	if upgrade {
		header.Set("Connection", "Upgrade")
		header.Set("Upgrade", upgradeProto)
	}
	if _, ok := header["User-Agent"]; !ok {
		// Keep the request from picking up a default User-Agent.
		header.Set("User-Agent", "")
	}
	observability.InjectTraceContext(ctx, header)

	// The upstream sees the path that was routed and cached.
	outPath, rawPath := router.CleanPath(in.URL.Path), in.URL.RawPath
	if outPath != in.URL.Path {
		rawPath = ""
	}

	out := &http.Request{
		Method: in.Method,
		URL: &url.URL{
			Scheme:   pool.Scheme(),
			Host:     address,
			Path:     outPath,
			RawPath:  rawPath,
			RawQuery: in.URL.RawQuery,
		},
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Host:          address,
		ContentLength: in.ContentLength,
		Body:          in.Body,
		GetBody:       in.GetBody,
	}
	if rc.Attempts > 1 && in.GetBody != nil {
		if body, err := in.GetBody(); err == nil {
			out.Body = body
		}
	}
	if out.ContentLength == 0 {
		out.Body = nil
	}
	return out.WithContext(ctx)
}

// releasingBody runs release once when the body is done.
type releasingBody struct {
	io.ReadCloser
	release func()
}

// Close implements io.Closer.
func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}

type releasingStream struct {
	io.ReadWriteCloser
	release func()
}

// Close implements io.Closer.
func (s *releasingStream) Close() error {
	err := s.ReadWriteCloser.Close()
	s.release()
	return err
}

// Start runs the background sweep that closes expired idle connections and
// the pools of instances no longer registered.
func (p *Proxy) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.transport.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.Sweep()
			}
		}
	}()
}

// Sweep closes expired idle connections and the pools of removed instances.
func (p *Proxy) Sweep() {
	expired := p.transport.Sweep()
	removed := p.transport.Retain(func(service, instance, address string) bool {
		pool, ok := p.registry.Pool(service)
		if !ok {
			return false
		}
		inst, ok := pool.Instance(instance)
		return ok && inst.Address == address
	})
	if expired > 0 || removed > 0 {
		p.logger.Debug("upstream connection sweep",
			observability.Int("expired", expired),
			observability.Int("pools_removed", removed),
		)
	}
}

// Stop stops the background sweep and closes every connection.
func (p *Proxy) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.transport.Close()
}
