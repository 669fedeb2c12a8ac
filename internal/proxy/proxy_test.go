package proxy

import (
	"bufio"
	"context"
	"encoding/pem"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/edgegw/internal/backend"
	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/observability"
	"github.com/vyrodovalexey/edgegw/internal/pipeline"
	"github.com/vyrodovalexey/edgegw/internal/retry"
	"github.com/vyrodovalexey/edgegw/internal/util"
)

const testService = "orders"

// upstream is an httptest server that counts the connections it accepted.
type upstream struct {
	*httptest.Server
	conns atomic.Int64
}

func newUpstream(t *testing.T, handler http.HandlerFunc) *upstream {
	t.Helper()

	u := &upstream{}
	u.Server = httptest.NewUnstartedServer(handler)
	u.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			u.conns.Add(1)
		}
	}
	u.Start()
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) address() string {
	return strings.TrimPrefix(u.URL, "http://")
}

type fixture struct {
	registry  *backend.Registry
	transport *Transport
	proxy     *Proxy
	metrics   *observability.Metrics
}

func newFixture(t *testing.T, pool config.PoolConfig, endpoints ...backend.Endpoint) *fixture {
	t.Helper()

	metrics := observability.NewMetrics("test")
	registry := backend.NewRegistry()
	services := []config.ServiceConfig{{
		ID:           testService,
		LoadBalancer: config.LoadBalancerConfig{Policy: config.PolicyRoundRobin},
		Pool:         pool,
	}}
	require.NoError(t, registry.Sync(context.Background(), services))
	require.True(t, registry.Replace(testService, endpoints, 1))

	transport := NewTransport(WithTransportMetrics(metrics))
	transport.Configure(services)

	p := NewProxy(registry, transport, WithProxyMetrics(metrics))
	t.Cleanup(func() {
		p.Stop()
		registry.Close()
	})
	return &fixture{registry: registry, transport: transport, proxy: p, metrics: metrics}
}

func newRequestContext(r *http.Request) *pipeline.RequestContext {
	rc := pipeline.NewRequestContext(r)
	rc.RouteName = "orders-route"
	rc.Service = testService
	return rc
}

func readAll(t *testing.T, resp *pipeline.Response) string {
	t.Helper()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Close()
	return string(data)
}

func counterValue(t *testing.T, metrics *observability.Metrics, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, l := range m.GetLabel() {
				got[l.GetName()] = l.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestProxy_ForwardsRequest(t *testing.T) {
	t.Parallel()

	seenCh := make(chan *http.Request, 1)
	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		seenCh <- r.Clone(context.Background())
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "hello from upstream")
	})
	f := newFixture(t, config.PoolConfig{}, backend.Endpoint{ID: "a", Address: u.address()})

	r := httptest.NewRequest(http.MethodGet, "http://example.com/api/v1/orders?id=7", nil)
	r.Header.Set("Connection", "keep-alive, X-Secret")
	r.Header.Set("X-Secret", "drop me")
	r.Header.Set("Proxy-Authorization", "Basic abc")
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	r.Header.Set("Authorization", "Bearer token")

	rc := newRequestContext(r)
	resp := f.proxy.Dispatch(rc, "")
	require.False(t, resp.Synthetic, "unexpected error: %v", resp.Err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a", resp.Header.Get(HeaderUpstreamID))
	assert.Empty(t, resp.Header.Get("Keep-Alive"))
	assert.Equal(t, "hello from upstream", readAll(t, resp))

	seenReq := <-seenCh
	seen := seenReq.Header
	assert.Equal(t, "/api/v1/orders?id=7", seenReq.RequestURI)
	assert.Equal(t, u.address(), seenReq.Host)
	assert.Equal(t, "203.0.113.9, 192.0.2.1", seen.Get("X-Forwarded-For"))
	assert.Equal(t, "http", seen.Get("X-Forwarded-Proto"))
	assert.Equal(t, "example.com", seen.Get("X-Forwarded-Host"))
	assert.Equal(t, "Bearer token", seen.Get("Authorization"))
	assert.Empty(t, seen.Get("X-Secret"))
	assert.Empty(t, seen.Get("Proxy-Authorization"))
	assert.Empty(t, seen.Get("User-Agent"))

	assert.Equal(t, 1, rc.Attempts)
	assert.Equal(t, "a", rc.Instance)
}

func TestProxy_StreamsRequestBody(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte(strings.ToUpper(string(body))))
	})
	f := newFixture(t, config.PoolConfig{}, backend.Endpoint{ID: "a", Address: u.address()})

	r := httptest.NewRequest(http.MethodPost, "http://example.com/echo", strings.NewReader("payload"))
	resp := f.proxy.Dispatch(newRequestContext(r), "")
	require.False(t, resp.Synthetic)
	assert.Equal(t, "PAYLOAD", readAll(t, resp))
}

func TestProxy_ReusesConnectionAfterCleanResponse(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	f := newFixture(t, config.PoolConfig{}, backend.Endpoint{ID: "a", Address: u.address()})

	for i := 0; i < 3; i++ {
		resp := f.proxy.Dispatch(newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com/", nil)), "")
		require.False(t, resp.Synthetic)
		assert.Equal(t, "ok", readAll(t, resp))
	}

	assert.Equal(t, int64(1), u.conns.Load())
	open, idle := f.transport.Pool(testService, "a", u.address()).Stats()
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, idle)
	assert.Equal(t, float64(2), counterValue(t, f.metrics, "test_upstream_connections_total",
		map[string]string{"service": testService, "event": EventReuse}))
}

func TestProxy_DiscardsConnectionClosedEarly(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 256<<10)))
	})
	f := newFixture(t, config.PoolConfig{}, backend.Endpoint{ID: "a", Address: u.address()})

	resp := f.proxy.Dispatch(newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com/", nil)), "")
	require.False(t, resp.Synthetic)
	buf := make([]byte, 10)
	_, err := io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	resp.Close()

	open, idle := f.transport.Pool(testService, "a", u.address()).Stats()
	assert.Equal(t, 0, open)
	assert.Equal(t, 0, idle)
	assert.Equal(t, float64(1), counterValue(t, f.metrics, "test_upstream_connections_total",
		map[string]string{"service": testService, "event": EventDiscard}))
}

func TestProxy_RecyclesAfterRequestQuota(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	f := newFixture(t, config.PoolConfig{MaxRequestsPerConn: 2}, backend.Endpoint{ID: "a", Address: u.address()})

	for i := 0; i < 4; i++ {
		resp := f.proxy.Dispatch(newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com/", nil)), "")
		require.False(t, resp.Synthetic)
		readAll(t, resp)
	}

	assert.Equal(t, int64(2), u.conns.Load())
	open, _ := f.transport.Pool(testService, "a", u.address()).Stats()
	assert.Equal(t, 0, open)
}

func TestProxy_ConnectionCapFailsFast(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
	})
	defer close(release)
	f := newFixture(t, config.PoolConfig{MaxConnections: 1}, backend.Endpoint{ID: "a", Address: u.address()})

	first := f.proxy.Dispatch(newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com/", nil)), "")
	require.False(t, first.Synthetic)
	defer first.Close()

	start := time.Now()
	second := f.proxy.Dispatch(newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com/", nil)), "")
	assert.Less(t, time.Since(start), time.Second)
	require.True(t, second.Synthetic)
	assert.Equal(t, http.StatusServiceUnavailable, second.StatusCode)
	assert.ErrorIs(t, second.Err, util.ErrUpstreamUnavailable)
}

func TestProxy_ConnectFailureIs502(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.PoolConfig{DialTimeout: config.Duration(200 * time.Millisecond)},
		backend.Endpoint{ID: "dead", Address: "127.0.0.1:1"})

	resp := f.proxy.Dispatch(newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com/", nil)), "")
	require.True(t, resp.Synthetic)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.ErrorIs(t, resp.Err, util.ErrUpstreamConnection)
}

func TestProxy_RetriesConnectionFailures(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "alive")
	})
	f := newFixture(t, config.PoolConfig{},
		backend.Endpoint{ID: "a-dead", Address: "127.0.0.1:1"},
		backend.Endpoint{ID: "b-alive", Address: u.address()},
	)

	for i := 0; i < 4; i++ {
		rc := newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
		rc.Retry = &retry.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

		resp := f.proxy.Dispatch(rc, "")
		require.False(t, resp.Synthetic, "attempt %d: %v", i, resp.Err)
		assert.Equal(t, "alive", readAll(t, resp))
		assert.Equal(t, "b-alive", rc.Instance)
	}
	// Round-robin starts every request on the dead instance.
	assert.Equal(t, float64(4), counterValue(t, f.metrics, "test_upstream_retries_total",
		map[string]string{"route": "orders-route"}))
}

func TestProxy_RetryBudgetIsBounded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.PoolConfig{}, backend.Endpoint{ID: "dead", Address: "127.0.0.1:1"})

	rc := newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	rc.Retry = &retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	resp := f.proxy.Dispatch(rc, "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 3, rc.Attempts)
}

func TestProxy_NoRetryAfterResponseCommitted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.PoolConfig{}, backend.Endpoint{ID: "dead", Address: "127.0.0.1:1"})

	rc := newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	rc.Retry = &retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	rc.SetCommittedFunc(func() bool { return true })

	resp := f.proxy.Dispatch(rc, "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 1, rc.Attempts)
}

func TestProxy_ApplicationErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	f := newFixture(t, config.PoolConfig{}, backend.Endpoint{ID: "a", Address: u.address()})

	rc := newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	rc.Retry = &retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond}

	resp := f.proxy.Dispatch(rc, "")
	assert.False(t, resp.Synthetic)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	readAll(t, resp)
	assert.Equal(t, int64(1), calls.Load())
}

func TestProxy_TimeoutCancelsUpstreamCall(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	f := newFixture(t, config.PoolConfig{}, backend.Endpoint{ID: "a", Address: u.address()})

	rc := newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	rc.WithTimeout(50 * time.Millisecond)
	defer rc.Finish()

	start := time.Now()
	resp := f.proxy.Dispatch(rc, "")
	assert.Less(t, time.Since(start), time.Second)
	require.True(t, resp.Synthetic)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.ErrorIs(t, resp.Err, util.ErrTimeout)

	open, idle := f.transport.Pool(testService, "a", u.address()).Stats()
	assert.Equal(t, 0, open, "the cancelled connection is discarded")
	assert.Equal(t, 0, idle)
}

func TestProxy_NoHealthyInstances(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.PoolConfig{})

	resp := f.proxy.Dispatch(newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com/", nil)), "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.ErrorIs(t, resp.Err, util.ErrUpstreamUnavailable)
}

func TestProxy_OutstandingCountsFollowBody(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	f := newFixture(t, config.PoolConfig{}, backend.Endpoint{ID: "a", Address: u.address()})

	resp := f.proxy.Dispatch(newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com/", nil)), "")
	require.False(t, resp.Synthetic)

	pool, _ := f.registry.Pool(testService)
	inst, _ := pool.Instance("a")
	assert.Equal(t, int64(1), inst.Outstanding())

	readAll(t, resp)
	assert.Equal(t, int64(0), inst.Outstanding())
}

func TestProxy_SweepClosesIdleAndRemovedPools(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	f := newFixture(t, config.PoolConfig{MaxIdleDuration: config.Duration(10 * time.Millisecond)},
		backend.Endpoint{ID: "a", Address: u.address()})

	resp := f.proxy.Dispatch(newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com/", nil)), "")
	readAll(t, resp)
	require.Len(t, f.transport.Stats(), 1)

	time.Sleep(20 * time.Millisecond)
	f.proxy.Sweep()
	stats := f.transport.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].Open)

	f.registry.Replace(testService, nil, 2)
	f.proxy.Sweep()
	assert.Empty(t, f.transport.Stats())
}

func TestTransport_ConfigureClosesChangedPools(t *testing.T) {
	t.Parallel()

	tr := NewTransport()
	services := []config.ServiceConfig{{ID: "a"}, {ID: "b"}}
	tr.Configure(services)

	pa := tr.Pool("a", "1", "127.0.0.1:8080")
	pb := tr.Pool("b", "1", "127.0.0.1:8081")
	assert.Same(t, pa, tr.Pool("a", "1", "127.0.0.1:8080"))

	tr.Configure([]config.ServiceConfig{{ID: "a", Pool: config.PoolConfig{MaxIdle: 4}}})

	assert.NotSame(t, pa, tr.Pool("a", "1", "127.0.0.1:8080"))
	_, err := pb.get(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// oneShotUpstream answers the first request on every connection, then
// reads the next request and closes the connection without answering.
type oneShotUpstream struct {
	ln     net.Listener
	counts sync.Map // method -> *atomic.Int64
}

func newOneShotUpstream(t *testing.T) *oneShotUpstream {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	u := &oneShotUpstream{ln: ln}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go u.serve(c)
		}
	}()
	return u
}

func (u *oneShotUpstream) serve(c net.Conn) {
	defer c.Close()

	br := bufio.NewReader(c)
	for i := 0; ; i++ {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, req.Body)
		u.count(req.Method).Add(1)
		if i > 0 {
			return
		}
		_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	}
}

func (u *oneShotUpstream) count(method string) *atomic.Int64 {
	v, _ := u.counts.LoadOrStore(method, &atomic.Int64{})
	return v.(*atomic.Int64)
}

func TestTransport_ReplayOnReusedConnection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		method     string
		wantStatus int
		wantSeen   int64
	}{
		{name: "unsafe method is not sent twice", method: http.MethodPost, wantStatus: http.StatusBadGateway, wantSeen: 1},
		{name: "safe method is replayed", method: http.MethodGet, wantStatus: http.StatusOK, wantSeen: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			u := newOneShotUpstream(t)
			address := u.ln.Addr().String()
			f := newFixture(t, config.PoolConfig{}, backend.Endpoint{ID: "a", Address: address})

			warm := f.proxy.Dispatch(newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com/", nil)), "")
			require.False(t, warm.Synthetic, "%v", warm.Err)
			assert.Equal(t, "ok", readAll(t, warm))

			resp := f.proxy.Dispatch(newRequestContext(httptest.NewRequest(tt.method, "http://example.com/", nil)), "")
			defer resp.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus != http.StatusOK {
				assert.ErrorIs(t, resp.Err, util.ErrUpstreamConnection)
			}
			assert.Eventually(t, func() bool {
				return u.count(tt.method).Load() == tt.wantSeen
			}, time.Second, 5*time.Millisecond)
			assert.Never(t, func() bool {
				return u.count(tt.method).Load() > tt.wantSeen
			}, 50*time.Millisecond, 5*time.Millisecond)
		})
	}
}

func TestProxy_ForwardsCleanedPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target string
		want   string
	}{
		{name: "dot segments", target: "/a/../b", want: "/b"},
		{name: "duplicate slashes", target: "/api//v1/./orders?id=7", want: "/api/v1/orders?id=7"},
		{name: "escaped segment kept", target: "/files/a%2Fb", want: "/files/a%2Fb"},
		{name: "already clean", target: "/api/v1/orders", want: "/api/v1/orders"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			seen := make(chan string, 1)
			u := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
				seen <- r.RequestURI
				w.WriteHeader(http.StatusNoContent)
			})
			f := newFixture(t, config.PoolConfig{}, backend.Endpoint{ID: "a", Address: u.address()})

			resp := f.proxy.Dispatch(newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com"+tt.target, nil)), "")
			require.False(t, resp.Synthetic, "unexpected error: %v", resp.Err)
			resp.Close()

			assert.Equal(t, tt.want, <-seen)
		})
	}
}

func TestProxy_UpstreamVersionHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		metadata map[string]string
		want     string
	}{
		{name: "version metadata", metadata: map[string]string{"version": "v2.3.1", "zone": "a"}, want: "v2.3.1"},
		{name: "no version", metadata: map[string]string{"zone": "a"}},
		{name: "no metadata"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, "ok")
			})
			f := newFixture(t, config.PoolConfig{},
				backend.Endpoint{ID: "a", Address: u.address(), Metadata: tt.metadata})

			resp := f.proxy.Dispatch(newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com/", nil)), "")
			require.False(t, resp.Synthetic, "unexpected error: %v", resp.Err)
			defer resp.Close()

			assert.Equal(t, "a", resp.Header.Get(HeaderUpstreamID))
			assert.Equal(t, tt.want, resp.Header.Get(HeaderUpstreamVersion))
		})
	}
}

// writeServerCA writes the certificate of a TLS test server as a CA file.
func writeServerCA(t *testing.T, srv *httptest.Server) string {
	t.Helper()

	file := filepath.Join(t.TempDir(), "ca.pem")
	block := &pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw}
	require.NoError(t, os.WriteFile(file, pem.EncodeToMemory(block), 0o600))
	return file
}

func TestProxy_TLSUpstream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, "secure "+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	address := strings.TrimPrefix(srv.URL, "https://")
	caFile := writeServerCA(t, srv)

	tests := []struct {
		name    string
		tls     *config.UpstreamTLSConfig
		wantErr bool
	}{
		{name: "trusted CA", tls: &config.UpstreamTLSConfig{Enabled: true, CAFile: caFile}},
		{name: "skip verify", tls: &config.UpstreamTLSConfig{Enabled: true, InsecureSkipVerify: true}},
		{name: "unknown authority", tls: &config.UpstreamTLSConfig{Enabled: true}, wantErr: true},
		{
			name:    "missing CA file",
			tls:     &config.UpstreamTLSConfig{Enabled: true, CAFile: filepath.Join(t.TempDir(), "missing.pem")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, config.PoolConfig{TLS: tt.tls}, backend.Endpoint{ID: "a", Address: address})

			resp := f.proxy.Dispatch(newRequestContext(httptest.NewRequest(http.MethodGet, "http://example.com/x/../secret", nil)), "")
			if tt.wantErr {
				require.True(t, resp.Synthetic)
				assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
				assert.ErrorIs(t, resp.Err, util.ErrUpstreamConnection)
				return
			}

			require.False(t, resp.Synthetic, "unexpected error: %v", resp.Err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "secure /secret", readAll(t, resp))
			assert.Equal(t, "https", f.transport.Pool(testService, "a", address).Scheme())
		})
	}
}
