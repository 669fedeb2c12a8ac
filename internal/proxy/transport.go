package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// DefaultSweepInterval is how often idle connections are swept.
const DefaultSweepInterval = 30 * time.Second

var aLongTimeAgo = time.Unix(1, 0)

type poolKey struct {
	service  string
	instance string
	address  string
}

// PoolStats describes one instance connection pool.
type PoolStats struct {
	Service  string `json:"service"`
	Instance string `json:"instance"`
	Address  string `json:"address"`
	Open     int    `json:"open"`
	Idle     int    `json:"idle"`
}

// Transport speaks HTTP/1.1 to upstream instances over pooled
// connections, one pool per instance.
type Transport struct {
	dial          DialFunc
	metrics       *observability.Metrics
	logger        observability.Logger
	sweepInterval time.Duration

	mu      sync.RWMutex
	configs map[string]config.PoolConfig
	tls     map[string]*upstreamTLS
	pools   map[poolKey]*ConnPool
}

// TransportOption is a functional option for configuring the transport.
type TransportOption func(*Transport)

// WithTransportLogger sets the logger.
func WithTransportLogger(logger observability.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithTransportMetrics sets the metrics collector.
func WithTransportMetrics(metrics *observability.Metrics) TransportOption {
	return func(t *Transport) {
		t.metrics = metrics
	}
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) TransportOption {
	return func(t *Transport) {
		t.dial = dial
	}
}

// WithSweepInterval sets how often idle connections are swept.
func WithSweepInterval(d time.Duration) TransportOption {
	return func(t *Transport) {
		t.sweepInterval = d
	}
}

// NewTransport creates a transport.
func NewTransport(opts ...TransportOption) *Transport {
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}
	t := &Transport{
		dial:          dialer.DialContext,
		logger:        observability.NopLogger(),
		sweepInterval: DefaultSweepInterval,
		configs:       make(map[string]config.PoolConfig),
		tls:           make(map[string]*upstreamTLS),
		pools:         make(map[poolKey]*ConnPool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Configure sets the pool limits per service. Pools of services that are
// gone or whose limits changed are closed and rebuilt on next use.
func (t *Transport) Configure(services []config.ServiceConfig) {
	configs := make(map[string]config.PoolConfig, len(services))
	tlsConfigs := make(map[string]*upstreamTLS)
	for i := range services {
		svc := &services[i]
		configs[svc.ID] = svc.Pool
		if ut := buildUpstreamTLS(svc.Pool.TLS); ut != nil {
			if ut.err != nil {
				t.logger.Error("invalid upstream TLS configuration",
					observability.String("service", svc.ID),
					observability.Error(ut.err),
				)
			}
			tlsConfigs[svc.ID] = ut
		}
	}

	t.mu.Lock()
	var stale []*ConnPool
	for key, pool := range t.pools {
		cfg, ok := configs[key.service]
		if !ok || !reflect.DeepEqual(cfg, t.configs[key.service]) {
			stale = append(stale, pool)
			delete(t.pools, key)
		}
	}
	t.configs = configs
	t.tls = tlsConfigs
	t.mu.Unlock()

	for _, pool := range stale {
		pool.Close()
	}
}

// Pool returns the connection pool of an instance, creating it on first use.
func (t *Transport) Pool(service, instance, address string) *ConnPool {
	key := poolKey{service: service, instance: instance, address: address}

	t.mu.RLock()
	pool, ok := t.pools[key]
	t.mu.RUnlock()
	if ok {
		return pool
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if pool, ok = t.pools[key]; ok {
		return pool
	}
	pool = newConnPool(service, instance, address, t.configs[service], t)
	t.pools[key] = pool
	return pool
}

// Retain closes the pools of instances live reports as gone.
func (t *Transport) Retain(live func(service, instance, address string) bool) int {
	t.mu.Lock()
	var gone []*ConnPool
	for key, pool := range t.pools {
		if !live(key.service, key.instance, key.address) {
			gone = append(gone, pool)
			delete(t.pools, key)
		}
	}
	t.mu.Unlock()

	for _, pool := range gone {
		pool.Close()
	}
	return len(gone)
}

// Sweep closes idle connections past their max idle duration.
func (t *Transport) Sweep() int {
	t.mu.RLock()
	pools := make([]*ConnPool, 0, len(t.pools))
	for _, pool := range t.pools {
		pools = append(pools, pool)
	}
	t.mu.RUnlock()

	closed := 0
	for _, pool := range pools {
		closed += pool.Sweep()
	}
	return closed
}

// Stats returns per-instance pool statistics sorted by service and instance.
func (t *Transport) Stats() []PoolStats {
	t.mu.RLock()
	stats := make([]PoolStats, 0, len(t.pools))
	for key, pool := range t.pools {
		open, idle := pool.Stats()
		stats = append(stats, PoolStats{
			Service:  key.service,
			Instance: key.instance,
			Address:  key.address,
			Open:     open,
			Idle:     idle,
		})
	}
	t.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Service != stats[j].Service {
			return stats[i].Service < stats[j].Service
		}
		return stats[i].Instance < stats[j].Instance
	})
	return stats
}

// Close closes every pool.
func (t *Transport) Close() {
	t.mu.Lock()
	pools := t.pools
	t.pools = make(map[poolKey]*ConnPool)
	t.mu.Unlock()

	for _, pool := range pools {
		pool.Close()
	}
}

// RoundTrip sends req over a pooled connection of pool and reads the
// response head. The body streams from the connection; the connection goes
// back to the pool when the body is read to EOF, or is discarded when the
// body is closed early or ctx ends first. A 101 response hands the
// connection over as the returned stream instead.
//
// A failure on a reused connection is retried on a fresh connection when
// no request byte reached the upstream, or when the method is safe and the
// body can be replayed. Anything else may already have been processed.
func (t *Transport) RoundTrip(ctx context.Context, pool *ConnPool, req *http.Request) (*http.Response, io.ReadWriteCloser, error) {
	for {
		c, err := pool.get(ctx)
		if err != nil {
			return nil, nil, err
		}
		reused := c.requests > 0
		before := c.written

		stop := context.AfterFunc(ctx, func() {
			_ = c.SetDeadline(aLongTimeAgo)
		})

		resp, err := exchange(c, req)
		if err != nil {
			stop()
			pool.put(c, false)
			sent := c.written > before
			if reused && ctx.Err() == nil && !isTimeout(err) && (!sent || safeMethod(req.Method)) && rewindBody(req) {
				t.logger.Debug("retrying request on fresh upstream connection",
					observability.String("address", pool.address),
					observability.Error(err),
				)
				continue
			}
			return nil, nil, err
		}

		reusable := !resp.Close && !req.Close
		if resp.StatusCode == http.StatusSwitchingProtocols {
			if !stop() {
				pool.put(c, false)
				return nil, nil, ctx.Err()
			}
			return resp, &upgradeStream{conn: c, pool: pool}, nil
		}
		if resp.Body == nil || resp.Body == http.NoBody {
			resp.Body = http.NoBody
			pool.put(c, stop() && reusable)
			return resp, nil, nil
		}

		resp.Body = &pooledBody{
			body:     resp.Body,
			conn:     c,
			pool:     pool,
			stop:     stop,
			reusable: reusable,
		}
		return resp, nil, nil
	}
}

// exchange writes req and reads the final response head, skipping interim
// 1xx responses other than 101.
func exchange(c *conn, req *http.Request) (*http.Response, error) {
	if err := req.Write(c.bw); err != nil {
		return nil, err
	}
	if err := c.bw.Flush(); err != nil {
		return nil, err
	}

	for {
		resp, err := http.ReadResponse(c.br, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			continue
		}
		return resp, nil
	}
}

// safeMethod reports whether a request may be sent twice without effect.
func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

func rewindBody(req *http.Request) bool {
	if req.Body == nil || req.Body == http.NoBody {
		return true
	}
	if req.GetBody == nil {
		return false
	}
	body, err := req.GetBody()
	if err != nil {
		return false
	}
	req.Body = body
	return true
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// pooledBody releases its connection once the body ends.
type pooledBody struct {
	body     io.ReadCloser
	conn     *conn
	pool     *ConnPool
	stop     func() bool
	reusable bool

	once sync.Once
	eof  bool
}

func (b *pooledBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if errors.Is(err, io.EOF) {
		b.eof = true
		b.release()
	} else if err != nil {
		b.release()
	}
	return n, err
}

// Close releases the connection before closing the body so an unread body
// is not drained from the network.
func (b *pooledBody) Close() error {
	b.release()
	return b.body.Close()
}

func (b *pooledBody) release() {
	b.once.Do(func() {
		stopped := b.stop()
		b.pool.put(b.conn, b.eof && stopped && b.reusable)
	})
}

// upgradeStream is the upstream side of a switched-protocol connection.
// Bytes the response reader buffered past the 101 head are read first.
type upgradeStream struct {
	conn *conn
	pool *ConnPool
	once sync.Once
}

func (s *upgradeStream) Read(p []byte) (int, error) {
	return s.conn.br.Read(p)
}

func (s *upgradeStream) Write(p []byte) (int, error) {
	return s.conn.Conn.Write(p)
}

func (s *upgradeStream) Close() error {
	s.once.Do(func() {
		s.pool.put(s.conn, false)
	})
	return nil
}

var _ io.ReadWriteCloser = (*upgradeStream)(nil)

// bufferedConn reads through a bufio.Reader that may hold bytes already
// received on a hijacked connection.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
