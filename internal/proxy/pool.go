package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// Pool defaults.
const (
	DefaultMaxIdle         = 16
	DefaultMaxIdleDuration = 90 * time.Second
	DefaultDialTimeout     = 5 * time.Second
)

// Connection lifecycle events recorded in metrics.
const (
	EventDial    = "dial"
	EventReuse   = "reuse"
	EventDiscard = "discard"
	EventExpire  = "expire"
	EventRecycle = "recycle"
)

const connBufferSize = 32 << 10

// conn is a pooled upstream connection.
type conn struct {
	net.Conn
	br *bufio.Reader
	bw *bufio.Writer

	requests  int
	written   int64
	idleSince time.Time
}

// Write counts the bytes handed to the network.
func (c *conn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.written += int64(n)
	return n, err
}

// DialFunc opens a connection to an upstream address.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ConnPool is the set of connections to one instance. Connections are
// checked out for exactly one request at a time and come back only after a
// response that ended in a known protocol state.
type ConnPool struct {
	service  string
	instance string
	address  string

	maxConns        int
	maxIdle         int
	maxRequests     int
	maxIdleDuration time.Duration
	dialTimeout     time.Duration

	dial    DialFunc
	tls     *upstreamTLS
	metrics *observability.Metrics
	logger  observability.Logger
	now     func() time.Time

	mu     sync.Mutex
	idle   []*conn
	open   int
	closed bool
}

func newConnPool(service, instance, address string, cfg config.PoolConfig, t *Transport) *ConnPool {
	p := &ConnPool{
		service:         service,
		instance:        instance,
		address:         address,
		maxConns:        cfg.MaxConnections,
		maxIdle:         cfg.MaxIdle,
		maxRequests:     cfg.MaxRequestsPerConn,
		maxIdleDuration: cfg.MaxIdleDuration.OrDefault(DefaultMaxIdleDuration),
		dialTimeout:     cfg.DialTimeout.OrDefault(DefaultDialTimeout),
		dial:            t.dial,
		tls:             t.tls[service],
		metrics:         t.metrics,
		logger:          t.logger,
		now:             time.Now,
	}
	if p.maxIdle <= 0 {
		p.maxIdle = DefaultMaxIdle
	}
	return p
}

// Address returns the instance address.
func (p *ConnPool) Address() string {
	return p.address
}

// Scheme returns the URL scheme spoken to the instance.
func (p *ConnPool) Scheme() string {
	if p.tls != nil {
		return "https"
	}
	return "http"
}

// Stats returns the open and idle connection counts.
func (p *ConnPool) Stats() (open, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open, len(p.idle)
}

// get checks out an idle connection or dials a new one. It fails with
// ErrPoolExhausted instead of waiting when the connection cap is reached.
func (p *ConnPool) get(ctx context.Context) (*conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	now := p.now()
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if now.Sub(c.idleSince) >= p.maxIdleDuration {
			p.open--
			p.metrics.RecordConnectionEvent(p.service, EventExpire)
			_ = c.Close()
			continue
		}
		p.mu.Unlock()
		p.metrics.RecordConnectionEvent(p.service, EventReuse)
		return c, nil
	}

	if p.maxConns > 0 && p.open >= p.maxConns {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	p.open++
	p.mu.Unlock()

	c, err := p.dialConn(ctx)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return nil, err
	}
	p.metrics.RecordConnectionEvent(p.service, EventDial)
	return c, nil
}

func (p *ConnPool) dialConn(ctx context.Context) (*conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	if p.tls != nil && p.tls.err != nil {
		return nil, p.tls.err
	}

	nc, err := p.dial(dialCtx, "tcp", p.address)
	if err != nil {
		return nil, err
	}
	if p.tls != nil {
		host, _, _ := net.SplitHostPort(p.address)
		tc := tls.Client(nc, p.tls.forAddress(host))
		if err := tc.HandshakeContext(dialCtx); err != nil {
			_ = nc.Close()
			return nil, err
		}
		nc = tc
	}
	c := &conn{
		Conn: nc,
		br:   bufio.NewReaderSize(nc, connBufferSize),
	}
	c.bw = bufio.NewWriterSize(c, connBufferSize)
	return c, nil
}

// put returns c after a request. A connection whose protocol state is not
// known to be clean is closed, as is one that served its request quota or
// does not fit in the idle set.
func (p *ConnPool) put(c *conn, reusable bool) {
	c.requests++

	p.mu.Lock()
	switch {
	case !reusable:
		p.metrics.RecordConnectionEvent(p.service, EventDiscard)
	case p.maxRequests > 0 && c.requests >= p.maxRequests:
		p.metrics.RecordConnectionEvent(p.service, EventRecycle)
	case p.closed || len(p.idle) >= p.maxIdle:
		p.metrics.RecordConnectionEvent(p.service, EventDiscard)
	default:
		_ = c.SetDeadline(time.Time{})
		c.idleSince = p.now()
		p.idle = append(p.idle, c)
		p.mu.Unlock()
		return
	}
	p.open--
	p.mu.Unlock()
	_ = c.Close()
}

// Sweep closes idle connections past the max idle duration and returns how
// many were closed.
func (p *ConnPool) Sweep() int {
	p.mu.Lock()
	now := p.now()
	var expired []*conn
	kept := p.idle[:0]
	for _, c := range p.idle {
		if now.Sub(c.idleSince) >= p.maxIdleDuration {
			expired = append(expired, c)
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.open -= len(expired)
	p.mu.Unlock()

	for _, c := range expired {
		p.metrics.RecordConnectionEvent(p.service, EventExpire)
		_ = c.Close()
	}
	return len(expired)
}

// Close closes the idle connections and makes checked-out ones close on
// return.
func (p *ConnPool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.closed = true
	p.mu.Unlock()

	for _, c := range idle {
		_ = c.Close()
	}
}
