package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// Listener serves a handler on one address. Plaintext listeners speak
// HTTP/1.1 and h2c; TLS listeners negotiate HTTP/1.1 or HTTP/2 by ALPN.
type Listener struct {
	name    string
	address string
	tls     *config.TLSConfig
	handler http.Handler
	logger  observability.Logger
	server  *http.Server
	ln      net.Listener
	running atomic.Bool
	done    chan struct{}
}

// ListenerOption is a functional option for configuring a listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger for the listener.
func WithListenerLogger(logger observability.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithListenerTLS enables TLS with the given certificate files.
func WithListenerTLS(cfg *config.TLSConfig) ListenerOption {
	return func(l *Listener) {
		l.tls = cfg
	}
}

// NewListener creates a listener named name for address.
func NewListener(name, address string, handler http.Handler, opts ...ListenerOption) *Listener {
	l := &Listener{
		name:    name,
		address: address,
		handler: handler,
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Name returns the listener name.
func (l *Listener) Name() string {
	return l.name
}

// Addr returns the bound address once started, or the configured one.
func (l *Listener) Addr() string {
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.address
}

// TLS reports whether the listener terminates TLS.
func (l *Listener) TLS() bool {
	return l.tls.Enabled()
}

// Start binds the address and serves in the background. Certificate and
// bind errors are returned synchronously.
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Load() {
		return fmt.Errorf("listener %s is already running", l.name)
	}

	protocols := new(http.Protocols)
	protocols.SetHTTP1(true)

	// Streams and upgraded connections are bounded by route timeouts, so
	// there is no server-wide read or write timeout.
	l.server = &http.Server{
		Handler:           l.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
		Protocols:         protocols,
	}

	if l.TLS() {
		cert, err := tls.LoadX509KeyPair(l.tls.CertFile, l.tls.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load certificate for %s: %w", l.name, err)
		}
		l.server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		protocols.SetHTTP2(true)
	} else {
		protocols.SetUnencryptedHTTP2(true)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.address, err)
	}
	l.ln = ln
	l.done = make(chan struct{})
	l.running.Store(true)

	l.logger.Info("listener started",
		observability.String("name", l.name),
		observability.String("address", ln.Addr().String()),
		observability.Bool("tls", l.TLS()),
	)

	go l.serve(ln)

	return nil
}

func (l *Listener) serve(ln net.Listener) {
	defer close(l.done)

	var err error
	if l.TLS() {
		err = l.server.ServeTLS(ln, "", "")
	} else {
		err = l.server.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		l.logger.Error("listener error",
			observability.String("name", l.name),
			observability.Error(err),
		)
	}
	l.running.Store(false)
}

// Stop stops accepting connections and waits for in-flight requests until
// ctx is done, after which remaining connections are closed.
func (l *Listener) Stop(ctx context.Context) error {
	if l.server == nil || !l.running.Load() {
		return nil
	}

	l.logger.Info("stopping listener",
		observability.String("name", l.name),
	)

	if err := l.server.Shutdown(ctx); err != nil {
		if closeErr := l.server.Close(); closeErr != nil {
			return fmt.Errorf("failed to close listener: %w", closeErr)
		}
		return fmt.Errorf("failed to shutdown listener gracefully: %w", err)
	}
	<-l.done

	l.logger.Info("listener stopped",
		observability.String("name", l.name),
	)

	return nil
}

// IsRunning returns true if the listener is running.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}
