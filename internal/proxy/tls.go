package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/vyrodovalexey/edgegw/internal/config"
)

// upstreamTLS is the client TLS configuration of one service. err is kept so
// that every dial to a misconfigured service fails the same way.
type upstreamTLS struct {
	config *tls.Config
	err    error
}

// buildUpstreamTLS builds the client TLS configuration of cfg. It returns
// nil when TLS is not enabled.
func buildUpstreamTLS(cfg *config.UpstreamTLSConfig) *upstreamTLS {
	if !cfg.Active() {
		return nil
	}

	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		NextProtos:         []string{"http/1.1"},
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in per service
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return &upstreamTLS{err: fmt.Errorf("failed to read CA file %s: %w", cfg.CAFile, err)}
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return &upstreamTLS{err: fmt.Errorf("failed to parse CA certificate from %s", cfg.CAFile)}
		}
		tc.RootCAs = roots
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return &upstreamTLS{err: fmt.Errorf("failed to load client certificate: %w", err)}
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	return &upstreamTLS{config: tc}
}

// forAddress returns a copy of the configuration naming the host of address
// when no server name is configured.
func (u *upstreamTLS) forAddress(host string) *tls.Config {
	tc := u.config.Clone()
	if tc.ServerName == "" {
		tc.ServerName = host
	}
	return tc
}
