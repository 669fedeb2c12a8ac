package gateway

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/edgegw/internal/config"
)

// writeSelfSignedCert writes a certificate for 127.0.0.1 and its key to dir.
func writeSelfSignedCert(t *testing.T, dir string) *config.TLSConfig {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "edgegw-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile := filepath.Join(dir, "tls.crt")
	keyFile := filepath.Join(dir, "tls.key")
	require.NoError(t, os.WriteFile(certFile,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile,
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	return &config.TLSConfig{CertFile: certFile, KeyFile: keyFile}
}

func protoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Proto)
	})
}

func TestListener_PlainHTTP1(t *testing.T) {
	t.Parallel()

	l := NewListener("traffic", "127.0.0.1:0", protoHandler())
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop(context.Background()) })

	assert.True(t, l.IsRunning())
	assert.False(t, l.TLS())
	assert.Equal(t, "traffic", l.Name())

	resp, body := get(t, "http://"+l.Addr()+"/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HTTP/1.1", body)
}

func TestListener_TLSNegotiatesHTTP2(t *testing.T) {
	t.Parallel()

	tlsCfg := writeSelfSignedCert(t, t.TempDir())

	l := NewListener("traffic", "127.0.0.1:0", protoHandler(), WithListenerTLS(tlsCfg))
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop(context.Background()) })
	assert.True(t, l.TLS())

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:   &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed test certificate
			ForceAttemptHTTP2: true,
		},
		Timeout: 5 * time.Second,
	}
	t.Cleanup(client.CloseIdleConnections)

	resp, err := client.Get("https://" + l.Addr() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.ProtoMajor)
	assert.Equal(t, "HTTP/2.0", string(body))
}

func TestListener_StartErrors(t *testing.T) {
	t.Parallel()

	t.Run("missing certificate", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		l := NewListener("traffic", "127.0.0.1:0", protoHandler(), WithListenerTLS(&config.TLSConfig{
			CertFile: filepath.Join(dir, "missing.crt"),
			KeyFile:  filepath.Join(dir, "missing.key"),
		}))

		err := l.Start(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load certificate")
		assert.False(t, l.IsRunning())
	})

	t.Run("already running", func(t *testing.T) {
		t.Parallel()

		l := NewListener("admin", "127.0.0.1:0", protoHandler())
		require.NoError(t, l.Start(context.Background()))
		t.Cleanup(func() { _ = l.Stop(context.Background()) })

		err := l.Start(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already running")
	})
}

func TestListener_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	l := NewListener("traffic", "127.0.0.1:0", protoHandler())
	require.NoError(t, l.Stop(context.Background()))

	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Stop(context.Background()))
	assert.False(t, l.IsRunning())
	require.NoError(t, l.Stop(context.Background()))
}
