package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vyrodovalexey/edgegw/internal/config"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("GATEWAY_LOG_LEVEL", "debug")
	t.Setenv("GATEWAY_LISTEN", ":7000")

	f := parseFlags([]string{"--config", "/etc/edgegw.yaml", "--listen", ":8443", "--cert_file", "c.pem"})

	assert.Equal(t, "/etc/edgegw.yaml", f.configPath)
	assert.Equal(t, ":8443", f.listen)
	assert.Equal(t, "c.pem", f.certFile)
	assert.Equal(t, "debug", f.logLevel)
	assert.Empty(t, f.logFormat)
	assert.False(t, f.showVersion)
}

func TestApplyFlagOverrides(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config.GatewayConfig
		flags   cliFlags
		listen  string
		wantTLS *config.TLSConfig
	}{
		{
			name:   "no overrides",
			cfg:    config.GatewayConfig{Listen: ":8080"},
			listen: ":8080",
		},
		{
			name:   "listen",
			cfg:    config.GatewayConfig{Listen: ":8080"},
			flags:  cliFlags{listen: ":9000"},
			listen: ":9000",
		},
		{
			name:    "tls from flags",
			cfg:     config.GatewayConfig{Listen: ":8080"},
			flags:   cliFlags{certFile: "c.pem", keyFile: "k.pem"},
			listen:  ":8080",
			wantTLS: &config.TLSConfig{CertFile: "c.pem", KeyFile: "k.pem"},
		},
		{
			name: "key file merged with configured certificate",
			cfg: config.GatewayConfig{
				Listen: ":8080",
				TLS:    &config.TLSConfig{CertFile: "file.pem", KeyFile: "file.key"},
			},
			flags:   cliFlags{keyFile: "k.pem"},
			listen:  ":8080",
			wantTLS: &config.TLSConfig{CertFile: "file.pem", KeyFile: "k.pem"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := tt.cfg
			applyFlagOverrides(&cfg, tt.flags)

			assert.Equal(t, tt.listen, cfg.Listen)
			assert.Equal(t, tt.wantTLS, cfg.TLS)
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{value: "", def: true, want: true},
		{value: "yes", want: true},
		{value: "ON", want: true},
		{value: "0", def: true, want: false},
		{value: "maybe", def: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("EDGEGW_TEST_BOOL", tt.value)
			assert.Equal(t, tt.want, getEnvBool("EDGEGW_TEST_BOOL", tt.def))
		})
	}
}
