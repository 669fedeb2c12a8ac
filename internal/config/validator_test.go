package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/edgegw/internal/util"
)

func validConfig() *GatewayConfig {
	cfg := &GatewayConfig{
		Services: []ServiceConfig{{
			ID:        "orders",
			Instances: []InstanceConfig{{ID: "a", Address: "127.0.0.1:9001"}},
		}},
		Routes: []RouteConfig{{
			Name:    "orders",
			Match:   MatchConfig{Path: "/api/v1/*", Methods: []string{"GET"}},
			Service: "orders",
		}},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidateConfig_Valid(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidateConfig(validConfig()))
}

func TestValidateConfig_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(cfg *GatewayConfig)
		wantPath string
	}{
		{
			name:     "unknown service",
			mutate:   func(cfg *GatewayConfig) { cfg.Routes[0].Service = "missing" },
			wantPath: "routes[0].service",
		},
		{
			name: "upstream tls with half a key pair",
			mutate: func(cfg *GatewayConfig) {
				cfg.Services[0].Pool.TLS = &UpstreamTLSConfig{Enabled: true, CertFile: "client.pem"}
			},
			wantPath: "services[0].pool.tls",
		},
		{
			name:     "duplicate route name",
			mutate:   func(cfg *GatewayConfig) { cfg.Routes = append(cfg.Routes, cfg.Routes[0]) },
			wantPath: "routes[1].name",
		},
		{
			name:     "relative path",
			mutate:   func(cfg *GatewayConfig) { cfg.Routes[0].Match.Path = "api" },
			wantPath: "routes[0].match.path",
		},
		{
			name:     "bad method",
			mutate:   func(cfg *GatewayConfig) { cfg.Routes[0].Match.Methods = []string{"FETCH"} },
			wantPath: "routes[0].match.methods",
		},
		{
			name: "unknown stage kind",
			mutate: func(cfg *GatewayConfig) {
				cfg.Routes[0].Pipeline = []StageConfig{{Kind: "plugin"}}
			},
			wantPath: "routes[0].pipeline[0].kind",
		},
		{
			name: "timeout without duration",
			mutate: func(cfg *GatewayConfig) {
				cfg.Routes[0].Pipeline = []StageConfig{{Kind: StageTimeout, Timeout: &TimeoutConfig{}}}
			},
			wantPath: "routes[0].pipeline[0].timeout.duration",
		},
		{
			name: "redis limiter without redis",
			mutate: func(cfg *GatewayConfig) {
				cfg.Routes[0].Pipeline = []StageConfig{{Kind: StageRateLimit, RateLimit: &RateLimitConfig{
					Algorithm: AlgorithmTokenBucket, Capacity: 1, Key: RateLimitKeyIP, Store: StoreRedis,
				}}}
			},
			wantPath: "routes[0].pipeline[0].rate_limit.store",
		},
		{
			name: "auth without keys",
			mutate: func(cfg *GatewayConfig) {
				cfg.Routes[0].Pipeline = []StageConfig{{Kind: StageAuthentication, Authentication: &AuthenticationConfig{}}}
			},
			wantPath: "routes[0].pipeline[0].authentication",
		},
		{
			name:     "unknown policy",
			mutate:   func(cfg *GatewayConfig) { cfg.Services[0].LoadBalancer.Policy = "fastest" },
			wantPath: "services[0].load_balancer.policy",
		},
		{
			name:     "bad instance address",
			mutate:   func(cfg *GatewayConfig) { cfg.Services[0].Instances[0].Address = "nohost" },
			wantPath: "services[0].instances[0].address",
		},
		{
			name:     "etcd without endpoints",
			mutate:   func(cfg *GatewayConfig) { cfg.Discovery.Provider = ProviderEtcd },
			wantPath: "discovery.endpoints",
		},
		{
			name:     "bad listen",
			mutate:   func(cfg *GatewayConfig) { cfg.Listen = "8080" },
			wantPath: "listen",
		},
		{
			name:     "no routes",
			mutate:   func(cfg *GatewayConfig) { cfg.Routes = nil },
			wantPath: "routes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, util.ErrConfigInvalid)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			paths := make([]string, 0, len(verrs))
			for _, e := range verrs {
				paths = append(paths, e.Path)
			}
			assert.Contains(t, paths, tt.wantPath)
		})
	}
}

func TestValidateConfig_Nil(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, ValidateConfig(nil), util.ErrConfigInvalid)
}

func TestValidationErrors_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	assert.Equal(t, "a: b", ValidationErrors{{Path: "a", Message: "b"}}.Error())
	assert.Contains(t, ValidationErrors{{Path: "a", Message: "b"}, {Message: "c"}}.Error(), "2 validation errors")
}
