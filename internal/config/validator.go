package config

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/vyrodovalexey/edgegw/internal/util"
)

// ValidationError is one problem found in the document.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validator validates gateway configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateConfig validates cfg and returns a *util.ConfigError wrapping the
// ValidationErrors, or nil.
func ValidateConfig(cfg *GatewayConfig) error {
	return NewValidator().Validate(cfg)
}

// Validate validates the configuration.
func (v *Validator) Validate(cfg *GatewayConfig) error {
	v.errors = nil

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.result()
	}

	v.validateListen(cfg)
	v.validateDiscovery(&cfg.Discovery)
	services := v.validateServices(cfg.Services, cfg.Discovery.Provider)
	v.validateRoutes(cfg.Routes, services, cfg.Redis != nil)
	v.validateCache(&cfg.Cache, cfg.Redis != nil)

	return v.result()
}

func (v *Validator) result() error {
	if len(v.errors) == 0 {
		return nil
	}
	return util.NewConfigErrorWithCause("", "validation failed", v.errors)
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

func (v *Validator) validateListen(cfg *GatewayConfig) {
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		v.addError("listen", fmt.Sprintf("invalid listen address %q", cfg.Listen))
	}
	if _, _, err := net.SplitHostPort(cfg.Admin.Listen); err != nil {
		v.addError("admin.listen", fmt.Sprintf("invalid listen address %q", cfg.Admin.Listen))
	}
	if cfg.TLS != nil && (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		v.addError("tls", "cert_file and key_file must be set together")
	}
}

func (v *Validator) validateDiscovery(d *DiscoveryConfig) {
	switch d.Provider {
	case ProviderStatic:
	case ProviderEtcd, ProviderConsul:
		if len(d.Endpoints) == 0 {
			v.addError("discovery.endpoints", "at least one endpoint is required for "+d.Provider)
		}
	default:
		v.addError("discovery.provider", fmt.Sprintf("unknown provider %q", d.Provider))
	}
	if d.Backoff.Max > 0 && d.Backoff.Initial > d.Backoff.Max {
		v.addError("discovery.backoff", "initial must not exceed max")
	}
}

var validPolicies = map[string]bool{
	PolicyRoundRobin:         true,
	PolicyWeightedRoundRobin: true,
	PolicyLeastOutstanding:   true,
	PolicyRandom:             true,
	PolicyConsistentHash:     true,
}

func (v *Validator) validateServices(services []ServiceConfig, provider string) map[string]bool {
	ids := make(map[string]bool, len(services))
	for i := range services {
		svc := &services[i]
		path := fmt.Sprintf("services[%d]", i)

		switch {
		case svc.ID == "":
			v.addError(path+".id", "id is required")
		case ids[svc.ID]:
			v.addError(path+".id", fmt.Sprintf("duplicate service id %q", svc.ID))
		default:
			ids[svc.ID] = true
		}

		if !validPolicies[svc.LoadBalancer.Policy] {
			v.addError(path+".load_balancer.policy", fmt.Sprintf("unknown policy %q", svc.LoadBalancer.Policy))
		}
		if provider != ProviderStatic && !strings.HasSuffix(svc.KeyPrefix, "/") {
			v.addError(path+".key_prefix", "key_prefix must end with /")
		}

		instanceIDs := make(map[string]bool, len(svc.Instances))
		for j, inst := range svc.Instances {
			ipath := fmt.Sprintf("%s.instances[%d]", path, j)
			if inst.ID == "" || instanceIDs[inst.ID] {
				v.addError(ipath+".id", "instance id must be set and unique")
			}
			instanceIDs[inst.ID] = true
			if _, _, err := net.SplitHostPort(inst.Address); err != nil {
				v.addError(ipath+".address", fmt.Sprintf("invalid address %q", inst.Address))
			}
			if inst.Weight < 0 {
				v.addError(ipath+".weight", "weight must be non-negative")
			}
		}

		if p := svc.Probe; p != nil {
			if !strings.HasPrefix(p.Path, "/") {
				v.addError(path+".probe.path", "path must start with /")
			}
			if p.UnhealthyThreshold < 0 || p.HealthyThreshold < 0 {
				v.addError(path+".probe", "thresholds must be non-negative")
			}
		}

		if svc.Pool.MaxConnections < 0 || svc.Pool.MaxIdle < 0 || svc.Pool.MaxRequestsPerConn < 0 {
			v.addError(path+".pool", "pool limits must be non-negative")
		}
		if t := svc.Pool.TLS; t.Active() && (t.CertFile == "") != (t.KeyFile == "") {
			v.addError(path+".pool.tls", "cert_file and key_file must be set together")
		}
	}
	return ids
}

func (v *Validator) validateRoutes(routes []RouteConfig, services map[string]bool, hasRedis bool) {
	if len(routes) == 0 {
		v.addError("routes", "at least one route is required")
	}

	names := make(map[string]bool, len(routes))
	for i := range routes {
		route := &routes[i]
		path := fmt.Sprintf("routes[%d]", i)

		switch {
		case route.Name == "":
			v.addError(path+".name", "name is required")
		case names[route.Name]:
			v.addError(path+".name", fmt.Sprintf("duplicate route name %q", route.Name))
		default:
			names[route.Name] = true
		}

		if !strings.HasPrefix(route.Match.Path, "/") {
			v.addError(path+".match.path", "path must start with /")
		}
		for _, m := range route.Match.Methods {
			if !isHTTPMethod(m) {
				v.addError(path+".match.methods", fmt.Sprintf("invalid method %q", m))
			}
		}

		if route.Service == "" {
			v.addError(path+".service", "service is required")
		} else if !services[route.Service] {
			v.addError(path+".service", fmt.Sprintf("unknown service %q", route.Service))
		}

		v.validatePipeline(route.Pipeline, path+".pipeline", hasRedis)

		if route.Cache != nil && route.Cache.Enabled && route.Cache.TTL < 0 {
			v.addError(path+".cache.ttl", "ttl must be non-negative")
		}
	}
}

func (v *Validator) validatePipeline(stages []StageConfig, path string, hasRedis bool) {
	seen := make(map[string]bool, len(stages))
	for i := range stages {
		stage := &stages[i]
		spath := fmt.Sprintf("%s[%d]", path, i)

		if seen[stage.Kind] {
			v.addError(spath+".kind", fmt.Sprintf("stage %q configured twice", stage.Kind))
		}
		seen[stage.Kind] = true

		switch stage.Kind {
		case StageAuthentication:
			v.validateAuthentication(stage.Authentication, spath)
		case StageRateLimit:
			v.validateRateLimit(stage.RateLimit, spath, hasRedis)
		case StageTimeout:
			if stage.Timeout == nil || stage.Timeout.Duration <= 0 {
				v.addError(spath+".timeout.duration", "duration must be positive")
			}
		case StageLoadShed:
			if stage.LoadShed == nil || stage.LoadShed.MaxConcurrent <= 0 {
				v.addError(spath+".load_shed.max_concurrent", "max_concurrent must be positive")
			}
		case StageRetry:
			if stage.Retry == nil || stage.Retry.MaxAttempts < 1 {
				v.addError(spath+".retry.max_attempts", "max_attempts must be at least 1")
			} else if stage.Retry.Jitter < 0 || stage.Retry.Jitter > 1 {
				v.addError(spath+".retry.jitter", "jitter must be within [0, 1]")
			}
		default:
			v.addError(spath+".kind", fmt.Sprintf("unknown stage kind %q", stage.Kind))
		}
	}
}

func (v *Validator) validateAuthentication(cfg *AuthenticationConfig, path string) {
	if cfg == nil {
		v.addError(path+".authentication", "authentication block is required")
		return
	}
	if len(cfg.Keys) == 0 && cfg.JWKSURL == "" {
		v.addError(path+".authentication", "keys or jwks_url is required")
	}
	for i, key := range cfg.Keys {
		kpath := fmt.Sprintf("%s.authentication.keys[%d]", path, i)
		if key.Algorithm == "" {
			v.addError(kpath+".algorithm", "algorithm is required")
		}
		if key.Secret == "" && key.PublicKey == "" {
			v.addError(kpath, "secret or public_key is required")
		}
	}
}

func (v *Validator) validateRateLimit(cfg *RateLimitConfig, path string, hasRedis bool) {
	if cfg == nil {
		v.addError(path+".rate_limit", "rate_limit block is required")
		return
	}
	if cfg.Capacity <= 0 {
		v.addError(path+".rate_limit.capacity", "capacity must be positive")
	}
	switch cfg.Algorithm {
	case AlgorithmTokenBucket:
		if cfg.RefillPerSecond < 0 {
			v.addError(path+".rate_limit.refill_per_second", "refill_per_second must be non-negative")
		}
	case AlgorithmSlidingWindow:
		if cfg.Window <= 0 {
			v.addError(path+".rate_limit.window", "window must be positive")
		}
	default:
		v.addError(path+".rate_limit.algorithm", fmt.Sprintf("unknown algorithm %q", cfg.Algorithm))
	}
	switch {
	case cfg.Key == RateLimitKeyClient, cfg.Key == RateLimitKeyIP, cfg.Key == RateLimitKeyRoute:
	case strings.HasPrefix(cfg.Key, "header:") && len(cfg.Key) > len("header:"):
	default:
		v.addError(path+".rate_limit.key", fmt.Sprintf("unknown key dimension %q", cfg.Key))
	}
	switch cfg.Store {
	case StoreMemory:
	case StoreRedis:
		if !hasRedis {
			v.addError(path+".rate_limit.store", "redis store requires a redis section")
		}
		if cfg.Algorithm != AlgorithmTokenBucket {
			v.addError(path+".rate_limit.store", "redis store supports token_bucket only")
		}
	default:
		v.addError(path+".rate_limit.store", fmt.Sprintf("unknown store %q", cfg.Store))
	}
}

func (v *Validator) validateCache(cfg *CacheConfig, hasRedis bool) {
	switch cfg.Backend {
	case StoreMemory:
		if cfg.Capacity <= 0 {
			v.addError("cache.capacity", "capacity must be positive")
		}
	case StoreRedis:
		if !hasRedis {
			v.addError("cache.backend", "redis backend requires a redis section")
		}
	default:
		v.addError("cache.backend", fmt.Sprintf("unknown backend %q", cfg.Backend))
	}
	if cfg.MaxBodyBytes < 0 {
		v.addError("cache.max_body_bytes", "max_body_bytes must be non-negative")
	}
}

func isHTTPMethod(m string) bool {
	switch strings.ToUpper(m) {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions, http.MethodConnect, http.MethodTrace:
		return true
	}
	return false
}
