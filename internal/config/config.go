package config

// Stage kinds. The set is closed; the validator rejects anything else.
const (
	StageAuthentication = "authentication"
	StageRateLimit      = "rate_limit"
	StageTimeout        = "timeout"
	StageLoadShed       = "load_shed"
	StageRetry          = "retry"
)

// Load balancing policies.
const (
	PolicyRoundRobin         = "round_robin"
	PolicyWeightedRoundRobin = "weighted_round_robin"
	PolicyLeastOutstanding   = "least_outstanding"
	PolicyRandom             = "random"
	PolicyConsistentHash     = "consistent_hash"
)

// Discovery providers.
const (
	ProviderStatic = "static"
	ProviderEtcd   = "etcd"
	ProviderConsul = "consul"
)

// Rate limit algorithms and key dimensions.
const (
	AlgorithmTokenBucket   = "token_bucket"
	AlgorithmSlidingWindow = "sliding_window"

	RateLimitKeyClient = "client"
	RateLimitKeyIP     = "ip"
	RateLimitKeyRoute  = "route"

	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// GatewayConfig is the root configuration document.
type GatewayConfig struct {
	Listen    string          `yaml:"listen" json:"listen"`
	TLS       *TLSConfig      `yaml:"tls,omitempty" json:"tls,omitempty"`
	Admin     AdminConfig     `yaml:"admin" json:"admin"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`
	Redis     *RedisConfig    `yaml:"redis,omitempty" json:"redis,omitempty"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Services  []ServiceConfig `yaml:"services" json:"services"`
	Routes    []RouteConfig   `yaml:"routes" json:"routes"`
}

// TLSConfig references the certificate material for the listener.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

// Enabled reports whether both files are set.
func (t *TLSConfig) Enabled() bool {
	return t != nil && t.CertFile != "" && t.KeyFile != ""
}

// AdminConfig configures the admin listener serving metrics and health.
type AdminConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Endpoint     string  `yaml:"endpoint" json:"endpoint"`
	ServiceName  string  `yaml:"service_name" json:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
}

// DiscoveryConfig selects and configures the coordination store.
type DiscoveryConfig struct {
	Provider    string        `yaml:"provider" json:"provider"`
	Endpoints   []string      `yaml:"endpoints" json:"endpoints"`
	DialTimeout Duration      `yaml:"dial_timeout" json:"dial_timeout"`
	Debounce    Duration      `yaml:"debounce" json:"debounce"`
	MaxDelay    Duration      `yaml:"max_delay" json:"max_delay"`
	Backoff     BackoffConfig `yaml:"backoff" json:"backoff"`
	Username    string        `yaml:"username,omitempty" json:"username,omitempty"`
	Password    string        `yaml:"password,omitempty" json:"password,omitempty"`
	Token       string        `yaml:"token,omitempty" json:"token,omitempty"`
}

// BackoffConfig bounds reconnect backoff.
type BackoffConfig struct {
	Initial Duration `yaml:"initial" json:"initial"`
	Max     Duration `yaml:"max" json:"max"`
}

// RedisConfig configures the shared redis used by limiters and the cache.
type RedisConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db" json:"db"`
}

// CacheConfig configures the response cache store.
type CacheConfig struct {
	Backend      string   `yaml:"backend" json:"backend"`
	Capacity     int      `yaml:"capacity" json:"capacity"`
	MaxBodyBytes int64    `yaml:"max_body_bytes" json:"max_body_bytes"`
	DefaultTTL   Duration `yaml:"default_ttl" json:"default_ttl"`
}

// ServiceConfig describes one upstream service.
type ServiceConfig struct {
	ID           string             `yaml:"id" json:"id"`
	KeyPrefix    string             `yaml:"key_prefix" json:"key_prefix"`
	LoadBalancer LoadBalancerConfig `yaml:"load_balancer" json:"load_balancer"`
	Instances    []InstanceConfig   `yaml:"instances,omitempty" json:"instances,omitempty"`
	Probe        *ProbeConfig       `yaml:"probe,omitempty" json:"probe,omitempty"`
	Pool         PoolConfig         `yaml:"pool" json:"pool"`
}

// LoadBalancerConfig selects the selection policy of a service.
type LoadBalancerConfig struct {
	Policy     string `yaml:"policy" json:"policy"`
	HashHeader string `yaml:"hash_header,omitempty" json:"hash_header,omitempty"`
}

// InstanceConfig is a statically declared instance.
type InstanceConfig struct {
	ID       string            `yaml:"id" json:"id"`
	Address  string            `yaml:"address" json:"address"`
	Weight   int               `yaml:"weight,omitempty" json:"weight,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// ProbeConfig enables active health probing.
type ProbeConfig struct {
	Path               string   `yaml:"path" json:"path"`
	Interval           Duration `yaml:"interval" json:"interval"`
	Timeout            Duration `yaml:"timeout" json:"timeout"`
	UnhealthyThreshold int      `yaml:"unhealthy_threshold" json:"unhealthy_threshold"`
	HealthyThreshold   int      `yaml:"healthy_threshold" json:"healthy_threshold"`
}

// PoolConfig bounds the per-instance connection pool.
type PoolConfig struct {
	MaxConnections     int      `yaml:"max_connections" json:"max_connections"`
	MaxIdle            int      `yaml:"max_idle" json:"max_idle"`
	MaxRequestsPerConn int      `yaml:"max_requests_per_conn" json:"max_requests_per_conn"`
	MaxIdleDuration    Duration `yaml:"max_idle_duration" json:"max_idle_duration"`
	DialTimeout        Duration `yaml:"dial_timeout" json:"dial_timeout"`

	TLS *UpstreamTLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// UpstreamTLSConfig enables TLS on connections to the instances of a
// service. An empty CAFile verifies against the system roots.
type UpstreamTLSConfig struct {
	Enabled            bool   `yaml:"enabled" json:"enabled"`
	ServerName         string `yaml:"server_name,omitempty" json:"server_name,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty" json:"ca_file,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty"`
}

// Active reports whether TLS is enabled.
func (t *UpstreamTLSConfig) Active() bool {
	return t != nil && t.Enabled
}

// RouteConfig is one route rule definition.
type RouteConfig struct {
	Name       string             `yaml:"name" json:"name"`
	Match      MatchConfig        `yaml:"match" json:"match"`
	Priority   int                `yaml:"priority" json:"priority"`
	Service    string             `yaml:"service" json:"service"`
	Idempotent bool               `yaml:"idempotent" json:"idempotent"`
	Pipeline   []StageConfig      `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`
	Cache      *CachePolicyConfig `yaml:"cache,omitempty" json:"cache,omitempty"`
}

// MatchConfig is the request pattern of a route. Path supports exact paths,
// a trailing "/*" prefix wildcard and "{name}" segment parameters. Host
// supports an exact name or a leading "*." wildcard; empty matches any host.
type MatchConfig struct {
	Host    string   `yaml:"host,omitempty" json:"host,omitempty"`
	Path    string   `yaml:"path" json:"path"`
	Methods []string `yaml:"methods,omitempty" json:"methods,omitempty"`
}

// StageConfig configures one pipeline stage. Exactly the block named by Kind
// is read.
type StageConfig struct {
	Kind           string                `yaml:"kind" json:"kind"`
	Authentication *AuthenticationConfig `yaml:"authentication,omitempty" json:"authentication,omitempty"`
	RateLimit      *RateLimitConfig      `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Timeout        *TimeoutConfig        `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	LoadShed       *LoadShedConfig       `yaml:"load_shed,omitempty" json:"load_shed,omitempty"`
	Retry          *RetryConfig          `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// AuthenticationConfig configures bearer token validation.
type AuthenticationConfig struct {
	Issuer         string            `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	Audience       string            `yaml:"audience,omitempty" json:"audience,omitempty"`
	JWKSURL        string            `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty"`
	JWKSRefresh    Duration          `yaml:"jwks_refresh,omitempty" json:"jwks_refresh,omitempty"`
	Keys           []KeyConfig       `yaml:"keys,omitempty" json:"keys,omitempty"`
	RequiredClaims map[string]string `yaml:"required_claims,omitempty" json:"required_claims,omitempty"`
	IdentityClaim  string            `yaml:"identity_claim,omitempty" json:"identity_claim,omitempty"`
	ClockSkew      Duration          `yaml:"clock_skew,omitempty" json:"clock_skew,omitempty"`
}

// KeyConfig is a static verification key. Secret is used for HMAC
// algorithms, PublicKey (PEM) for RSA, ECDSA and EdDSA.
type KeyConfig struct {
	ID        string `yaml:"id" json:"id"`
	Algorithm string `yaml:"algorithm" json:"algorithm"`
	Secret    string `yaml:"secret,omitempty" json:"secret,omitempty"`
	PublicKey string `yaml:"public_key,omitempty" json:"public_key,omitempty"`
}

// RateLimitConfig configures a rate limiter stage.
type RateLimitConfig struct {
	Algorithm       string   `yaml:"algorithm" json:"algorithm"`
	Capacity        int      `yaml:"capacity" json:"capacity"`
	RefillPerSecond float64  `yaml:"refill_per_second" json:"refill_per_second"`
	Window          Duration `yaml:"window,omitempty" json:"window,omitempty"`
	Key             string   `yaml:"key" json:"key"`
	Store           string   `yaml:"store,omitempty" json:"store,omitempty"`
}

// TimeoutConfig configures the round-trip bound.
type TimeoutConfig struct {
	Duration Duration `yaml:"duration" json:"duration"`
}

// LoadShedConfig configures the concurrency limit.
type LoadShedConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
}

// RetryConfig configures re-dispatch on connection failures.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff" json:"max_backoff"`
	Jitter         float64  `yaml:"jitter" json:"jitter"`
}

// CachePolicyConfig enables response caching for a route.
type CachePolicyConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	TTL          Duration `yaml:"ttl" json:"ttl"`
	VaryHeaders  []string `yaml:"vary_headers,omitempty" json:"vary_headers,omitempty"`
	VaryQuery    []string `yaml:"vary_query,omitempty" json:"vary_query,omitempty"`
	MaxBodyBytes int64    `yaml:"max_body_bytes,omitempty" json:"max_body_bytes,omitempty"`
}

// DefaultConfig returns a configuration with every default applied and no
// services or routes.
func DefaultConfig() *GatewayConfig {
	cfg := &GatewayConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with defaults.
func (c *GatewayConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = ":9090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Discovery.Provider == "" {
		c.Discovery.Provider = ProviderStatic
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = StoreMemory
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 1024
	}
	if c.Cache.MaxBodyBytes == 0 {
		c.Cache.MaxBodyBytes = 1 << 20
	}
	for i := range c.Services {
		svc := &c.Services[i]
		if svc.LoadBalancer.Policy == "" {
			svc.LoadBalancer.Policy = PolicyRoundRobin
		}
		if svc.KeyPrefix == "" {
			svc.KeyPrefix = "/services/" + svc.ID + "/"
		}
	}
	for i := range c.Routes {
		for j := range c.Routes[i].Pipeline {
			stage := &c.Routes[i].Pipeline[j]
			if stage.Kind == StageRateLimit && stage.RateLimit != nil {
				if stage.RateLimit.Algorithm == "" {
					stage.RateLimit.Algorithm = AlgorithmTokenBucket
				}
				if stage.RateLimit.Key == "" {
					stage.RateLimit.Key = RateLimitKeyIP
				}
				if stage.RateLimit.Store == "" {
					stage.RateLimit.Store = StoreMemory
				}
			}
		}
	}
}

// Service returns the service with the given id.
func (c *GatewayConfig) Service(id string) (*ServiceConfig, bool) {
	for i := range c.Services {
		if c.Services[i].ID == id {
			return &c.Services[i], true
		}
	}
	return nil, false
}
