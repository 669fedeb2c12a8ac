package gateway

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/edgegw/internal/backend"
	"github.com/vyrodovalexey/edgegw/internal/cache"
	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/discovery"
	"github.com/vyrodovalexey/edgegw/internal/observability"
	"github.com/vyrodovalexey/edgegw/internal/pipeline"
	"github.com/vyrodovalexey/edgegw/internal/proxy"
	"github.com/vyrodovalexey/edgegw/internal/router"
)

// State represents the gateway state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Reload results recorded by the config_reloads_total metric.
const (
	ReloadSuccess  = "success"
	ReloadRejected = "rejected"
)

// Gateway owns every routing and dispatch component for the life of the
// process.
type Gateway struct {
	config  *config.GatewayConfig
	logger  observability.Logger
	metrics *observability.Metrics

	redis       redis.UniversalClient
	ownsRedis   bool
	store       discovery.Store
	builderOpts []pipeline.BuilderOption
	transOpts   []proxy.TransportOption
	proberOpts  []backend.ProberOption

	registry  *backend.Registry
	router    *router.Router
	builder   *pipeline.Builder
	discovery *discovery.Manager
	cache     *cache.Layer
	proxy     *proxy.Proxy
	handler   *Handler

	listener *Listener
	admin    *Listener

	state     atomic.Int32
	closed    atomic.Bool
	startTime time.Time
	mu        sync.RWMutex
	bgCtx     context.Context
	bgCancel  context.CancelFunc

	shutdownTimeout time.Duration
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway and every component.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = metrics
	}
}

// WithShutdownTimeout sets the shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.shutdownTimeout = timeout
	}
}

// WithRedisClient sets the redis client shared by redis-backed limiters and
// the redis cache store. Without it one is created from the redis section.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(g *Gateway) {
		g.redis = client
	}
}

// WithDiscoveryStore overrides the coordination store selected by the
// discovery section.
func WithDiscoveryStore(store discovery.Store) Option {
	return func(g *Gateway) {
		g.store = store
	}
}

// WithPipelineOptions adds options to the pipeline builder.
func WithPipelineOptions(opts ...pipeline.BuilderOption) Option {
	return func(g *Gateway) {
		g.builderOpts = append(g.builderOpts, opts...)
	}
}

// WithTransportOptions adds options to the upstream transport.
func WithTransportOptions(opts ...proxy.TransportOption) Option {
	return func(g *Gateway) {
		g.transOpts = append(g.transOpts, opts...)
	}
}

// WithProberOptions adds options to every active health prober.
func WithProberOptions(opts ...backend.ProberOption) Option {
	return func(g *Gateway) {
		g.proberOpts = append(g.proberOpts, opts...)
	}
}

// New creates a gateway for cfg. The configuration must have been
// validated; nothing is started until Start.
func New(cfg *config.GatewayConfig, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	g := &Gateway{
		config:          cfg,
		logger:          observability.NopLogger(),
		shutdownTimeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = observability.NewMetrics("edgegw")
	}

	if g.redis == nil && cfg.Redis != nil {
		g.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		g.ownsRedis = true
	}

	store, err := cache.NewStore(cfg.Cache, g.redis, g.logger, g.metrics)
	if err != nil {
		g.closeRedis()
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	g.registry = backend.NewRegistry(
		backend.WithRegistryLogger(g.logger),
		backend.WithRegistryMetrics(g.metrics),
		backend.WithProberOptions(g.proberOpts...),
	)
	g.router = router.New()
	g.cache = cache.NewLayer(store, cfg.Cache,
		cache.WithLayerLogger(g.logger),
		cache.WithLayerMetrics(g.metrics),
	)

	transport := proxy.NewTransport(append([]proxy.TransportOption{
		proxy.WithTransportLogger(g.logger),
		proxy.WithTransportMetrics(g.metrics),
	}, g.transOpts...)...)
	g.proxy = proxy.NewProxy(g.registry, transport,
		proxy.WithProxyLogger(g.logger),
		proxy.WithProxyMetrics(g.metrics),
	)
	g.handler = NewHandler(g.router, g.proxy,
		WithHandlerLogger(g.logger),
		WithHandlerMetrics(g.metrics),
		WithCacheLayer(g.cache),
	)

	g.state.Store(int32(StateStopped))

	return g, nil
}

// Start applies the configuration, starts discovery and the background
// sweeps, and binds the traffic and admin listeners. Any failure leaves the
// gateway stopped.
func (g *Gateway) Start(ctx context.Context) error {
	if g.closed.Load() {
		return ErrGatewayClosed
	}
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrGatewayNotStopped
	}

	g.logger.Info("starting gateway",
		observability.String("listen", g.config.Listen),
		observability.Int("services", len(g.config.Services)),
		observability.Int("routes", len(g.config.Routes)),
	)

	// Background work outlives the start context and ends with Stop.
	g.bgCtx, g.bgCancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := g.startComponents(ctx); err != nil {
		g.teardown()
		g.state.Store(int32(StateStopped))
		return err
	}

	g.startTime = time.Now()
	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started",
		observability.String("address", g.listener.Addr()),
		observability.String("admin_address", g.admin.Addr()),
		observability.Uint64("generation", g.router.Table().Generation()),
	)

	return nil
}

func (g *Gateway) startComponents(ctx context.Context) error {
	g.builder = pipeline.NewBuilder(g.bgCtx, g.pipelineOptions()...)

	store := g.store
	if store == nil {
		var err error
		if store, err = discovery.NewStore(g.config.Discovery); err != nil {
			return fmt.Errorf("failed to create discovery store: %w", err)
		}
	}
	g.discovery = discovery.NewManager(store, g.registry, g.discoveryOptions(g.config.Discovery)...)

	g.mu.Lock()
	err := g.apply(g.config)
	g.mu.Unlock()
	if err != nil {
		g.metrics.RecordConfigReload(ReloadRejected)
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	g.proxy.Start(g.bgCtx)

	g.listener = NewListener("traffic", g.config.Listen, g.handler,
		WithListenerLogger(g.logger),
		WithListenerTLS(g.config.TLS),
	)
	if err := g.listener.Start(ctx); err != nil {
		return err
	}

	g.admin = NewListener("admin", g.config.Admin.Listen, newAdminEngine(g),
		WithListenerLogger(g.logger),
	)
	return g.admin.Start(ctx)
}

func (g *Gateway) pipelineOptions() []pipeline.BuilderOption {
	opts := []pipeline.BuilderOption{
		pipeline.WithBuilderLogger(g.logger),
		pipeline.WithBuilderMetrics(g.metrics),
	}
	if g.redis != nil {
		opts = append(opts, pipeline.WithRedisClient(g.redis))
	}
	return append(opts, g.builderOpts...)
}

func (g *Gateway) discoveryOptions(cfg config.DiscoveryConfig) []discovery.WatcherOption {
	opts := []discovery.WatcherOption{
		discovery.WithLogger(g.logger),
		discovery.WithMetrics(g.metrics),
	}
	if d := cfg.Debounce.Duration(); d > 0 {
		opts = append(opts, discovery.WithDebounce(d))
	}
	if d := cfg.MaxDelay.Duration(); d > 0 {
		opts = append(opts, discovery.WithMaxDelay(d))
	}
	if cfg.Backoff.Initial > 0 && cfg.Backoff.Max > 0 {
		opts = append(opts, discovery.WithBackoff(cfg.Backoff.Initial.Duration(), cfg.Backoff.Max.Duration()))
	}
	return opts
}

// apply builds the route table of cfg and, only when every route built,
// reconciles services and installs the table. Callers hold g.mu.
func (g *Gateway) apply(cfg *config.GatewayConfig) error {
	generation := g.router.Table().Generation() + 1

	table, err := router.Compile(cfg.Routes, g.builder.Build, generation)
	if err != nil {
		g.builder.Abort()
		return err
	}

	if err := g.registry.Sync(g.bgCtx, cfg.Services); err != nil {
		g.builder.Abort()
		return err
	}
	g.proxy.Transport().Configure(cfg.Services)
	g.handler.SetServices(cfg.Services)
	if err := g.discovery.Sync(g.bgCtx, cfg.Services); err != nil {
		g.logger.Warn("discovery sync failed",
			observability.Error(err),
		)
	}

	g.router.Swap(table)
	g.builder.Commit()
	g.config = cfg

	g.metrics.SetRouteTableGeneration(generation)
	g.metrics.RecordConfigReload(ReloadSuccess)
	return nil
}

// Reload validates cfg and swaps it in. A rejected configuration leaves the
// active route table in place. Listener addresses, TLS material and the
// cache and redis sections take effect only on restart.
func (g *Gateway) Reload(cfg *config.GatewayConfig) error {
	if cfg == nil {
		return ErrNilConfig
	}
	if !g.IsRunning() {
		return ErrGatewayNotRunning
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("reloading gateway configuration",
		observability.Int("services", len(cfg.Services)),
		observability.Int("routes", len(cfg.Routes)),
	)

	if err := config.ValidateConfig(cfg); err != nil {
		g.metrics.RecordConfigReload(ReloadRejected)
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	g.warnRestartRequired(cfg)

	if err := g.apply(cfg); err != nil {
		g.metrics.RecordConfigReload(ReloadRejected)
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	g.logger.Info("gateway configuration reloaded",
		observability.Uint64("generation", g.router.Table().Generation()),
	)

	return nil
}

func (g *Gateway) warnRestartRequired(cfg *config.GatewayConfig) {
	old := g.config
	changed := make([]string, 0, 4)
	if old.Listen != cfg.Listen || old.Admin != cfg.Admin {
		changed = append(changed, "listen")
	}
	if !reflect.DeepEqual(old.TLS, cfg.TLS) {
		changed = append(changed, "tls")
	}
	if old.Cache != cfg.Cache {
		changed = append(changed, "cache")
	}
	if !reflect.DeepEqual(old.Redis, cfg.Redis) {
		changed = append(changed, "redis")
	}
	if !reflect.DeepEqual(old.Discovery, cfg.Discovery) {
		changed = append(changed, "discovery")
	}
	if len(changed) > 0 {
		g.logger.Warn("configuration sections changed that apply only on restart",
			observability.Strings("sections", changed),
		)
	}
}

// Stop drains the listeners until ctx is done or the shutdown timeout
// passes, then stops background work and releases every component.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return ErrGatewayNotRunning
	}

	g.logger.Info("stopping gateway")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.shutdownTimeout)
		defer cancel()
	}

	var errs []error
	for _, l := range []*Listener{g.listener, g.admin} {
		if err := l.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	g.teardown()
	g.state.Store(int32(StateStopped))

	g.logger.Info("gateway stopped")

	return errors.Join(errs...)
}

// teardown releases everything Start created. It is safe on a partially
// started gateway, and the gateway cannot be started again afterwards.
func (g *Gateway) teardown() {
	g.closed.Store(true)
	if g.listener != nil && g.listener.IsRunning() {
		_ = g.listener.Stop(context.Background())
	}
	if g.admin != nil && g.admin.IsRunning() {
		_ = g.admin.Stop(context.Background())
	}
	if g.bgCancel != nil {
		g.bgCancel()
	}
	if g.discovery != nil {
		if err := g.discovery.Close(); err != nil {
			g.logger.Warn("failed to close discovery store", observability.Error(err))
		}
		g.discovery = nil
	}
	g.proxy.Stop()
	g.registry.Close()
	if g.builder != nil {
		g.builder.Close()
	}
	if err := g.cache.Store().Close(); err != nil {
		g.logger.Warn("failed to close cache store", observability.Error(err))
	}
	g.closeRedis()
}

func (g *Gateway) closeRedis() {
	if g.ownsRedis && g.redis != nil {
		_ = g.redis.Close()
	}
}

// State returns the current gateway state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning returns true if the gateway is running.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Uptime returns the gateway uptime.
func (g *Gateway) Uptime() time.Duration {
	if g.startTime.IsZero() || !g.IsRunning() {
		return 0
	}
	return time.Since(g.startTime)
}

// Config returns the active configuration.
func (g *Gateway) Config() *config.GatewayConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// Handler returns the traffic handler.
func (g *Gateway) Handler() *Handler {
	return g.handler
}

// Router returns the route table holder.
func (g *Gateway) Router() *router.Router {
	return g.router
}

// Registry returns the upstream registry.
func (g *Gateway) Registry() *backend.Registry {
	return g.registry
}

// Metrics returns the metrics collector.
func (g *Gateway) Metrics() *observability.Metrics {
	return g.metrics
}

// Addr returns the bound traffic address once started.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return g.config.Listen
	}
	return g.listener.Addr()
}

// AdminAddr returns the bound admin address once started.
func (g *Gateway) AdminAddr() string {
	if g.admin == nil {
		return g.config.Admin.Listen
	}
	return g.admin.Addr()
}
