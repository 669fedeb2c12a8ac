package pipeline

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/edgegw/internal/auth/jwt"
	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/observability"
	"github.com/vyrodovalexey/edgegw/internal/ratelimit"
	"github.com/vyrodovalexey/edgegw/internal/retry"
	"github.com/vyrodovalexey/edgegw/internal/util"
)

// VerifierFactory creates the token verifier of an authentication stage.
type VerifierFactory func(ctx context.Context, cfg *config.AuthenticationConfig) (TokenVerifier, error)

// LimiterFactory creates the limiter of a rate limit stage.
type LimiterFactory func(cfg *config.RateLimitConfig) (ratelimit.Limiter, error)

// routeState is the stateful part of a route's stages.
type routeState struct {
	authCfg  *config.AuthenticationConfig
	verifier TokenVerifier

	limitCfg config.RateLimitConfig
	limiter  ratelimit.Limiter

	shedMax  int
	inflight *atomic.Int64
}

// Builder builds route pipelines. Between Build calls and Commit, state of
// the previous generation is reused wherever a stage is configured exactly
// as before, so buckets and in-flight counts survive reloads.
type Builder struct {
	ctx        context.Context
	newVerify  VerifierFactory
	newLimiter LimiterFactory
	metrics    *observability.Metrics
	logger     observability.Logger

	mu      sync.Mutex
	current map[string]*routeState
	next    map[string]*routeState
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithBuilderLogger sets the logger passed to stages.
func WithBuilderLogger(logger observability.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = logger
	}
}

// WithBuilderMetrics sets the metrics collector passed to stages.
func WithBuilderMetrics(metrics *observability.Metrics) BuilderOption {
	return func(b *Builder) {
		b.metrics = metrics
	}
}

// WithRedisClient enables the redis rate limit store.
func WithRedisClient(client redis.UniversalClient) BuilderOption {
	return func(b *Builder) {
		b.newLimiter = func(cfg *config.RateLimitConfig) (ratelimit.Limiter, error) {
			return ratelimit.New(cfg, client, b.logger)
		}
	}
}

// WithVerifierFactory overrides how token verifiers are created.
func WithVerifierFactory(f VerifierFactory) BuilderOption {
	return func(b *Builder) {
		b.newVerify = f
	}
}

// WithLimiterFactory overrides how limiters are created.
func WithLimiterFactory(f LimiterFactory) BuilderOption {
	return func(b *Builder) {
		b.newLimiter = f
	}
}

// NewBuilder creates a builder. ctx bounds background work started by
// stages, such as JWKS refresh.
func NewBuilder(ctx context.Context, opts ...BuilderOption) *Builder {
	b := &Builder{
		ctx:     ctx,
		logger:  observability.NopLogger(),
		current: make(map[string]*routeState),
		next:    make(map[string]*routeState),
	}
	b.newVerify = func(ctx context.Context, cfg *config.AuthenticationConfig) (TokenVerifier, error) {
		return jwt.NewVerifier(ctx, cfg, jwt.WithLogger(b.logger))
	}
	b.newLimiter = func(cfg *config.RateLimitConfig) (ratelimit.Limiter, error) {
		return ratelimit.New(cfg, nil, b.logger)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build creates the pipeline of route. The result becomes the reusable
// state of the next generation once Commit is called.
func (b *Builder) Build(route config.RouteConfig) (*Pipeline, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.current[route.Name]
	state := &routeState{}
	stages := make([]Stage, 0, len(route.Pipeline))

	for i := range route.Pipeline {
		sc := &route.Pipeline[i]
		field := fmt.Sprintf("routes[%s].pipeline[%d]", route.Name, i)

		switch sc.Kind {
		case config.StageAuthentication:
			if sc.Authentication == nil {
				return nil, util.NewConfigError(field, "authentication block is required")
			}
			verifier, err := b.verifier(prev, sc.Authentication)
			if err != nil {
				return nil, util.NewConfigErrorWithCause(field, "cannot build token verifier", err)
			}
			state.authCfg, state.verifier = sc.Authentication, verifier
			stages = append(stages, NewAuthentication(verifier,
				sc.Authentication.RequiredClaims, sc.Authentication.IdentityClaim))

		case config.StageRateLimit:
			if sc.RateLimit == nil {
				return nil, util.NewConfigError(field, "rate_limit block is required")
			}
			limiter, err := b.limiter(prev, sc.RateLimit)
			if err != nil {
				return nil, util.NewConfigErrorWithCause(field, "cannot build rate limiter", err)
			}
			state.limitCfg, state.limiter = *sc.RateLimit, limiter
			stages = append(stages, NewRateLimit(limiter, sc.RateLimit.Key, route.Name, b.metrics, b.logger))

		case config.StageTimeout:
			if sc.Timeout == nil || sc.Timeout.Duration <= 0 {
				return nil, util.NewConfigError(field, "timeout duration must be positive")
			}
			stages = append(stages, NewTimeout(sc.Timeout.Duration.Duration()))

		case config.StageLoadShed:
			if sc.LoadShed == nil || sc.LoadShed.MaxConcurrent <= 0 {
				return nil, util.NewConfigError(field, "max_concurrent must be positive")
			}
			state.shedMax = sc.LoadShed.MaxConcurrent
			if prev != nil && prev.inflight != nil {
				// The counter tracks requests, not configuration; keep it
				// so requests admitted under the old limit are released.
				state.inflight = prev.inflight
			} else {
				state.inflight = &atomic.Int64{}
			}
			stages = append(stages, NewLoadShed(sc.LoadShed.MaxConcurrent, state.inflight, route.Name, b.metrics))

		case config.StageRetry:
			if sc.Retry == nil {
				return nil, util.NewConfigError(field, "retry block is required")
			}
			stages = append(stages, NewRetry(retry.Config{
				MaxAttempts:    sc.Retry.MaxAttempts,
				InitialBackoff: sc.Retry.InitialBackoff.Duration(),
				MaxBackoff:     sc.Retry.MaxBackoff.Duration(),
				JitterFactor:   sc.Retry.Jitter,
			}))

		default:
			return nil, util.NewConfigError(field, fmt.Sprintf("unknown stage kind %q", sc.Kind))
		}
	}

	b.next[route.Name] = state
	return New(stages...), nil
}

func (b *Builder) verifier(prev *routeState, cfg *config.AuthenticationConfig) (TokenVerifier, error) {
	if prev != nil && prev.verifier != nil && reflect.DeepEqual(prev.authCfg, cfg) {
		return prev.verifier, nil
	}
	return b.newVerify(b.ctx, cfg)
}

func (b *Builder) limiter(prev *routeState, cfg *config.RateLimitConfig) (ratelimit.Limiter, error) {
	if prev != nil && prev.limiter != nil && prev.limitCfg == *cfg {
		return prev.limiter, nil
	}
	return b.newLimiter(cfg)
}

// Commit makes the pipelines built since the last Commit or Abort the
// current generation and closes limiters no longer referenced.
func (b *Builder) Commit() {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := make(map[ratelimit.Limiter]bool, len(b.next))
	for _, s := range b.next {
		if s.limiter != nil {
			live[s.limiter] = true
		}
	}
	for _, s := range b.current {
		if s.limiter != nil && !live[s.limiter] {
			_ = s.limiter.Close()
		}
	}

	b.current = b.next
	b.next = make(map[string]*routeState)
}

// Abort discards the pipelines built since the last Commit and closes the
// limiters they created.
func (b *Builder) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := make(map[ratelimit.Limiter]bool, len(b.current))
	for _, s := range b.current {
		if s.limiter != nil {
			live[s.limiter] = true
		}
	}
	for _, s := range b.next {
		if s.limiter != nil && !live[s.limiter] {
			_ = s.limiter.Close()
		}
	}

	b.next = make(map[string]*routeState)
}

// Close releases every limiter of the current generation.
func (b *Builder) Close() {
	b.Abort()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.current {
		if s.limiter != nil {
			_ = s.limiter.Close()
		}
	}
	b.current = make(map[string]*routeState)
}
