package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/observability"
	"github.com/vyrodovalexey/edgegw/internal/util"
)

const defaultJWKSRefresh = 15 * time.Minute

// Verifier validates signed tokens and returns their claims.
type Verifier struct {
	static   jwk.Set
	remote   jwk.Set
	issuer   string
	audience string
	skew     time.Duration
	clock    func() time.Time
	logger   observability.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// WithClock overrides the time source used for exp and nbf.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.clock = now
	}
}

// NewVerifier builds a verifier from an authentication stage configuration.
// When a JWKS URL is set the key set is fetched once here and refreshed in
// the background until ctx is done.
func NewVerifier(ctx context.Context, cfg *config.AuthenticationConfig, opts ...Option) (*Verifier, error) {
	if cfg == nil {
		return nil, util.NewConfigError("authentication", "configuration is nil")
	}

	v := &Verifier{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		skew:     cfg.ClockSkew.Duration(),
		clock:    time.Now,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}

	if len(cfg.Keys) > 0 {
		set, err := staticKeySet(cfg.Keys)
		if err != nil {
			return nil, err
		}
		v.static = set
	}

	if cfg.JWKSURL != "" {
		set, err := v.remoteKeySet(ctx, cfg.JWKSURL, cfg.JWKSRefresh.OrDefault(defaultJWKSRefresh))
		if err != nil {
			return nil, err
		}
		v.remote = set
	}

	if v.static == nil && v.remote == nil {
		return nil, util.NewConfigError("authentication", "no verification keys configured")
	}

	return v, nil
}

func staticKeySet(keys []config.KeyConfig) (jwk.Set, error) {
	set := jwk.NewSet()
	for i, kc := range keys {
		field := fmt.Sprintf("authentication.keys[%d]", i)

		var (
			key jwk.Key
			err error
		)
		switch {
		case kc.Secret != "":
			key, err = jwk.FromRaw([]byte(kc.Secret))
		case kc.PublicKey != "":
			key, err = jwk.ParseKey([]byte(kc.PublicKey), jwk.WithPEM(true))
		default:
			return nil, util.NewConfigError(field, "secret or public_key is required")
		}
		if err != nil {
			return nil, util.NewConfigErrorWithCause(field, "invalid key material", err)
		}

		var alg jwa.SignatureAlgorithm
		if err := alg.Accept(kc.Algorithm); err != nil {
			return nil, util.NewConfigErrorWithCause(field, "unsupported algorithm", err)
		}
		if err := key.Set(jwk.AlgorithmKey, alg); err != nil {
			return nil, util.NewConfigErrorWithCause(field, "invalid algorithm", err)
		}
		if kc.ID != "" {
			if err := key.Set(jwk.KeyIDKey, kc.ID); err != nil {
				return nil, util.NewConfigErrorWithCause(field, "invalid key id", err)
			}
		}
		if err := set.AddKey(key); err != nil {
			return nil, util.NewConfigErrorWithCause(field, "duplicate key", err)
		}
	}
	return set, nil
}

func (v *Verifier) remoteKeySet(ctx context.Context, url string, refresh time.Duration) (jwk.Set, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(url, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, util.NewConfigErrorWithCause("authentication.jwks_url", "invalid JWKS URL", err)
	}

	// An unreachable endpoint at startup is not fatal; the cache retries.
	if _, err := cache.Refresh(ctx, url); err != nil {
		v.logger.Warn("initial JWKS fetch failed",
			observability.String("url", url),
			observability.Error(err),
		)
	}

	return jwk.NewCachedSet(cache, url), nil
}

// Verify checks token and returns its claims. Every failure is an
// *util.AuthError with Forbidden unset.
func (v *Verifier) Verify(_ context.Context, token string) (map[string]any, error) {
	opts := []jwt.ParseOption{
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(v.clock)),
		jwt.WithAcceptableSkew(v.skew),
	}
	if v.static != nil {
		opts = append(opts, jwt.WithKeySet(v.static, jws.WithRequireKid(false)))
	}
	if v.remote != nil {
		opts = append(opts, jwt.WithKeySet(v.remote, jws.WithRequireKid(false)))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.ParseString(token, opts...)
	if err != nil {
		return nil, util.NewUnauthorizedError(reason(err), err)
	}

	claims, err := parsed.AsMap(context.Background())
	if err != nil {
		return nil, util.NewUnauthorizedError("unreadable claims", err)
	}
	return claims, nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired()):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenNotYetValid()):
		return "token not yet valid"
	case errors.Is(err, jwt.ErrInvalidIssuer()):
		return "invalid issuer"
	case errors.Is(err, jwt.ErrInvalidAudience()):
		return "invalid audience"
	default:
		return "invalid token"
	}
}
