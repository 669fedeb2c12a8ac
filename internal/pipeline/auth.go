package pipeline

import (
	"context"
	"errors"

	"github.com/vyrodovalexey/edgegw/internal/auth/jwt"
	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/util"
)

// DefaultIdentityClaim names the claim used as the client identity.
const DefaultIdentityClaim = "sub"

// TokenVerifier validates a bearer token and returns its claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (map[string]any, error)
}

// Authentication requires a valid bearer token. Missing, malformed or
// invalid tokens are answered with 401, tokens failing a required claim
// with 403.
type Authentication struct {
	verifier       TokenVerifier
	requiredClaims map[string]string
	identityClaim  string
}

// NewAuthentication creates an authentication stage.
func NewAuthentication(verifier TokenVerifier, requiredClaims map[string]string, identityClaim string) *Authentication {
	if identityClaim == "" {
		identityClaim = DefaultIdentityClaim
	}
	return &Authentication{
		verifier:       verifier,
		requiredClaims: requiredClaims,
		identityClaim:  identityClaim,
	}
}

// Kind implements Stage.
func (a *Authentication) Kind() string { return config.StageAuthentication }

// OnRequest implements Stage.
func (a *Authentication) OnRequest(rc *RequestContext) *Response {
	token, err := jwt.ExtractBearer(rc.Request.Header)
	if err != nil {
		return a.reject(util.NewUnauthorizedError(err.Error(), nil))
	}

	claims, err := a.verifier.Verify(rc.Context(), token)
	if err != nil {
		var authErr *util.AuthError
		if !errors.As(err, &authErr) {
			authErr = util.NewUnauthorizedError("invalid token", err)
		}
		return a.reject(authErr)
	}

	if err := jwt.MatchClaims(claims, a.requiredClaims); err != nil {
		return a.reject(err)
	}

	rc.Claims = claims
	if id, ok := jwt.StringClaim(claims, a.identityClaim); ok {
		rc.ClientID = id
	}
	return nil
}

func (a *Authentication) reject(err error) *Response {
	resp := ErrorResponse(err)
	if errors.Is(err, util.ErrUnauthorized) {
		resp.Header.Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	} else {
		resp.Header.Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
	}
	return resp
}

// OnResponse implements Stage.
func (a *Authentication) OnResponse(*RequestContext, *Response) {}

func (a *Authentication) sealed() {}
