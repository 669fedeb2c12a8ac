// Package jwt validates bearer tokens for the authentication stage.
//
// ExtractBearer pulls the token from the Authorization header. Verifier
// checks its signature against a static key set and, when configured, a
// JWKS endpoint refreshed in the background, then validates exp, nbf, iss
// and aud with a configurable clock skew. The cryptography is done by
// github.com/lestrrat-go/jwx/v2.
//
//	v, err := jwt.NewVerifier(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	claims, err := v.Verify(ctx, token)
//
// MatchClaims compares verified claims with the required values of a route.
package jwt
