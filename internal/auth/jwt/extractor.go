package jwt

import (
	"errors"
	"net/http"
	"strings"
)

// Token extraction errors.
var (
	ErrMissingToken   = errors.New("missing bearer token")
	ErrMalformedToken = errors.New("malformed authorization header")
)

const bearerPrefix = "Bearer "

// ExtractBearer returns the bearer token of the Authorization header.
func ExtractBearer(h http.Header) (string, error) {
	authHeader := h.Get("Authorization")
	if authHeader == "" {
		return "", ErrMissingToken
	}

	// Check prefix (case-insensitive)
	if len(authHeader) < len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrMalformedToken
	}

	token := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if token == "" || strings.Count(token, ".") != 2 {
		return "", ErrMalformedToken
	}
	return token, nil
}
