// Package util provides shared error types and context helpers for the gateway.
//
// # Error Conventions
//
// Every package follows the same pattern:
//
//   - Sentinel errors (errors.New) for stable conditions that callers
//     check with errors.Is(). Example: ErrUpstreamUnavailable.
//   - Structured error types for errors that carry additional fields
//     (ConfigError, UpstreamError, ...). Each type implements Error(),
//     Unwrap() when it wraps, and Is() so errors.Is() matches both the
//     type and the sentinel of its kind.
//   - fmt.Errorf with %w for ad-hoc wrapping.
//
// StatusForError maps any error in this taxonomy to the HTTP status the
// gateway answers with.
package util

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors, one per failure kind.
var (
	ErrNotFound            = errors.New("not found")
	ErrTimeout             = errors.New("timeout")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamConnection  = errors.New("upstream connection error")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrOverloaded          = errors.New("overloaded")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrDiscovery           = errors.New("discovery error")
	ErrCache               = errors.New("cache error")
)

// ConfigError represents a malformed route or service definition.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, msg)
	}
	return fmt.Sprintf("config error: %s", msg)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewConfigErrorWithCause creates a new ConfigError with a cause.
func NewConfigErrorWithCause(field, message string, cause error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Cause: cause}
}

// DiscoveryError represents a coordination store failure.
type DiscoveryError struct {
	Prefix string
	Op     string
	Cause  error
}

// Error implements the error interface.
func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery %s %s: %v", e.Op, e.Prefix, e.Cause)
}

// Unwrap returns the underlying error.
func (e *DiscoveryError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *DiscoveryError) Is(target error) bool {
	if target == ErrDiscovery {
		return true
	}
	_, ok := target.(*DiscoveryError)
	return ok
}

// NewDiscoveryError creates a new DiscoveryError.
func NewDiscoveryError(op, prefix string, cause error) *DiscoveryError {
	return &DiscoveryError{Op: op, Prefix: prefix, Cause: cause}
}

// AuthError is returned when a bearer token is missing, malformed, expired,
// or fails an authorization claim. Forbidden distinguishes 403 from 401.
type AuthError struct {
	Reason    string
	Forbidden bool
	Cause     error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("auth: %s", e.Reason)
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *AuthError) Is(target error) bool {
	switch target {
	case ErrForbidden:
		return e.Forbidden
	case ErrUnauthorized:
		return !e.Forbidden
	}
	_, ok := target.(*AuthError)
	return ok
}

// NewUnauthorizedError creates an AuthError answered with 401.
func NewUnauthorizedError(reason string, cause error) *AuthError {
	return &AuthError{Reason: reason, Cause: cause}
}

// NewForbiddenError creates an AuthError answered with 403.
func NewForbiddenError(reason string) *AuthError {
	return &AuthError{Reason: reason, Forbidden: true}
}

// RouteNotFoundError represents a request no route rule matched.
type RouteNotFoundError struct {
	Method string
	Host   string
	Path   string
}

// Error implements the error interface.
func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("no route found for %s %s%s", e.Method, e.Host, e.Path)
}

// Is checks if the error matches the target.
func (e *RouteNotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	_, ok := target.(*RouteNotFoundError)
	return ok
}

// NewRouteNotFoundError creates a new RouteNotFoundError.
func NewRouteNotFoundError(method, host, path string) *RouteNotFoundError {
	return &RouteNotFoundError{Method: method, Host: host, Path: path}
}

// RateLimitError is returned when a bucket is exhausted.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry after %v", e.Key, e.RetryAfter)
}

// Is checks if the error matches the target.
func (e *RateLimitError) Is(target error) bool {
	if target == ErrRateLimited {
		return true
	}
	_, ok := target.(*RateLimitError)
	return ok
}

// UpstreamError represents a failure talking to a service instance.
// Unavailable is set when no instance could be selected at all.
type UpstreamError struct {
	Service     string
	Instance    string
	Message     string
	Unavailable bool
	Cause       error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	target := e.Service
	if e.Instance != "" {
		target = e.Service + "/" + e.Instance
	}
	if e.Cause != nil {
		return fmt.Sprintf("upstream %s: %s: %v", target, e.Message, e.Cause)
	}
	return fmt.Sprintf("upstream %s: %s", target, e.Message)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrUpstreamUnavailable:
		return e.Unavailable
	case ErrUpstreamConnection:
		return !e.Unavailable
	}
	_, ok := target.(*UpstreamError)
	return ok
}

// NewUpstreamUnavailableError creates an UpstreamError for an empty healthy set.
func NewUpstreamUnavailableError(service, message string) *UpstreamError {
	return &UpstreamError{Service: service, Message: message, Unavailable: true}
}

// NewUpstreamConnectionError creates a retry-eligible transport failure.
func NewUpstreamConnectionError(service, instance string, cause error) *UpstreamError {
	return &UpstreamError{Service: service, Instance: instance, Message: "connection failed", Cause: cause}
}

// TimeoutError represents a deadline exceeded while talking upstream.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	Cause     error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %v during %s", e.Duration, e.Operation)
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if target == ErrTimeout {
		return true
	}
	_, ok := target.(*TimeoutError)
	return ok
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration, cause error) *TimeoutError {
	return &TimeoutError{Operation: operation, Duration: duration, Cause: cause}
}

// CacheError represents a cache store failure. It is never fatal.
type CacheError struct {
	Op    string
	Key   string
	Cause error
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Cause)
}

// Unwrap returns the underlying error.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *CacheError) Is(target error) bool {
	if target == ErrCache {
		return true
	}
	_, ok := target.(*CacheError)
	return ok
}

// NewCacheError creates a new CacheError.
func NewCacheError(op, key string, cause error) *CacheError {
	return &CacheError{Op: op, Key: key, Cause: cause}
}

// StatusForError maps an error to the HTTP status the gateway responds with.
func StatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrOverloaded):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstreamConnection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorKind returns the short kind name used in JSON error bodies.
func ErrorKind(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not found"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "too many requests"
	case http.StatusServiceUnavailable:
		return "service unavailable"
	case http.StatusGatewayTimeout:
		return "gateway timeout"
	case http.StatusBadGateway:
		return "bad gateway"
	default:
		return "internal server error"
	}
}
