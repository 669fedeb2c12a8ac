// Package util provides shared utilities for the gateway.
//
// # Context Helpers
//
// Request-scoped values carried through the pipeline:
//
//	ctx = util.ContextWithRequestID(ctx, "req-123")
//	requestID := util.RequestIDFromContext(ctx)
//
// # Error Types
//
// The gateway's failure taxonomy and its HTTP mapping:
//
//   - ConfigError: malformed route or service definitions
//   - DiscoveryError: coordination store failures (never reach a request)
//   - AuthError: 401 or 403
//   - RateLimitError: 429
//   - UpstreamError: 503 when no instance is available, 502 on transport failure
//   - TimeoutError: 504
//   - CacheError: non-fatal, falls through to live dispatch
//
// # HTTP Utilities
//
// WriteJSONError writes the gateway's uniform JSON error body.
package util
