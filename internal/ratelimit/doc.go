// Package ratelimit provides the per-key limiters behind the rate_limit
// pipeline stage.
//
// Three implementations share the Limiter interface:
//
//   - TokenBucket keeps one golang.org/x/time/rate limiter per key. Each
//     limiter serializes its own accounting, so concurrent requests for one
//     key can never jointly take more than the bucket holds.
//   - SlidingWindow counts request timestamps inside a rolling window under
//     a per-key mutex.
//   - RedisLimiter runs the token bucket as a Lua script inside redis so
//     every gateway replica draws from the same bucket. A gobreaker circuit
//     breaker guards the redis calls and a local TokenBucket takes over
//     while the breaker is open.
//
// New builds the right implementation for a stage configuration.
package ratelimit
