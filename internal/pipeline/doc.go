// Package pipeline runs the per-route middleware stages around dispatch.
//
// A Pipeline is an ordered list of stages drawn from a closed set of kinds:
// Authentication, RateLimit, Timeout, LoadShed and Retry. Execute runs the
// request phase of each stage in configured order. A stage may answer the
// request itself (a short-circuit); the remaining request phases and the
// dispatch step are then skipped. Otherwise dispatch produces the response.
// The response phases then run in reverse order for every stage whose
// request phase ran, so a short-circuited response is observed the same way
// as an upstream one.
//
// Per-request state lives in a RequestContext. Stages that hold resources
// for the life of the request (a load-shed slot, a timeout context) register
// a finalizer with Defer; the gateway calls Finish once the response has
// been written to the client.
//
// Builder turns a route configuration into a Pipeline and keeps limiter and
// concurrency state alive across configuration reloads when a stage's
// parameters did not change.
package pipeline
