// Package cache implements the response cache.
//
// A Store holds complete responses (status, headers, body) under keys
// derived from the request method, host and path plus the header and query
// dimensions a route's cache policy names. The memory store is a bounded LRU
// whose entries also expire by TTL; the redis store shares entries across
// gateway replicas and sits behind a circuit breaker so an unhealthy redis
// only costs a cache miss.
//
// Layer applies the HTTP rules around a Store: which requests may be served
// from cache, which responses may be stored, how long they live, and the
// capture of an upstream body while it streams to the client.
package cache
