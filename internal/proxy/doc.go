// Package proxy implements the dispatcher of the gateway.
//
// Proxy selects an instance for each attempt, builds the upstream request
// (hop-by-hop headers stripped, X-Forwarded-* added) and returns the
// upstream response with its body still streaming, so no body is buffered
// whole. Failures map onto the gateway error taxonomy: a transport failure
// is a 502 that the retry stage may re-dispatch, a passed deadline a 504,
// an instance at its connection cap a 503.
//
// Transport speaks HTTP/1.1 over a pool of connections per instance. A
// connection returns to its pool only after its response body was read to
// EOF without the request being cancelled; anything else leaves the
// protocol state unknown and the connection is closed. Connections are
// recycled after a request quota or an idle period, and a background sweep
// closes idle ones that expired.
//
// A protocol upgrade (WebSocket) switches the upstream connection out of
// the pool. ServeUpgrade hijacks the client connection and pipes bytes both
// ways until either side closes.
package proxy
