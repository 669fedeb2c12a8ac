// Package gateway wires the routing and dispatch components into a running
// server.
//
// A Gateway owns the upstream registry, the discovery manager, the pipeline
// builder, the route table, the response cache and the proxy. Start applies
// the configuration and binds two listeners: the traffic listener serving
// HTTP/1.1, HTTP/2 (h2c or TLS) and WebSocket upgrades through Handler, and
// the admin listener serving metrics, health and state.
//
// # Request flow
//
// Handler resolves the route against one table snapshot, then runs the
// route pipeline around a dispatch step that consults the cache and, on a
// miss, forwards to an instance selected by the service balancer:
//
//	resolve -> stages (request) -> cache | proxy -> stages (response) -> write
//
// # Configuration Reload
//
// Reload builds the complete route table of the new configuration before
// touching anything; a configuration that fails to build is rejected and
// the active table stays in place:
//
//	if err := gw.Reload(newConfig); err != nil {
//	    logger.Error("reload rejected", observability.Error(err))
//	}
//
// # Admin surface
//
//	GET /metrics   Prometheus exposition
//	GET /health    liveness and uptime
//	GET /ready     200 once running and discovery has listed every service
//	GET /routes    active table generation and rules
//	GET /services  instances with health, outstanding requests and pooled connections
package gateway
