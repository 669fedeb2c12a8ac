// Package backend maintains the upstream view of every service: the
// instances reported by discovery, their health as seen by discovery and by
// the optional active prober, and the load balancer that picks one instance
// per request.
//
// A Registry is created once at startup and shared by the discovery watcher,
// the prober and the request handler. Each service has a Pool whose eligible
// set is rebuilt copy-on-write whenever discovery or a probe changes it, so
// selection never takes the registry lock.
package backend
