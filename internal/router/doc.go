// Package router resolves requests to route rules.
//
// A Table is an immutable, versioned snapshot compiled from route
// definitions. The Router holds the active Table behind an atomic pointer:
// Resolve loads the pointer once per request, and Swap replaces the whole
// table, so a request never observes rules from two generations.
//
// Precedence: rules whose host matches exactly beat wildcard-host rules,
// which beat host-agnostic rules. Within a host class the highest priority
// wins and equal priorities fall back to declaration order.
//
// Path patterns:
//
//	/api/v1/orders        exact
//	/api/v1/*             prefix; also matches /api/v1
//	/users/{id}           one named segment
//	/users/{id}/*         named segment followed by any suffix
package router
