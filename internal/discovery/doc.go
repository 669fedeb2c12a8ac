// Package discovery keeps the backend registry in step with a coordination
// store.
//
// A Store lists and watches a key prefix. Each configured service gets a
// Watcher that resynchronizes from a full listing, follows the watch
// stream, debounces bursts and publishes the complete instance set to the
// registry. Stream failures are retried with exponential backoff and never
// reach the request path; the registry keeps serving the last published set.
//
// Instance values are JSON documents:
//
//	{"id": "orders-1", "address": "10.0.0.1:8080", "weight": 1,
//	 "health": "healthy", "metadata": {"zone": "a"}}
package discovery
