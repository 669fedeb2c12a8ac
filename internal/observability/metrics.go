package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UnmatchedRoute is the route label for requests no rule matched, keeping
// label cardinality bounded.
const UnmatchedRoute = "unmatched"

// Metrics holds all Prometheus metrics for the gateway. All methods are safe
// to call on a nil receiver so components can run without a collector.
type Metrics struct {
	requestsTotal        *prometheus.CounterVec
	latency              *prometheus.HistogramVec
	upstreamHealthy      *prometheus.GaugeVec
	upstreamInProgress   *prometheus.GaugeVec
	upstreamConnections  *prometheus.CounterVec
	rateLimitRejected    *prometheus.CounterVec
	loadShed             *prometheus.CounterVec
	retries              *prometheus.CounterVec
	cacheLookups         *prometheus.CounterVec
	cacheEntries         prometheus.Gauge
	discoveryEvents      *prometheus.CounterVec
	discoveryReconnects  *prometheus.CounterVec
	routeTableGeneration prometheus.Gauge
	configReloads        *prometheus.CounterVec
	registry             *prometheus.Registry
}

// NewMetrics creates a new Metrics instance on a private registry. An empty
// namespace produces unprefixed metric names.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests by route and response status",
		},
		[]string{"route", "status"},
	)

	m.latency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "latency_ms",
			Help:      "Request latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"route"},
	)

	m.upstreamHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_healthy_instances",
			Help:      "Number of instances eligible for selection per service",
		},
		[]string{"service"},
	)

	m.upstreamInProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_requests_in_progress",
			Help:      "Requests currently dispatched to a service",
		},
		[]string{"service"},
	)

	m.upstreamConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connections_total",
			Help:      "Pooled upstream connection lifecycle events",
		},
		[]string{"service", "event"},
	)

	m.rateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejected_total",
			Help:      "Requests rejected by the rate limiter",
		},
		[]string{"route"},
	)

	m.loadShed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_shed_total",
			Help:      "Requests rejected by load shedding",
		},
		[]string{"route"},
	)

	m.retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Dispatch attempts beyond the first",
		},
		[]string{"route"},
	)

	m.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result",
		},
		[]string{"result"},
	)

	m.cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries currently held by the in-memory response cache",
		},
	)

	m.discoveryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_events_total",
			Help:      "Watch events applied per service",
		},
		[]string{"service", "op"},
	)

	m.discoveryReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_reconnects_total",
			Help:      "Watch stream reconnects per service",
		},
		[]string{"service"},
	)

	m.routeTableGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "route_table_generation",
			Help:      "Generation number of the active route table",
		},
	)

	m.configReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts by result",
		},
		[]string{"result"},
	)

	m.registerCollectors()

	return m
}

func (m *Metrics) registerCollectors() {
	m.registry.MustRegister(
		m.requestsTotal,
		m.latency,
		m.upstreamHealthy,
		m.upstreamInProgress,
		m.upstreamConnections,
		m.rateLimitRejected,
		m.loadShed,
		m.retries,
		m.cacheLookups,
		m.cacheEntries,
		m.discoveryEvents,
		m.discoveryReconnects,
		m.routeTableGeneration,
		m.configReloads,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// RecordRequest records a completed request. route must be the rule name,
// never the raw path.
func (m *Metrics) RecordRequest(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = UnmatchedRoute
	}
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(float64(duration) / float64(time.Millisecond))
}

// SetHealthyInstances sets the eligible instance count of a service.
func (m *Metrics) SetHealthyInstances(service string, n int) {
	if m == nil {
		return
	}
	m.upstreamHealthy.WithLabelValues(service).Set(float64(n))
}

// DeleteService removes the per-service gauges of a service no longer configured.
func (m *Metrics) DeleteService(service string) {
	if m == nil {
		return
	}
	m.upstreamHealthy.DeleteLabelValues(service)
	m.upstreamInProgress.DeleteLabelValues(service)
}

// UpstreamStarted increments the in-progress gauge of a service.
func (m *Metrics) UpstreamStarted(service string) {
	if m == nil {
		return
	}
	m.upstreamInProgress.WithLabelValues(service).Inc()
}

// UpstreamFinished decrements the in-progress gauge of a service.
func (m *Metrics) UpstreamFinished(service string) {
	if m == nil {
		return
	}
	m.upstreamInProgress.WithLabelValues(service).Dec()
}

// RecordConnectionEvent counts a pooled connection event
// (dial, reuse, discard, expire).
func (m *Metrics) RecordConnectionEvent(service, event string) {
	if m == nil {
		return
	}
	m.upstreamConnections.WithLabelValues(service, event).Inc()
}

// RecordRateLimited counts a 429.
func (m *Metrics) RecordRateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimitRejected.WithLabelValues(route).Inc()
}

// RecordLoadShed counts a request shed with 503.
func (m *Metrics) RecordLoadShed(route string) {
	if m == nil {
		return
	}
	m.loadShed.WithLabelValues(route).Inc()
}

// RecordRetry counts a re-dispatch.
func (m *Metrics) RecordRetry(route string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(route).Inc()
}

// RecordCacheLookup counts a cache lookup result (hit, miss, bypass, error).
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// SetCacheEntries sets the current in-memory cache size.
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

// RecordDiscoveryEvent counts an applied watch event.
func (m *Metrics) RecordDiscoveryEvent(service, op string) {
	if m == nil {
		return
	}
	m.discoveryEvents.WithLabelValues(service, op).Inc()
}

// RecordDiscoveryReconnect counts a watch stream reconnect.
func (m *Metrics) RecordDiscoveryReconnect(service string) {
	if m == nil {
		return
	}
	m.discoveryReconnects.WithLabelValues(service).Inc()
}

// SetRouteTableGeneration records the generation of the active table.
func (m *Metrics) SetRouteTableGeneration(gen uint64) {
	if m == nil {
		return
	}
	m.routeTableGeneration.Set(float64(gen))
}

// RecordConfigReload counts a reload attempt (success, rejected).
func (m *Metrics) RecordConfigReload(result string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
