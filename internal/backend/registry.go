package backend

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/observability"
	"github.com/vyrodovalexey/edgegw/internal/util"
)

// Registry holds the Pool of every configured service.
type Registry struct {
	mu      sync.RWMutex
	pools   map[string]*registered
	metrics *observability.Metrics
	logger  observability.Logger
	probe   []ProberOption
}

type registered struct {
	pool   *Pool
	lb     config.LoadBalancerConfig
	probe  *config.ProbeConfig
	prober *Prober
}

// RegistryOption is a functional option for configuring the registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for the registry and its pools.
func WithRegistryLogger(logger observability.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryMetrics sets the metrics collector.
func WithRegistryMetrics(metrics *observability.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// WithProberOptions sets options applied to every prober the registry starts.
func WithProberOptions(opts ...ProberOption) RegistryOption {
	return func(r *Registry) {
		r.probe = append(r.probe, opts...)
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		pools:  make(map[string]*registered),
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sync reconciles the registry with the configured services: pools are
// created for new services, balancers and probers follow configuration
// changes, and services no longer configured are removed. Instance sets are
// left to discovery.
func (r *Registry) Sync(ctx context.Context, services []config.ServiceConfig) error {
	balancers := make(map[string]Balancer, len(services))
	for i := range services {
		b, err := NewBalancer(services[i].LoadBalancer)
		if err != nil {
			return util.NewConfigErrorWithCause("services."+services[i].ID, "invalid load balancer", err)
		}
		balancers[services[i].ID] = b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	configured := make(map[string]bool, len(services))
	for i := range services {
		svc := &services[i]
		configured[svc.ID] = true

		entry, ok := r.pools[svc.ID]
		if !ok {
			entry = &registered{
				pool: newPool(svc.ID, balancers[svc.ID], r.metrics, r.logger),
				lb:   svc.LoadBalancer,
			}
			r.pools[svc.ID] = entry
			r.logger.Info("service registered", observability.String("service", svc.ID))
		} else if entry.lb != svc.LoadBalancer {
			entry.pool.SetBalancer(balancers[svc.ID])
			entry.lb = svc.LoadBalancer
		}

		if !reflect.DeepEqual(entry.probe, svc.Probe) {
			if entry.prober != nil {
				entry.prober.Stop()
				entry.prober = nil
			}
			entry.probe = svc.Probe
			if svc.Probe != nil {
				entry.prober = NewProber(entry.pool, *svc.Probe, append([]ProberOption{WithProberLogger(r.logger)}, r.probe...)...)
				entry.prober.Start(ctx)
			}
		}
	}

	for id, entry := range r.pools {
		if configured[id] {
			continue
		}
		if entry.prober != nil {
			entry.prober.Stop()
		}
		delete(r.pools, id)
		r.metrics.DeleteService(id)
		r.logger.Info("service removed", observability.String("service", id))
	}

	return nil
}

// Pool returns the pool of a service.
func (r *Registry) Pool(service string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.pools[service]
	if !ok {
		return nil, false
	}
	return entry.pool, true
}

// Services returns the registered service ids, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.pools))
	for id := range r.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HealthyInstances returns the eligible instances of a service.
func (r *Registry) HealthyInstances(service string) []*Instance {
	pool, ok := r.Pool(service)
	if !ok {
		return nil
	}
	return pool.Healthy()
}

// Select picks an instance of a service.
func (r *Registry) Select(service, key string) (*Instance, error) {
	pool, ok := r.Pool(service)
	if !ok {
		return nil, util.NewUpstreamUnavailableError(service, "service not registered")
	}
	return pool.Select(key)
}

// Replace applies a full instance set to a service. Updates for unknown
// services are ignored and reported false.
func (r *Registry) Replace(service string, endpoints []Endpoint, revision int64) bool {
	pool, ok := r.Pool(service)
	if !ok {
		return false
	}
	pool.Replace(endpoints, revision)
	return true
}

// Close stops every prober.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.pools {
		if entry.prober != nil {
			entry.prober.Stop()
			entry.prober = nil
		}
		entry.probe = nil
	}
}
