package backend

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/edgegw/internal/observability"
	"github.com/vyrodovalexey/edgegw/internal/util"
)

// Pool is the upstream view of one service.
type Pool struct {
	service string
	metrics *observability.Metrics
	logger  observability.Logger

	mu        sync.Mutex
	instances map[string]*Instance
	revision  int64
	balancer  Balancer

	all      atomic.Pointer[[]*Instance]
	eligible atomic.Pointer[[]*Instance]
	lb       atomic.Pointer[balancerHolder]
}

type balancerHolder struct {
	Balancer
}

func newPool(service string, balancer Balancer, metrics *observability.Metrics, logger observability.Logger) *Pool {
	p := &Pool{
		service:   service,
		metrics:   metrics,
		logger:    logger,
		instances: make(map[string]*Instance),
		balancer:  balancer,
	}
	p.lb.Store(&balancerHolder{balancer})
	p.publishLocked()
	return p
}

// Service returns the service id.
func (p *Pool) Service() string {
	return p.service
}

// Revision returns the discovery revision of the last applied update.
func (p *Pool) Revision() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.revision
}

// Instances returns every known instance sorted by id, eligible or not.
func (p *Pool) Instances() []*Instance {
	return *p.all.Load()
}

// Healthy returns the instances eligible for selection, sorted by id.
func (p *Pool) Healthy() []*Instance {
	return *p.eligible.Load()
}

// Instance returns the instance with the given id.
func (p *Pool) Instance(id string) (*Instance, bool) {
	for _, inst := range p.Instances() {
		if inst.ID == id {
			return inst, true
		}
	}
	return nil, false
}

// Select picks an eligible instance. An empty eligible set fails with an
// upstream unavailable error immediately.
func (p *Pool) Select(key string) (*Instance, error) {
	inst := p.lb.Load().Next(key)
	if inst == nil {
		return nil, util.NewUpstreamUnavailableError(p.service, "no healthy instances")
	}
	return inst, nil
}

// Replace makes endpoints the complete instance set at revision. Instances
// missing from endpoints are purged immediately; instances whose address is
// unchanged keep their probe state and outstanding count.
func (p *Pool) Replace(endpoints []Endpoint, revision int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*Instance, len(endpoints))
	for _, ep := range endpoints {
		if ep.ID == "" {
			continue
		}
		next[ep.ID] = newInstance(p.service, ep, p.instances[ep.ID])
	}

	for id := range p.instances {
		if _, ok := next[id]; !ok {
			p.logger.Info("instance removed",
				observability.String("service", p.service),
				observability.String("instance", id),
			)
		}
	}

	p.instances = next
	if revision > p.revision {
		p.revision = revision
	}
	p.publishLocked()
}

// SetBalancer swaps the selection policy.
func (p *Pool) SetBalancer(b Balancer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.balancer = b
	b.Update(p.Healthy())
	p.lb.Store(&balancerHolder{b})
}

// setProbeHealth records a probe transition and republishes the eligible
// set. It reports whether the state changed.
func (p *Pool) setProbeHealth(inst *Instance, healthy bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if inst.state.probeHealthy.Swap(healthy) == healthy {
		return false
	}
	if current, ok := p.instances[inst.ID]; ok && current.state == inst.state {
		p.publishLocked()
	}
	return true
}

func (p *Pool) publishLocked() {
	all := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		all = append(all, inst)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	eligible := make([]*Instance, 0, len(all))
	for _, inst := range all {
		if inst.Eligible() {
			eligible = append(eligible, inst)
		}
	}

	p.all.Store(&all)
	p.eligible.Store(&eligible)
	p.balancer.Update(eligible)
	p.metrics.SetHealthyInstances(p.service, len(eligible))
}
