package backend

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Health is the discovery-reported state of an instance.
type Health int32

const (
	// HealthHealthy marks an instance eligible for selection.
	HealthHealthy Health = iota
	// HealthUnhealthy marks an instance the registrant reports as failing.
	HealthUnhealthy
	// HealthDraining marks an instance that finishes in-flight work but takes
	// no new requests.
	HealthDraining
)

// String returns the string representation of the health.
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// ParseHealth parses a health string. The empty string means healthy.
func ParseHealth(s string) (Health, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "healthy", "up", "passing":
		return HealthHealthy, nil
	case "unhealthy", "down", "critical":
		return HealthUnhealthy, nil
	case "draining":
		return HealthDraining, nil
	default:
		return HealthUnhealthy, fmt.Errorf("unknown health %q", s)
	}
}

// Endpoint is the discovery description of an instance.
type Endpoint struct {
	ID       string
	Address  string
	Weight   int
	Health   Health
	Metadata map[string]string
}

// instanceState outlives Instance values: an update that keeps the address
// carries it over so probe results and outstanding counts are preserved.
type instanceState struct {
	probeHealthy atomic.Bool
	outstanding  atomic.Int64
}

// Instance is one addressable upstream process. Its descriptive fields are
// immutable; discovery updates publish a new Instance.
type Instance struct {
	ID       string
	Service  string
	Address  string
	Weight   int
	Health   Health
	Metadata map[string]string

	state *instanceState
}

func newInstance(service string, ep Endpoint, prev *Instance) *Instance {
	weight := ep.Weight
	if weight <= 0 {
		weight = 1
	}

	inst := &Instance{
		ID:       ep.ID,
		Service:  service,
		Address:  ep.Address,
		Weight:   weight,
		Health:   ep.Health,
		Metadata: ep.Metadata,
	}
	if prev != nil && prev.Address == ep.Address {
		inst.state = prev.state
	} else {
		inst.state = &instanceState{}
		inst.state.probeHealthy.Store(true)
	}
	return inst
}

// ProbeHealthy reports the prober's view. Instances start probe-healthy.
func (i *Instance) ProbeHealthy() bool {
	return i.state.probeHealthy.Load()
}

// Eligible reports whether the instance may be selected: discovery says
// healthy and the prober agrees.
func (i *Instance) Eligible() bool {
	return i.Health == HealthHealthy && i.ProbeHealthy()
}

// Outstanding returns the number of requests currently dispatched to the
// instance.
func (i *Instance) Outstanding() int64 {
	return i.state.outstanding.Load()
}

// Acquire counts a request against the instance. Callers must Release.
func (i *Instance) Acquire() {
	i.state.outstanding.Add(1)
}

// Release undoes Acquire.
func (i *Instance) Release() {
	i.state.outstanding.Add(-1)
}

// Status returns a display status combining both health sources.
func (i *Instance) Status() string {
	if i.Health != HealthHealthy {
		return i.Health.String()
	}
	if !i.ProbeHealthy() {
		return "probe_failed"
	}
	return HealthHealthy.String()
}
