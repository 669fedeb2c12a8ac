package backend

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/vyrodovalexey/edgegw/internal/config"
)

// Balancer selects one instance from the eligible set of a pool. Update is
// called with the new set, sorted by instance id, whenever it changes; Next
// returns nil when the set is empty. key is only used by hashing policies.
type Balancer interface {
	Update(instances []*Instance)
	Next(key string) *Instance
}

// NewBalancer creates the balancer for a load balancing configuration.
func NewBalancer(cfg config.LoadBalancerConfig) (Balancer, error) {
	switch cfg.Policy {
	case "", config.PolicyRoundRobin:
		return NewRoundRobinBalancer(), nil
	case config.PolicyWeightedRoundRobin:
		return NewWeightedBalancer(), nil
	case config.PolicyLeastOutstanding:
		return NewLeastOutstandingBalancer(), nil
	case config.PolicyRandom:
		return NewRandomBalancer(), nil
	case config.PolicyConsistentHash:
		return NewConsistentHashBalancer(DefaultVirtualNodes), nil
	default:
		return nil, fmt.Errorf("unknown load balancing policy %q", cfg.Policy)
	}
}

// snapshot holds the set shared by the lock-free balancers.
type snapshot struct {
	instances atomic.Pointer[[]*Instance]
}

func (s *snapshot) Update(instances []*Instance) {
	s.instances.Store(&instances)
}

func (s *snapshot) load() []*Instance {
	if p := s.instances.Load(); p != nil {
		return *p
	}
	return nil
}

// RoundRobinBalancer cycles through the set in id order.
type RoundRobinBalancer struct {
	snapshot
	current atomic.Uint64
}

// NewRoundRobinBalancer creates a new round-robin load balancer.
func NewRoundRobinBalancer() *RoundRobinBalancer {
	return &RoundRobinBalancer{}
}

// Next returns the next instance in round-robin order.
func (b *RoundRobinBalancer) Next(string) *Instance {
	instances := b.load()
	if len(instances) == 0 {
		return nil
	}
	idx := b.current.Add(1) - 1
	return instances[idx%uint64(len(instances))]
}

// WeightedBalancer implements smooth weighted round-robin: every pick adds
// each weight to its running score and takes the highest, then subtracts
// the total from the winner.
type WeightedBalancer struct {
	mu      sync.Mutex
	entries []weightedEntry
	total   int
}

type weightedEntry struct {
	instance *Instance
	current  int
}

// NewWeightedBalancer creates a new weighted load balancer.
func NewWeightedBalancer() *WeightedBalancer {
	return &WeightedBalancer{}
}

// Update replaces the set, keeping the running score of instances that stay.
func (b *WeightedBalancer) Update(instances []*Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()

	previous := make(map[string]int, len(b.entries))
	for _, e := range b.entries {
		previous[e.instance.ID] = e.current
	}

	b.entries = make([]weightedEntry, len(instances))
	b.total = 0
	for i, inst := range instances {
		b.entries[i] = weightedEntry{instance: inst, current: previous[inst.ID]}
		b.total += inst.Weight
	}
}

// Next returns the next instance by weight.
func (b *WeightedBalancer) Next(string) *Instance {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}

	best := -1
	for i := range b.entries {
		b.entries[i].current += b.entries[i].instance.Weight
		if best < 0 || b.entries[i].current > b.entries[best].current {
			best = i
		}
	}
	b.entries[best].current -= b.total
	return b.entries[best].instance
}

// LeastOutstandingBalancer picks the instance with the fewest requests in
// flight; ties go to the lowest id.
type LeastOutstandingBalancer struct {
	snapshot
}

// NewLeastOutstandingBalancer creates a new least-outstanding-requests balancer.
func NewLeastOutstandingBalancer() *LeastOutstandingBalancer {
	return &LeastOutstandingBalancer{}
}

// Next returns the least loaded instance.
func (b *LeastOutstandingBalancer) Next(string) *Instance {
	var selected *Instance
	minOutstanding := int64(-1)

	for _, inst := range b.load() {
		n := inst.Outstanding()
		if minOutstanding < 0 || n < minOutstanding {
			minOutstanding = n
			selected = inst
		}
	}
	return selected
}

// RandomBalancer picks uniformly at random.
type RandomBalancer struct {
	snapshot
}

// NewRandomBalancer creates a new random load balancer.
func NewRandomBalancer() *RandomBalancer {
	return &RandomBalancer{}
}

// Next returns a random instance.
func (b *RandomBalancer) Next(string) *Instance {
	instances := b.load()
	if len(instances) == 0 {
		return nil
	}
	return instances[secureRandomInt(len(instances))]
}

// secureRandomInt returns a random int in [0, n).
func secureRandomInt(n int) int {
	if n <= 1 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return int(binary.BigEndian.Uint64(buf[:]) % uint64(n))
}

// DefaultVirtualNodes is the number of ring points per unit of weight.
const DefaultVirtualNodes = 100

// ConsistentHashBalancer maps keys onto a hash ring so a key keeps hitting
// the same instance while the set is stable, and only keys owned by a
// removed instance move when it leaves.
type ConsistentHashBalancer struct {
	replicas int
	ring     atomic.Pointer[hashRing]
}

type hashRing struct {
	points []uint64
	owners map[uint64]*Instance
}

// NewConsistentHashBalancer creates a ring with replicas points per weight.
func NewConsistentHashBalancer(replicas int) *ConsistentHashBalancer {
	if replicas <= 0 {
		replicas = DefaultVirtualNodes
	}
	return &ConsistentHashBalancer{replicas: replicas}
}

// Update rebuilds the ring.
func (b *ConsistentHashBalancer) Update(instances []*Instance) {
	ring := &hashRing{owners: make(map[uint64]*Instance)}
	for _, inst := range instances {
		for i := 0; i < b.replicas*inst.Weight; i++ {
			h := xxhash.Sum64String(inst.ID + "#" + strconv.Itoa(i))
			if _, taken := ring.owners[h]; taken {
				continue
			}
			ring.owners[h] = inst
			ring.points = append(ring.points, h)
		}
	}
	sort.Slice(ring.points, func(i, j int) bool { return ring.points[i] < ring.points[j] })
	b.ring.Store(ring)
}

// Next returns the owner of the first ring point at or after the key hash.
func (b *ConsistentHashBalancer) Next(key string) *Instance {
	ring := b.ring.Load()
	if ring == nil || len(ring.points) == 0 {
		return nil
	}

	h := xxhash.Sum64String(key)
	idx := sort.Search(len(ring.points), func(i int) bool { return ring.points[i] >= h })
	if idx == len(ring.points) {
		idx = 0
	}
	return ring.owners[ring.points[idx]]
}
