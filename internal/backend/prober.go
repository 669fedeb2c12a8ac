package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/observability"
)

// Probe default configuration constants.
const (
	// DefaultProbeInterval is the default interval between probe rounds.
	DefaultProbeInterval = 10 * time.Second

	// DefaultProbeTimeout is the default timeout of one probe request.
	DefaultProbeTimeout = 2 * time.Second

	// DefaultHealthyThreshold is the default number of consecutive successes
	// that restores a probe-failed instance.
	DefaultHealthyThreshold = 2

	// DefaultUnhealthyThreshold is the default number of consecutive failures
	// that excludes an instance.
	DefaultUnhealthyThreshold = 3
)

// ProbeStatusFunc is called when an instance's probe health changes.
type ProbeStatusFunc func(inst *Instance, healthy bool)

// Prober actively probes the instances of one pool over HTTP.
type Prober struct {
	pool               *Pool
	path               string
	interval           time.Duration
	timeout            time.Duration
	healthyThreshold   int
	unhealthyThreshold int
	client             *http.Client
	logger             observability.Logger
	onStatusChange     ProbeStatusFunc

	mu        sync.Mutex
	successes map[*instanceState]int
	failures  map[*instanceState]int
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// ProberOption is a functional option for configuring the prober.
type ProberOption func(*Prober)

// WithProberLogger sets the logger for the prober.
func WithProberLogger(logger observability.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = logger
	}
}

// WithProberClient sets the HTTP client used for probes.
func WithProberClient(client *http.Client) ProberOption {
	return func(p *Prober) {
		p.client = client
	}
}

// WithProbeStatusCallback sets a callback for probe health transitions.
func WithProbeStatusCallback(fn ProbeStatusFunc) ProberOption {
	return func(p *Prober) {
		p.onStatusChange = fn
	}
}

// NewProber creates a prober for pool.
func NewProber(pool *Pool, cfg config.ProbeConfig, opts ...ProberOption) *Prober {
	p := &Prober{
		pool:               pool,
		path:               cfg.Path,
		interval:           cfg.Interval.OrDefault(DefaultProbeInterval),
		timeout:            cfg.Timeout.OrDefault(DefaultProbeTimeout),
		healthyThreshold:   cfg.HealthyThreshold,
		unhealthyThreshold: cfg.UnhealthyThreshold,
		logger:             observability.NopLogger(),
		successes:          make(map[*instanceState]int),
		failures:           make(map[*instanceState]int),
	}

	if p.path == "" {
		p.path = "/"
	}
	if p.healthyThreshold <= 0 {
		p.healthyThreshold = DefaultHealthyThreshold
	}
	if p.unhealthyThreshold <= 0 {
		p.unhealthyThreshold = DefaultUnhealthyThreshold
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		p.client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	return p
}

// Start begins probing in the background. The first round runs immediately.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.stoppedCh = make(chan struct{})

	go p.run(ctx, p.stopCh, p.stoppedCh)
}

// Stop stops probing and waits for the current round to finish.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stopCh, stoppedCh := p.stopCh, p.stoppedCh
	p.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (p *Prober) run(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every instance of the pool once, concurrently, and
// applies the results.
func (p *Prober) ProbeAll(ctx context.Context) {
	instances := p.pool.Instances()

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			err := p.probe(ctx, inst)
			if ctx.Err() != nil {
				return
			}
			p.record(inst, err)
		}(inst)
	}
	wg.Wait()

	p.prune(instances)
}

func (p *Prober) probe(ctx context.Context, inst *Instance) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+inst.Address+p.path, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "edgegw-prober")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *Prober) record(inst *Instance, err error) {
	p.mu.Lock()
	var transition, healthy bool
	if err == nil {
		p.successes[inst.state]++
		p.failures[inst.state] = 0
		transition = !inst.ProbeHealthy() && p.successes[inst.state] >= p.healthyThreshold
		healthy = true
	} else {
		p.failures[inst.state]++
		p.successes[inst.state] = 0
		transition = inst.ProbeHealthy() && p.failures[inst.state] >= p.unhealthyThreshold
	}
	p.mu.Unlock()

	if !transition || !p.pool.setProbeHealth(inst, healthy) {
		return
	}

	if healthy {
		p.logger.Info("instance passed probes",
			observability.String("service", inst.Service),
			observability.String("instance", inst.ID),
		)
	} else {
		p.logger.Warn("instance failed probes",
			observability.String("service", inst.Service),
			observability.String("instance", inst.ID),
			observability.Error(err),
		)
	}
	if p.onStatusChange != nil {
		p.onStatusChange(inst, healthy)
	}
}

// prune drops counters of instances no longer in the pool.
func (p *Prober) prune(probed []*Instance) {
	live := make(map[*instanceState]bool, len(probed))
	for _, inst := range p.pool.Instances() {
		live[inst.state] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for state := range p.successes {
		if !live[state] {
			delete(p.successes, state)
			delete(p.failures, state)
		}
	}
}
