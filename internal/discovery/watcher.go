package discovery

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/edgegw/internal/backend"
	"github.com/vyrodovalexey/edgegw/internal/observability"
	"github.com/vyrodovalexey/edgegw/internal/retry"
	"github.com/vyrodovalexey/edgegw/internal/util"
)

var errStreamClosed = errors.New("watch stream closed")

// Watcher default configuration constants.
const (
	DefaultDebounce       = 100 * time.Millisecond
	DefaultMaxDelayFactor = 10
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
)

// Publisher receives the complete instance set of a service.
type Publisher interface {
	Replace(service string, endpoints []backend.Endpoint, revision int64) bool
}

// Watcher follows the key prefix of one service.
type Watcher struct {
	store     Store
	service   string
	prefix    string
	publisher Publisher
	debounce  time.Duration
	maxDelay  time.Duration
	backoff   *retry.ExponentialBackoff
	logger    observability.Logger
	metrics   *observability.Metrics

	state        map[string]backend.Endpoint
	lastRevision atomic.Int64
	synced       atomic.Bool
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long event bursts are collected before publishing.
// Zero publishes after every batch.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithMaxDelay bounds how long a steady event stream can hold back a
// publish. Zero uses DefaultMaxDelayFactor times the debounce.
func WithMaxDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.maxDelay = d
	}
}

// WithBackoff sets the reconnect backoff bounds.
func WithBackoff(initial, max time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.backoff = retry.NewExponentialBackoff(initial, max, 2, 0.2)
	}
}

// WithLogger sets the logger for the watcher.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *observability.Metrics) WatcherOption {
	return func(w *Watcher) {
		w.metrics = metrics
	}
}

// NewWatcher creates a watcher for one service.
func NewWatcher(store Store, service, prefix string, publisher Publisher, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		store:     store,
		service:   service,
		prefix:    prefix,
		publisher: publisher,
		debounce:  DefaultDebounce,
		backoff:   retry.NewExponentialBackoff(DefaultInitialBackoff, DefaultMaxBackoff, 2, 0.2),
		logger:    observability.NopLogger(),
		state:     make(map[string]backend.Endpoint),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.maxDelay <= 0 {
		w.maxDelay = DefaultMaxDelayFactor * w.debounce
	}
	w.logger = w.logger.With(
		observability.String("service", service),
		observability.String("prefix", prefix),
	)
	return w
}

// Revision returns the last applied store revision.
func (w *Watcher) Revision() int64 {
	return w.lastRevision.Load()
}

// Synced reports whether at least one listing has been published.
func (w *Watcher) Synced() bool {
	return w.synced.Load()
}

// Run resynchronizes and follows the watch stream until ctx is done,
// reconnecting with backoff after every failure.
func (w *Watcher) Run(ctx context.Context) {
	for ctx.Err() == nil {
		err := w.resync(ctx)
		if err == nil {
			w.backoff.Reset()
			err = w.follow(ctx)
		}
		if ctx.Err() != nil {
			return
		}

		delay := w.backoff.Next()
		w.logger.Warn("discovery stream failed, reconnecting",
			observability.Error(err),
			observability.Duration("backoff", delay),
		)
		w.metrics.RecordDiscoveryReconnect(w.service)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// resync replaces the state with a full listing and publishes it.
func (w *Watcher) resync(ctx context.Context) error {
	kvs, revision, err := w.store.List(ctx, w.prefix)
	if err != nil {
		return err
	}
	if last := w.lastRevision.Load(); revision < last {
		return util.NewDiscoveryError("list", w.prefix, errors.New("listing is older than applied state"))
	}

	state := make(map[string]backend.Endpoint, len(kvs))
	for _, kv := range kvs {
		ep, err := DecodeEndpoint(kv.Key, kv.Value)
		if err != nil {
			w.logger.Warn("ignoring invalid instance", observability.Error(err))
			continue
		}
		state[kv.Key] = ep
	}

	w.state = state
	w.lastRevision.Store(revision)
	w.publish()
	w.synced.Store(true)
	w.logger.Debug("discovery resynchronized",
		observability.Int("instances", len(state)),
		observability.Int64("revision", revision),
	)
	return nil
}

// follow applies watch events until the stream fails or ctx is done.
func (w *Watcher) follow(ctx context.Context) error {
	ch, err := w.store.Watch(ctx, w.prefix, w.lastRevision.Load()+1)
	if err != nil {
		return err
	}

	var (
		timer      *time.Timer
		timerCh    <-chan time.Time
		dirty      bool
		dirtySince time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timerCh:
			timerCh = nil
			if dirty {
				w.publish()
				dirty = false
			}

		case resp, ok := <-ch:
			if !ok {
				if dirty {
					w.publish()
				}
				return errStreamClosed
			}
			if resp.Err != nil {
				if dirty {
					w.publish()
				}
				return resp.Err
			}

			if !w.apply(resp.Events) {
				continue
			}
			if w.debounce <= 0 {
				w.publish()
				continue
			}
			if !dirty {
				dirty = true
				dirtySince = time.Now()
			}
			wait := w.debounce
			if remaining := w.maxDelay - time.Since(dirtySince); remaining < wait {
				wait = max(remaining, 0)
			}
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Stop()
				timer.Reset(wait)
			}
			timerCh = timer.C
		}
	}
}

// apply folds events into the state and reports whether anything changed.
// Events older than the last applied revision are stale replays and skipped.
func (w *Watcher) apply(events []Event) bool {
	changed := false
	for _, ev := range events {
		last := w.lastRevision.Load()
		if ev.Revision < last {
			w.logger.Debug("skipping stale event",
				observability.String("key", ev.Key),
				observability.Int64("revision", ev.Revision),
				observability.Int64("applied", last),
			)
			continue
		}

		switch ev.Op {
		case OpPut:
			ep, err := DecodeEndpoint(ev.Key, ev.Value)
			if err != nil {
				w.logger.Warn("ignoring invalid instance", observability.Error(err))
				delete(w.state, ev.Key)
			} else {
				w.state[ev.Key] = ep
			}
		case OpDelete:
			delete(w.state, ev.Key)
		}

		w.lastRevision.Store(ev.Revision)
		w.metrics.RecordDiscoveryEvent(w.service, ev.Op.String())
		changed = true
	}
	return changed
}

func (w *Watcher) publish() {
	keys := make([]string, 0, len(w.state))
	for key := range w.state {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	endpoints := make([]backend.Endpoint, 0, len(keys))
	for _, key := range keys {
		endpoints = append(endpoints, w.state[key])
	}

	if !w.publisher.Replace(w.service, endpoints, w.lastRevision.Load()) {
		w.logger.Debug("service not registered, update dropped")
	}
}
