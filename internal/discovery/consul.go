package discovery

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/util"
)

// DefaultConsulWaitTime bounds one blocking query.
const DefaultConsulWaitTime = 5 * time.Minute

// ConsulStore is a Store over the consul KV API. Watches are blocking
// queries whose results are diffed into put and delete events; the consul
// index serves as revision.
type ConsulStore struct {
	kv       *consulapi.KV
	waitTime time.Duration

	mu        sync.Mutex
	snapshots map[string]consulSnapshot
}

type consulSnapshot struct {
	index uint64
	keys  map[string]uint64
}

// NewConsulStore connects to the first configured consul endpoint.
func NewConsulStore(cfg config.DiscoveryConfig) (*ConsulStore, error) {
	apiCfg := consulapi.DefaultConfig()
	if len(cfg.Endpoints) > 0 {
		apiCfg.Address = cfg.Endpoints[0]
	}
	if cfg.Token != "" {
		apiCfg.Token = cfg.Token
	}
	if cfg.Username != "" {
		apiCfg.HttpAuth = &consulapi.HttpBasicAuth{Username: cfg.Username, Password: cfg.Password}
	}

	client, err := consulapi.NewClient(apiCfg)
	if err != nil {
		return nil, util.NewDiscoveryError("connect", "", err)
	}
	return NewConsulStoreFromClient(client), nil
}

// NewConsulStoreFromClient wraps an existing client.
func NewConsulStoreFromClient(client *consulapi.Client) *ConsulStore {
	return &ConsulStore{
		kv:        client.KV(),
		waitTime:  DefaultConsulWaitTime,
		snapshots: make(map[string]consulSnapshot),
	}
}

func consulPrefix(prefix string) string {
	return strings.TrimPrefix(prefix, "/")
}

// List implements Store. The listing is remembered as the baseline the next
// Watch of the same prefix diffs against.
func (s *ConsulStore) List(ctx context.Context, prefix string) ([]KeyValue, int64, error) {
	pairs, meta, err := s.kv.List(consulPrefix(prefix), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, 0, util.NewDiscoveryError("list", prefix, err)
	}

	kvs := make([]KeyValue, 0, len(pairs))
	snap := consulSnapshot{index: meta.LastIndex, keys: make(map[string]uint64, len(pairs))}
	for _, pair := range pairs {
		kvs = append(kvs, KeyValue{Key: pair.Key, Value: pair.Value})
		snap.keys[pair.Key] = pair.ModifyIndex
	}

	s.mu.Lock()
	s.snapshots[prefix] = snap
	s.mu.Unlock()

	return kvs, int64(meta.LastIndex), nil
}

// Watch implements Store.
func (s *ConsulStore) Watch(ctx context.Context, prefix string, fromRevision int64) (<-chan WatchResponse, error) {
	s.mu.Lock()
	snap, ok := s.snapshots[prefix]
	s.mu.Unlock()

	if !ok {
		if _, _, err := s.List(ctx, prefix); err != nil {
			return nil, err
		}
		s.mu.Lock()
		snap = s.snapshots[prefix]
		s.mu.Unlock()
	}

	out := make(chan WatchResponse)
	go s.poll(ctx, prefix, snap, fromRevision, out)
	return out, nil
}

func (s *ConsulStore) poll(ctx context.Context, prefix string, snap consulSnapshot, from int64, out chan<- WatchResponse) {
	defer close(out)

	known := snap.keys
	index := snap.index

	for {
		opts := (&consulapi.QueryOptions{WaitIndex: index, WaitTime: s.waitTime}).WithContext(ctx)
		pairs, meta, err := s.kv.List(consulPrefix(prefix), opts)
		if err != nil {
			if ctx.Err() == nil {
				s.send(ctx, out, WatchResponse{Err: util.NewDiscoveryError("watch", prefix, err)})
			}
			return
		}

		// The index can go backwards after a consul restore; start over.
		if meta.LastIndex < index {
			index = 0
			continue
		}
		if meta.LastIndex == index {
			continue
		}
		index = meta.LastIndex

		events, next := diffPairs(known, pairs, int64(meta.LastIndex), from)
		known = next
		if len(events) > 0 && !s.send(ctx, out, WatchResponse{Events: events}) {
			return
		}
	}
}

// diffPairs turns two listings into events ordered by revision. Puts carry
// the pair's modify index and deletes the listing index. Events older than
// from are dropped.
func diffPairs(known map[string]uint64, pairs consulapi.KVPairs, index, from int64) ([]Event, map[string]uint64) {
	next := make(map[string]uint64, len(pairs))
	var events []Event

	for _, pair := range pairs {
		next[pair.Key] = pair.ModifyIndex
		if prev, ok := known[pair.Key]; ok && prev == pair.ModifyIndex {
			continue
		}
		if int64(pair.ModifyIndex) < from {
			continue
		}
		events = append(events, Event{
			Op:       OpPut,
			Key:      pair.Key,
			Value:    pair.Value,
			Revision: int64(pair.ModifyIndex),
		})
	}
	for key := range known {
		if _, ok := next[key]; !ok {
			events = append(events, Event{Op: OpDelete, Key: key, Revision: index})
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Revision != events[j].Revision {
			return events[i].Revision < events[j].Revision
		}
		return events[i].Key < events[j].Key
	})
	return events, next
}

func (s *ConsulStore) send(ctx context.Context, out chan<- WatchResponse, resp WatchResponse) bool {
	select {
	case out <- resp:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close implements Store.
func (s *ConsulStore) Close() error {
	return nil
}
