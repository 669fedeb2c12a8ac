package discovery

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/util"
)

// DefaultDialTimeout bounds the initial connection to the store.
const DefaultDialTimeout = 5 * time.Second

// EtcdStore is a Store backed by etcd v3.
type EtcdStore struct {
	client *clientv3.Client
	owned  bool
}

// NewEtcdStore connects to the configured etcd endpoints.
func NewEtcdStore(cfg config.DiscoveryConfig) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout.OrDefault(DefaultDialTimeout),
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, util.NewDiscoveryError("connect", "", err)
	}
	return &EtcdStore{client: client, owned: true}, nil
}

// NewEtcdStoreFromClient wraps an existing client. Close leaves it open.
func NewEtcdStoreFromClient(client *clientv3.Client) *EtcdStore {
	return &EtcdStore{client: client}
}

// List implements Store.
func (s *EtcdStore) List(ctx context.Context, prefix string) ([]KeyValue, int64, error) {
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, util.NewDiscoveryError("list", prefix, err)
	}

	kvs := make([]KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, KeyValue{Key: string(kv.Key), Value: kv.Value})
	}
	return kvs, resp.Header.Revision, nil
}

// Watch implements Store. A compacted start revision surfaces as a stream
// error so the caller resynchronizes from a listing.
func (s *EtcdStore) Watch(ctx context.Context, prefix string, fromRevision int64) (<-chan WatchResponse, error) {
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if fromRevision > 0 {
		opts = append(opts, clientv3.WithRev(fromRevision))
	}

	ctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	wch := s.client.Watch(ctx, prefix, opts...)
	out := make(chan WatchResponse)

	go func() {
		defer close(out)
		defer cancel()

		for resp := range wch {
			if err := resp.Err(); err != nil {
				s.send(ctx, out, WatchResponse{Err: util.NewDiscoveryError("watch", prefix, err)})
				return
			}

			events := make([]Event, 0, len(resp.Events))
			for _, ev := range resp.Events {
				e := Event{Key: string(ev.Kv.Key), Revision: ev.Kv.ModRevision}
				if ev.Type == clientv3.EventTypeDelete {
					e.Op = OpDelete
				} else {
					e.Op = OpPut
					e.Value = ev.Kv.Value
				}
				events = append(events, e)
			}
			if len(events) > 0 && !s.send(ctx, out, WatchResponse{Events: events}) {
				return
			}
		}

		if ctx.Err() == nil {
			s.send(ctx, out, WatchResponse{Err: util.NewDiscoveryError("watch", prefix, errStreamClosed)})
		}
	}()

	return out, nil
}

func (s *EtcdStore) send(ctx context.Context, out chan<- WatchResponse, resp WatchResponse) bool {
	select {
	case out <- resp:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close implements Store.
func (s *EtcdStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
