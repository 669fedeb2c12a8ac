package discovery

import (
	"context"
	"fmt"

	"github.com/vyrodovalexey/edgegw/internal/config"
)

// Op is the kind of a watch event.
type Op int

const (
	// OpPut creates or updates a key.
	OpPut Op = iota
	// OpDelete removes a key.
	OpDelete
)

// String returns the string representation of the op.
func (o Op) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "put"
}

// Event is one change to a watched key.
type Event struct {
	Op       Op
	Key      string
	Value    []byte
	Revision int64
}

// KeyValue is one entry of a listing.
type KeyValue struct {
	Key   string
	Value []byte
}

// WatchResponse is one batch delivered by a watch stream. A response with
// Err set is the last one before the channel closes.
type WatchResponse struct {
	Events []Event
	Err    error
}

// Store is a coordination store.
type Store interface {
	// List returns every entry under prefix and the store revision the
	// listing reflects.
	List(ctx context.Context, prefix string) ([]KeyValue, int64, error)
	// Watch streams changes under prefix starting at fromRevision. The
	// channel closes when ctx is done or the stream fails.
	Watch(ctx context.Context, prefix string, fromRevision int64) (<-chan WatchResponse, error)
	// Close releases the store.
	Close() error
}

// NewStore creates the store for the configured provider.
func NewStore(cfg config.DiscoveryConfig) (Store, error) {
	switch cfg.Provider {
	case "", config.ProviderStatic:
		return NewMemoryStore(), nil
	case config.ProviderEtcd:
		return NewEtcdStore(cfg)
	case config.ProviderConsul:
		return NewConsulStore(cfg)
	default:
		return nil, fmt.Errorf("unknown discovery provider %q", cfg.Provider)
	}
}
