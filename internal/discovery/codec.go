package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"path"

	"github.com/vyrodovalexey/edgegw/internal/backend"
	"github.com/vyrodovalexey/edgegw/internal/config"
)

type endpointDocument struct {
	ID       string            `json:"id,omitempty"`
	Address  string            `json:"address"`
	Weight   int               `json:"weight,omitempty"`
	Health   string            `json:"health,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DecodeEndpoint parses an instance value. The id defaults to the last
// segment of the key.
func DecodeEndpoint(key string, value []byte) (backend.Endpoint, error) {
	var doc endpointDocument
	if err := json.Unmarshal(value, &doc); err != nil {
		return backend.Endpoint{}, fmt.Errorf("decode %s: %w", key, err)
	}

	if doc.ID == "" {
		doc.ID = path.Base(key)
	}
	if _, _, err := net.SplitHostPort(doc.Address); err != nil {
		return backend.Endpoint{}, fmt.Errorf("decode %s: invalid address %q", key, doc.Address)
	}
	if doc.Weight < 0 {
		return backend.Endpoint{}, fmt.Errorf("decode %s: negative weight", key)
	}
	health, err := backend.ParseHealth(doc.Health)
	if err != nil {
		return backend.Endpoint{}, fmt.Errorf("decode %s: %w", key, err)
	}

	return backend.Endpoint{
		ID:       doc.ID,
		Address:  doc.Address,
		Weight:   doc.Weight,
		Health:   health,
		Metadata: doc.Metadata,
	}, nil
}

// EncodeEndpoint renders an instance value.
func EncodeEndpoint(ep backend.Endpoint) ([]byte, error) {
	return json.Marshal(endpointDocument{
		ID:       ep.ID,
		Address:  ep.Address,
		Weight:   ep.Weight,
		Health:   ep.Health.String(),
		Metadata: ep.Metadata,
	})
}

// SeedStatic writes the statically configured instances of every service
// into store under the service key prefix, and removes keys of instances no
// longer configured. Services without static instances are left alone.
func SeedStatic(store *MemoryStore, services []config.ServiceConfig) error {
	for i := range services {
		svc := &services[i]
		if len(svc.Instances) == 0 {
			continue
		}

		wanted := make(map[string]bool, len(svc.Instances))
		for _, inst := range svc.Instances {
			value, err := EncodeEndpoint(backend.Endpoint{
				ID:       inst.ID,
				Address:  inst.Address,
				Weight:   inst.Weight,
				Metadata: inst.Metadata,
			})
			if err != nil {
				return err
			}
			key := svc.KeyPrefix + inst.ID
			wanted[key] = true
			store.Put(key, value)
		}

		for _, key := range store.Keys(svc.KeyPrefix) {
			if !wanted[key] {
				store.Delete(key)
			}
		}
	}
	return nil
}
