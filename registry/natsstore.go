package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// KVStore persists catalogue entries in a NATS JetStream key-value bucket.
// Suitable for distributed deployments where the registry must survive
// process restarts.
type KVStore struct {
	kv  jetstream.KeyValue
	cfg KVStoreConfig
}

// KVStoreConfig configures the JetStream-backed store.
type KVStoreConfig struct {
	// BucketName is the KV bucket name. Default: "agentgrid-registry"
	BucketName string

	// Replicas for the KV store (1-5). Default: 1
	Replicas int

	// OpTimeout bounds each KV operation. Default: 5s
	OpTimeout time.Duration
}

// NewKVStore creates a store from an existing NATS connection, creating the
// bucket if it does not exist.
func NewKVStore(conn *nats.Conn, cfg KVStoreConfig) (*KVStore, error) {
	if conn == nil {
		return nil, fmt.Errorf("nil connection")
	}
	if cfg.BucketName == "" {
		cfg.BucketName = "agentgrid-registry"
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.BucketName,
		Replicas: cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &KVStore{kv: kv, cfg: cfg}, nil
}

// Save writes or replaces one entry.
func (s *KVStore) Save(e StoredEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()

	if _, err := s.kv.Put(ctx, e.Identity, data); err != nil {
		return fmt.Errorf("put to kv: %w", err)
	}
	return nil
}

// Load returns all persisted entries.
func (s *KVStore) Load() ([]StoredEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()

	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var out []StoredEntry
	for _, key := range keys {
		kve, err := s.kv.Get(ctx, key)
		if err != nil {
			continue // key might have been deleted
		}
		var e StoredEntry
		if err := json.Unmarshal(kve.Value(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Delete removes one entry.
func (s *KVStore) Delete(identity string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()

	if err := s.kv.Delete(ctx, identity); err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil
		}
		return fmt.Errorf("delete from kv: %w", err)
	}
	return nil
}

// Close releases store resources. The underlying connection is owned by
// the caller and left open.
func (s *KVStore) Close() error {
	return nil
}
