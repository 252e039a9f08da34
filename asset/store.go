package asset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/natsclient"
)

// Store persists Assets. Save must be safe under concurrent writers;
// the KV implementation uses compare-and-swap with mutation replay.
type Store interface {
	Get(ctx context.Context, id string) (*Asset, error)
	Save(ctx context.Context, a *Asset) error

	// Mutate applies fn to the stored Asset under optimistic
	// concurrency, retrying on conflicting writers. Use it for
	// read-modify-write sequences like flavor attachment.
	Mutate(ctx context.Context, id string, fn func(a *Asset) error) error
}

// KVStore persists Assets in a NATS key-value bucket, one key per
// Asset id.
type KVStore struct {
	kv     *natsclient.KVStore
	logger *slog.Logger
}

// NewKVStore creates an Asset store backed by the given bucket
func NewKVStore(kv *natsclient.KVStore, logger *slog.Logger) *KVStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVStore{kv: kv, logger: logger}
}

// Get loads the Asset with the given id
func (s *KVStore) Get(ctx context.Context, id string) (*Asset, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("asset %q: %w", id, errors.ErrKeyNotFound),
				"AssetStore", "Get", "asset lookup")
		}
		return nil, errors.WrapTransient(err, "AssetStore", "Get", "kv read")
	}

	var a Asset
	if err := json.Unmarshal(entry.Value, &a); err != nil {
		return nil, errors.WrapInvalid(err, "AssetStore", "Get", "asset decoding")
	}
	return &a, nil
}

// Save writes the Asset unconditionally, overwriting any stored state
func (s *KVStore) Save(ctx context.Context, a *Asset) error {
	if a == nil || a.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "AssetStore", "Save", "asset validation")
	}
	a.Updated = time.Now().UTC()

	data, err := json.Marshal(a)
	if err != nil {
		return errors.WrapInvalid(err, "AssetStore", "Save", "asset encoding")
	}
	if _, err := s.kv.Put(ctx, a.ID, data); err != nil {
		return errors.WrapTransient(err, "AssetStore", "Save", "kv write")
	}
	return nil
}

// Mutate replays fn against the current revision until the CAS write
// lands or retries are exhausted.
func (s *KVStore) Mutate(ctx context.Context, id string, fn func(a *Asset) error) error {
	err := s.kv.UpdateWithRetry(ctx, id, func(current []byte) ([]byte, error) {
		var a Asset
		if len(current) == 0 {
			return nil, fmt.Errorf("asset %q: %w", id, errors.ErrKeyNotFound)
		}
		if err := json.Unmarshal(current, &a); err != nil {
			return nil, fmt.Errorf("asset decoding: %w", err)
		}
		if err := fn(&a); err != nil {
			return nil, err
		}
		a.Updated = time.Now().UTC()
		return json.Marshal(&a)
	})
	if err != nil {
		return errors.Wrap(err, "AssetStore", "Mutate", fmt.Sprintf("asset %q update", id))
	}
	return nil
}

// MemStore is an in-memory Asset store for tests and single-process
// runs without NATS.
type MemStore struct {
	mu     sync.RWMutex
	assets map[string]*Asset
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{assets: make(map[string]*Asset)}
}

// Get implements Store
func (s *MemStore) Get(_ context.Context, id string) (*Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[id]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("asset %q: %w", id, errors.ErrKeyNotFound),
			"AssetStore", "Get", "asset lookup")
	}
	return cloneAsset(a), nil
}

// Save implements Store
func (s *MemStore) Save(_ context.Context, a *Asset) error {
	if a == nil || a.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "AssetStore", "Save", "asset validation")
	}
	a.Updated = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[a.ID] = cloneAsset(a)
	return nil
}

// Mutate implements Store
func (s *MemStore) Mutate(_ context.Context, id string, fn func(a *Asset) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[id]
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("asset %q: %w", id, errors.ErrKeyNotFound),
			"AssetStore", "Mutate", "asset lookup")
	}
	clone := cloneAsset(a)
	if err := fn(clone); err != nil {
		return errors.Wrap(err, "AssetStore", "Mutate", fmt.Sprintf("asset %q update", id))
	}
	clone.Updated = time.Now().UTC()
	s.assets[id] = clone
	return nil
}

// cloneAsset deep-copies through JSON so callers never share Record maps
func cloneAsset(a *Asset) *Asset {
	data, err := json.Marshal(a)
	if err != nil {
		cp := *a
		return &cp
	}
	var out Asset
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *a
		return &cp
	}
	return &out
}
