package tracking

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

// KVStore keeps tracking records in a NATS key-value bucket
type KVStore struct {
	kv     *natsclient.KVStore
	logger *slog.Logger
}

// NewKVStore creates a tracking store backed by the given bucket
func NewKVStore(kv *natsclient.KVStore, logger *slog.Logger) *KVStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVStore{kv: kv, logger: logger}
}

// Track stores or overwrites the record for key
func (s *KVStore) Track(ctx context.Context, key Key, rec Record) error {
	if rec.Checksum == "" {
		return errors.WrapInvalid(errors.ErrMissingChecksum, "TrackingStore", "Track", "record validation")
	}
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "TrackingStore", "Track", "record encoding")
	}
	if _, err := s.kv.Put(ctx, key.storageKey(), data); err != nil {
		return errors.WrapTransient(err, "TrackingStore", "Track", "kv write")
	}
	return nil
}

// Lookup returns the record for key, or (nil, nil) when absent
func (s *KVStore) Lookup(ctx context.Context, key Key) (*Record, error) {
	entry, err := s.kv.Get(ctx, key.storageKey())
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "TrackingStore", "Lookup", "kv read")
	}

	var rec Record
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, errors.WrapInvalid(err, "TrackingStore", "Lookup", "record decoding")
	}
	return &rec, nil
}

// Untrack removes the records for the given keys. Missing keys are
// not an error; the first storage failure aborts the batch.
func (s *KVStore) Untrack(ctx context.Context, keys []Key) error {
	for _, key := range keys {
		if err := s.kv.Delete(ctx, key.storageKey()); err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return errors.WrapTransient(err, "TrackingStore", "Untrack",
				fmt.Sprintf("kv delete for %s", key))
		}
	}
	return nil
}

// MemStore is an in-memory tracking store for tests
type MemStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemStore creates an empty in-memory tracking store
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record)}
}

// Track implements Store
func (s *MemStore) Track(_ context.Context, key Key, rec Record) error {
	if rec.Checksum == "" {
		return errors.WrapInvalid(errors.ErrMissingChecksum, "TrackingStore", "Track", "record validation")
	}
	rec.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key.String()] = rec
	return nil
}

// Lookup implements Store
func (s *MemStore) Lookup(_ context.Context, key Key) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

// Untrack implements Store
func (s *MemStore) Untrack(_ context.Context, keys []Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.records, key.String())
	}
	return nil
}

// Len reports how many records are tracked
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
