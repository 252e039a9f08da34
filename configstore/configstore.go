// Package configstore persists processor configurations and validates
// them on write: settings are checked against a JSON schema, the
// referenced plugin must be registered, and parent links may not form
// cycles. Reads drive the match resolver and the dispatcher's child
// expansion.
package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/natsclient"
	"github.com/esmero/strawberry-runners-sub000/types"
)

// Store is the processor configuration store contract
type Store interface {
	Get(ctx context.Context, id string) (*types.ProcessorConfig, error)
	Save(ctx context.Context, cfg *types.ProcessorConfig) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*types.ProcessorConfig, error)

	// ActiveTopLevel returns active configs without a parent, sorted
	// by weight then id.
	ActiveTopLevel(ctx context.Context) ([]*types.ProcessorConfig, error)

	// Children returns the active configs whose parent is id, sorted
	// by weight then id.
	Children(ctx context.Context, id string) ([]*types.ProcessorConfig, error)
}

// validate checks a config against the settings schema and the
// existing configs for chain cycles.
func validate(cfg *types.ProcessorConfig, existing map[string]*types.ProcessorConfig) error {
	if cfg == nil || cfg.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ConfigStore", "Save", "config identity validation")
	}
	if cfg.PluginID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("config %q: %w: plugin_id is required", cfg.ID, errors.ErrMissingConfig),
			"ConfigStore", "Save", "plugin reference validation")
	}
	if strings.Contains(cfg.ID, ".") || strings.Contains(cfg.ID, ":") {
		return errors.WrapInvalid(
			fmt.Errorf("config id %q may not contain '.' or ':'", cfg.ID),
			"ConfigStore", "Save", "config identity validation")
	}

	settingsJSON, err := json.Marshal(cfg.Settings)
	if err != nil {
		return errors.WrapInvalid(err, "ConfigStore", "Save", "settings encoding")
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(settingsSchema),
		gojsonschema.NewBytesLoader(settingsJSON),
	)
	if err != nil {
		return errors.WrapFatal(err, "ConfigStore", "Save", "schema evaluation")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.WrapInvalid(
			fmt.Errorf("config %q settings: %w: %s", cfg.ID, errors.ErrInvalidConfig, strings.Join(msgs, "; ")),
			"ConfigStore", "Save", "settings schema validation")
	}

	return validateChain(cfg, existing)
}

// validateChain rejects parent links that are self referential, dangle
// or close a cycle through the existing configs.
func validateChain(cfg *types.ProcessorConfig, existing map[string]*types.ProcessorConfig) error {
	if cfg.ParentID == "" {
		return nil
	}
	if cfg.ParentID == cfg.ID {
		return errors.WrapInvalid(
			fmt.Errorf("config %q: %w: parent references itself", cfg.ID, errors.ErrChainCycle),
			"ConfigStore", "Save", "chain validation")
	}
	if _, ok := existing[cfg.ParentID]; !ok {
		return errors.WrapInvalid(
			fmt.Errorf("config %q: parent %q: %w", cfg.ID, cfg.ParentID, errors.ErrConfigNotFound),
			"ConfigStore", "Save", "parent reference validation")
	}

	// Walk ancestors as they would exist after this save
	seen := map[string]bool{cfg.ID: true}
	current := cfg.ParentID
	for current != "" {
		if seen[current] {
			return errors.WrapInvalid(
				fmt.Errorf("config %q: %w through %q", cfg.ID, errors.ErrChainCycle, current),
				"ConfigStore", "Save", "chain validation")
		}
		seen[current] = true
		parent, ok := existing[current]
		if !ok {
			break
		}
		current = parent.ParentID
	}
	return nil
}

func sortByWeight(cfgs []*types.ProcessorConfig) {
	sort.Slice(cfgs, func(i, j int) bool {
		if cfgs[i].Weight != cfgs[j].Weight {
			return cfgs[i].Weight < cfgs[j].Weight
		}
		return cfgs[i].ID < cfgs[j].ID
	})
}

// KVStore persists processor configurations in a NATS key-value
// bucket, one key per config id.
type KVStore struct {
	kv     *natsclient.KVStore
	logger *slog.Logger
}

// NewKVStore creates a config store backed by the given bucket
func NewKVStore(kv *natsclient.KVStore, logger *slog.Logger) *KVStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVStore{kv: kv, logger: logger}
}

// Get implements Store
func (s *KVStore) Get(ctx context.Context, id string) (*types.ProcessorConfig, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("config %q: %w", id, errors.ErrConfigNotFound),
				"ConfigStore", "Get", "config lookup")
		}
		return nil, errors.WrapTransient(err, "ConfigStore", "Get", "kv read")
	}

	var cfg types.ProcessorConfig
	if err := json.Unmarshal(entry.Value, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "ConfigStore", "Get", "config decoding")
	}
	return &cfg, nil
}

// Save implements Store
func (s *KVStore) Save(ctx context.Context, cfg *types.ProcessorConfig) error {
	existing, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	if err := validate(cfg, existing); err != nil {
		return err
	}
	cfg.Updated = time.Now().UTC()

	data, err := json.Marshal(cfg)
	if err != nil {
		return errors.WrapInvalid(err, "ConfigStore", "Save", "config encoding")
	}
	if _, err := s.kv.Put(ctx, cfg.ID, data); err != nil {
		return errors.WrapTransient(err, "ConfigStore", "Save", "kv write")
	}
	s.logger.Info("processor config saved", "config", cfg.ID, "plugin", cfg.PluginID, "active", cfg.Active)
	return nil
}

// Delete implements Store
func (s *KVStore) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, id); err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "ConfigStore", "Delete", "kv delete")
	}
	return nil
}

// List implements Store
func (s *KVStore) List(ctx context.Context) ([]*types.ProcessorConfig, error) {
	existing, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.ProcessorConfig, 0, len(existing))
	for _, cfg := range existing {
		out = append(out, cfg)
	}
	sortByWeight(out)
	return out, nil
}

// ActiveTopLevel implements Store
func (s *KVStore) ActiveTopLevel(ctx context.Context) ([]*types.ProcessorConfig, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return filterActiveTopLevel(all), nil
}

// Children implements Store
func (s *KVStore) Children(ctx context.Context, id string) ([]*types.ProcessorConfig, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return filterChildren(all, id), nil
}

func (s *KVStore) snapshot(ctx context.Context) (map[string]*types.ProcessorConfig, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "ConfigStore", "List", "kv key listing")
	}

	out := make(map[string]*types.ProcessorConfig, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue // deleted between Keys and Get
			}
			return nil, errors.WrapTransient(err, "ConfigStore", "List", "kv read")
		}
		var cfg types.ProcessorConfig
		if err := json.Unmarshal(entry.Value, &cfg); err != nil {
			s.logger.Warn("skipping undecodable processor config", "key", key, "error", err)
			continue
		}
		out[cfg.ID] = &cfg
	}
	return out, nil
}

func filterActiveTopLevel(all []*types.ProcessorConfig) []*types.ProcessorConfig {
	var out []*types.ProcessorConfig
	for _, cfg := range all {
		if cfg.Active && cfg.IsTopLevel() {
			out = append(out, cfg)
		}
	}
	return out
}

func filterChildren(all []*types.ProcessorConfig, id string) []*types.ProcessorConfig {
	var out []*types.ProcessorConfig
	for _, cfg := range all {
		if cfg.Active && cfg.ParentID == id {
			out = append(out, cfg)
		}
	}
	return out
}

// MemStore is an in-memory config store for tests
type MemStore struct {
	mu      sync.RWMutex
	configs map[string]*types.ProcessorConfig
}

// NewMemStore creates an empty in-memory config store
func NewMemStore() *MemStore {
	return &MemStore{configs: make(map[string]*types.ProcessorConfig)}
}

// Get implements Store
func (s *MemStore) Get(_ context.Context, id string) (*types.ProcessorConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[id]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("config %q: %w", id, errors.ErrConfigNotFound),
			"ConfigStore", "Get", "config lookup")
	}
	cp := *cfg
	return &cp, nil
}

// Save implements Store
func (s *MemStore) Save(_ context.Context, cfg *types.ProcessorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validate(cfg, s.configs); err != nil {
		return err
	}
	cfg.Updated = time.Now().UTC()
	cp := *cfg
	s.configs[cfg.ID] = &cp
	return nil
}

// Delete implements Store
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, id)
	return nil
}

// List implements Store
func (s *MemStore) List(_ context.Context) ([]*types.ProcessorConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.ProcessorConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		cp := *cfg
		out = append(out, &cp)
	}
	sortByWeight(out)
	return out, nil
}

// ActiveTopLevel implements Store
func (s *MemStore) ActiveTopLevel(ctx context.Context) ([]*types.ProcessorConfig, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return filterActiveTopLevel(all), nil
}

// Children implements Store
func (s *MemStore) Children(ctx context.Context, id string) ([]*types.ProcessorConfig, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return filterChildren(all, id), nil
}
