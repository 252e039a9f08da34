// Package registry manages processor plugin definitions and factories.
// A definition declares a plugin's input contract (what a parent must
// forward for a chained run); a factory builds a configured Runner
// instance from a configuration's settings block.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/metric"
	"github.com/esmero/strawberry-runners-sub000/runner"
)

// InputType declares the shape of a plugin's primary input
type InputType string

// Input types
const (
	InputFile InputType = "entity-file" // a locally materialized file path
	InputJSON InputType = "json"        // a forwarded JSON payload
)

// Definition is the static contract of one processor plugin. The
// dispatcher reads InputProperty and InputArgument to decide what to
// forward when expanding a chained child.
type Definition struct {
	ID            string    `json:"id"`
	InputType     InputType `json:"input_type"`
	InputProperty string    `json:"input_property"`
	InputArgument string    `json:"input_argument,omitempty"`
	OutputType    string    `json:"output_type"`
	Description   string    `json:"description,omitempty"`
}

// Dependencies is injected into every factory. Factories must not do
// I/O; anything that touches the network belongs in the Runner's Run.
type Dependencies struct {
	Logger     *slog.Logger
	Metrics    *metric.MetricsRegistry
	HTTPClient *http.Client
}

// Factory builds a Runner from a configuration's plugin settings
type Factory func(settings json.RawMessage, deps Dependencies) (runner.Runner, error)

// Registration pairs a plugin definition with its factory
type Registration struct {
	Definition Definition
	Factory    Factory
}

// Registry is a thread safe collection of plugin registrations
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Registration
}

// NewRegistry creates an empty plugin registry
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*Registration)}
}

// Register adds a plugin registration. Registering a duplicate or
// incomplete registration is an invalid-input error.
func (r *Registry) Register(reg *Registration) error {
	if reg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "registration validation")
	}
	if reg.Definition.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "plugin id validation")
	}
	if reg.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "factory validation")
	}
	if reg.Definition.InputType != InputFile && reg.Definition.InputType != InputJSON {
		return errors.WrapInvalid(
			fmt.Errorf("plugin %q declares unknown input type %q", reg.Definition.ID, reg.Definition.InputType),
			"Registry", "Register", "input type validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[reg.Definition.ID]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("plugin %q is already registered", reg.Definition.ID),
			"Registry", "Register", "duplicate plugin check")
	}
	r.plugins[reg.Definition.ID] = reg
	return nil
}

// Definition returns the static contract of the named plugin
func (r *Registry) Definition(pluginID string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.plugins[pluginID]
	if !ok {
		return Definition{}, errors.WrapInvalid(
			fmt.Errorf("plugin %q is not registered", pluginID),
			"Registry", "Definition", "plugin lookup")
	}
	return reg.Definition, nil
}

// Create builds a Runner for the named plugin from the given settings
func (r *Registry) Create(pluginID string, settings json.RawMessage, deps Dependencies) (runner.Runner, error) {
	r.mu.RLock()
	reg, ok := r.plugins[pluginID]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("plugin %q is not registered", pluginID),
			"Registry", "Create", "plugin lookup")
	}

	rn, err := reg.Factory(settings, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Create", fmt.Sprintf("plugin %q construction", pluginID))
	}
	return rn, nil
}

// List returns all registered definitions sorted by plugin id
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.plugins))
	for _, reg := range r.plugins {
		defs = append(defs, reg.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}
