// Package flags holds the per-feature on/off state consulted before any
// DOM-dependent feature runs.
package flags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pbaille/jobfiltr/internal/store"
)

// StateKey is where flag state lives in the KV store
const StateKey = "featureflags/state"

// ErrUnknownFeature is returned for names outside the catalog
var ErrUnknownFeature = errors.New("unknown feature")

// ChangeFunc observes a persisted flag change
type ChangeFunc func(ctx context.Context, name string, from, to bool)

// State is a flag together with its catalog entry
type State struct {
	Feature `yaml:",inline"`
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Registry owns flag state and its persistence
type Registry struct {
	kv  store.KV
	log *slog.Logger

	// writeMu orders persisted snapshots so the last SetFlag wins on disk
	writeMu   sync.Mutex
	mu        sync.RWMutex
	flags     map[string]bool
	observers []ChangeFunc
}

// NewRegistry creates a registry holding tier defaults until Init runs
func NewRegistry(kv store.KV, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		kv:    kv,
		log:   logger.With("component", "flags"),
		flags: Defaults(),
	}
}

// OnChange registers fn to run after every persisted change
func (r *Registry) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Init merges persisted flags over the defaults. A missing record is seeded
// with defaults; an unreadable or corrupt one is ignored.
func (r *Registry) Init(ctx context.Context) {
	merged := Defaults()

	raw, found, err := r.kv.Get(ctx, StateKey)
	switch {
	case err != nil:
		r.log.Error("failed to load feature flags, using defaults", "error", err)
	case !found:
		if err := r.persist(ctx, merged); err != nil {
			r.log.Warn("failed to seed feature flags", "error", err)
		}
	default:
		var stored map[string]bool
		if err := json.Unmarshal(raw, &stored); err != nil {
			r.log.Warn("corrupt feature flags, using defaults", "error", err)
			break
		}
		for name, v := range stored {
			if _, ok := byName[name]; ok {
				merged[name] = v
			}
		}
	}

	r.mu.Lock()
	r.flags = merged
	r.mu.Unlock()

	r.log.Info("feature flags initialized", "flags", merged)
}

// IsEnabled reports whether a feature may run. Unknown names are off.
func (r *Registry) IsEnabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flags[name]
}

// SetFlag changes a flag and persists it immediately. Only unknown names are
// rejected: a failed write is logged and the in-memory value still applies.
func (r *Registry) SetFlag(ctx context.Context, name string, enabled bool) error {
	if _, ok := byName[name]; !ok {
		return fmt.Errorf("set flag %q: %w", name, ErrUnknownFeature)
	}

	r.writeMu.Lock()
	r.mu.Lock()
	prev := r.flags[name]
	r.flags[name] = enabled
	snapshot := copyFlags(r.flags)
	observers := append([]ChangeFunc(nil), r.observers...)
	r.mu.Unlock()

	err := r.persist(ctx, snapshot)
	r.writeMu.Unlock()
	if err != nil {
		r.log.Error("failed to persist feature flag", "feature", name, "error", err)
	} else {
		r.log.Info("feature flag set", "feature", name, "enabled", enabled)
	}

	for _, fn := range observers {
		fn(ctx, name, prev, enabled)
	}
	return nil
}

// ResetToDefaults restores every flag to its tier default
func (r *Registry) ResetToDefaults(ctx context.Context) {
	defaults := Defaults()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	r.flags = copyFlags(defaults)
	r.mu.Unlock()

	if err := r.persist(ctx, defaults); err != nil {
		r.log.Error("failed to reset feature flags", "error", err)
		return
	}
	r.log.Info("feature flags reset to defaults")
}

// Flags returns every feature with its current state
func (r *Registry) Flags() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make([]State, 0, len(catalog))
	for _, f := range catalog {
		states = append(states, State{Feature: f, Enabled: r.flags[f.Name]})
	}
	return states
}

func (r *Registry) persist(ctx context.Context, flags map[string]bool) error {
	raw, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}
	if err := r.kv.Put(ctx, map[string][]byte{StateKey: raw}); err != nil {
		return fmt.Errorf("persist flags: %w", err)
	}
	return nil
}

func copyFlags(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
