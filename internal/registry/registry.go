// Package registry resolves named agent presets (spec.md §4.6's
// "pre-defined agent configs") against a config file's current preset
// list, persisting them in internal/store so a preset survives a queen
// restart and a spawner.Definition can inherit its missing fields via
// spawner.MergeDefaults.
package registry

import (
	"fmt"

	"github.com/mtzanidakis/queen/internal/spawner"
	"github.com/mtzanidakis/queen/internal/store"
)

// Registry resolves a named preset to a spawner.Preset, backed by store
// for persistence across restarts.
type Registry struct {
	store *store.Store
}

func New(s *store.Store) *Registry {
	return &Registry{store: s}
}

// Sync reconciles the store's preset table against the config file's
// current preset map: every named preset is upserted, and any preset row
// not named in presets is deleted (mirrors the config-is-the-source-of-truth
// reconciliation the teacher's registry did for agent definitions).
func (r *Registry) Sync(presets map[string]spawner.Preset) error {
	names := make([]string, 0, len(presets))
	for name, p := range presets {
		names = append(names, name)
		row := &store.Preset{
			Name:         name,
			Role:         string(p.Role),
			Model:        p.Model,
			Tools:        p.Tools,
			SystemPrompt: p.SystemPrompt,
		}
		if err := r.store.SavePreset(row); err != nil {
			return fmt.Errorf("save preset %s: %w", name, err)
		}
	}
	return r.store.DeletePresetsNotIn(names)
}

// Resolve returns the named preset, or nil if no such preset exists.
// A nil, nil return is not an error — spawner.MergeDefaults treats a nil
// preset as a no-op.
func (r *Registry) Resolve(name string) (*spawner.Preset, error) {
	if name == "" {
		return nil, nil
	}
	p, err := r.store.GetPreset(name)
	if err != nil {
		return nil, fmt.Errorf("resolve preset %s: %w", name, err)
	}
	if p == nil {
		return nil, nil
	}
	return p.ToSpawnerPreset(), nil
}

// List returns every persisted preset, for callers that want to display
// or validate the full set (e.g. config reload diagnostics).
func (r *Registry) List() ([]store.Preset, error) {
	return r.store.ListPresets()
}
