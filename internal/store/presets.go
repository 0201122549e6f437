package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/queen/internal/spawner"
)

// Preset is a persisted, named agent configuration that a spawner.Definition
// can inherit missing fields from (spec.md §4.6's "pre-defined agent
// configs"; storage is left unspecified there, so this is SPEC_FULL.md's
// C11 answer).
type Preset struct {
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	Model        string    `json:"model,omitempty"`
	Tools        []string  `json:"tools,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ToSpawnerPreset converts a persisted Preset into the shape spawner.MergeDefaults expects.
func (p Preset) ToSpawnerPreset() *spawner.Preset {
	return &spawner.Preset{
		Name:         p.Name,
		Role:         spawner.Role(p.Role),
		Model:        p.Model,
		Tools:        p.Tools,
		SystemPrompt: p.SystemPrompt,
	}
}

func (s *Store) SavePreset(p *Preset) error {
	toolsJSON, err := json.Marshal(p.Tools)
	if err != nil {
		return fmt.Errorf("marshal tools: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO agent_presets (name, role, model, tools, system_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			role = excluded.role,
			model = excluded.model,
			tools = excluded.tools,
			system_prompt = excluded.system_prompt,
			updated_at = CURRENT_TIMESTAMP`,
		p.Name, p.Role, p.Model, string(toolsJSON), p.SystemPrompt)
	if err != nil {
		return fmt.Errorf("save preset: %w", err)
	}
	return nil
}

func (s *Store) GetPreset(name string) (*Preset, error) {
	row := s.db.QueryRow(`
		SELECT name, role, model, tools, system_prompt, created_at, updated_at
		FROM agent_presets WHERE name = ?`, name)
	p, err := scanPreset(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preset: %w", err)
	}
	return p, nil
}

func (s *Store) ListPresets() ([]Preset, error) {
	rows, err := s.db.Query(`
		SELECT name, role, model, tools, system_prompt, created_at, updated_at
		FROM agent_presets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list presets: %w", err)
	}
	defer rows.Close()

	var presets []Preset
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preset: %w", err)
		}
		presets = append(presets, *p)
	}
	return presets, rows.Err()
}

func (s *Store) DeletePreset(name string) error {
	_, err := s.db.Exec(`DELETE FROM agent_presets WHERE name = ?`, name)
	return err
}

// DeletePresetsNotIn removes every preset whose name is not in names, used
// to reconcile the table against a config file's current preset list.
func (s *Store) DeletePresetsNotIn(names []string) error {
	if len(names) == 0 {
		_, err := s.db.Exec(`DELETE FROM agent_presets`)
		return err
	}
	query := `DELETE FROM agent_presets WHERE name NOT IN (`
	args := make([]any, len(names))
	for i, n := range names {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = n
	}
	query += ")"
	_, err := s.db.Exec(query, args...)
	return err
}

func scanPreset(row interface{ Scan(dest ...any) error }) (*Preset, error) {
	p := &Preset{}
	var model, toolsJSON, systemPrompt sql.NullString
	if err := row.Scan(&p.Name, &p.Role, &model, &toolsJSON, &systemPrompt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Model = model.String
	p.SystemPrompt = systemPrompt.String
	if toolsJSON.Valid && toolsJSON.String != "" {
		if err := json.Unmarshal([]byte(toolsJSON.String), &p.Tools); err != nil {
			return nil, fmt.Errorf("unmarshal tools: %w", err)
		}
	}
	return p, nil
}
