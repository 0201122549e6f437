package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ScheduledSwarm is a recurring (or one-off) swarm kickoff driven by
// internal/scheduler: on Schedule, spawn a fresh swarm against Task using
// PresetName's agent config (SPEC_FULL.md's C11, grounded in the
// teacher's scheduled-task domain but firing swarms, not chat prompts).
type ScheduledSwarm struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	PresetName string     `json:"preset_name,omitempty"`
	Task       string     `json:"task"`
	Schedule   string     `json:"schedule"` // JSON-encoded schedule.Schedule
	Status     string     `json:"status"`   // "active" or "completed"
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func scanScheduledSwarm(row interface{ Scan(dest ...any) error }) (*ScheduledSwarm, error) {
	t := &ScheduledSwarm{}
	var presetName, lastStatus, lastError sql.NullString
	err := row.Scan(&t.ID, &t.Name, &presetName, &t.Task, &t.Schedule, &t.Status,
		&t.NextRunAt, &t.LastRunAt, &lastStatus, &lastError, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.PresetName = presetName.String
	t.LastStatus = lastStatus.String
	t.LastError = lastError.String
	return t, nil
}

func (s *Store) SaveScheduledSwarm(t *ScheduledSwarm) error {
	var presetName any
	if t.PresetName != "" {
		presetName = t.PresetName
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_swarms (id, name, preset_name, task, schedule, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			preset_name = excluded.preset_name,
			task = excluded.task,
			schedule = excluded.schedule,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		t.ID, t.Name, presetName, t.Task, t.Schedule, t.Status, t.NextRunAt)
	if err != nil {
		return fmt.Errorf("save scheduled swarm: %w", err)
	}
	return nil
}

func (s *Store) GetScheduledSwarm(id string) (*ScheduledSwarm, error) {
	row := s.db.QueryRow(`
		SELECT id, name, preset_name, task, schedule, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM scheduled_swarms WHERE id = ?`, id)
	t, err := scanScheduledSwarm(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled swarm: %w", err)
	}
	return t, nil
}

func (s *Store) ListScheduledSwarms() ([]ScheduledSwarm, error) {
	rows, err := s.db.Query(`
		SELECT id, name, preset_name, task, schedule, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM scheduled_swarms ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled swarms: %w", err)
	}
	defer rows.Close()

	var out []ScheduledSwarm
	for rows.Next() {
		t, err := scanScheduledSwarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled swarm: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetDueScheduledSwarms returns every active scheduled swarm whose
// next_run_at has passed, in next_run_at order.
func (s *Store) GetDueScheduledSwarms(now time.Time) ([]ScheduledSwarm, error) {
	rows, err := s.db.Query(`
		SELECT id, name, preset_name, task, schedule, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM scheduled_swarms
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due scheduled swarms: %w", err)
	}
	defer rows.Close()

	var out []ScheduledSwarm
	for rows.Next() {
		t, err := scanScheduledSwarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled swarm: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateScheduledSwarmRun(id, lastStatus, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_swarms
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateScheduledSwarmStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_swarms SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteScheduledSwarm(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_swarms WHERE id = ?`, id)
	return err
}
