// Package scheduler fires a fresh swarm run against a lifecycle
// controller on a cron/interval/once schedule (SPEC_FULL.md's C11),
// adapted from the teacher's chat-task scheduler onto swarm kickoffs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtzanidakis/queen/internal/lifecycle"
	"github.com/mtzanidakis/queen/internal/registry"
	"github.com/mtzanidakis/queen/internal/schedule"
	"github.com/mtzanidakis/queen/internal/spawner"
	"github.com/mtzanidakis/queen/internal/store"
	"github.com/mtzanidakis/queen/internal/swarmstate"
)

type Scheduler struct {
	store        *store.Store
	ctrl         *lifecycle.Controller
	registry     *registry.Registry
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(s *store.Store, ctrl *lifecycle.Controller, reg *registry.Registry, pollInterval time.Duration) *Scheduler {
	return &Scheduler{
		store:        s,
		ctrl:         ctrl,
		registry:     reg,
		pollInterval: pollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig changes the poll interval and wakes the run loop to apply
// it immediately, used by a config hot-reload.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.pollInterval = pollInterval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler config reloaded", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Scheduler) poll() {
	due, err := s.store.GetDueScheduledSwarms(time.Now())
	if err != nil {
		slog.Error("failed to get due scheduled swarms", "error", err)
		return
	}

	for _, sw := range due {
		s.execute(sw)
	}
}

func (s *Scheduler) execute(sw store.ScheduledSwarm) {
	slog.Info("executing scheduled swarm", "id", sw.ID, "name", sw.Name)

	req := lifecycle.StartRequest{
		Agents: []lifecycle.AgentSpec{{
			Name:            sw.ID,
			Role:            swarmstate.RoleAgent,
			Task:            sw.Task,
			PreDefinedAgent: sw.PresetName,
		}},
		PresetLookup: s.presetLookup,
	}

	err := s.ctrl.StartSwarm(req)

	var lastStatus, lastError string
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("scheduled swarm failed to start", "id", sw.ID, "error", err)
	} else {
		lastStatus = "success"
	}

	nextRun := schedule.CalculateNextRun(sw.Schedule)
	if err := s.store.UpdateScheduledSwarmRun(sw.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update scheduled swarm run", "id", sw.ID, "error", err)
	}

	if nextRun == nil {
		slog.Info("no next run, marking scheduled swarm completed", "id", sw.ID, "name", sw.Name)
		if err := s.store.UpdateScheduledSwarmStatus(sw.ID, "completed"); err != nil {
			slog.Error("failed to complete scheduled swarm", "id", sw.ID, "error", err)
		}
	}
}

func (s *Scheduler) presetLookup(name string) (spawner.Preset, bool) {
	if s.registry == nil {
		return spawner.Preset{}, false
	}
	p, err := s.registry.Resolve(name)
	if err != nil || p == nil {
		return spawner.Preset{}, false
	}
	return *p, true
}
