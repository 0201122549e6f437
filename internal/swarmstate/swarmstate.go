// Package swarmstate holds the authoritative per-swarm state: the agent
// registry, the status transition table, the generation counter that
// invalidates callbacks from a replaced swarm, and in-memory message
// history.
//
// The source this was modeled on treats this as process-wide mutable
// state accessed from a single cooperative event loop. Go has no such
// single-threaded guarantee — channel read loops run on their own
// goroutines — so Store serializes every access behind a mutex instead
// of relying on single-threadedness. Callers still get one owner object
// per queen process, never a package-level global.
package swarmstate

import (
	"fmt"
	"sync"
	"time"
)

// AgentStatus is the closed set of per-agent lifecycle states.
type AgentStatus string

const (
	StatusStarting     AgentStatus = "starting"
	StatusRunning      AgentStatus = "running"
	StatusBlocked      AgentStatus = "blocked"
	StatusDone         AgentStatus = "done"
	StatusCrashed      AgentStatus = "crashed"
	StatusDisconnected AgentStatus = "disconnected"
)

// IsTerminal reports whether an agent in this status will never
// transition again.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusCrashed, StatusDisconnected:
		return true
	default:
		return false
	}
}

// validTransitions is the fixed transition relation from spec.md §3.
// Absent entries (including self-transitions) are invalid.
var validTransitions = map[AgentStatus]map[AgentStatus]bool{
	StatusStarting: {
		StatusRunning:      true,
		StatusCrashed:      true,
		StatusDisconnected: true,
	},
	StatusRunning: {
		StatusBlocked:      true,
		StatusDone:         true,
		StatusCrashed:      true,
		StatusDisconnected: true,
	},
	StatusBlocked: {
		StatusRunning:      true,
		StatusDone:         true,
		StatusCrashed:      true,
		StatusDisconnected: true,
	},
}

// CanTransition reports whether from -> to is a valid status transition.
func CanTransition(from, to AgentStatus) bool {
	return validTransitions[from][to]
}

// Role mirrors identity.Role for agent/coordinator participants tracked
// by swarm state (queen itself is never a tracked agent record).
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleAgent       Role = "agent"
)

// AgentRecord is the authoritative record for one spawned participant,
// owned exclusively by swarm state.
type AgentRecord struct {
	Name     string
	Role     Role
	Swarm    string
	Task     string
	Status   AgentStatus
	PID      int
	PGID     int

	DoneSummary        string
	BlockerDescription string
	ProgressPhase      string
	ProgressPercent    int
	ProgressDetail     string

	// Activity holds the last activityCap summaries pushed for this
	// agent (registration, progress, blocker, done), oldest first. A
	// crash notification reports these alongside the stderr tail.
	Activity []string
}

// activityCap bounds AgentRecord.Activity to the trailing entries a
// crash notification actually reports (spec.md §4.7).
const activityCap = 3

// ChatRecord is one entry of in-memory-only message history.
type ChatRecord struct {
	From      string
	Content   string
	Timestamp time.Time
	To        string
	Channel   string
}

// Callbacks are the event hooks a lifecycle controller installs on a
// SwarmState when it is created.
type Callbacks struct {
	OnAgentDone func(name, summary string)
	OnAllDone   func()
	OnBlocker   func(name, description string)
	OnMessage   func(rec ChatRecord)
}

// SwarmState is one swarm instance's mutable data: its agent registry,
// generation, directories, and message history.
type SwarmState struct {
	Generation     uint64
	GroupPath      string
	TaskDirPath    string
	Agents         map[string]*AgentRecord
	MessageHistory []ChatRecord
	Callbacks      Callbacks

	allDoneFired bool
}

// NewSwarmState constructs an empty swarm instance ready to be installed
// via Store.SetState. Generation is assigned by SetState, not here.
func NewSwarmState(groupPath, taskDirPath string, cb Callbacks) *SwarmState {
	return &SwarmState{
		GroupPath:   groupPath,
		TaskDirPath: taskDirPath,
		Agents:      make(map[string]*AgentRecord),
		Callbacks:   cb,
	}
}

// Store is the single owner of at-most-one live SwarmState. A queen
// process holds exactly one Store; tests construct their own isolated
// instances instead of relying on global state.
type Store struct {
	mu         sync.Mutex
	generation uint64
	state      *SwarmState
}

// NewStore returns an empty Store with no live swarm.
func NewStore() *Store {
	return &Store{}
}

// LiveGeneration returns the generation of whatever SetState call most
// recently installed a swarm, or 0 if none ever has.
func (s *Store) LiveGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// SetState installs state as the live swarm, assigning it the next
// generation. Passing nil clears the live swarm without advancing the
// generation, the same as Clear.
func (s *Store) SetState(state *SwarmState) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state == nil {
		s.state = nil
		return s.generation
	}

	s.generation++
	state.Generation = s.generation
	s.state = state
	return s.generation
}

// Clear removes the live swarm state without allocating a new
// generation; used by cleanupSwarm once teardown is complete.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
}

// Get returns the live swarm state, or nil if none is installed.
func (s *Store) Get() *SwarmState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsStale reports whether gen no longer matches the live generation —
// the generation-guard check every asynchronous callback must perform
// before acting.
func (s *Store) IsStale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen != s.generation
}

// AllTerminal reports whether the live swarm has no agents or every
// agent is in a terminal status — used by the lifecycle controller's
// "active swarm" precondition check.
func (s *Store) AllTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return true
	}
	for _, a := range s.state.Agents {
		if !a.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// AddAgent installs a new agent record in the live swarm. It returns an
// error if there is no live swarm or the name is already taken.
func (s *Store) AddAgent(rec *AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return fmt.Errorf("swarmstate: no live swarm")
	}
	if _, exists := s.state.Agents[rec.Name]; exists {
		return fmt.Errorf("swarmstate: duplicate agent name %q", rec.Name)
	}
	s.state.Agents[rec.Name] = rec
	return nil
}

// UpdateAgentStatus applies a status transition if and only if it is
// valid per CanTransition, merging any extra fields via apply first.
// Returns false (agent record unchanged) for an unknown agent or an
// invalid transition. On a successful transition it runs checkAllDone
// and, if every agent has just become terminal, fires onAllDone exactly
// once.
func (s *Store) UpdateAgentStatus(name string, newStatus AgentStatus, apply func(*AgentRecord)) bool {
	s.mu.Lock()

	if s.state == nil {
		s.mu.Unlock()
		return false
	}
	rec, ok := s.state.Agents[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if !CanTransition(rec.Status, newStatus) {
		s.mu.Unlock()
		return false
	}

	rec.Status = newStatus
	if apply != nil {
		apply(rec)
	}

	onAllDone, fire := s.checkAllDoneLocked()
	s.mu.Unlock()

	if fire && onAllDone != nil {
		onAllDone()
	}
	return true
}

// checkAllDoneLocked must be called with s.mu held. It returns the
// onAllDone callback and whether this call is the one that should fire
// it (i.e., every agent just became terminal and it has not fired yet).
func (s *Store) checkAllDoneLocked() (func(), bool) {
	if s.state.allDoneFired {
		return nil, false
	}
	if len(s.state.Agents) == 0 {
		return nil, false
	}
	for _, a := range s.state.Agents {
		if !a.Status.IsTerminal() {
			return nil, false
		}
	}
	s.state.allDoneFired = true
	return s.state.Callbacks.OnAllDone, true
}

// MergeAgentFields applies fn to an existing agent record without
// touching its status — used for side-channel updates like progress
// reporting that are not themselves status transitions. No-op if the
// agent or the live swarm doesn't exist.
func (s *Store) MergeAgentFields(name string, fn func(*AgentRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return
	}
	rec, ok := s.state.Agents[name]
	if !ok || fn == nil {
		return
	}
	fn(rec)
}

// AppendMessage records a chat record in the live swarm's in-memory
// history. It is a no-op if there is no live swarm.
func (s *Store) AppendMessage(rec ChatRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return
	}
	s.state.MessageHistory = append(s.state.MessageHistory, rec)
}

// PushActivity appends a synthetic activity summary to name's record,
// trimming to the trailing activityCap entries. No-op if the agent or
// the live swarm doesn't exist.
func (s *Store) PushActivity(name, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return
	}
	rec, ok := s.state.Agents[name]
	if !ok {
		return
	}
	rec.Activity = append(rec.Activity, summary)
	if len(rec.Activity) > activityCap {
		rec.Activity = rec.Activity[len(rec.Activity)-activityCap:]
	}
}

// Agent returns a copy of the named agent record and whether it exists.
func (s *Store) Agent(name string) (AgentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return AgentRecord{}, false
	}
	rec, ok := s.state.Agents[name]
	if !ok {
		return AgentRecord{}, false
	}
	return *rec, true
}
