package scheduler

import (
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/queen/internal/identity"
	"github.com/mtzanidakis/queen/internal/lifecycle"
	"github.com/mtzanidakis/queen/internal/registry"
	"github.com/mtzanidakis/queen/internal/spawner"
	"github.com/mtzanidakis/queen/internal/store"
	"github.com/mtzanidakis/queen/internal/swarmstate"
)

// fakeHandle is a spawner.Handle that never exits on its own, so the
// controller's spawn bookkeeping succeeds without a real child process.
type fakeHandle struct {
	name   string
	done   chan spawner.ExitResult
	stdout chan []byte
	stderr chan []byte
}

func newFakeHandle(name string) *fakeHandle {
	h := &fakeHandle{name: name, done: make(chan spawner.ExitResult, 1), stdout: make(chan []byte), stderr: make(chan []byte)}
	close(h.stdout)
	close(h.stderr)
	return h
}

func (h *fakeHandle) Name() string                       { return h.name }
func (h *fakeHandle) PID() int                            { return 1 }
func (h *fakeHandle) Signal(sig spawner.Signal) error      { return nil }
func (h *fakeHandle) Done() <-chan spawner.ExitResult      { return h.done }
func (h *fakeHandle) Stdout() <-chan []byte                { return h.stdout }
func (h *fakeHandle) Stderr() <-chan []byte                { return h.stderr }

type fakeBackend struct {
	mu   sync.Mutex
	defs []spawner.Definition
}

func (b *fakeBackend) Spawn(def spawner.Definition) (spawner.Handle, error) {
	b.mu.Lock()
	b.defs = append(b.defs, def)
	b.mu.Unlock()
	return newFakeHandle(def.Name), nil
}
func (b *fakeBackend) Cleanup(h spawner.Handle) error { return nil }

func (b *fakeBackend) definitionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.defs)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestScheduler(t *testing.T, backend spawner.Backend) (*Scheduler, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	ctrl := lifecycle.New(swarmstate.NewStore(), backend, t.TempDir(), nil, nil, identity.Identity{Name: "queen"})
	reg := registry.New(s)
	return New(s, ctrl, reg, time.Hour), s
}

func TestExecuteStartsSwarmAndSchedulesNextRun(t *testing.T) {
	backend := &fakeBackend{}
	sched, s := newTestScheduler(t, backend)

	sw := store.ScheduledSwarm{
		ID:       "sched-1",
		Name:     "nightly",
		Task:     "run the nightly sweep",
		Schedule: `{"kind":"interval","interval_ms":60000}`,
		Status:   "active",
	}
	if err := s.SaveScheduledSwarm(&sw); err != nil {
		t.Fatalf("save: %v", err)
	}

	sched.execute(sw)

	if backend.definitionCount() != 1 {
		t.Fatalf("expected 1 spawned agent, got %d", backend.definitionCount())
	}

	got, err := s.GetScheduledSwarm("sched-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastStatus != "success" {
		t.Errorf("expected last status success, got %s", got.LastStatus)
	}
	if got.NextRunAt == nil {
		t.Fatal("expected next run to be scheduled")
	}
	if got.Status != "active" {
		t.Errorf("expected status to remain active for interval schedule, got %s", got.Status)
	}
}

func TestExecuteOnceScheduleCompletesAfterRun(t *testing.T) {
	backend := &fakeBackend{}
	sched, s := newTestScheduler(t, backend)

	past := time.Now().Add(-time.Hour).UnixMilli()
	sw := store.ScheduledSwarm{
		ID:       "sched-2",
		Name:     "one-shot",
		Task:     "do it once",
		Schedule: `{"kind":"once","at_ms":` + strconv.FormatInt(past, 10) + `}`,
		Status:   "active",
	}
	if err := s.SaveScheduledSwarm(&sw); err != nil {
		t.Fatalf("save: %v", err)
	}

	sched.execute(sw)

	got, err := s.GetScheduledSwarm("sched-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "completed" {
		t.Errorf("expected status completed after a one-shot run, got %s", got.Status)
	}
}

func TestExecuteUsesPresetLookup(t *testing.T) {
	backend := &fakeBackend{}
	sched, s := newTestScheduler(t, backend)

	if err := s.SavePreset(&store.Preset{Name: "researcher", Role: "agent", Model: "claude-opus-4-6", Tools: []string{"bash"}}); err != nil {
		t.Fatalf("save preset: %v", err)
	}

	sw := store.ScheduledSwarm{
		ID:         "sched-3",
		Name:       "research",
		PresetName: "researcher",
		Task:       "look into it",
		Schedule:   `{"kind":"interval","interval_ms":60000}`,
		Status:     "active",
	}
	if err := s.SaveScheduledSwarm(&sw); err != nil {
		t.Fatalf("save: %v", err)
	}

	sched.execute(sw)

	if backend.definitionCount() != 1 {
		t.Fatalf("expected 1 spawned agent, got %d", backend.definitionCount())
	}
	if backend.defs[0].Model != "claude-opus-4-6" {
		t.Errorf("expected preset model to merge in, got %s", backend.defs[0].Model)
	}
}

func TestPollExecutesOnlyDueSwarms(t *testing.T) {
	backend := &fakeBackend{}
	sched, s := newTestScheduler(t, backend)

	alreadyPast := time.Now().Add(-time.Minute)
	due := store.ScheduledSwarm{
		ID: "due-1", Name: "due", Task: "t", Schedule: `{"kind":"interval","interval_ms":60000}`, Status: "active", NextRunAt: &alreadyPast,
	}
	notYet := time.Now().Add(time.Hour)
	future := store.ScheduledSwarm{
		ID: "future-1", Name: "future", Task: "t", Schedule: `{"kind":"interval","interval_ms":60000}`, Status: "active", NextRunAt: &notYet,
	}
	if err := s.SaveScheduledSwarm(&due); err != nil {
		t.Fatalf("save due: %v", err)
	}
	if err := s.SaveScheduledSwarm(&future); err != nil {
		t.Fatalf("save future: %v", err)
	}

	sched.poll()

	if backend.definitionCount() != 1 {
		t.Fatalf("expected exactly 1 swarm started, got %d", backend.definitionCount())
	}
}
