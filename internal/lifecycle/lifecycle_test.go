package lifecycle

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/queen/internal/bridge"
	"github.com/mtzanidakis/queen/internal/channel"
	"github.com/mtzanidakis/queen/internal/identity"
	"github.com/mtzanidakis/queen/internal/message"
	"github.com/mtzanidakis/queen/internal/spawner"
	"github.com/mtzanidakis/queen/internal/swarmstate"
)

// fakeHandle is an in-process spawner.Handle that never exits until the
// test calls finish, so tests drive the exit path explicitly instead of
// racing a real child process.
type fakeHandle struct {
	name    string
	done    chan spawner.ExitResult
	stdout  chan []byte
	stderr  chan []byte
	signals []spawner.Signal
	mu      sync.Mutex
}

func newFakeHandle(name string) *fakeHandle {
	h := &fakeHandle{
		name:   name,
		done:   make(chan spawner.ExitResult, 1),
		stdout: make(chan []byte),
		stderr: make(chan []byte),
	}
	close(h.stdout)
	close(h.stderr)
	return h
}

func (h *fakeHandle) Name() string { return h.name }
func (h *fakeHandle) PID() int     { return 1 }
func (h *fakeHandle) Signal(sig spawner.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	return nil
}
func (h *fakeHandle) Done() <-chan spawner.ExitResult { return h.done }
func (h *fakeHandle) Stdout() <-chan []byte           { return h.stdout }
func (h *fakeHandle) Stderr() <-chan []byte           { return h.stderr }

func (h *fakeHandle) finish(code int) {
	h.done <- spawner.ExitResult{Code: code}
}

// fakeBackend spawns fakeHandles and records every definition it was
// asked to spawn, keyed by agent name.
type fakeBackend struct {
	mu      sync.Mutex
	handles map[string]*fakeHandle
	defs    map[string]spawner.Definition
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		handles: make(map[string]*fakeHandle),
		defs:    make(map[string]spawner.Definition),
	}
}

func (b *fakeBackend) Spawn(def spawner.Definition) (spawner.Handle, error) {
	h := newFakeHandle(def.Name)
	b.mu.Lock()
	b.handles[def.Name] = h
	b.defs[def.Name] = def
	b.mu.Unlock()
	return h, nil
}

func (b *fakeBackend) Cleanup(h spawner.Handle) error { return nil }

func (b *fakeBackend) handle(name string) *fakeHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handles[name]
}

type fakeNotifier struct {
	mu  sync.Mutex
	msg []string
}

func (n *fakeNotifier) Notify(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msg = append(n.msg, msg)
}

func (n *fakeNotifier) contains(substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.msg {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func connectInboxQueen(t *testing.T, groupPath string) *channel.Client {
	t.Helper()
	cl, err := channel.Connect(filepath.Join(groupPath, identity.ChannelInboxQueen+".sock"))
	if err != nil {
		t.Fatalf("connect inbox-queen: %v", err)
	}
	t.Cleanup(cl.Disconnect)
	return cl
}

func connectGeneral(t *testing.T, groupPath string) *channel.Client {
	t.Helper()
	cl, err := channel.Connect(filepath.Join(groupPath, identity.ChannelGeneral+".sock"))
	if err != nil {
		t.Fatalf("connect general: %v", err)
	}
	t.Cleanup(cl.Disconnect)
	return cl
}

// TestEndToEndSingleAgentDone exercises scenario 1: one agent registers,
// reports done, and the swarm-complete notification fires exactly once.
func TestEndToEndSingleAgentDone(t *testing.T) {
	store := swarmstate.NewStore()
	backend := newFakeBackend()
	notifier := &fakeNotifier{}
	ctrl := New(store, backend, t.TempDir(), notifier, nil, identity.Identity{Name: "queen", Role: identity.RoleQueen})

	err := ctrl.StartSwarm(StartRequest{
		Agents: []AgentSpec{{Name: "a1", Role: swarmstate.RoleAgent, Task: "do the thing"}},
	})
	if err != nil {
		t.Fatalf("StartSwarm: %v", err)
	}

	state := store.Get()
	if state == nil {
		t.Fatal("expected live swarm state")
	}
	inbox := connectInboxQueen(t, state.GroupPath)

	if err := inbox.Send(message.Envelope{Data: message.Data{Type: message.TypeRegister, From: "a1"}}); err != nil {
		t.Fatalf("send register: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		rec, ok := store.Agent("a1")
		return ok && rec.Status == swarmstate.StatusRunning
	})

	if err := inbox.Send(message.Envelope{Data: message.Data{Type: message.TypeDone, From: "a1", Summary: "all done"}}); err != nil {
		t.Fatalf("send done: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		rec, ok := store.Agent("a1")
		return ok && rec.Status == swarmstate.StatusDone && rec.DoneSummary == "all done"
	})

	waitFor(t, time.Second, func() bool {
		return notifier.contains("swarm complete")
	})

	h := backend.handle("a1")
	if h == nil {
		t.Fatal("expected a1 to have been spawned")
	}
	h.finish(0) // late clean exit must not disturb the already-done record

	time.Sleep(50 * time.Millisecond)
	rec, _ := store.Agent("a1")
	if rec.Status != swarmstate.StatusDone {
		t.Errorf("status after late exit = %s, want done", rec.Status)
	}
}

// TestDoneOnlyHonoredFromInboxQueen checks the dedup boundary: a done
// message published on general (not inbox-queen) must not update status.
func TestDoneOnlyHonoredFromInboxQueen(t *testing.T) {
	store := swarmstate.NewStore()
	backend := newFakeBackend()
	ctrl := New(store, backend, t.TempDir(), nil, nil, identity.Identity{Name: "queen", Role: identity.RoleQueen})

	if err := ctrl.StartSwarm(StartRequest{
		Agents: []AgentSpec{{Name: "a1", Role: swarmstate.RoleAgent, Task: "x"}},
	}); err != nil {
		t.Fatalf("StartSwarm: %v", err)
	}

	state := store.Get()
	general := connectGeneral(t, state.GroupPath)
	if err := general.Send(message.Envelope{Data: message.Data{Type: message.TypeDone, From: "a1", Summary: "sneaky"}}); err != nil {
		t.Fatalf("send: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	rec, _ := store.Agent("a1")
	if rec.Status != swarmstate.StatusStarting {
		t.Errorf("status = %s, want starting (done via general must be ignored)", rec.Status)
	}

	inbox := connectInboxQueen(t, state.GroupPath)
	if err := inbox.Send(message.Envelope{Data: message.Data{Type: message.TypeRegister, From: "a1"}}); err != nil {
		t.Fatalf("send register: %v", err)
	}
	if err := inbox.Send(message.Envelope{Data: message.Data{Type: message.TypeDone, From: "a1", Summary: "real"}}); err != nil {
		t.Fatalf("send done: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		rec, ok := store.Agent("a1")
		return ok && rec.Status == swarmstate.StatusDone && rec.DoneSummary == "real"
	})
}

// TestStaleGenerationCallbackIgnored covers the generation-guard: an exit
// result delivered for an agent from a swarm that has already been
// replaced must not touch the new swarm's state.
func TestStaleGenerationCallbackIgnored(t *testing.T) {
	store := swarmstate.NewStore()
	backend := newFakeBackend()
	ctrl := New(store, backend, t.TempDir(), nil, nil, identity.Identity{Name: "queen", Role: identity.RoleQueen})

	if err := ctrl.StartSwarm(StartRequest{
		Agents: []AgentSpec{{Name: "a1", Role: swarmstate.RoleAgent, Task: "x"}},
	}); err != nil {
		t.Fatalf("StartSwarm (1): %v", err)
	}
	h1 := backend.handle("a1")
	state1 := store.Get()
	inbox1 := connectInboxQueen(t, state1.GroupPath)
	if err := inbox1.Send(message.Envelope{Data: message.Data{Type: message.TypeRegister, From: "a1"}}); err != nil {
		t.Fatalf("register a1: %v", err)
	}
	if err := inbox1.Send(message.Envelope{Data: message.Data{Type: message.TypeDone, From: "a1"}}); err != nil {
		t.Fatalf("done a1: %v", err)
	}
	waitFor(t, time.Second, func() bool { return store.AllTerminal() })

	if err := ctrl.StartSwarm(StartRequest{
		Agents: []AgentSpec{{Name: "a2", Role: swarmstate.RoleAgent, Task: "y"}},
	}); err != nil {
		t.Fatalf("StartSwarm (2): %v", err)
	}

	// a1's exit arrives late, against a generation that's no longer live.
	h1.finish(1)
	time.Sleep(100 * time.Millisecond)

	rec, ok := store.Agent("a2")
	if !ok || rec.Status != swarmstate.StatusStarting {
		t.Errorf("a2 record = %+v (ok=%v), want starting and untouched by stale a1 exit", rec, ok)
	}
	if _, ok := store.Agent("a1"); ok {
		t.Error("a1 should no longer be tracked after the second StartSwarm replaced the swarm")
	}
}

// TestCleanupSwarmIdempotent checks R2: a second CleanupSwarm call after
// the first has already torn everything down is a safe no-op.
func TestCleanupSwarmIdempotent(t *testing.T) {
	store := swarmstate.NewStore()
	backend := newFakeBackend()
	ctrl := New(store, backend, t.TempDir(), nil, nil, identity.Identity{Name: "queen", Role: identity.RoleQueen})

	if err := ctrl.StartSwarm(StartRequest{
		Agents: []AgentSpec{{Name: "a1", Role: swarmstate.RoleAgent, Task: "x"}},
	}); err != nil {
		t.Fatalf("StartSwarm: %v", err)
	}

	h := backend.handle("a1")
	ctrl.CleanupSwarm()
	if store.Get() != nil {
		t.Error("expected no live state after CleanupSwarm")
	}
	h.mu.Lock()
	sent := len(h.signals)
	h.mu.Unlock()
	if sent == 0 {
		t.Error("expected at least one signal sent to the handle")
	}

	ctrl.CleanupSwarm() // must not panic or double-fire
}

// TestRelayForUnknownSubAgentSynthesizesRecord covers C8's synthesis path:
// a relay event for a sub-agent this queen has never seen before installs
// a placeholder record instead of being dropped.
func TestRelayForUnknownSubAgentSynthesizesRecord(t *testing.T) {
	store := swarmstate.NewStore()
	backend := newFakeBackend()
	ctrl := New(store, backend, t.TempDir(), nil, nil, identity.Identity{Name: "coord", Role: identity.RoleCoordinator})

	if err := ctrl.StartSwarm(StartRequest{
		Agents: []AgentSpec{{Name: "c1", Role: swarmstate.RoleCoordinator, Task: "x"}},
	}); err != nil {
		t.Fatalf("StartSwarm: %v", err)
	}

	state := store.Get()
	inbox := connectInboxQueen(t, state.GroupPath)
	if err := inbox.Send(message.Envelope{
		Msg: "relay: register",
		Data: message.Data{
			Type: message.TypeRelay,
			From: "c1",
			Relay: &message.Relay{
				Event: message.RelayRegister,
				Name:  "sub1",
				Role:  "agent",
				Swarm: "nested",
			},
		},
	}); err != nil {
		t.Fatalf("send relay: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		rec, ok := store.Agent("sub1")
		return ok && rec.Status == swarmstate.StatusRunning && rec.Task == "(sub-agent)"
	})
}

// TestRelayPassesThroughToParent checks C8: a done reported by a direct
// agent is relayed to this queen's own parent link as a relay.done
// envelope.
func TestRelayPassesThroughToParent(t *testing.T) {
	groupDir := t.TempDir()
	parentChan := newTestChannelPair(t, groupDir, "parent-inbox")

	store := swarmstate.NewStore()
	backend := newFakeBackend()
	ctrl := New(store, backend, t.TempDir(), nil, &ParentLink{Client: parentChan.dialed, Swarm: "nested"}, identity.Identity{Name: "coord", Role: identity.RoleCoordinator})

	if err := ctrl.StartSwarm(StartRequest{
		Agents: []AgentSpec{{Name: "a1", Role: swarmstate.RoleAgent, Task: "x", Swarm: "nested"}},
	}); err != nil {
		t.Fatalf("StartSwarm: %v", err)
	}

	state := store.Get()
	inbox := connectInboxQueen(t, state.GroupPath)
	if err := inbox.Send(message.Envelope{Data: message.Data{Type: message.TypeDone, From: "a1", Summary: "finished"}}); err != nil {
		t.Fatalf("send done: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return parentChan.received() != nil
	})
	env := parentChan.received()
	if env.Data.Relay == nil || env.Data.Relay.Event != message.RelayDone || env.Data.Relay.Name != "a1" {
		t.Errorf("relayed envelope = %+v, want relay.done for a1", env)
	}
}

// testChannelPair wires a listening channel and a dialed client against
// it, so relayUp's Send over parent.Client has somewhere real to land.
type testChannelPair struct {
	dialed *channel.Client
	mu     sync.Mutex
	env    *message.Envelope
}

func newTestChannelPair(t *testing.T, dir, name string) *testChannelPair {
	t.Helper()
	ch := channel.New(name, filepath.Join(dir, name+".sock"))
	if err := ch.Start(); err != nil {
		t.Fatalf("start parent channel: %v", err)
	}
	t.Cleanup(func() { _ = ch.Stop(false) })

	listener, err := channel.Connect(filepath.Join(dir, name+".sock"))
	if err != nil {
		t.Fatalf("connect listener side: %v", err)
	}
	t.Cleanup(listener.Disconnect)

	pair := &testChannelPair{}
	listener.OnMessage(func(raw json.RawMessage) {
		env, err := message.Decode(raw)
		if err != nil {
			return
		}
		pair.mu.Lock()
		pair.env = &env
		pair.mu.Unlock()
	})

	dialed, err := channel.Connect(filepath.Join(dir, name+".sock"))
	if err != nil {
		t.Fatalf("connect dialed side: %v", err)
	}
	t.Cleanup(dialed.Disconnect)
	pair.dialed = dialed
	return pair
}

func (p *testChannelPair) received() *message.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.env
}

// TestRelayPassesThroughToBridgeParent checks C9's send side: a
// ParentLink with no local Client but a bridge Peer carries the same
// relay traffic across the Hub instead of over a channel socket.
func TestRelayPassesThroughToBridgeParent(t *testing.T) {
	hub, err := bridge.NewHub(bridge.HubConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	defer hub.Close()

	sender, err := bridge.DialHub(hub)
	if err != nil {
		t.Fatalf("DialHub (sender): %v", err)
	}
	defer sender.Close()

	receiver, err := bridge.DialHub(hub)
	if err != nil {
		t.Fatalf("DialHub (receiver): %v", err)
	}
	defer receiver.Close()

	received := make(chan json.RawMessage, 1)
	if _, err := receiver.SubscribeRelay("nested", func(raw json.RawMessage) {
		received <- raw
	}); err != nil {
		t.Fatalf("SubscribeRelay: %v", err)
	}

	store := swarmstate.NewStore()
	backend := newFakeBackend()
	ctrl := New(store, backend, t.TempDir(), nil, &ParentLink{Peer: sender, Swarm: "nested"}, identity.Identity{Name: "coord", Role: identity.RoleCoordinator})

	if err := ctrl.StartSwarm(StartRequest{
		Agents: []AgentSpec{{Name: "a1", Role: swarmstate.RoleAgent, Task: "x", Swarm: "nested"}},
	}); err != nil {
		t.Fatalf("StartSwarm: %v", err)
	}

	state := store.Get()
	inbox := connectInboxQueen(t, state.GroupPath)
	if err := inbox.Send(message.Envelope{Data: message.Data{Type: message.TypeDone, From: "a1", Summary: "finished"}}); err != nil {
		t.Fatalf("send done: %v", err)
	}
	if err := sender.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	select {
	case raw := <-received:
		env, err := message.Decode(raw)
		if err != nil {
			t.Fatalf("decode relayed envelope: %v", err)
		}
		if env.Data.Relay == nil || env.Data.Relay.Event != message.RelayDone || env.Data.Relay.Name != "a1" {
			t.Errorf("relayed envelope = %+v, want relay.done for a1", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bridge relay")
	}
}

// TestSubscribeBridgeIngestsRemoteRelay checks C9's receive side: once a
// queen installs its own Hub via SetHub, a relay published on that
// swarm's subject by any peer (simulating a remote sub-coordinator)
// reaches handleRelay exactly as a local inbox-queen message would.
func TestSubscribeBridgeIngestsRemoteRelay(t *testing.T) {
	hub, err := bridge.NewHub(bridge.HubConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	defer hub.Close()

	store := swarmstate.NewStore()
	backend := newFakeBackend()
	ctrl := New(store, backend, t.TempDir(), nil, nil, identity.Identity{Name: "queen", Role: identity.RoleQueen})
	ctrl.SetHub(hub)

	if err := ctrl.StartSwarm(StartRequest{
		Agents: []AgentSpec{{Name: "a1", Role: swarmstate.RoleAgent, Task: "x"}},
	}); err != nil {
		t.Fatalf("StartSwarm: %v", err)
	}

	state := store.Get()
	swarmID := filepath.Base(state.GroupPath)

	remote, err := bridge.DialHub(hub)
	if err != nil {
		t.Fatalf("DialHub (remote peer): %v", err)
	}
	defer remote.Close()

	env := message.Envelope{
		Data: message.Data{
			Type: message.TypeRelay,
			From: "remote-coord",
			Relay: &message.Relay{
				Event: message.RelayRegister,
				Name:  "sub1",
				Role:  "agent",
				Swarm: "remote-nested",
			},
		},
	}
	if err := remote.PublishRelay(swarmID, env); err != nil {
		t.Fatalf("PublishRelay: %v", err)
	}
	if err := remote.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		rec, ok := store.Agent("sub1")
		return ok && rec.Status == swarmstate.StatusRunning && rec.Swarm == "remote-nested"
	})
}
