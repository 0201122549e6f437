// Package lifecycle implements the swarm entry point: creating the
// channel group, spawning agents, wiring generation-guarded message
// handlers, enforcing the registration timeout, and tearing the swarm
// down gracefully or by force.
package lifecycle

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/queen/internal/bridge"
	"github.com/mtzanidakis/queen/internal/channel"
	"github.com/mtzanidakis/queen/internal/channelgroup"
	"github.com/mtzanidakis/queen/internal/identity"
	"github.com/mtzanidakis/queen/internal/message"
	"github.com/mtzanidakis/queen/internal/spawner"
	"github.com/mtzanidakis/queen/internal/swarmstate"
)

const (
	registrationTimeout = 30 * time.Second
	gracefulPollInterval = 2 * time.Second
	gracefulTimeout      = 30 * time.Second
	forceKillDelay       = 5 * time.Second
	stderrCap            = 2048
	// crashNotifyStderrLimit is the trailing stderr byte count a crash
	// notification includes (spec.md §4.7/§8 scenario 4), distinct from
	// stderrCap's larger in-memory retention window.
	crashNotifyStderrLimit = 500
)

// Notifier delivers a user-visible notification to the embedding host.
// Implementations may buffer these while an interactive overlay is open
// (see internal/notify).
type Notifier interface {
	Notify(msg string)
}

// ParentLink is the connection a coordinator keeps to its own parent
// queen's inbox, used to relay events upward (C8). Client carries the
// local case (parent reachable over this host's channel socket); Peer
// carries the cross-host case (C9) when the parent is only reachable
// through a bridge Hub. At most one of the two is set.
type ParentLink struct {
	Client *channel.Client
	Peer   *bridge.Peer
	Swarm  string
}

// send delivers env to the parent link, preferring the local channel
// client and falling back to the bridge peer.
func (p *ParentLink) send(env message.Envelope) {
	if p.Client != nil {
		_ = p.Client.Send(env)
		return
	}
	if p.Peer != nil {
		_ = p.Peer.PublishRelay(p.Swarm, env)
	}
}

// AgentSpec is one caller-supplied agent to spawn, before preset
// merging and channel-name derivation.
type AgentSpec struct {
	Name  string
	Role  swarmstate.Role
	// Swarm scopes this agent to a sub-swarm within the same channel
	// group; left empty, it defaults to the swarm id StartSwarm just
	// generated for this call. Multiple distinct values only occur when
	// a single call seeds more than one concurrently-running sub-swarm
	// (e.g. a coordinator pre-wiring its own nested participants).
	Swarm           string
	Task            string
	Model           string
	Tools           []string
	SystemPrompt    string
	Cwd             string
	PreDefinedAgent string
}

// StartRequest is the input to StartSwarm.
type StartRequest struct {
	Agents      []AgentSpec
	TaskDirPath string
	// PresetLookup resolves a PreDefinedAgent name to a spawner.Preset,
	// or ok=false if none is registered under that name.
	PresetLookup func(name string) (spawner.Preset, bool)
}

// Controller is the swarm entry point: a queen process owns exactly one
// Controller. It is invoked once per "start a swarm" call.
type Controller struct {
	store      *swarmstate.Store
	backend    spawner.Backend
	baseDir    string
	notifier   Notifier
	parent     *ParentLink
	selfIdentity identity.Identity

	mu      sync.Mutex
	group   *channelgroup.Group
	clients map[string]*channel.Client // channel name -> queen's client on that channel
	handles map[string]spawner.Handle  // agent name -> spawn handle
	secrets map[string]string          // decrypted vault values injected into every spawned agent's env

	hub       *bridge.Hub        // this queen's own embedded broker, if C9 is enabled
	bridgeCl  *bridge.Peer       // this queen's own subscriber on hub, dialed once StartSwarm needs it
	bridgeSub *nats.Subscription // live subscription for the current swarm's relay subject
}

// SetHub installs the embedded broker a queen optionally runs so
// sub-coordinators elsewhere can relay cross-host (C9). Call before
// StartSwarm; a nil hub (the default) means the bridge is never touched.
func (c *Controller) SetHub(hub *bridge.Hub) {
	c.mu.Lock()
	c.hub = hub
	c.mu.Unlock()
}

// SetSecrets installs the decrypted secret set every subsequent
// StartSwarm spawns with, additively merged into each agent's
// environment (spawner.Definition.Secrets). Call after decrypting
// internal/store's secret rows with the configured vault.
func (c *Controller) SetSecrets(secrets map[string]string) {
	c.mu.Lock()
	c.secrets = secrets
	c.mu.Unlock()
}

// New constructs a Controller. baseDir is the root directory channel
// groups are created under (e.g. "/tmp/pi-swarm"); parent is nil for a
// root queen and set for a coordinator relaying to its own parent. self
// is this queen's own identity, used as the From field on relay
// envelopes it forwards upward.
func New(store *swarmstate.Store, backend spawner.Backend, baseDir string, notifier Notifier, parent *ParentLink, self identity.Identity) *Controller {
	return &Controller{
		store:        store,
		backend:      backend,
		baseDir:      baseDir,
		notifier:     notifier,
		parent:       parent,
		selfIdentity: self,
		clients:      make(map[string]*channel.Client),
		handles:      make(map[string]spawner.Handle),
	}
}

// selfName returns this queen's own name (or "queen" if unset) for use
// as the From field on relayed envelopes.
func (c *Controller) selfName() string {
	if c.selfIdentity.Name != "" {
		return c.selfIdentity.Name
	}
	return "queen"
}

// StartSwarm runs the preconditions check and full setup sequence from
// spec.md §4.7. Any failure aborts and unwinds prior steps in reverse.
func (c *Controller) StartSwarm(req StartRequest) error {
	if !c.store.AllTerminal() {
		return fmt.Errorf("lifecycle: swarm already active")
	}
	if c.store.Get() != nil {
		// Prior swarm is fully terminal; tear it down before starting anew.
		c.cleanupSwarmLocked()
	}

	swarmID, err := randomHexID()
	if err != nil {
		return fmt.Errorf("lifecycle: generate swarm id: %w", err)
	}
	groupPath := filepath.Join(c.baseDir, swarmID)

	agents := make([]AgentSpec, len(req.Agents))
	for i, a := range req.Agents {
		if a.Swarm == "" {
			a.Swarm = swarmID
		}
		agents[i] = a
	}
	req.Agents = agents

	swarms := distinctSwarms(req.Agents)
	specs := buildChannelSpecs(req.Agents, swarms)

	group := channelgroup.New(groupPath, specs)
	if err := group.Start(); err != nil {
		return fmt.Errorf("lifecycle: start channel group: %w", err)
	}

	clients, err := connectAll(group, specs)
	if err != nil {
		_ = group.Stop(true)
		return fmt.Errorf("lifecycle: queen connect: %w", err)
	}

	state := swarmstate.NewSwarmState(groupPath, req.TaskDirPath, swarmstate.Callbacks{
		OnAllDone: c.onAllDone,
	})
	for _, a := range req.Agents {
		state.Agents[a.Name] = &swarmstate.AgentRecord{
			Name:   a.Name,
			Role:   a.Role,
			Swarm:  swarmOf(a),
			Task:   a.Task,
			Status: swarmstate.StatusStarting,
		}
	}

	gen := c.store.SetState(state)

	c.mu.Lock()
	c.group = group
	c.clients = clients
	c.handles = make(map[string]spawner.Handle)
	c.mu.Unlock()

	c.registerHandlers(gen, clients)
	c.subscribeBridge(gen, swarmID)

	for _, a := range req.Agents {
		def := c.buildDefinition(a, groupPath, req.TaskDirPath, len(swarms) >= 2)
		if req.PresetLookup != nil && a.PreDefinedAgent != "" {
			if preset, ok := req.PresetLookup(a.PreDefinedAgent); ok {
				def = spawner.MergeDefaults(def, &preset)
			}
		}
		if err := c.spawnAgent(gen, def); err != nil {
			slog.Warn("spawn failed", "agent", a.Name, "error", err)
		}
	}

	c.startRegistrationTimeout(gen)
	return nil
}

func (c *Controller) buildDefinition(a AgentSpec, groupPath, taskDir string, hasTopic bool) spawner.Definition {
	var topic string
	if hasTopic {
		topic = identity.TopicChannel(swarmOf(a))
	}
	c.mu.Lock()
	secrets := c.secrets
	c.mu.Unlock()

	return spawner.Definition{
		Name:         a.Name,
		Role:         spawnerRole(a.Role),
		Swarm:        swarmOf(a),
		Task:         a.Task,
		Model:        a.Model,
		Tools:        a.Tools,
		SystemPrompt: a.SystemPrompt,
		Cwd:          a.Cwd,
		GroupPath:    groupPath,
		TaskDirPath:  taskDir,
		TopicChannel: topic,
		Secrets:      secrets,
	}
}

func spawnerRole(r swarmstate.Role) spawner.Role {
	if r == swarmstate.RoleCoordinator {
		return spawner.RoleCoordinator
	}
	return spawner.RoleAgent
}

func swarmOf(a AgentSpec) string {
	return a.Swarm
}

func distinctSwarms(agents []AgentSpec) map[string]bool {
	out := make(map[string]bool)
	for _, a := range agents {
		out[swarmOf(a)] = true
	}
	return out
}

func buildChannelSpecs(agents []AgentSpec, swarms map[string]bool) []channelgroup.Spec {
	specs := []channelgroup.Spec{
		{Name: identity.ChannelGeneral},
		{Name: identity.ChannelInboxQueen},
	}
	for _, a := range agents {
		specs = append(specs, channelgroup.Spec{Name: identity.InboxChannel(a.Name)})
	}
	if len(swarms) >= 2 {
		for sw := range swarms {
			specs = append(specs, channelgroup.Spec{Name: identity.TopicChannel(sw)})
		}
	}
	return specs
}

// connectAll connects the queen to every channel in the group so it can
// observe the full swarm. On any failure, channels already connected
// are disconnected before returning.
func connectAll(group *channelgroup.Group, specs []channelgroup.Spec) (map[string]*channel.Client, error) {
	clients := make(map[string]*channel.Client, len(specs))
	for _, s := range specs {
		cl, err := channel.Connect(group.SocketPath(s.Name))
		if err != nil {
			for _, c := range clients {
				c.Disconnect()
			}
			return nil, fmt.Errorf("connect %s: %w", s.Name, err)
		}
		clients[s.Name] = cl
	}
	return clients, nil
}

// subscribeBridge dials this queen's own hub (if SetHub installed one)
// and subscribes to the new swarm's relay subject, so a sub-coordinator
// relaying cross-host (C9) reaches handleRelay exactly as a local
// inbox-queen client would. A no-op when no hub is configured.
func (c *Controller) subscribeBridge(gen uint64, swarmID string) {
	c.mu.Lock()
	hub := c.hub
	c.mu.Unlock()
	if hub == nil {
		return
	}

	peer, err := bridge.DialHub(hub)
	if err != nil {
		slog.Warn("bridge: failed to dial own hub", "error", err)
		return
	}

	sub, err := peer.SubscribeRelay(swarmID, func(raw json.RawMessage) {
		if c.store.IsStale(gen) {
			return
		}
		env, err := message.Decode(raw)
		if err != nil || env.Data.Type != message.TypeRelay {
			return
		}
		c.handleRelay(env)
	})
	if err != nil {
		slog.Warn("bridge: failed to subscribe relay subject", "swarm", swarmID, "error", err)
		peer.Close()
		return
	}

	c.mu.Lock()
	c.bridgeCl = peer
	c.bridgeSub = sub
	c.mu.Unlock()
}

func randomHexID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (c *Controller) onAllDone() {
	if c.notifier != nil {
		c.notifier.Notify("swarm complete: all agents reached a terminal status")
	}
}

// startRegistrationTimeout marks every still-starting agent crashed if
// the swarm is still live 30 seconds after setup, per spec.md §4.7 step 9.
func (c *Controller) startRegistrationTimeout(gen uint64) {
	time.AfterFunc(registrationTimeout, func() {
		if c.store.IsStale(gen) {
			return
		}
		state := c.store.Get()
		if state == nil {
			return
		}
		for name, rec := range state.Agents {
			if rec.Status == swarmstate.StatusStarting {
				c.store.UpdateAgentStatus(name, swarmstate.StatusCrashed, nil)
				if c.notifier != nil {
					c.notifier.Notify(fmt.Sprintf("agent %s never registered within %s", name, registrationTimeout))
				}
			}
		}
	})
}

// sendInstruct publishes a wrap-up instruction to every agent, used by
// gracefulShutdown.
func (c *Controller) sendInstruct(text string) {
	c.mu.Lock()
	cl := c.clients[identity.ChannelGeneral]
	c.mu.Unlock()
	if cl == nil {
		return
	}
	_ = cl.Send(message.Envelope{
		Msg: "instruct: " + text,
		Data: message.Data{
			Type:        message.TypeInstruct,
			From:        "queen",
			Instruction: text,
		},
	})
}

// GracefulShutdown sends a wrap-up instruct, then polls every 2 s until
// either every agent is terminal, 30 s elapse, or the swarm generation
// changes underneath it (in which case it silently aborts).
func (c *Controller) GracefulShutdown() {
	gen := c.store.LiveGeneration()
	c.sendInstruct("Wrap up what you're doing, you have 30 seconds.")

	deadline := time.Now().Add(gracefulTimeout)
	ticker := time.NewTicker(gracefulPollInterval)
	defer ticker.Stop()

	for {
		if c.store.IsStale(gen) {
			return
		}
		if c.store.AllTerminal() {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		<-ticker.C
	}

	if c.store.IsStale(gen) {
		return
	}
	c.CleanupSwarm()
}

// CleanupSwarm is the forced-termination path: SIGTERM every tracked
// process group, schedule a fire-and-forget SIGKILL after 5 s,
// disconnect every queen channel client, stop the channel group with
// directory removal, and clear the swarm state. It is idempotent (R2):
// a second call with no live state is a no-op.
func (c *Controller) CleanupSwarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupSwarmLocked()
}

func (c *Controller) cleanupSwarmLocked() {
	state := c.store.Get()
	if state == nil && c.group == nil {
		return
	}

	for name, h := range c.handles {
		handle := h
		agentName := name
		if err := handle.Signal(spawner.SignalTerm); err != nil {
			slog.Warn("SIGTERM failed", "agent", agentName, "error", err)
		}
		time.AfterFunc(forceKillDelay, func() {
			// Only handles backed by an OS process ID get the follow-up
			// SIGKILL; a container handle reports PID 0 and is skipped.
			// The live-process re-check happens in the handle's Signal.
			if handle.PID() == 0 {
				return
			}
			_ = handle.Signal(spawner.SignalKill)
		})
	}

	for _, cl := range c.clients {
		cl.Disconnect()
	}
	c.clients = make(map[string]*channel.Client)

	if c.group != nil {
		if err := c.group.Stop(true); err != nil {
			slog.Warn("failed to stop channel group", "error", err)
		}
		c.group = nil
	}

	if c.bridgeSub != nil {
		_ = c.bridgeSub.Unsubscribe()
		c.bridgeSub = nil
	}
	if c.bridgeCl != nil {
		c.bridgeCl.Close()
		c.bridgeCl = nil
	}

	c.handles = make(map[string]spawner.Handle)
	c.store.Clear()
}
