package lifecycle

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/queen/internal/channel"
	"github.com/mtzanidakis/queen/internal/identity"
	"github.com/mtzanidakis/queen/internal/message"
	"github.com/mtzanidakis/queen/internal/spawner"
	"github.com/mtzanidakis/queen/internal/swarmstate"
)

// dedupOnlyFromInboxQueen is the set of types that senders publish to
// both inbox-queen and general defensively; the queen only acts on the
// inbox-queen copy to avoid double-processing (spec.md §4.7).
var dedupOnlyFromInboxQueen = map[message.Type]bool{
	message.TypeDone:     true,
	message.TypeBlocker:  true,
	message.TypeRegister: true,
}

// registerHandlers wires a generation-guarded message handler onto every
// queen channel client. Each handler captures gen at registration time
// and no-ops once the live generation has moved past it.
func (c *Controller) registerHandlers(gen uint64, clients map[string]*channel.Client) {
	for chName, cl := range clients {
		channelName := chName
		client := cl
		client.OnMessage(func(raw json.RawMessage) {
			if c.store.IsStale(gen) {
				return
			}
			env, err := message.Decode(raw)
			if err != nil {
				return // valid JSON that does not fit the envelope shape; dropped
			}
			c.handleInbound(channelName, env)
		})
	}
}

func (c *Controller) handleInbound(channelName string, env message.Envelope) {
	if env.Data.Type == "" {
		return
	}
	if dedupOnlyFromInboxQueen[env.Data.Type] && channelName != identity.ChannelInboxQueen {
		return
	}

	switch env.Data.Type {
	case message.TypeRegister:
		c.handleRegister(env)
	case message.TypeDone:
		c.handleDone(env)
	case message.TypeBlocker:
		c.handleBlocker(env)
	case message.TypeMessage:
		c.handleMessage(env)
	case message.TypeRelay:
		c.handleRelay(env)
	case message.TypeProgress, message.TypeAgentCrashed:
		// informational only; no state transition owned by the queen.
	}
}

func (c *Controller) handleRegister(env message.Envelope) {
	if !c.store.UpdateAgentStatus(env.Data.From, swarmstate.StatusRunning, nil) {
		return
	}
	c.store.PushActivity(env.Data.From, "registered")
	slog.Info("agent registered", "agent", env.Data.From)
}

func (c *Controller) handleDone(env message.Envelope) {
	ok := c.store.UpdateAgentStatus(env.Data.From, swarmstate.StatusDone, func(r *swarmstate.AgentRecord) {
		r.DoneSummary = env.Data.Summary
	})
	if !ok {
		return
	}
	c.store.PushActivity(env.Data.From, fmt.Sprintf("done: %s", env.Data.Summary))
	state := c.store.Get()
	if state != nil && state.Callbacks.OnAgentDone != nil {
		state.Callbacks.OnAgentDone(env.Data.From, env.Data.Summary)
	}
	c.relayUp(message.RelayDone, env.Data.From, "", nil)
}

func (c *Controller) handleBlocker(env message.Envelope) {
	ok := c.store.UpdateAgentStatus(env.Data.From, swarmstate.StatusBlocked, func(r *swarmstate.AgentRecord) {
		r.BlockerDescription = env.Data.Description
	})
	if !ok {
		return
	}
	c.store.PushActivity(env.Data.From, fmt.Sprintf("blocked: %s", env.Data.Description))
	state := c.store.Get()
	if state != nil && state.Callbacks.OnBlocker != nil {
		state.Callbacks.OnBlocker(env.Data.From, env.Data.Description)
	}
	c.relayUp(message.RelayBlocked, env.Data.From, "", nil)
}

func (c *Controller) handleMessage(env message.Envelope) {
	rec := swarmstate.ChatRecord{
		From:      env.Data.From,
		Content:   env.Data.Content,
		Timestamp: time.Now(),
		To:        env.Data.To,
		Channel:   "general",
	}
	c.store.AppendMessage(rec)

	if env.Data.Progress != nil {
		c.store.MergeAgentFields(env.Data.From, func(r *swarmstate.AgentRecord) {
			r.ProgressPhase = env.Data.Progress.Phase
			r.ProgressPercent = env.Data.Progress.Percent
			r.ProgressDetail = env.Data.Progress.Detail
		})
		c.store.PushActivity(env.Data.From, fmt.Sprintf("%s: %s", env.Data.Progress.Phase, env.Data.Progress.Detail))
	}

	state := c.store.Get()
	if state != nil && state.Callbacks.OnMessage != nil {
		state.Callbacks.OnMessage(rec)
	}
	c.relayUp(message.RelayMessage, env.Data.From, env.Data.Content, nil)
}

// spawnAgent launches one agent via the configured backend, wires
// stdout/stderr consumption and exit handling (all generation-guarded),
// and tracks its handle for later signaling.
func (c *Controller) spawnAgent(gen uint64, def spawner.Definition) error {
	h, err := c.backend.Spawn(def)
	if err != nil {
		c.handleAgentExit(gen, def.Name, -1, err, "")
		return err
	}

	c.mu.Lock()
	c.handles[def.Name] = h
	c.mu.Unlock()

	tail := newStderrTail(stderrCap)
	drained := make(chan struct{})
	go func() {
		tail.drain(h.Stderr())
		close(drained)
	}()

	go func() {
		res := <-h.Done()
		<-drained // stderr closes no later than Done fires; wait so the tail is complete
		_ = c.backend.Cleanup(h)
		if c.store.IsStale(gen) {
			return
		}
		c.handleAgentExit(gen, def.Name, res.Code, res.Err, tail.String())
	}()

	return nil
}

// stderrTail retains at most cap trailing bytes of a child's stderr, for
// inclusion in a crash notification (spec.md §4.7/§8 scenario 4).
type stderrTail struct {
	mu  sync.Mutex
	cap int
	buf []byte
}

func newStderrTail(cap int) *stderrTail {
	return &stderrTail{cap: cap}
}

func (t *stderrTail) drain(ch <-chan []byte) {
	for chunk := range ch {
		t.mu.Lock()
		t.buf = append(t.buf, chunk...)
		if len(t.buf) > t.cap {
			t.buf = t.buf[len(t.buf)-t.cap:]
		}
		t.mu.Unlock()
	}
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// handleAgentExit applies spec.md §4.7's child-exit disposition: clean
// exit marks the agent done (a no-op if already done); a non-zero code
// or spawn failure marks it crashed and broadcasts agent_crashed, with
// the last stderrCap bytes of stderr attached.
func (c *Controller) handleAgentExit(gen uint64, name string, code int, execErr error, stderrTail string) {
	if c.store.IsStale(gen) {
		return
	}

	if code == 0 {
		c.store.UpdateAgentStatus(name, swarmstate.StatusDone, nil)
		return
	}

	c.store.UpdateAgentStatus(name, swarmstate.StatusCrashed, nil)

	c.mu.Lock()
	cl := c.clients[identity.ChannelGeneral]
	c.mu.Unlock()
	if cl != nil {
		errMsg := ""
		if execErr != nil {
			errMsg = execErr.Error()
		}
		_ = cl.Send(message.Envelope{
			Msg: fmt.Sprintf("agent_crashed: %s", name),
			Data: message.Data{
				Type:       message.TypeAgentCrashed,
				From:       "system",
				Agent:      name,
				ExitCode:   code,
				Error:      errMsg,
				StderrTail: stderrTail,
			},
		})
	}

	if c.notifier != nil {
		rec, _ := c.store.Agent(name)
		activity := "(no activity recorded)"
		if len(rec.Activity) > 0 {
			activity = strings.Join(rec.Activity, "\n")
		}
		c.notifier.Notify(fmt.Sprintf(
			"agent %s crashed (exit %d): %s\nlast activity:\n%s\nstderr:\n%s",
			name, code, execErr, activity, lastStderrBytes(stderrTail, crashNotifyStderrLimit),
		))
	}
}

// lastStderrBytes returns up to the trailing n bytes of s, used to keep
// a crash notification bounded to spec.md's 500-byte stderr allowance
// instead of dumping the whole in-memory tail.
func lastStderrBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
