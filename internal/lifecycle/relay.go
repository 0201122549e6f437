package lifecycle

import (
	"github.com/mtzanidakis/queen/internal/message"
	"github.com/mtzanidakis/queen/internal/swarmstate"
)

// handleRelay implements spec.md §4.8: a relay envelope reports an event
// from a sub-agent of one of this queen's own coordinators. If the
// sub-agent isn't yet tracked, a synthesized record is inserted; the
// matching status update is applied; and, if this queen itself has a
// parent, the envelope is forwarded unchanged.
func (c *Controller) handleRelay(env message.Envelope) {
	rel := env.Data.Relay
	if rel == nil {
		return
	}

	state := c.store.Get()
	if state == nil {
		return
	}

	if _, ok := state.Agents[rel.Name]; !ok {
		c.store.AddAgent(&swarmstate.AgentRecord{
			Name:   rel.Name,
			Role:   swarmstate.Role(rel.Role),
			Swarm:  rel.Swarm,
			Task:   "(sub-agent)",
			Status: statusForRelayEvent(rel.Event),
		})
	} else {
		applyRelayTransition(c.store, rel)
	}

	c.passthrough(env)
}

// statusForRelayEvent is only used when synthesizing a brand-new record
// for an unknown sub-agent, where there is no prior status to validate
// a transition against.
func statusForRelayEvent(event message.RelayEvent) swarmstate.AgentStatus {
	switch event {
	case message.RelayRegister:
		return swarmstate.StatusRunning
	case message.RelayDone:
		return swarmstate.StatusDone
	case message.RelayBlocked:
		return swarmstate.StatusBlocked
	case message.RelayDisconnected:
		return swarmstate.StatusDisconnected
	default:
		return swarmstate.StatusStarting
	}
}

// applyRelayTransition updates an already-tracked sub-agent's status to
// match the relay event. A "message" event never changes status.
func applyRelayTransition(store *swarmstate.Store, rel *message.Relay) {
	switch rel.Event {
	case message.RelayRegister:
		store.UpdateAgentStatus(rel.Name, swarmstate.StatusRunning, nil)
	case message.RelayDone:
		store.UpdateAgentStatus(rel.Name, swarmstate.StatusDone, nil)
	case message.RelayBlocked:
		store.UpdateAgentStatus(rel.Name, swarmstate.StatusBlocked, nil)
	case message.RelayDisconnected:
		store.UpdateAgentStatus(rel.Name, swarmstate.StatusDisconnected, nil)
	case message.RelayMessage:
		// no status change
	}
}

// passthrough forwards a relay envelope unchanged to this queen's own
// parent, if it has one. This is what gives arbitrary-depth hierarchies
// their observability: each level forwards everything it learns from
// below.
func (c *Controller) passthrough(env message.Envelope) {
	if c.parent == nil {
		return
	}
	c.parent.send(env)
}

// relayUp builds and forwards a relay envelope for an event this queen
// itself just observed from one of its own direct agents, so its own
// parent (if any) learns about it too. extra carries event-specific
// payload fields (e.g. message content).
func (c *Controller) relayUp(event message.RelayEvent, name, content string, extra map[string]any) {
	if c.parent == nil {
		return
	}

	rec, ok := c.store.Agent(name)
	role := ""
	swarm := c.parent.Swarm
	if ok {
		role = string(rec.Role)
		swarm = rec.Swarm
	}

	if extra == nil && content != "" {
		extra = map[string]any{"content": content}
	}

	env := message.Envelope{
		Msg: "relay: " + string(event),
		Data: message.Data{
			Type: message.TypeRelay,
			From: c.selfName(),
			Relay: &message.Relay{
				Event: event,
				Name:  name,
				Role:  role,
				Swarm: swarm,
				Extra: extra,
			},
		},
	}
	c.parent.send(env)
}
