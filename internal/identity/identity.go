// Package identity encodes the role model and the reachability predicate
// that governs which processes may address which other processes, plus
// the receiver-side filtering every inbound message passes through.
package identity

import (
	"regexp"
	"strings"
)

// Role is the closed set of process roles in a swarm hierarchy.
type Role string

const (
	RoleQueen       Role = "queen"
	RoleCoordinator Role = "coordinator"
	RoleAgent       Role = "agent"
)

// Identity is the immutable per-process identity: a process-wide unique
// name, its role, and the swarm it belongs to (required for coordinator
// and agent, absent for queen).
type Identity struct {
	Name  string
	Role  Role
	Swarm string
}

// CanReach implements the role-based reachability table: queen reaches
// anyone; a coordinator reaches any queen or coordinator and same-swarm
// agents; an agent reaches same-swarm agents and coordinators, never a
// queen.
func CanReach(from, to Identity) bool {
	switch from.Role {
	case RoleQueen:
		return true
	case RoleCoordinator:
		switch to.Role {
		case RoleQueen, RoleCoordinator:
			return true
		case RoleAgent:
			return to.Swarm == from.Swarm
		default:
			return false
		}
	case RoleAgent:
		switch to.Role {
		case RoleAgent, RoleCoordinator:
			return to.Swarm == from.Swarm
		default:
			return false
		}
	default:
		return false
	}
}

// Recipient is anything identifiable enough to be matched against a
// message's explicit to/swarm targeting and the reachability predicate.
type Recipient interface {
	Identity() Identity
}

// GetRecipients derives the set of clients that should receive message
// from the sender, in the order: explicit data.to wins, then explicit
// data.swarm, then every reachable client. The sender itself is always
// excluded.
func GetRecipients[T Recipient](from Identity, to, swarm string, clients []T) []T {
	var out []T
	for _, c := range clients {
		id := c.Identity()
		if id.Name == from.Name {
			continue
		}
		if to != "" {
			if id.Name == to && CanReach(from, id) {
				out = append(out, c)
			}
			continue
		}
		if swarm != "" {
			if id.Swarm == swarm && CanReach(from, id) {
				out = append(out, c)
			}
			continue
		}
		if CanReach(from, id) {
			out = append(out, c)
		}
	}
	return out
}

// InboundMessage is the minimal shape ShouldProcess needs from a decoded
// message envelope's data fields.
type InboundMessage struct {
	Type  string
	From  string
	To    string
	Swarm string
}

// ShouldProcess applies receiver-side filtering: a missing type is
// rejected, a self-echoed message is rejected, an instruct message
// scoped to a different swarm is rejected, and any message explicitly
// addressed to someone else is rejected. Only instruct is swarm-scoped;
// every other type passes the swarm check regardless of data.swarm.
func ShouldProcess(msg InboundMessage, myName, mySwarm string) bool {
	if msg.Type == "" {
		return false
	}
	if msg.From == myName {
		return false
	}
	if msg.Type == "instruct" && msg.Swarm != "" && msg.Swarm != mySwarm {
		return false
	}
	if msg.To != "" && msg.To != myName {
		return false
	}
	return true
}

var sanitizeRunPattern = regexp.MustCompile(`[^a-zA-Z0-9.-]+`)

// SanitizeChannelName replaces runs of non-alphanumeric characters
// (excluding '.' and '-') with a single '-', strips leading/trailing
// '-', and lowercases the result. Used to derive inbox-<name> and
// topic-<swarm> channel names.
func SanitizeChannelName(s string) string {
	s = sanitizeRunPattern.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	return strings.ToLower(s)
}

// InboxChannel returns the well-known inbox channel name for an agent.
func InboxChannel(name string) string {
	return "inbox-" + SanitizeChannelName(name)
}

// TopicChannel returns the well-known topic channel name for a swarm.
func TopicChannel(swarm string) string {
	return "topic-" + SanitizeChannelName(swarm)
}

const (
	// ChannelGeneral is the well-known broadcast channel every process
	// in a channel group joins.
	ChannelGeneral = "general"
	// ChannelInboxQueen is the well-known channel only the queen reads
	// registration, done, and blocker reports from.
	ChannelInboxQueen = "inbox-queen"
)
