// Package message defines the wire-level envelope every channel carries
// and the closed set of data.type discriminators from spec.md §3/§6.
package message

import "encoding/json"

// Type is the closed set of data.type discriminators.
type Type string

const (
	TypeRegister     Type = "register"
	TypeDone         Type = "done"
	TypeBlocker      Type = "blocker"
	TypeMessage      Type = "message"
	TypeInstruct     Type = "instruct"
	TypeRelay        Type = "relay"
	TypeProgress     Type = "progress"
	TypeAgentCrashed Type = "agent_crashed"
)

// RelayEvent is the closed set of event kinds a relay envelope can
// carry, from spec.md §4.8.
type RelayEvent string

const (
	RelayRegister     RelayEvent = "register"
	RelayDone         RelayEvent = "done"
	RelayBlocked      RelayEvent = "blocked"
	RelayDisconnected RelayEvent = "disconnected"
	RelayMessage      RelayEvent = "message"
)

// Progress is the optional phase/percent/detail payload carried by
// message and progress envelopes.
type Progress struct {
	Phase   string `json:"phase,omitempty"`
	Percent int    `json:"percent,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Relay is the payload of a relay envelope: an event forwarded unchanged
// from a coordinator's nested swarm up to its parent queen.
type Relay struct {
	Event RelayEvent `json:"event"`
	Name  string     `json:"name"`
	Role  string     `json:"role"`
	Swarm string     `json:"swarm,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

// Data is the untyped payload carried inside an envelope, deliberately
// loose (mapping of string to untyped value per spec.md §3) so callers
// can decode only the fields relevant to data.type.
type Data struct {
	Type Type `json:"type"`

	From  string `json:"from,omitempty"`
	Role  string `json:"role,omitempty"`
	Swarm string `json:"swarm,omitempty"`
	To    string `json:"to,omitempty"`

	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content,omitempty"`
	Instruction string `json:"instruction,omitempty"`

	Phase   string `json:"phase,omitempty"`
	Percent int     `json:"percent,omitempty"`
	Detail  string `json:"detail,omitempty"`

	Progress *Progress `json:"progress,omitempty"`
	Relay    *Relay    `json:"relay,omitempty"`

	Agent        string   `json:"agent,omitempty"`
	ExitCode     int      `json:"exitCode,omitempty"`
	LastActivity []string `json:"lastActivity,omitempty"`
	Error        string   `json:"error,omitempty"`
	StderrTail   string   `json:"stderrTail,omitempty"`
}

// Envelope is the outer wire-level message: a short human-readable label
// plus the typed payload.
type Envelope struct {
	Msg  string `json:"msg"`
	Data Data   `json:"data"`
}

// Decode unmarshals a raw frame into an Envelope.
func Decode(raw json.RawMessage) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(raw, &env)
	return env, err
}
