// Package spawner builds and launches child agent process invocations,
// wires their environment, and tracks their stdout/stderr/exit status.
// The spec-mandated default is a bare OS process in its own process
// group (ProcessBackend); an optional ContainerBackend runs the same
// invocation inside a Docker container for callers that want
// filesystem/network isolation. Both implement Backend, so the
// lifecycle controller is backend-agnostic.
package spawner

import (
	"fmt"
	"strings"
)

// Role mirrors identity.Role for the subset of roles a spawned process
// can have.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleAgent       Role = "agent"
)

// Preset is a pre-defined agent config a Definition can inherit missing
// fields from, persisted by internal/registry.
type Preset struct {
	Name         string
	Role         Role
	Model        string
	Tools        []string
	SystemPrompt string
}

// Definition is the spawner's input: everything needed to build one
// child agent invocation.
type Definition struct {
	Name            string
	Role            Role
	Swarm           string
	Task            string
	Model           string
	Tools           []string
	SystemPrompt    string
	Cwd             string
	PreDefinedAgent string

	GroupPath    string // channel group directory
	TaskDirPath  string // root task directory; only meaningful for coordinators
	TopicChannel string // empty when the swarm has no topic channel

	// Secrets are decrypted vault values resolved by the caller (name ->
	// plaintext) to inject as additional environment variables; never
	// logged or round-tripped back through the store.
	Secrets map[string]string
}

// MergeDefaults applies preset onto def: Model, Tools and SystemPrompt
// left zero-valued on def inherit from preset, and any of them already
// set on def wins. Role and Name always come from def.
func MergeDefaults(def Definition, preset *Preset) Definition {
	if preset == nil {
		return def
	}
	if def.Model == "" {
		def.Model = preset.Model
	}
	if len(def.Tools) == 0 {
		def.Tools = preset.Tools
	}
	if def.SystemPrompt == "" {
		def.SystemPrompt = preset.SystemPrompt
	}
	return def
}

// Env builds the environment variable set described in spec.md §4.6/§6
// for a given definition.
func Env(def Definition) map[string]string {
	env := map[string]string{
		"PI_CHANNELS_GROUP":     def.GroupPath,
		"PI_CHANNELS_INBOX":     "inbox-" + sanitize(def.Name),
		"PI_CHANNELS_SUBSCRIBE": subscribeList(def.TopicChannel),
		"PI_CHANNELS_NAME":      def.Name,
		"PI_CHANNELS_TOPIC":     def.TopicChannel,
		"PI_SWARM_AGENT_NAME":   def.Name,
		"PI_SWARM_AGENT_ROLE":   string(def.Role),
		"PI_SWARM_AGENT_SWARM":  def.Swarm,
	}
	if def.Role == RoleCoordinator {
		env["PI_SWARM_TASK_DIR"] = def.TaskDirPath
	}
	for k, v := range def.Secrets {
		env[k] = v
	}
	return env
}

func subscribeList(topic string) string {
	if topic == "" {
		return "general"
	}
	return "general," + topic
}

func sanitize(name string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
			prevDash = r == '-'
			continue
		}
		if !prevDash {
			b.WriteRune('-')
			prevDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// Args builds the host agent binary's argument list per spec.md §4.6:
// --mode json -p --no-session [--model M] [--tools t1,t2,...]
// --append-system-prompt <tempfile> "Task: <task>".
func Args(def Definition, promptFile string) []string {
	args := []string{"--mode", "json", "-p", "--no-session"}
	if def.Model != "" {
		args = append(args, "--model", def.Model)
	}
	if len(def.Tools) > 0 {
		args = append(args, "--tools", strings.Join(def.Tools, ","))
	}
	args = append(args, "--append-system-prompt", promptFile, fmt.Sprintf("Task: %s", def.Task))
	return args
}

// ExitResult is the outcome of a spawned process, delivered once on
// Handle.Done(). Code -1 marks a spawn failure (the process never
// started), matching spec.md §4.7's treatment of exec failures; it is
// also reported when the process was ended by a signal or its exit
// status could not be read.
type ExitResult struct {
	Code int
	Err  error
}

// Signal is the closed set of signals a lifecycle controller sends to a
// Handle; backends map these onto their own termination primitives.
type Signal int

const (
	SignalTerm Signal = iota
	SignalKill
)

// Handle is a running (or just-exited) spawned agent, opaque to the
// lifecycle controller beyond the operations below.
type Handle interface {
	// Name is the agent name this handle was spawned for.
	Name() string
	// PID returns the OS process ID backing this handle, or 0 if the
	// backend has no such concept (a container handle always reports 0).
	PID() int
	// Signal delivers sig to the whole process group/container.
	Signal(sig Signal) error
	// Done yields exactly one ExitResult when the process terminates.
	Done() <-chan ExitResult
	// Stdout/Stderr streams, closed on process exit.
	Stdout() <-chan []byte
	Stderr() <-chan []byte
}

// Backend launches and supervises child agent invocations using a
// particular execution strategy (bare process, container, ...).
type Backend interface {
	// Spawn starts a new child agent and returns its handle.
	Spawn(def Definition) (Handle, error)
	// Cleanup releases any backend-owned resources (temp files,
	// containers) for a handle that has already exited.
	Cleanup(h Handle) error
}
