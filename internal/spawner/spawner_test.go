package spawner

import (
	"strings"
	"testing"
	"time"
)

func TestMergeDefaultsInheritsMissingFields(t *testing.T) {
	def := Definition{Name: "a1", Model: "opus"}
	preset := &Preset{Model: "sonnet", Tools: []string{"bash"}, SystemPrompt: "be helpful"}

	merged := MergeDefaults(def, preset)
	if merged.Model != "opus" {
		t.Errorf("Model = %q, want inline value opus to win", merged.Model)
	}
	if len(merged.Tools) != 1 || merged.Tools[0] != "bash" {
		t.Errorf("Tools = %v, want inherited [bash]", merged.Tools)
	}
	if merged.SystemPrompt != "be helpful" {
		t.Errorf("SystemPrompt = %q, want inherited", merged.SystemPrompt)
	}
}

func TestEnvIncludesTaskDirOnlyForCoordinator(t *testing.T) {
	agentEnv := Env(Definition{Name: "a1", Role: RoleAgent, TaskDirPath: "/tmp/task"})
	if _, ok := agentEnv["PI_SWARM_TASK_DIR"]; ok {
		t.Error("expected PI_SWARM_TASK_DIR to be absent for a plain agent")
	}

	coordEnv := Env(Definition{Name: "c1", Role: RoleCoordinator, TaskDirPath: "/tmp/task"})
	if coordEnv["PI_SWARM_TASK_DIR"] != "/tmp/task" {
		t.Errorf("PI_SWARM_TASK_DIR = %q, want /tmp/task", coordEnv["PI_SWARM_TASK_DIR"])
	}
}

func TestEnvSubscribeListIncludesTopic(t *testing.T) {
	env := Env(Definition{Name: "a1", TopicChannel: "topic-outer"})
	if env["PI_CHANNELS_SUBSCRIBE"] != "general,topic-outer" {
		t.Errorf("subscribe = %q", env["PI_CHANNELS_SUBSCRIBE"])
	}

	env = Env(Definition{Name: "a1"})
	if env["PI_CHANNELS_SUBSCRIBE"] != "general" {
		t.Errorf("subscribe with no topic = %q, want general", env["PI_CHANNELS_SUBSCRIBE"])
	}
}

func TestArgsBuildsExpectedInvocation(t *testing.T) {
	def := Definition{Task: "fix the bug", Model: "opus", Tools: []string{"bash", "edit"}}
	args := Args(def, "/tmp/prompt.txt")
	joined := strings.Join(args, " ")

	for _, want := range []string{"--mode json", "-p", "--no-session", "--model opus", "--tools bash,edit", "--append-system-prompt /tmp/prompt.txt", "Task: fix the bug"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
}

func TestSanitizeChannelSuffix(t *testing.T) {
	if got := sanitize("Agent One"); got != "agent-one" {
		t.Errorf("sanitize = %q", got)
	}
}

func TestProcessBackendSpawnFailureYieldsCodeNegativeOne(t *testing.T) {
	b := NewProcessBackend("/nonexistent/definitely-not-a-binary")
	def := Definition{Name: "a1", Task: "noop", GroupPath: t.TempDir()}

	h, err := b.Spawn(def)
	if err != nil {
		t.Fatalf("Spawn returned an error instead of a failed handle: %v", err)
	}

	select {
	case res := <-h.Done():
		if res.Code != -1 {
			t.Errorf("exit code = %d, want -1 for a spawn failure", res.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for spawn-failure exit result")
	}
}

func TestProcessBackendSpawnAndCleanExit(t *testing.T) {
	b := NewProcessBackend("/bin/true")
	def := Definition{Name: "a1", Task: "noop", GroupPath: t.TempDir()}

	h, err := b.Spawn(def)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	select {
	case res := <-h.Done():
		if res.Code != 0 {
			t.Errorf("exit code = %d, want 0", res.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for clean exit")
	}

	if err := b.Cleanup(h); err != nil {
		t.Errorf("cleanup: %v", err)
	}
}
