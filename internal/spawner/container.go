package spawner

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	containerLabel = "queen.managed"
	bridgeNetwork  = "queen-net"
)

// ContainerBackend is an alternate Backend that runs each agent
// inside its own Docker container on a shared bridge network instead of
// a bare OS process, adapted from the same lifecycle praktor used to
// run agent containers. "Process group" semantics map onto container
// lifecycle: SIGTERM becomes a graceful ContainerStop, SIGKILL becomes a
// forced ContainerRemove.
type ContainerBackend struct {
	docker *client.Client
	Image  string

	mu          sync.Mutex
	networkName string
}

// NewContainerBackend connects to the local Docker daemon using the
// ambient environment (DOCKER_HOST, etc.) and returns a backend that
// launches agent containers from image.
func NewContainerBackend(image string) (*ContainerBackend, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("spawner: docker client: %w", err)
	}
	return &ContainerBackend{docker: docker, Image: image}, nil
}

func (b *ContainerBackend) ensureNetwork(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.networkName != "" {
		return nil
	}

	if _, err := b.docker.NetworkInspect(ctx, bridgeNetwork, network.InspectOptions{}); err == nil {
		b.networkName = bridgeNetwork
		return nil
	}

	if _, err := b.docker.NetworkCreate(ctx, bridgeNetwork, network.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("spawner: create network %s: %w", bridgeNetwork, err)
	}
	b.networkName = bridgeNetwork
	slog.Info("created docker network", "network", bridgeNetwork)
	return nil
}

type containerHandle struct {
	name        string
	containerID string
	docker      *client.Client

	done   chan ExitResult
	stdout chan []byte
	stderr chan []byte
}

func (h *containerHandle) Name() string            { return h.name }
func (h *containerHandle) PID() int                { return 0 }
func (h *containerHandle) Done() <-chan ExitResult { return h.done }
func (h *containerHandle) Stdout() <-chan []byte   { return h.stdout }
func (h *containerHandle) Stderr() <-chan []byte   { return h.stderr }

// Signal maps SIGTERM onto a graceful ContainerStop (10 s grace period)
// and SIGKILL onto ContainerRemove --force.
func (h *containerHandle) Signal(sig Signal) error {
	ctx := context.Background()
	if sig == SignalKill {
		return h.docker.ContainerRemove(ctx, h.containerID, dockercontainer.RemoveOptions{Force: true})
	}
	timeout := 10
	return h.docker.ContainerStop(ctx, h.containerID, dockercontainer.StopOptions{Timeout: &timeout})
}

// Spawn creates and starts a container for def, with the same PI_*
// environment a ProcessBackend would set, plus the group directory
// bind-mounted so the container's channel client can dial the Unix
// sockets on the host's filesystem namespace.
func (b *ContainerBackend) Spawn(def Definition) (Handle, error) {
	ctx := context.Background()
	if err := b.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	containerName := fmt.Sprintf("queen-agent-%s", sanitize(def.Name))
	timeout := 5
	_ = b.docker.ContainerStop(ctx, containerName, dockercontainer.StopOptions{Timeout: &timeout})
	_ = b.docker.ContainerRemove(ctx, containerName, dockercontainer.RemoveOptions{Force: true})

	env := make([]string, 0, 8)
	for k, v := range Env(def) {
		env = append(env, k+"="+v)
	}
	if def.Model != "" {
		env = append(env, "PI_MODEL="+def.Model)
	}
	if len(def.Tools) > 0 {
		env = append(env, "PI_TOOLS="+strings.Join(def.Tools, ","))
	}

	containerCfg := &dockercontainer.Config{
		Image:  b.Image,
		Env:    env,
		Labels: map[string]string{containerLabel: "true", "queen.agent": def.Name},
		Cmd:    []string{"Task: " + def.Task},
	}
	hostCfg := &dockercontainer.HostConfig{
		Binds:       []string{def.GroupPath + ":" + def.GroupPath},
		NetworkMode: dockercontainer.NetworkMode(b.networkName),
	}

	resp, err := b.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("spawner: create container: %w", err)
	}

	if err := b.copySystemPrompt(ctx, resp.ID, def.SystemPrompt); err != nil {
		_ = b.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, fmt.Errorf("spawner: copy system prompt: %w", err)
	}

	h := &containerHandle{
		name:        def.Name,
		containerID: resp.ID,
		docker:      b.docker,
		done:        make(chan ExitResult, 1),
		stdout:      make(chan []byte, 32),
		stderr:      make(chan []byte, 32),
	}

	if err := b.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		close(h.stdout)
		close(h.stderr)
		h.done <- ExitResult{Code: -1, Err: err}
		return h, nil
	}

	go b.streamLogs(resp.ID, h)
	go b.waitExit(resp.ID, h)

	slog.Info("agent container started", "agent", def.Name, "container", resp.ID[:12])
	return h, nil
}

func (b *ContainerBackend) copySystemPrompt(ctx context.Context, containerID, prompt string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	content := []byte(prompt)
	if err := tw.WriteHeader(&tar.Header{
		Name: "system-prompt.txt",
		Mode: 0o600,
		Size: int64(len(content)),
	}); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	return b.docker.CopyToContainer(ctx, containerID, "/", &buf, dockercontainer.CopyToContainerOptions{})
}

func (b *ContainerBackend) streamLogs(containerID string, h *containerHandle) {
	defer close(h.stdout)
	defer close(h.stderr)

	ctx := context.Background()
	out, err := b.docker.ContainerLogs(ctx, containerID, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return
	}
	defer out.Close()

	buf := make([]byte, 4096)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			line := make([]byte, n)
			copy(line, buf[:n])
			h.stdout <- line
		}
		if err != nil {
			return
		}
	}
}

func (b *ContainerBackend) waitExit(containerID string, h *containerHandle) {
	ctx := context.Background()
	statusCh, errCh := b.docker.ContainerWait(ctx, containerID, dockercontainer.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		h.done <- ExitResult{Code: -1, Err: err}
	case status := <-statusCh:
		h.done <- ExitResult{Code: int(status.StatusCode)}
	}
}

// Cleanup removes the agent's container if it is still present.
func (b *ContainerBackend) Cleanup(handle Handle) error {
	ch, ok := handle.(*containerHandle)
	if !ok {
		return fmt.Errorf("spawner: not a container handle")
	}
	ctx := context.Background()
	if err := b.docker.ContainerRemove(ctx, ch.containerID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove agent container", "container", ch.containerID, "error", err)
	}
	return nil
}

