package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mtzanidakis/queen/internal/bridge"
	"github.com/mtzanidakis/queen/internal/config"
	"github.com/mtzanidakis/queen/internal/identity"
	"github.com/mtzanidakis/queen/internal/lifecycle"
	"github.com/mtzanidakis/queen/internal/notify"
	"github.com/mtzanidakis/queen/internal/registry"
	"github.com/mtzanidakis/queen/internal/scheduler"
	"github.com/mtzanidakis/queen/internal/spawner"
	"github.com/mtzanidakis/queen/internal/store"
	"github.com/mtzanidakis/queen/internal/swarmstate"
	"github.com/mtzanidakis/queen/internal/vault"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("queen %s\n", version)
	case "run":
		if err := runQueen(os.Args[2:]); err != nil {
			slog.Error("queen run failed", "error", err)
			os.Exit(1)
		}
	case "vault":
		if err := runVault(os.Args[2:]); err != nil {
			slog.Error("vault command failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: queen <command>\n\nCommands:\n  run        Start the queen process\n  vault      Manage encrypted secrets\n  version    Print version\n")
}

// agentFlag collects repeated -agent name=role[:model[:preset]] flags into AgentSpecs.
type agentFlag struct {
	specs []lifecycle.AgentSpec
}

func (a *agentFlag) String() string { return "" }

func (a *agentFlag) Set(v string) error {
	// name=role[:model[:preset]]
	eq := strings.Index(v, "=")
	if eq < 0 {
		return fmt.Errorf("expected name=role[:model[:preset]], got %q", v)
	}
	name := v[:eq]
	rest := strings.Split(v[eq+1:], ":")

	role := swarmstate.RoleAgent
	if rest[0] == "coordinator" {
		role = swarmstate.RoleCoordinator
	}

	spec := lifecycle.AgentSpec{Name: name, Role: role}
	if len(rest) > 1 {
		spec.Model = rest[1]
	}
	if len(rest) > 2 {
		spec.PreDefinedAgent = rest[2]
	}
	a.specs = append(a.specs, spec)
	return nil
}

func runQueen(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	task := fs.String("task", "", "initial swarm task; if set, a swarm starts immediately")
	taskDir := fs.String("task-dir", "", "task directory shared with a coordinator's nested swarm")
	var agents agentFlag
	fs.Var(&agents, "agent", "repeatable: name=role[:model[:preset]]")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("starting queen", "version", version, "backend", cfg.Defaults.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	reg := registry.New(db)
	if err := reg.Sync(presetsFromConfig(cfg)); err != nil {
		return fmt.Errorf("sync registry: %w", err)
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		return fmt.Errorf("init spawn backend: %w", err)
	}

	if cfg.Defaults.AnthropicAPIKey != "" {
		os.Setenv("ANTHROPIC_API_KEY", cfg.Defaults.AnthropicAPIKey)
	}

	notifier := buildNotifier(cfg)

	self := identity.Identity{Name: "queen", Role: identity.RoleQueen}

	var parent *lifecycle.ParentLink
	if cfg.Bridge.PeerURL != "" {
		peer, err := bridge.Dial(cfg.Bridge.PeerURL)
		if err != nil {
			return fmt.Errorf("dial bridge parent %s: %w", cfg.Bridge.PeerURL, err)
		}
		defer peer.Close()
		parent = &lifecycle.ParentLink{Peer: peer, Swarm: cfg.Bridge.ParentSwarm}
		slog.Info("bridge parent link dialed", "url", cfg.Bridge.PeerURL, "parent_swarm", cfg.Bridge.ParentSwarm)
	}

	ctrl := lifecycle.New(swarmstate.NewStore(), backend, cfg.Defaults.ChannelBaseDir, notifier, parent, self)

	if cfg.Vault.Passphrase != "" {
		v := vault.New(cfg.Vault.Passphrase)
		secrets, err := decryptAllSecrets(db, v)
		if err != nil {
			return fmt.Errorf("decrypt secrets: %w", err)
		}
		ctrl.SetSecrets(secrets)
		slog.Info("vault secrets loaded", "count", len(secrets))
	}

	var hub *bridge.Hub
	if cfg.Bridge.Enabled {
		hub, err = bridge.NewHub(bridge.HubConfig{Port: cfg.Bridge.Port, DataDir: cfg.Bridge.DataDir})
		if err != nil {
			return fmt.Errorf("start bridge hub: %w", err)
		}
		defer hub.Close()
		ctrl.SetHub(hub)
		slog.Info("bridge hub started", "port", hub.Port())
	}

	sched := scheduler.New(db, ctrl, reg, cfg.Scheduler.PollInterval)
	go sched.Start(ctx)

	if *task != "" {
		req := lifecycle.StartRequest{
			Agents:      agents.specs,
			TaskDirPath: *taskDir,
			PresetLookup: func(name string) (spawner.Preset, bool) {
				p, err := reg.Resolve(name)
				if err != nil || p == nil {
					return spawner.Preset{}, false
				}
				return *p, true
			},
		}
		for i := range req.Agents {
			if req.Agents[i].Task == "" {
				req.Agents[i].Task = *task
			}
		}
		if len(req.Agents) == 0 {
			req.Agents = []lifecycle.AgentSpec{{Name: "agent-1", Role: swarmstate.RoleAgent, Task: *task}}
		}
		if err := ctrl.StartSwarm(req); err != nil {
			return fmt.Errorf("start initial swarm: %w", err)
		}
		slog.Info("initial swarm started", "agents", len(req.Agents))
	}

	reloadCh := make(chan struct{}, 1)
	go watchConfigFile(ctx, config.Path(), reloadCh)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	currentCfg := cfg
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, reloading config")
			} else {
				slog.Info("shutting down", "signal", sig)
				cancel()
				return nil
			}
		case <-reloadCh:
			slog.Info("config file changed, reloading")
		case <-ctx.Done():
			return nil
		}

		updated, err := reloadConfig(currentCfg, reg, sched)
		if err != nil {
			slog.Error("config reload failed", "error", err)
			continue
		}
		currentCfg = updated
	}
}

func presetsFromConfig(cfg *config.Config) map[string]spawner.Preset {
	out := make(map[string]spawner.Preset, len(cfg.Presets))
	for name, p := range cfg.Presets {
		out[name] = spawner.Preset{
			Name:         name,
			Role:         spawner.Role(p.Role),
			Model:        p.Model,
			Tools:        p.Tools,
			SystemPrompt: p.SystemPrompt,
		}
	}
	return out
}

func buildBackend(cfg *config.Config) (spawner.Backend, error) {
	switch cfg.Defaults.Backend {
	case "container":
		return spawner.NewContainerBackend(cfg.Defaults.Image)
	default:
		return spawner.NewProcessBackend(cfg.Defaults.BinaryPath), nil
	}
}

func buildNotifier(cfg *config.Config) *notify.Buffer {
	var sink notify.Sink = logSink{}
	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegramSink(cfg.Notify.TelegramToken, cfg.Notify.ChatID)
		if err != nil {
			slog.Error("failed to init telegram notifier, falling back to logs", "error", err)
		} else {
			sink = tg
		}
	}
	return notify.NewBuffer(sink)
}

// logSink is the fallback notification sink: a structured log line,
// used when no Telegram token is configured or the Telegram sink fails
// to initialise.
type logSink struct{}

func (logSink) Notify(msg string) { slog.Info("notification", "message", msg) }

// watchConfigFile polls the config file mtime every 3s; when it changes,
// computes a SHA-256 hash to confirm actual content change before signalling.
func watchConfigFile(ctx context.Context, path string, reloadCh chan<- struct{}) {
	info, err := os.Stat(path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file, watcher disabled", "path", path, "error", err)
		return
	}
	lastMod := info.ModTime()
	lastHash, err := hashFile(path)
	if err != nil {
		slog.Warn("config watcher: cannot read file, watcher disabled", "path", path, "error", err)
		return
	}
	slog.Info("config watcher started", "path", path)

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			mod := info.ModTime()
			if !mod.After(lastMod) {
				continue
			}
			lastMod = mod

			h, err := hashFile(path)
			if err != nil {
				continue
			}
			if h == lastHash {
				continue
			}
			lastHash = h

			select {
			case reloadCh <- struct{}{}:
			default:
			}
		}
	}
}

func hashFile(path string) ([sha256.Size]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(data), nil
}

func reloadConfig(oldCfg *config.Config, reg *registry.Registry, sched *scheduler.Scheduler) (*config.Config, error) {
	newCfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	diff := config.Diff(oldCfg, newCfg)

	for _, field := range diff.NonReloadable {
		slog.Warn("config field changed but requires restart", "field", field)
	}

	if !diff.HasChanges() {
		slog.Info("config reload: no reloadable changes detected")
		return newCfg, nil
	}

	if len(diff.PresetsAdded) > 0 || len(diff.PresetsRemoved) > 0 || len(diff.PresetsChanged) > 0 {
		if err := reg.Sync(presetsFromConfig(newCfg)); err != nil {
			return nil, fmt.Errorf("sync registry: %w", err)
		}
		slog.Info("registry updated",
			"added", diff.PresetsAdded,
			"removed", diff.PresetsRemoved,
			"changed", diff.PresetsChanged,
		)
	}

	if diff.SchedulerChanged {
		sched.UpdateConfig(newCfg.Scheduler.PollInterval)
		slog.Info("scheduler config updated", "poll_interval", newCfg.Scheduler.PollInterval)
	}

	slog.Info("config reload complete")
	return newCfg, nil
}
