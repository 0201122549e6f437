// Package config loads the queen process's YAML configuration, layers
// environment-variable overrides on top, and supports a SIGHUP-triggered
// reload (see cmd/queen's watchConfigFile/reloadConfig).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Notify    NotifyConfig            `yaml:"notify"`
	Defaults  DefaultsConfig          `yaml:"defaults"`
	Presets   map[string]PresetConfig `yaml:"presets"`
	Bridge    BridgeConfig            `yaml:"bridge"`
	Scheduler SchedulerConfig         `yaml:"scheduler"`
	Vault     VaultConfig             `yaml:"vault"`
	Store     StoreConfig             `yaml:"store"`
}

// NotifyConfig configures the optional Telegram notification sink
// (internal/notify). When TelegramToken is set, notifications go to
// ChatID instead of the log sink cmd/queen uses otherwise.
type NotifyConfig struct {
	TelegramToken string `yaml:"telegram_token"`
	ChatID        int64  `yaml:"chat_id"`
}

// DefaultsConfig selects the spawn backend and its settings (Backend,
// Image, BinaryPath, ChannelBaseDir, AnthropicAPIKey). Model and
// SpawnTimeout are loaded and diffed but not applied to spawned agents.
type DefaultsConfig struct {
	Model           string        `yaml:"model"`
	Backend         string        `yaml:"backend"` // "process" or "container"
	Image           string        `yaml:"image"`    // container backend only
	SpawnTimeout    time.Duration `yaml:"spawn_timeout"`
	AnthropicAPIKey string        `yaml:"anthropic_api_key"`
	BinaryPath      string        `yaml:"binary_path"`     // process backend only; defaults to "pi"
	ChannelBaseDir  string        `yaml:"channel_base_dir"` // root directory channel groups are created under
}

// PresetConfig is one named entry of the presets map; internal/registry
// persists these and a spawner.Definition inherits its missing fields
// from the resolved preset (spec.md §4.6).
type PresetConfig struct {
	Role         string   `yaml:"role"`
	Model        string   `yaml:"model"`
	Tools        []string `yaml:"tools"`
	SystemPrompt string   `yaml:"system_prompt"`
}

// BridgeConfig configures the optional cross-host relay (C9, internal/bridge).
// Enabled controls only the embedded Hub: a queen with Enabled false
// never starts one. PeerURL is dialed as the parent link whenever it is
// non-empty, whatever Enabled says.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
	PeerURL string `yaml:"peer_url"` // remote Hub to relay to; empty means no bridge parent link
	// ParentSwarm is the swarm id this queen relays up to when it is
	// itself a coordinator whose parent is only reachable through
	// PeerURL (no local channel socket to it). Ignored when PeerURL
	// is empty.
	ParentSwarm string `yaml:"parent_swarm"`
}

// SchedulerConfig configures internal/scheduler's poll loop for
// cron-scheduled swarm kickoffs (C11).
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// VaultConfig supplies the passphrase internal/vault derives its
// encryption key from. Non-reloadable: changing it without re-encrypting
// existing secret rows would make them undecryptable.
type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

// StoreConfig points at the SQLite database file backing internal/store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

func defaults() Config {
	return Config{
		Defaults: DefaultsConfig{
			Model:          "claude-opus-4-6",
			Backend:        "process",
			Image:          "queen-agent:latest",
			SpawnTimeout:   5 * time.Minute,
			ChannelBaseDir: "/tmp/queen-swarm",
		},
		Bridge: BridgeConfig{
			Port: 4222,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Store: StoreConfig{
			Path: "data/queen.db",
		},
	}
}

// Path returns the config file path Load() reads from, used by the
// config file watcher to know what to stat.
func Path() string {
	if p := os.Getenv("QUEEN_CONFIG"); p != "" {
		return p
	}
	return "config/queen.yaml"
}

func Load() (*Config, error) {
	cfg := defaults()

	path := Path()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file: defaults + env only.
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Defaults.Backend != "process" && cfg.Defaults.Backend != "container" {
		return fmt.Errorf("defaults.backend must be 'process' or 'container', got %q", cfg.Defaults.Backend)
	}
	for name, p := range cfg.Presets {
		if p.Role != "coordinator" && p.Role != "agent" {
			return fmt.Errorf("preset %q: role must be 'coordinator' or 'agent', got %q", name, p.Role)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("QUEEN_TELEGRAM_TOKEN"); v != "" {
		cfg.Notify.TelegramToken = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Defaults.AnthropicAPIKey = v
	}
	if v := os.Getenv("QUEEN_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("QUEEN_BRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.Port = port
		}
	}
	if v := os.Getenv("QUEEN_MODEL"); v != "" {
		cfg.Defaults.Model = v
	}
}
