// Package config loads and persists the supervisor's mutable runtime
// configuration (config.json under the data root) and the model-tier
// routing table (routing.yaml). Runtime state is JSON; policy is YAML.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/coscontrol/cosd/internal/persistence"
)

// Config is the recognized option set of config.json. Zero values are
// replaced with defaults on load, so a partial file is valid.
type Config struct {
	EvaluationIntervalMs  int      `json:"evaluationIntervalMs"`
	HealthCheckIntervalMs int      `json:"healthCheckIntervalMs"`
	MaxConcurrentAgents   int      `json:"maxConcurrentAgents"`
	MaxProcessMemoryMb    int      `json:"maxProcessMemoryMb"`
	AutoStart             bool     `json:"autoStart"`
	UserTasksPath         string   `json:"userTasksPath"`
	InternalTasksPath     string   `json:"internalTasksPath"`
	DefaultAgentCommand   []string `json:"defaultAgentCommand"`
	GracefulTerminateMs   int      `json:"gracefulTerminateMs"`
	ShutdownDrainMs       int      `json:"shutdownDrainMs"`
	OutputBufferBytes     int      `json:"outputBufferBytes"`

	// AppCooldownBaseMs is the base per-app cooldown applied after a
	// failed run, before the learning multiplier.
	AppCooldownBaseMs int `json:"appCooldownBaseMs"`

	// NATSPort is the listen port of the embedded event-mirror server;
	// 0 asks the OS for a free port.
	NATSPort int `json:"natsPort"`
}

// Default returns the configuration the supervisor runs with when
// config.json is missing or partial.
func Default() Config {
	return Config{
		EvaluationIntervalMs:  60_000,
		HealthCheckIntervalMs: 900_000,
		MaxConcurrentAgents:   3,
		MaxProcessMemoryMb:    2048,
		AutoStart:             false,
		UserTasksPath:         "tasks/user.tasks",
		InternalTasksPath:     "tasks/internal.tasks",
		DefaultAgentCommand:   []string{"claude", "--model", "{model}", "--print", "--prompt-file", "{promptPath}"},
		GracefulTerminateMs:   10_000,
		ShutdownDrainMs:       30_000,
		OutputBufferBytes:     256 * 1024,
		AppCooldownBaseMs:     15 * 60 * 1000,
		NATSPort:              0,
	}
}

// Path returns the location of config.json under dataRoot.
func Path(dataRoot string) string {
	return filepath.Join(dataRoot, "cos", "config.json")
}

// Load reads config.json from dataRoot, filling any missing option with
// its default. A missing or malformed file yields Default().
func Load(dataRoot string, warn func(format string, args ...any)) Config {
	type onDisk struct {
		Config
		MaxConcurrentAgents *int `json:"maxConcurrentAgents"`
	}
	raw := persistence.ReadJSON(Path(dataRoot), onDisk{}, warn)

	cfg := raw.Config
	def := Default()
	if cfg.EvaluationIntervalMs <= 0 {
		cfg.EvaluationIntervalMs = def.EvaluationIntervalMs
	}
	if cfg.HealthCheckIntervalMs <= 0 {
		cfg.HealthCheckIntervalMs = def.HealthCheckIntervalMs
	}
	if raw.MaxConcurrentAgents == nil {
		cfg.MaxConcurrentAgents = def.MaxConcurrentAgents
	} else {
		cfg.MaxConcurrentAgents = *raw.MaxConcurrentAgents
	}
	if cfg.MaxConcurrentAgents < 0 {
		cfg.MaxConcurrentAgents = 0
	}
	if cfg.MaxProcessMemoryMb <= 0 {
		cfg.MaxProcessMemoryMb = def.MaxProcessMemoryMb
	}
	if cfg.UserTasksPath == "" {
		cfg.UserTasksPath = def.UserTasksPath
	}
	if cfg.InternalTasksPath == "" {
		cfg.InternalTasksPath = def.InternalTasksPath
	}
	if len(cfg.DefaultAgentCommand) == 0 {
		cfg.DefaultAgentCommand = def.DefaultAgentCommand
	}
	if cfg.GracefulTerminateMs <= 0 {
		cfg.GracefulTerminateMs = def.GracefulTerminateMs
	}
	if cfg.ShutdownDrainMs <= 0 {
		cfg.ShutdownDrainMs = def.ShutdownDrainMs
	}
	if cfg.OutputBufferBytes <= 0 {
		cfg.OutputBufferBytes = def.OutputBufferBytes
	}
	if cfg.AppCooldownBaseMs <= 0 {
		cfg.AppCooldownBaseMs = def.AppCooldownBaseMs
	}
	return cfg
}

// Save writes cfg to config.json under dataRoot, atomically.
func Save(dataRoot string, cfg Config) error {
	return persistence.WriteJSON(Path(dataRoot), cfg)
}

// Validate rejects option combinations that cannot work.
func (c Config) Validate() error {
	if c.MaxConcurrentAgents < 0 {
		return fmt.Errorf("maxConcurrentAgents must be >= 0")
	}
	if len(c.DefaultAgentCommand) == 0 {
		return fmt.Errorf("defaultAgentCommand must not be empty")
	}
	if c.UserTasksPath == c.InternalTasksPath {
		return fmt.Errorf("userTasksPath and internalTasksPath must differ")
	}
	return nil
}

// ExpandCommand substitutes {promptPath}, {workspace}, and {model} in
// the argv template literally, never through a shell.
func (c Config) ExpandCommand(promptPath, workspace, model string) []string {
	out := make([]string, len(c.DefaultAgentCommand))
	for i, arg := range c.DefaultAgentCommand {
		arg = strings.ReplaceAll(arg, "{promptPath}", promptPath)
		arg = strings.ReplaceAll(arg, "{workspace}", workspace)
		arg = strings.ReplaceAll(arg, "{model}", model)
		out[i] = arg
	}
	return out
}
