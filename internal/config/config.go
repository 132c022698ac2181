// Package config loads and manages caco daemon configuration.
// Configuration source priority (highest to lowest):
// 1. CLI flags (--listen, --data-dir, --agent)
// 2. Environment variables (CACO_LISTEN, CACO_DATA_DIR, CACO_AGENT, OPENAI_API_KEY, etc.)
// 3. Config file path specified via --config flag
// 4. ~/.config/caco/config.yaml
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/icksaur/caco/internal/guard"
	"github.com/icksaur/caco/internal/summarize"
)

// AgentConfig describes how agent subprocesses are launched.
type AgentConfig struct {
	// Command is the agent executable. Looked up on PATH when not absolute.
	Command string `yaml:"command"`

	// Args are extra arguments passed before the per-session flags.
	Args []string `yaml:"args"`

	// SystemPrompt is passed to every new session. Empty omits the flag.
	SystemPrompt string `yaml:"system_prompt"`
}

// GuardConfig holds delegation guard settings. Two limit profiles ship with
// different defaults; Profile selects which one governs dispatches.
type GuardConfig struct {
	// Profile: "delegation" (default) | "automation"
	Profile string `yaml:"profile"`

	// Delegation tunes the interactive profile. Zero fields keep defaults.
	Delegation guard.Limits `yaml:"delegation"`

	// Automation tunes the scheduled-flow profile. Zero fields keep defaults.
	Automation guard.Limits `yaml:"automation"`
}

// Config is the complete configuration structure for caco.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// DataDir overrides where transcripts and metadata live.
	// Empty = first writable of $CACO_DATA_DIR, ~/.local/share/caco, $TMPDIR/caco.
	DataDir string `yaml:"data_dir"`

	// Agent holds subprocess launch settings.
	Agent AgentConfig `yaml:"agent"`

	// TurnTimeout abandons a turn when the agent produces no terminal event
	// within this window. 0 = 10 minutes.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// DeleteTimeout bounds the cleanup subprocess run when deleting an
	// inactive session. 0 = 30 seconds.
	DeleteTimeout time.Duration `yaml:"delete_timeout"`

	// Guard holds delegation guard settings.
	Guard GuardConfig `yaml:"guard"`

	// Summarize holds intent summarizer provider settings.
	Summarize summarize.Config `yaml:"summarize"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen: "127.0.0.1:8420",
		Agent: AgentConfig{
			Command: "agent",
		},
		TurnTimeout:   10 * time.Minute,
		DeleteTimeout: 30 * time.Second,
		Guard: GuardConfig{
			Profile: "delegation",
		},
	}
}

// Load reads the config file and merges environment variable overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Determine config file path
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			configPath = filepath.Join(home, ".config", "caco", "config.yaml")
		}
	}

	// Read config file (use defaults if not found)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ActiveLimits returns the guard limits selected by Guard.Profile, with the
// profile's defaults filled in for fields the config left zero.
func (c *Config) ActiveLimits() guard.Limits {
	if strings.EqualFold(c.Guard.Profile, "automation") {
		return mergeLimits(c.Guard.Automation, guard.AutomationLimits)
	}
	return mergeLimits(c.Guard.Delegation, guard.DelegationLimits)
}

func mergeLimits(override, base guard.Limits) guard.Limits {
	if override.MaxDepth > 0 {
		base.MaxDepth = override.MaxDepth
	}
	if override.MaxDuration > 0 {
		base.MaxDuration = override.MaxDuration
	}
	if override.RateWindow > 0 {
		base.RateWindow = override.RateWindow
	}
	if override.MaxCalls > 0 {
		base.MaxCalls = override.MaxCalls
	}
	if override.FlowExpiry > 0 {
		base.FlowExpiry = override.FlowExpiry
	}
	return base
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Guard.Profile) {
	case "", "delegation", "automation":
	default:
		return fmt.Errorf("unknown guard profile %q (want delegation or automation)", c.Guard.Profile)
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command must not be empty")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CACO_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("CACO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CACO_AGENT"); v != "" {
		cfg.Agent.Command = v
	}
	if v := os.Getenv("CACO_SYSTEM_PROMPT"); v != "" {
		cfg.Agent.SystemPrompt = v
	}
	if v := os.Getenv("CACO_GUARD_PROFILE"); v != "" {
		cfg.Guard.Profile = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Summarize.APIKey == "" {
		cfg.Summarize.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" && cfg.Summarize.BaseURL == "" {
		cfg.Summarize.BaseURL = v
	}
}
