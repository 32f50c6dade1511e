// Package config loads warpview configuration from warpview.yaml.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds process configuration. Every field has a usable default so a
// missing config file is not an error.
type Config struct {
	// DataDir is where sessions, settings and usage records live.
	DataDir string `yaml:"data_dir"`
	// Bind is the serve address, host:port.
	Bind string `yaml:"bind"`
	// AgentPath overrides agent executable detection.
	AgentPath string `yaml:"agent_path"`
	// AgentHome is the agent CLI's own home directory, scanned for native
	// transcripts. Empty disables native session browsing.
	AgentHome string `yaml:"agent_home"`
	// LogEnv selects the log handler: "development" or "production".
	LogEnv string `yaml:"log_env"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
	// EventTail is the default replay window in lines.
	EventTail int `yaml:"event_tail"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Bind:     "127.0.0.1:8787",
		LogEnv:   "production",
		LogLevel: "info",
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.DataDir = filepath.Join(home, ".warpview")
		cfg.AgentHome = filepath.Join(home, ".codex")
	}
	return cfg
}

// DefaultPath returns the standard config file location
// (~/.warpview/warpview.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "warpview.yaml"
	}
	return filepath.Join(home, ".warpview", "warpview.yaml")
}

// Load reads the config at path, filling unset fields with defaults. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	defaults := Default()
	if cfg.DataDir == "" {
		cfg.DataDir = defaults.DataDir
	}
	if cfg.Bind == "" {
		cfg.Bind = defaults.Bind
	}
	if cfg.LogEnv == "" {
		cfg.LogEnv = defaults.LogEnv
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	return cfg, nil
}
