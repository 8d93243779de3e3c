// Package config loads the conductor YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level conductor configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	DataDir     string            `yaml:"data_dir"` // holds conductor.db; default ~/.conductor
	Sidecar     SidecarConfig     `yaml:"sidecar"`
	Terminal    TerminalConfig    `yaml:"terminal"`
	Vosk        VoskConfig        `yaml:"vosk"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Tunnel      TunnelConfig      `yaml:"tunnel"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"` // listen address, e.g. 127.0.0.1:8800
}

type SidecarConfig struct {
	Runtime     string `yaml:"runtime"`      // interpreter, default "node"
	ResourceDir string `yaml:"resource_dir"` // bundled resources, searched first
	Script      string `yaml:"script"`       // explicit script path; skips discovery
}

type TerminalConfig struct {
	Command         string        `yaml:"command"` // default "claude"
	Mode            string        `yaml:"mode"`    // "interactive" or "prompt"
	Model           string        `yaml:"model,omitempty"`
	SkipPermissions bool          `yaml:"skip_permissions"`
	Rows            uint16        `yaml:"rows"`
	Cols            uint16        `yaml:"cols"`
	PromptDelay     time.Duration `yaml:"prompt_delay"`
}

type VoskConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Endpoint   string `yaml:"endpoint"`
	SampleRate int    `yaml:"sample_rate"`
}

type PersistenceConfig struct {
	MaxSessions int `yaml:"max_sessions"` // per list; 0 keeps everything
}

type TunnelConfig struct {
	URL    string `yaml:"url,omitempty"` // wss://gateway/tunnel; empty disables the tunnel
	Secret string `yaml:"secret,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: "127.0.0.1:8800"},
		Sidecar: SidecarConfig{Runtime: "node"},
		Terminal: TerminalConfig{
			Command:     "claude",
			Mode:        "interactive",
			Rows:        24,
			Cols:        80,
			PromptDelay: time.Second,
		},
		Vosk: VoskConfig{
			Endpoint:   "ws://localhost:2700",
			SampleRate: 16000,
		},
		Persistence: PersistenceConfig{MaxSessions: 50},
	}
}

// LoadConfig reads path. A missing file yields Default().
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML over the defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// Resolve an environment variable reference in the tunnel secret.
	if len(cfg.Tunnel.Secret) > 0 && cfg.Tunnel.Secret[0] == '$' {
		cfg.Tunnel.Secret = os.Getenv(cfg.Tunnel.Secret[1:])
	}
	return cfg, nil
}

// Validate checks the config for internal consistency.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is empty")
	}
	if c.Sidecar.Runtime == "" {
		return fmt.Errorf("config: sidecar.runtime is empty")
	}
	if c.Terminal.Command == "" {
		return fmt.Errorf("config: terminal.command is empty")
	}
	switch c.Terminal.Mode {
	case "interactive", "prompt":
	default:
		return fmt.Errorf("config: terminal.mode %q must be interactive or prompt", c.Terminal.Mode)
	}
	if c.Terminal.Rows < 1 || c.Terminal.Rows > 500 || c.Terminal.Cols < 1 || c.Terminal.Cols > 500 {
		return fmt.Errorf("config: terminal size %dx%d out of range 1-500", c.Terminal.Rows, c.Terminal.Cols)
	}
	if c.Terminal.PromptDelay < 0 {
		return fmt.Errorf("config: terminal.prompt_delay is negative")
	}
	if c.Vosk.Enabled && c.Vosk.Endpoint == "" {
		return fmt.Errorf("config: vosk.enabled requires vosk.endpoint")
	}
	if c.Vosk.SampleRate <= 0 {
		return fmt.Errorf("config: vosk.sample_rate must be positive")
	}
	if c.Persistence.MaxSessions < 0 {
		return fmt.Errorf("config: persistence.max_sessions is negative")
	}
	if c.Tunnel.URL != "" && c.Tunnel.Secret == "" {
		return fmt.Errorf("config: tunnel.url requires tunnel.secret")
	}
	return nil
}

// DBPath is the SQLite file under DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "conductor.db")
}
