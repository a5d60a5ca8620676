// Package config loads pyground's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Worker backends.
const (
	BackendWASM    = "wasm"
	BackendProcess = "process"
)

// Config is the full pyground configuration.
type Config struct {
	Backend string        `yaml:"backend"`
	WASM    WASMConfig    `yaml:"wasm"`
	Process ProcessConfig `yaml:"process"`
	Session SessionConfig `yaml:"session"`
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`
}

// WASMConfig configures the sandboxed wasm backend.
type WASMConfig struct {
	Path          string            `yaml:"path"`
	URL           string            `yaml:"url"`
	DiskCache     bool              `yaml:"disk_cache"`
	CacheDir      string            `yaml:"cache_dir"`
	MemoryLimitMB uint32            `yaml:"memory_limit_mb"`
	Env           map[string]string `yaml:"env"`
}

// ProcessConfig configures the host interpreter backend. Programs run with
// the host's filesystem, so it is meant for local use only.
type ProcessConfig struct {
	Interpreter string   `yaml:"interpreter"`
	Dir         string   `yaml:"dir"`
	Env         []string `yaml:"env"`
}

// SessionConfig holds per-run limits.
type SessionConfig struct {
	CancelGrace time.Duration `yaml:"cancel_grace"`
	RunTimeout  time.Duration `yaml:"run_timeout"`
}

// ServerConfig configures the playground server.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	PublicURL      string   `yaml:"public_url"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StoreConfig locates the saved-code database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LogConfig sets the log level and format (console or json).
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Backend: BackendWASM,
		WASM: WASMConfig{
			Path:      filepath.Join(dataDir(), "python.wasm"),
			DiskCache: true,
		},
		Process: ProcessConfig{
			Interpreter: "python3",
		},
		Session: SessionConfig{
			CancelGrace: 2 * time.Second,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir(), "code.db"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendWASM, BackendProcess:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Session.CancelGrace < 0 || c.Session.RunTimeout < 0 {
		return fmt.Errorf("session durations must not be negative")
	}
	return nil
}

// Addr returns the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MemoryLimitPages converts the WASM memory limit to 64KB pages.
func (c *Config) MemoryLimitPages() uint32 {
	return c.WASM.MemoryLimitMB * 16
}

func dataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "pyground")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "pyground")
	}
	return filepath.Join(os.TempDir(), "pyground")
}
