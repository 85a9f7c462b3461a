// Package config loads acpdesk settings from layered YAML files and the
// environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"acpdesk/backend"

	"gopkg.in/yaml.v3"
)

// Defaults
const (
	DefaultPermissionTimeout = 2 * time.Minute
	DefaultFsRequestTimeout  = 30 * time.Second
	DefaultTeam              = "default"
	DefaultBackend           = "claude"
)

// Config is immutable once loaded
type Config struct {
	DataDir           string                       `yaml:"data_dir"`
	DatabasePath      string                       `yaml:"database_path"`
	LogLevel          string                       `yaml:"log_level"`
	PermissionTimeout time.Duration                `yaml:"permission_timeout"`
	FsRequestTimeout  time.Duration                `yaml:"fs_request_timeout"`
	DefaultTeam       string                       `yaml:"default_team"`
	DefaultBackend    string                       `yaml:"default_backend"`
	AutoPermission    bool                         `yaml:"auto_permission"`
	SandboxFs         bool                         `yaml:"sandbox_fs"`
	AssistantsDir     string                       `yaml:"assistants_dir"`
	AgentHooksDir     string                       `yaml:"agent_hooks_dir"`
	SkillsDir         string                       `yaml:"skills_dir"`
	WatchHooks        bool                         `yaml:"watch_hooks"`
	MCPAddr           string                       `yaml:"mcp_addr"`
	Backends          []backend.AgentBackendConfig `yaml:"backends"`
}

// Default returns the configuration used when no file overrides it
func Default() *Config {
	dataDir := ".acpdesk"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".acpdesk")
	}
	return &Config{
		DataDir:           dataDir,
		LogLevel:          "info",
		PermissionTimeout: DefaultPermissionTimeout,
		FsRequestTimeout:  DefaultFsRequestTimeout,
		DefaultTeam:       DefaultTeam,
		DefaultBackend:    DefaultBackend,
		WatchHooks:        true,
		MCPAddr:           "127.0.0.1:0",
	}
}

// Load reads the user config (~/.acpdesk/config.yaml), then the project
// config (./.acpdesk/config.yaml), then explicit, each overriding the one
// before, and finally applies ACPDESK_* environment overrides.
func Load(explicit string) (*Config, error) {
	cfg := Default()

	if home, err := os.UserHomeDir(); err == nil {
		if err := loadIfExists(filepath.Join(home, ".acpdesk", "config.yaml"), cfg); err != nil {
			return nil, fmt.Errorf("error loading user config: %w", err)
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("could not get working directory: %w", err)
	}
	if err := loadIfExists(filepath.Join(wd, ".acpdesk", "config.yaml"), cfg); err != nil {
		return nil, fmt.Errorf("error loading project config: %w", err)
	}

	if explicit != "" {
		if err := loadFromFile(explicit, cfg); err != nil {
			return nil, fmt.Errorf("error loading config %s: %w", explicit, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.fillPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadIfExists(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return loadFromFile(path, cfg)
}

// loadFromFile overwrites the fields present in the file
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("ACPDESK_DATA_DIR"); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup("ACPDESK_DB"); ok && v != "" {
		c.DatabasePath = v
	}
	if v, ok := lookup("ACPDESK_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup("ACPDESK_PERMISSION_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ACPDESK_PERMISSION_TIMEOUT: %w", err)
		}
		c.PermissionTimeout = d
	}
	return nil
}

func (c *Config) fillPaths() {
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "missions.db")
	}
	if c.AssistantsDir == "" {
		c.AssistantsDir = filepath.Join(c.DataDir, "assistants")
	}
	if c.AgentHooksDir == "" {
		c.AgentHooksDir = filepath.Join(c.DataDir, "agent", "acp", "hooks")
	}
	if c.SkillsDir == "" {
		c.SkillsDir = filepath.Join(c.DataDir, "skills")
	}
}

// Validate checks the loaded values
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.PermissionTimeout <= 0 {
		return fmt.Errorf("permission_timeout must be positive")
	}
	if c.FsRequestTimeout <= 0 {
		return fmt.Errorf("fs_request_timeout must be positive")
	}
	for _, b := range c.Backends {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("backends: %w", err)
		}
	}
	return nil
}

// AllBackends returns the built-in catalog with configured entries replacing
// catalog entries of the same id
func (c *Config) AllBackends() []backend.AgentBackendConfig {
	out := DefaultBackends()
	for _, b := range c.Backends {
		replaced := false
		for i := range out {
			if out[i].ID == b.ID {
				out[i] = b
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, b)
		}
	}
	return out
}

// Backend looks up a backend by id
func (c *Config) Backend(id string) (backend.AgentBackendConfig, error) {
	if id == "" {
		id = c.DefaultBackend
	}
	for _, b := range c.AllBackends() {
		if b.ID == id {
			return b, nil
		}
	}
	return backend.AgentBackendConfig{}, fmt.Errorf("unknown backend %q", id)
}

// ParseLevel maps a level name onto a slog level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// SlogLevel returns the configured log level
func (c *Config) SlogLevel() slog.Level {
	level, _ := ParseLevel(c.LogLevel)
	return level
}
