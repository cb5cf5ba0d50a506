// Package config handles application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds the application configuration.
type Config struct {
	Server ServerConfig `json:"server" yaml:"server"`
	Agent  AgentConfig  `json:"agent" yaml:"agent"`
	Queue  QueueConfig  `json:"queue" yaml:"queue"`
	Store  StoreConfig  `json:"store" yaml:"store"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// AgentConfig describes the external CLI agent invocation.
type AgentConfig struct {
	Command  string   `json:"command" yaml:"command"`
	Args     []string `json:"args" yaml:"args"`
	WorkDir  string   `json:"work_dir" yaml:"work_dir"`
	Env      []string `json:"env" yaml:"env"`
	Timeout  string   `json:"timeout" yaml:"timeout"`
	KillMode string   `json:"kill_mode" yaml:"kill_mode"`
}

// QueueConfig holds processor configuration.
type QueueConfig struct {
	MaxProcesses int `json:"max_processes" yaml:"max_processes"`
}

// StoreConfig selects the tree persistence backend.
type StoreConfig struct {
	Backend  string `json:"backend" yaml:"backend"` // none, file, redis
	Path     string `json:"path" yaml:"path"`
	RedisURL string `json:"redis_url" yaml:"redis_url"`
	RedisTTL string `json:"redis_ttl" yaml:"redis_ttl"`
}

// Store backends.
const (
	StoreNone  = "none"
	StoreFile  = "file"
	StoreRedis = "redis"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	ramalDir := filepath.Join(home, ".ramal")

	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8750,
		},
		Agent: AgentConfig{
			Command: "claude",
			Args:    []string{"--print"},
		},
		Queue: QueueConfig{
			MaxProcesses: 4,
		},
		Store: StoreConfig{
			Backend: StoreFile,
			Path:    filepath.Join(ramalDir, "trees.json"),
		},
	}
}

// Load loads configuration from a file (supports JSON and YAML).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	baseDir := ""

	if path == "" {
		home, _ := os.UserHomeDir()
		// Try YAML first, then JSON
		yamlPath := filepath.Join(home, ".ramal", "config.yaml")
		jsonPath := filepath.Join(home, ".ramal", "config.json")

		if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
			baseDir = filepath.Dir(path)
		} else if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
			baseDir = filepath.Dir(path)
		} else {
			// No config file found, return defaults
			cfg.applyEnv()
			return cfg, nil
		}
	} else {
		baseDir = filepath.Dir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Detect format by extension
	isYAML := strings.HasSuffix(strings.ToLower(path), ".yaml") || strings.HasSuffix(strings.ToLower(path), ".yml")

	if isYAML {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	// Expand ~ and resolve store/workdir paths relative to the config
	// file directory.
	cfg.Store.Path = resolvePath(cfg.Store.Path, baseDir)
	cfg.Agent.WorkDir = resolvePath(cfg.Agent.WorkDir, baseDir)
	cfg.applyEnv()

	return cfg, nil
}

// applyEnv fills settings that are conventionally environment-provided.
func (c *Config) applyEnv() {
	if c.Store.RedisURL == "" {
		c.Store.RedisURL = os.Getenv("REDIS_URL")
	}
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".ramal", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// AgentTimeout parses the configured per-session maximum duration.
// Empty means no limit.
func (c *Config) AgentTimeout() (time.Duration, error) {
	if c.Agent.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Agent.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid agent timeout: %w", err)
	}
	return d, nil
}

// RedisTTL parses the optional tree expiry for the Redis backend.
func (c *Config) RedisTTL() (time.Duration, error) {
	if c.Store.RedisTTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Store.RedisTTL)
	if err != nil {
		return 0, fmt.Errorf("invalid redis ttl: %w", err)
	}
	return d, nil
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	// Support "~/..." (and Windows separators just in case)
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		rest := path[2:]
		return filepath.Join(home, rest)
	}
	// We intentionally don't expand "~user/..." forms.
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
// If baseDir is empty, relative paths are returned unchanged.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	p := expandHome(value)
	if filepath.IsAbs(p) {
		return p
	}
	if baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
