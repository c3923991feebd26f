package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "tasktally.yml"

const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Config models tasktally.yml.
type Config struct {
	Storage struct {
		Backend string `yaml:"backend" json:"backend"`
		Key     string `yaml:"key" json:"key"`
		// Dir is where the file backend keeps its documents; relative paths
		// are resolved against the workspace.
		Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`
	} `yaml:"storage" json:"storage"`
	Store struct {
		PersistFilter bool   `yaml:"persist_filter" json:"persist_filter"`
		WriteTimeout  string `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`
	} `yaml:"store" json:"store"`
	// Events are recorded only with the sqlite backend.
	Events struct {
		Enabled bool `yaml:"enabled" json:"enabled"`
	} `yaml:"events" json:"events"`
	Tags   []string `yaml:"tags" json:"tags"`
	Server struct {
		Addr     string `yaml:"addr" json:"addr"`
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"server" json:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tt config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendFile, BackendMemory:
	default:
		return fmt.Errorf("config.storage.backend must be one of sqlite, file, memory (got %q)", c.Storage.Backend)
	}
	if strings.TrimSpace(c.Storage.Key) == "" {
		return fmt.Errorf("config.storage.key is required")
	}
	if c.Store.WriteTimeout != "" {
		if d, err := time.ParseDuration(c.Store.WriteTimeout); err != nil || d <= 0 {
			return fmt.Errorf("config.store.write_timeout must be a positive duration (got %q)", c.Store.WriteTimeout)
		}
	}
	seen := map[string]bool{}
	for _, tag := range c.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("config.tags contains an empty tag")
		}
		if seen[tag] {
			return fmt.Errorf("config.tags lists %s twice", tag)
		}
		seen[tag] = true
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// WriteTimeout returns the parsed store write timeout, or zero for the
// store default.
func (c *Config) WriteTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Store.WriteTimeout)
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// StorageDir resolves the file backend directory for a workspace.
func (c *Config) StorageDir(workspace string) string {
	dir := c.Storage.Dir
	if dir == "" {
		dir = filepath.Join(".tasktally", "state")
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dir)
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `storage:
  # sqlite | file | memory
  backend: sqlite
  key: task-storage

store:
  # keep the list filter across restarts
  persist_filter: true
  write_timeout: 10s

events:
  enabled: true

# display palette; tasks may carry any tag
tags: [Personal, Work, Shopping, Urgent]

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
