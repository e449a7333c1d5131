// Package daemon manages the Kiln daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kilnlabs/kiln/internal/domain"
)

// Config holds all daemon configuration.
type Config struct {
	API      APIConfig              `toml:"api"`
	Store    StoreConfig            `toml:"store"`
	Defaults DefaultsConfig         `toml:"defaults"`
	Logging  LoggingConfig          `toml:"logging"`
	Models   map[string]ModelConfig `toml:"models"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Metrics bool   `toml:"metrics"`
}

// StoreConfig controls model storage.
type StoreConfig struct {
	Dir string `toml:"dir"`
}

// DefaultsConfig supplies per-model defaults.
type DefaultsConfig struct {
	TTLSeconds int `toml:"ttl_seconds"`
	MaxWaiters int `toml:"max_waiters"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// ModelConfig is the TOML shape of one model entry.
type ModelConfig struct {
	Engine       string `toml:"engine"`
	Task         string `toml:"task"`
	Location     string `toml:"location"`
	URL          string `toml:"url"`
	Checksum     string `toml:"checksum"`
	MinInstances int    `toml:"min_instances"`
	MaxInstances int    `toml:"max_instances"`
	TTLSeconds   int    `toml:"ttl_seconds"`
	Prepare      string `toml:"prepare"`
	MaxWaiters   int    `toml:"max_waiters"`
	ContextSize  int    `toml:"context_size"`
	Device       string `toml:"device"`
	SystemPrompt string `toml:"system_prompt"`
	Grammar      string `toml:"grammar"`

	Tools []ToolConfig `toml:"tools"`
}

// ToolConfig is the TOML shape of one tool definition.
type ToolConfig struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Schema      string `toml:"schema"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 11633,
		},
		Store: StoreConfig{
			Dir: filepath.Join(kilnHome(), "store"),
		},
		Defaults: DefaultsConfig{
			TTLSeconds: 300,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Models: map[string]ModelConfig{},
	}
}

// LoadConfig reads config from ~/.kiln/config.toml, falling back to
// defaults.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(kilnHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // No config file yet — use defaults
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ModelConfigs converts the TOML entries to domain configs, applying
// defaults.
func (c Config) ModelConfigs() map[string]domain.ModelConfig {
	out := make(map[string]domain.ModelConfig, len(c.Models))
	for id, m := range c.Models {
		ttl := m.TTLSeconds
		if ttl == 0 {
			ttl = c.Defaults.TTLSeconds
		}
		maxWaiters := m.MaxWaiters
		if maxWaiters == 0 {
			maxWaiters = c.Defaults.MaxWaiters
		}
		maxInst := m.MaxInstances
		if maxInst == 0 {
			maxInst = 1
		}
		prepare := m.Prepare
		if prepare == "" {
			prepare = string(domain.PrepareOnDemand)
		}
		var initial []domain.Message
		if m.SystemPrompt != "" {
			initial = []domain.Message{{Role: "system", Content: m.SystemPrompt}}
		}
		var tools []domain.ToolDef
		for _, t := range m.Tools {
			tools = append(tools, domain.ToolDef{
				Name:        t.Name,
				Description: t.Description,
				Schema:      t.Schema,
			})
		}
		out[id] = domain.ModelConfig{
			ID:              id,
			Engine:          m.Engine,
			Task:            domain.TaskKind(m.Task),
			Location:        m.Location,
			URL:             m.URL,
			Checksum:        m.Checksum,
			MinInstances:    m.MinInstances,
			MaxInstances:    maxInst,
			TTL:             time.Duration(ttl) * time.Second,
			Prepare:         domain.PrepareMode(prepare),
			MaxWaiters:      maxWaiters,
			ContextSize:     m.ContextSize,
			Device:          m.Device,
			InitialMessages: initial,
			Grammar:         m.Grammar,
			Tools:           tools,
		}
	}
	return out
}

// kilnHome returns the Kiln data directory.
func kilnHome() string {
	if env := os.Getenv("KILN_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".kiln")
}

// KilnHome is exported for use by other packages.
func KilnHome() string {
	return kilnHome()
}
