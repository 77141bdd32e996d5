package config

import (
	"time"

	"github.com/mattjoyce/spawnstep/internal/protocol"
	"github.com/mattjoyce/spawnstep/internal/spawn"
)

// Config represents the complete spawnstep configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api,omitempty"`
	Step    StepConfig    `yaml:"step"`

	// SourcePath is the absolute path the config was loaded from, if any.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name             string        `yaml:"name"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// StateConfig defines run history storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
	// Disabled turns off run history entirely.
	Disabled bool `yaml:"disabled,omitempty"`
}

// APIConfig defines HTTP API server settings, used by `spawnstep serve`.
type APIConfig struct {
	Listen        string        `yaml:"listen"`
	Auth          APIAuthConfig `yaml:"auth"`
	MaxBatchItems int           `yaml:"max_batch_items,omitempty"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// StepConfig is the command executed for every item plus batch behaviour.
type StepConfig struct {
	spawn.StepConfig `yaml:",inline"`
	ContinueOnFail   bool `yaml:"continue_on_fail"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:             "spawnstep",
			LogLevel:         "info",
			LogFormat:        "json",
			HistoryRetention: 30 * 24 * time.Hour,
		},
		State: StateConfig{
			Path: "./data/spawnstep.db",
		},
		API: APIConfig{
			Listen:        "127.0.0.1:8080",
			MaxBatchItems: 1000,
		},
		Step: StepConfig{
			StepConfig: spawn.StepConfig{
				StdoutFormat: protocol.FormatJSON,
			},
		},
	}
}
