package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/spawnstep/internal/protocol"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory holding config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	// Relative state paths resolve against the config file's directory.
	if cfg.State.Path != "" && !filepath.IsAbs(cfg.State.Path) {
		cfg.State.Path = filepath.Join(filepath.Dir(absPath), cfg.State.Path)
	}

	return cfg, nil
}

// Parse decodes YAML config, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	interpolateConfig(cfg)
	applyConfigDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds a config file by checking standard locations.
// Priority order: $SPAWNSTEP_CONFIG, ./spawnstep.yaml, ~/.config/spawnstep/config.yaml.
// An empty result with nil error means no config exists and defaults apply.
func DiscoverConfigPath() (string, error) {
	if path := os.Getenv("SPAWNSTEP_CONFIG"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("$SPAWNSTEP_CONFIG points to a missing file: %s", path)
		}
		return path, nil
	}

	if _, err := os.Stat("spawnstep.yaml"); err == nil {
		return "spawnstep.yaml", nil
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "spawnstep", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	return "", nil
}

// interpolateConfig expands ${VAR} in service, state and api settings.
// Step fields are never interpolated: the child receives them verbatim.
func interpolateConfig(cfg *Config) {
	cfg.Service.Name = interpolateEnv(cfg.Service.Name)
	cfg.State.Path = interpolateEnv(cfg.State.Path)
	cfg.API.Listen = interpolateEnv(cfg.API.Listen)
	cfg.API.Auth.APIKey = interpolateEnv(cfg.API.Auth.APIKey)
}

func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.MaxBatchItems == 0 {
		cfg.API.MaxBatchItems = defaults.API.MaxBatchItems
	}
	if cfg.Step.StdoutFormat == "" {
		cfg.Step.StdoutFormat = protocol.FormatJSON
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate checks configuration invariants. The step command may be empty
// here because the CLI can supply it; ValidateStep enforces it before a run.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	switch strings.ToLower(cfg.Service.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Service.HistoryRetention < 0 {
		return fmt.Errorf("service.history_retention must not be negative")
	}

	if !cfg.State.Disabled && cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.MaxBatchItems < 0 {
		return fmt.Errorf("api.max_batch_items must not be negative")
	}

	format, err := protocol.ParseStdoutFormat(string(cfg.Step.StdoutFormat))
	if err != nil {
		return fmt.Errorf("step.stdout_format: %w", err)
	}
	cfg.Step.StdoutFormat = format

	if cfg.Step.Timeout < 0 {
		return fmt.Errorf("step.timeout must not be negative")
	}
	for i, env := range cfg.Step.Env {
		if env.Name == "" {
			return fmt.Errorf("step.env[%d]: name is required", i)
		}
		if strings.Contains(env.Name, "=") {
			return fmt.Errorf("step.env[%d]: name %q must not contain '='", i, env.Name)
		}
	}

	return nil
}

// ValidateServe checks the settings the HTTP server needs on top of Validate.
func ValidateServe(cfg *Config) error {
	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required to serve")
	}
	if cfg.API.Auth.APIKey == "" {
		return fmt.Errorf("api.auth.api_key is required to serve")
	}
	return ValidateStep(cfg.Step)
}

// ValidateStep checks that the step is runnable.
func ValidateStep(step StepConfig) error {
	if strings.TrimSpace(step.Command) == "" {
		return fmt.Errorf("step.command is required")
	}
	return nil
}
