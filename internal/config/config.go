// Package config loads the optional ~/.hyperstream.yaml user-preference
// file. Unlike a long-running agent's configuration, this never holds
// transfer session state — a topic key and its connection are never
// persisted to disk. It only supplies defaults the CLI flags can override.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds user-level defaults for the hyperstream CLI.
type Config struct {
	LogLevel       string   `yaml:"log_level"`
	LogFormat      string   `yaml:"log_format"`
	OutputDir      string   `yaml:"output_dir"`
	RateLimit      string   `yaml:"rate_limit"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
}

// Default returns the built-in defaults used when no config file exists.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		OutputDir: ".",
	}
}

// Load reads and parses a config file at path, validating the result
// against Default-filled values. A missing file is not an error: the
// defaults are returned unchanged.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("hyperstream: read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, starting from the defaults
// so a partial file only overrides the fields it sets.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("hyperstream: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hyperstream: config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for obviously invalid values.
func (c *Config) Validate() error {
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
	if !isValidLogFormat(c.LogFormat) {
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.LogFormat)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// DefaultPath returns ~/.hyperstream.yaml, or an empty string if the home
// directory cannot be determined.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.hyperstream.yaml"
}
