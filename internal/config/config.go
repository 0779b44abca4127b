// ABOUTME: Configuration loading and parsing for coach-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coach-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Limits   LimitsConfig   `yaml:"limits"`
	Prompts  PromptsConfig  `yaml:"prompts"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// ProviderConfig selects and configures the completion provider backend
type ProviderConfig struct {
	Kind        string   `yaml:"kind"` // "anthropic" or "openai"
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"` // openai-compatible endpoints only
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

// LimitsConfig holds concurrency, retry and session lifecycle limits
type LimitsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxRounds     int `yaml:"max_rounds"`
	MaxAttempts   int `yaml:"max_attempts"`

	SessionTTL    time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	BaseDelay     time.Duration `yaml:"-"`
	MaxDelay      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SessionTTLRaw    string `yaml:"session_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
	BaseDelayRaw     string `yaml:"base_delay"`
	MaxDelayRaw      string `yaml:"max_delay"`
}

// PromptsConfig points at an optional TOML prompt override file
type PromptsConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Provider.Kind {
	case "anthropic", "openai":
	case "":
		return fmt.Errorf("provider.kind is required")
	default:
		return fmt.Errorf("provider.kind %q is not supported (anthropic, openai)", c.Provider.Kind)
	}

	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required")
	}
	if c.Provider.BaseURL != "" && c.Provider.Kind != "openai" {
		return fmt.Errorf("provider.base_url is only supported for openai-compatible providers")
	}

	if c.Limits.MaxConcurrent < 0 || c.Limits.MaxRounds < 0 || c.Limits.MaxAttempts < 0 {
		return fmt.Errorf("limits must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Limits.SessionTTLRaw != "" {
		cfg.Limits.SessionTTL, err = time.ParseDuration(cfg.Limits.SessionTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing session_ttl %q: %w", cfg.Limits.SessionTTLRaw, err)
		}
	}

	if cfg.Limits.SweepIntervalRaw != "" {
		cfg.Limits.SweepInterval, err = time.ParseDuration(cfg.Limits.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Limits.SweepIntervalRaw, err)
		}
	}

	if cfg.Limits.BaseDelayRaw != "" {
		cfg.Limits.BaseDelay, err = time.ParseDuration(cfg.Limits.BaseDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing base_delay %q: %w", cfg.Limits.BaseDelayRaw, err)
		}
	}

	if cfg.Limits.MaxDelayRaw != "" {
		cfg.Limits.MaxDelay, err = time.ParseDuration(cfg.Limits.MaxDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing max_delay %q: %w", cfg.Limits.MaxDelayRaw, err)
		}
	}

	return nil
}
