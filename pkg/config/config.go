// Package config handles configuration for appquery.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/appquery/pkg/core"
	"github.com/devicelab-dev/appquery/pkg/selector"
)

// Defaults used when the config leaves a field empty.
const (
	DefaultAgentURL          = "http://127.0.0.1:10882"
	DefaultPlatform          = core.PlatformMaui
	DefaultTimeout           = 5 * time.Second
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultReconnectAttempts = 3
	DefaultRequestTimeout    = 30 * time.Second
)

// LogFileDefault as logFile selects DefaultLogFile.
const LogFileDefault = "default"

// EnvName selects the extra dotenv file loaded by LoadEnv.
const EnvName = "APPQUERY_ENV"

// Config represents the workspace configuration (config.yaml).
type Config struct {
	// Agent connection
	AgentURL          string   `yaml:"agentUrl"`          // Base URL of the agent
	Platform          string   `yaml:"platform"`          // Default platform
	ReconnectAttempts int      `yaml:"reconnectAttempts"` // Retries after a transport failure, negative disables
	RequestTimeout    Duration `yaml:"requestTimeout"`    // Per HTTP request to the agent

	// Resolution settings
	Timeout      Duration `yaml:"timeout"`      // Per resolution
	PollInterval Duration `yaml:"pollInterval"` // Pause between polls

	// Output
	LogFile string `yaml:"logFile"` // Debug log path, "default" for <home>/logs, empty for none

	// Named selectors, referenced as @name on the command line
	Selectors map[string]selector.Spec `yaml:"selectors"`
}

// Duration is a time.Duration written as "500ms" or "5s" in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills empty fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.AgentURL == "" {
		c.AgentURL = DefaultAgentURL
	}
	if c.Platform == "" {
		c.Platform = string(DefaultPlatform)
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(DefaultTimeout)
	}
	if c.PollInterval == 0 {
		c.PollInterval = Duration(DefaultPollInterval)
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(DefaultRequestTimeout)
	}
}

// Validate checks durations, the platform and every named selector.
func (c *Config) Validate() error {
	var errs []error
	if c.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	if c.PollInterval < 0 {
		errs = append(errs, errors.New("pollInterval must not be negative"))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, errors.New("requestTimeout must not be negative"))
	}
	if c.Platform != "" {
		if _, err := core.ParsePlatform(c.Platform); err != nil {
			errs = append(errs, err)
		}
	}
	for name, spec := range c.Selectors {
		if _, err := spec.Compile(); err != nil {
			errs = append(errs, fmt.Errorf("selector %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// PlatformValue returns the parsed platform, or the default when unset.
func (c *Config) PlatformValue() core.Platform {
	p, err := core.ParsePlatform(c.Platform)
	if err != nil {
		return DefaultPlatform
	}
	return p
}

// LogPath returns the debug log path, or "" when file logging is off.
// LogFileDefault resolves to DefaultLogFile and creates the log directory.
func (c *Config) LogPath() (string, error) {
	if c.LogFile != LogFileDefault {
		return c.LogFile, nil
	}
	if err := os.MkdirAll(GetLogDir(), 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	return DefaultLogFile(), nil
}

// Selector compiles a named selector.
func (c *Config) Selector(name string) (selector.Selector, error) {
	spec, ok := c.Selectors[name]
	if !ok {
		return selector.Selector{}, fmt.Errorf("no selector named %q", name)
	}
	return spec.Compile()
}

// Load loads configuration from a file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return &cfg, nil
}

// LoadFromDir looks for config.yaml or config.yml in the directory.
func LoadFromDir(dir string) (*Config, error) {
	// Try config.yaml first
	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// Try config.yml
	configPath = filepath.Join(dir, "config.yml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// No config file found, return empty config
	return &Config{}, nil
}

// LoadEnv loads <dir>/.env, then <dir>/.env.$APPQUERY_ENV on top of it.
// Variables already set in the process win over .env; the environment
// specific file overrides both. Missing files are not an error.
func LoadEnv(dir string) ([]string, error) {
	var loaded []string
	base := filepath.Join(dir, ".env")
	if _, err := os.Stat(base); err == nil {
		if err := godotenv.Load(base); err != nil {
			return loaded, fmt.Errorf("load %s: %w", base, err)
		}
		loaded = append(loaded, base)
	}

	if name := os.Getenv(EnvName); name != "" {
		envFile := filepath.Join(dir, ".env."+name)
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Overload(envFile); err != nil {
				return loaded, fmt.Errorf("load %s: %w", envFile, err)
			}
			loaded = append(loaded, envFile)
		}
	}
	return loaded, nil
}
