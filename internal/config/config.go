// ABOUTME: Configuration loading and parsing for coven-probe
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-probe configuration
type Config struct {
	Agent    AgentConfig    `yaml:"agent" toml:"agent"`
	Host     HostConfig     `yaml:"host" toml:"host"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// AgentConfig selects the target and how the agent is loaded
type AgentConfig struct {
	// Device is host:port for gRPC or a ws:// URL; "local" uses the default.
	Device      string   `yaml:"device" toml:"device"`
	PID         int64    `yaml:"pid" toml:"pid"`
	Spawn       string   `yaml:"spawn" toml:"spawn"`
	Run         bool     `yaml:"run" toml:"run"`
	Script      string   `yaml:"script" toml:"script"`
	SafeIO      bool     `yaml:"safe_io" toml:"safe_io"`
	ScriptsDirs []string `yaml:"scripts_dirs" toml:"scripts_dirs"`

	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
}

// HostConfig controls what agent callbacks may run locally
type HostConfig struct {
	AllowShell bool `yaml:"allow_shell" toml:"allow_shell"`

	ShellTimeout    time.Duration `yaml:"-" toml:"-"`
	ShellTimeoutRaw string        `yaml:"shell_timeout" toml:"shell_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultDevice is the address used for the "local" device.
const DefaultDevice = "localhost:27042"

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		Agent: AgentConfig{
			Device:            DefaultDevice,
			RequestTimeoutRaw: "0s",
		},
		Host: HostConfig{
			ShellTimeoutRaw: "10s",
		},
		Database: DatabaseConfig{
			Path: defaultDatabasePath(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
	// The defaults always parse.
	_ = parseDurations(cfg)
	return cfg
}

func defaultDatabasePath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "coven", "probe.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "probe.db"
	}
	return filepath.Join(home, ".local", "share", "coven", "probe.db")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Fields missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.Database.Path = expandHome(cfg.Database.Path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv applies the environment overrides:
// COVEN_PROBE_SAFE_IO (non-empty enables safe IO), COVEN_PROBE_AGENT_SCRIPT
// (agent payload path) and COVEN_PROBE_DEBUG (forces debug logging).
func (c *Config) ApplyEnv() {
	if v := os.Getenv("COVEN_PROBE_SAFE_IO"); v != "" && v != "0" {
		c.Agent.SafeIO = true
	}
	if v := os.Getenv("COVEN_PROBE_AGENT_SCRIPT"); v != "" {
		c.Agent.Script = v
	}
	if v := os.Getenv("COVEN_PROBE_DEBUG"); v != "" && v != "0" {
		c.Logging.Level = "debug"
	}
}

// envVarPattern matches ${VAR_NAME}.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Agent.Device == "" {
		return fmt.Errorf("agent.device is required")
	}
	if c.Agent.PID < 0 {
		return fmt.Errorf("agent.pid must not be negative")
	}
	if c.Agent.RequestTimeout < 0 {
		return fmt.Errorf("agent.request_timeout must not be negative")
	}
	if c.Host.ShellTimeout < 0 {
		return fmt.Errorf("host.shell_timeout must not be negative")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agent.RequestTimeoutRaw != "" {
		cfg.Agent.RequestTimeout, err = time.ParseDuration(cfg.Agent.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Agent.RequestTimeoutRaw, err)
		}
	}

	if cfg.Host.ShellTimeoutRaw != "" {
		cfg.Host.ShellTimeout, err = time.ParseDuration(cfg.Host.ShellTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing shell_timeout %q: %w", cfg.Host.ShellTimeoutRaw, err)
		}
	}

	return nil
}

// SpawnArgv splits agent.spawn into program and arguments.
func (c *Config) SpawnArgv() []string {
	return strings.Fields(c.Agent.Spawn)
}
