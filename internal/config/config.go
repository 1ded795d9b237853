// ABOUTME: Configuration loading and parsing for coven-dispatch
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-dispatch/internal/protocol"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "COVEN_DISPATCH_CONFIG"

// Config represents the complete coven-dispatch configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Dispatch  DispatchConfig  `yaml:"dispatch" toml:"dispatch"`
	Transfer  TransferConfig  `yaml:"transfer" toml:"transfer"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	AgentAddr string `yaml:"agent_addr" toml:"agent_addr"` // raw TCP listener for agents
	HTTPAddr  string `yaml:"http_addr" toml:"http_addr"`   // operator API, empty disables
	GRPCAddr  string `yaml:"grpc_addr" toml:"grpc_addr"`   // gRPC health service, empty disables
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds the audit database location. An empty path disables auditing.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds operator API authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// AgentsConfig holds agent connection timing
type AgentsConfig struct {
	HandshakeTimeout  time.Duration `yaml:"-" toml:"-"`
	InactivityTimeout time.Duration `yaml:"-" toml:"-"`
	SweepInterval     time.Duration `yaml:"-" toml:"-"`
	WriteTimeout      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HandshakeTimeoutRaw  string `yaml:"handshake_timeout" toml:"handshake_timeout"`
	InactivityTimeoutRaw string `yaml:"inactivity_timeout" toml:"inactivity_timeout"`
	SweepIntervalRaw     string `yaml:"sweep_interval" toml:"sweep_interval"`
	WriteTimeoutRaw      string `yaml:"write_timeout" toml:"write_timeout"`
}

// DispatchConfig holds command deadlines
type DispatchConfig struct {
	DefaultTimeout time.Duration `yaml:"-" toml:"-"`
	MaxTimeout     time.Duration `yaml:"-" toml:"-"`

	DefaultTimeoutRaw string `yaml:"default_timeout" toml:"default_timeout"`
	MaxTimeoutRaw     string `yaml:"max_timeout" toml:"max_timeout"`
}

// TransferConfig holds chunking and download settings
type TransferConfig struct {
	ChunkSize    int    `yaml:"chunk_size" toml:"chunk_size"`
	DownloadDir  string `yaml:"download_dir" toml:"download_dir"`
	MaxFrameSize int    `yaml:"max_frame_size" toml:"max_frame_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every field at its default value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AgentAddr: "0.0.0.0:9999",
			HTTPAddr:  "127.0.0.1:8080",
		},
		Agents: AgentsConfig{
			HandshakeTimeout:  10 * time.Second,
			InactivityTimeout: 5 * time.Minute,
			SweepInterval:     30 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
		Dispatch: DispatchConfig{
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     10 * time.Minute,
		},
		Transfer: TransferConfig{
			ChunkSize:    32 * 1024,
			DownloadDir:  "download",
			MaxFrameSize: 16 * 1024 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config location: $COVEN_DISPATCH_CONFIG if set,
// otherwise $XDG_CONFIG_HOME/coven/dispatch.yaml (~/.config when unset).
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "coven", "dispatch.yaml")
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "coven", "dispatch.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes configuration content in the given format ("yaml" or "toml").
// Fields absent from the content keep their defaults.
func Parse(data []byte, format string) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The agent listener is required unless Tailscale provides it
	if !c.Tailscale.Enabled && c.Server.AgentAddr == "" {
		return errors.New("server.agent_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Agents.HandshakeTimeout <= 0 {
		return errors.New("agents.handshake_timeout must be positive")
	}
	if c.Agents.InactivityTimeout < 0 {
		return errors.New("agents.inactivity_timeout must not be negative")
	}
	if c.Agents.InactivityTimeout > 0 && c.Agents.SweepInterval <= 0 {
		return errors.New("agents.sweep_interval must be positive when inactivity_timeout is set")
	}

	if c.Dispatch.DefaultTimeout <= 0 || c.Dispatch.MaxTimeout <= 0 {
		return errors.New("dispatch timeouts must be positive")
	}
	if c.Dispatch.DefaultTimeout > c.Dispatch.MaxTimeout {
		return fmt.Errorf("dispatch.default_timeout (%s) exceeds dispatch.max_timeout (%s)",
			c.Dispatch.DefaultTimeout, c.Dispatch.MaxTimeout)
	}

	if c.Transfer.ChunkSize <= 0 {
		return errors.New("transfer.chunk_size must be positive")
	}
	if c.Transfer.ChunkSize > protocol.MaxPayload {
		return fmt.Errorf("transfer.chunk_size (%d) exceeds the protocol payload limit (%d)",
			c.Transfer.ChunkSize, protocol.MaxPayload)
	}
	if c.Transfer.MaxFrameSize > protocol.MaxPayload {
		return fmt.Errorf("transfer.max_frame_size (%d) exceeds the protocol payload limit (%d)",
			c.Transfer.MaxFrameSize, protocol.MaxPayload)
	}
	if c.Transfer.MaxFrameSize < c.Transfer.ChunkSize {
		return fmt.Errorf("transfer.max_frame_size (%d) is smaller than transfer.chunk_size (%d)",
			c.Transfer.MaxFrameSize, c.Transfer.ChunkSize)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// SlogLevel maps the configured level to a slog.Level.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agents.handshake_timeout", cfg.Agents.HandshakeTimeoutRaw, &cfg.Agents.HandshakeTimeout},
		{"agents.inactivity_timeout", cfg.Agents.InactivityTimeoutRaw, &cfg.Agents.InactivityTimeout},
		{"agents.sweep_interval", cfg.Agents.SweepIntervalRaw, &cfg.Agents.SweepInterval},
		{"agents.write_timeout", cfg.Agents.WriteTimeoutRaw, &cfg.Agents.WriteTimeout},
		{"dispatch.default_timeout", cfg.Dispatch.DefaultTimeoutRaw, &cfg.Dispatch.DefaultTimeout},
		{"dispatch.max_timeout", cfg.Dispatch.MaxTimeoutRaw, &cfg.Dispatch.MaxTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
