// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "dispatch.yaml", `
server:
  agent_addr: "0.0.0.0:7000"
  http_addr: "127.0.0.1:9090"
  grpc_addr: "127.0.0.1:50051"

database:
  path: "./audit.db"

agents:
  handshake_timeout: "5s"
  inactivity_timeout: "2m"
  sweep_interval: "15s"
  write_timeout: "10s"

dispatch:
  default_timeout: "20s"
  max_timeout: "1h"

transfer:
  chunk_size: 4096
  download_dir: "/var/lib/coven/downloads"
  max_frame_size: 1048576

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.AgentAddr != "0.0.0.0:7000" {
		t.Errorf("Server.AgentAddr = %q, want %q", cfg.Server.AgentAddr, "0.0.0.0:7000")
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:9090")
	}
	if cfg.Server.GRPCAddr != "127.0.0.1:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "127.0.0.1:50051")
	}
	if cfg.Database.Path != "./audit.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./audit.db")
	}

	durations := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"HandshakeTimeout", cfg.Agents.HandshakeTimeout, 5 * time.Second},
		{"InactivityTimeout", cfg.Agents.InactivityTimeout, 2 * time.Minute},
		{"SweepInterval", cfg.Agents.SweepInterval, 15 * time.Second},
		{"WriteTimeout", cfg.Agents.WriteTimeout, 10 * time.Second},
		{"DefaultTimeout", cfg.Dispatch.DefaultTimeout, 20 * time.Second},
		{"MaxTimeout", cfg.Dispatch.MaxTimeout, time.Hour},
	}
	for _, d := range durations {
		if d.got != d.want {
			t.Errorf("%s = %v, want %v", d.name, d.got, d.want)
		}
	}

	if cfg.Transfer.ChunkSize != 4096 {
		t.Errorf("Transfer.ChunkSize = %d, want 4096", cfg.Transfer.ChunkSize)
	}
	if cfg.Transfer.DownloadDir != "/var/lib/coven/downloads" {
		t.Errorf("Transfer.DownloadDir = %q", cfg.Transfer.DownloadDir)
	}
	if cfg.Transfer.MaxFrameSize != 1048576 {
		t.Errorf("Transfer.MaxFrameSize = %d, want 1048576", cfg.Transfer.MaxFrameSize)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "dispatch.toml", `
[server]
agent_addr = "0.0.0.0:7001"
http_addr = ""

[agents]
inactivity_timeout = "0s"

[dispatch]
default_timeout = "5s"

[transfer]
chunk_size = 1024
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.AgentAddr != "0.0.0.0:7001" {
		t.Errorf("Server.AgentAddr = %q, want %q", cfg.Server.AgentAddr, "0.0.0.0:7001")
	}
	if cfg.Server.HTTPAddr != "" {
		t.Errorf("Server.HTTPAddr = %q, want empty", cfg.Server.HTTPAddr)
	}
	if cfg.Agents.InactivityTimeout != 0 {
		t.Errorf("Agents.InactivityTimeout = %v, want 0", cfg.Agents.InactivityTimeout)
	}
	if cfg.Dispatch.DefaultTimeout != 5*time.Second {
		t.Errorf("Dispatch.DefaultTimeout = %v, want 5s", cfg.Dispatch.DefaultTimeout)
	}
	if cfg.Dispatch.MaxTimeout != 10*time.Minute {
		t.Errorf("Dispatch.MaxTimeout = %v, want default 10m", cfg.Dispatch.MaxTimeout)
	}
	if cfg.Transfer.ChunkSize != 1024 {
		t.Errorf("Transfer.ChunkSize = %d, want 1024", cfg.Transfer.ChunkSize)
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	path := writeConfig(t, "dispatch.yaml", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def := Default()
	if cfg.Server != def.Server {
		t.Errorf("Server = %+v, want %+v", cfg.Server, def.Server)
	}
	if cfg.Agents.HandshakeTimeout != 10*time.Second {
		t.Errorf("Agents.HandshakeTimeout = %v, want 10s", cfg.Agents.HandshakeTimeout)
	}
	if cfg.Transfer.ChunkSize != 32*1024 {
		t.Errorf("Transfer.ChunkSize = %d, want %d", cfg.Transfer.ChunkSize, 32*1024)
	}
	if cfg.Database.Path != "" {
		t.Errorf("Database.Path = %q, want empty", cfg.Database.Path)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_DISPATCH_SECRET", strings.Repeat("s", 40))
	t.Setenv("TEST_DISPATCH_DB", "/tmp/audit.db")

	path := writeConfig(t, "dispatch.yaml", `
database:
  path: "${TEST_DISPATCH_DB}"
auth:
  jwt_secret: "${TEST_DISPATCH_SECRET}"
tailscale:
  auth_key: "${TEST_DISPATCH_UNSET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/audit.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/audit.db")
	}
	if len(cfg.Auth.JWTSecret) != 40 {
		t.Errorf("Auth.JWTSecret length = %d, want 40", len(cfg.Auth.JWTSecret))
	}
	if cfg.Tailscale.AuthKey != "" {
		t.Errorf("Tailscale.AuthKey = %q, want empty for unset variable", cfg.Tailscale.AuthKey)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"bad duration", "c.yaml", "agents:\n  handshake_timeout: soon\n", "handshake_timeout"},
		{"bad yaml", "c.yaml", "server: [unclosed\n", "parsing config file"},
		{"bad toml", "c.toml", "[server\n", "parsing config file"},
		{"missing agent addr", "c.yaml", "server:\n  agent_addr: \"\"\n", "server.agent_addr is required"},
		{"tailscale without hostname", "c.yaml", "server:\n  agent_addr: \"\"\ntailscale:\n  enabled: true\n", "tailscale.hostname"},
		{"short jwt secret", "c.yaml", "auth:\n  jwt_secret: short\n", "at least 32 bytes"},
		{"default above max", "c.yaml", "dispatch:\n  default_timeout: 1h\n  max_timeout: 1m\n", "exceeds"},
		{"chunk above frame", "c.yaml", "transfer:\n  chunk_size: 2048\n  max_frame_size: 1024\n", "max_frame_size"},
		{"zero chunk", "c.yaml", "transfer:\n  chunk_size: -1\n", "chunk_size must be positive"},
		{"chunk above payload limit", "c.yaml", "transfer:\n  chunk_size: 16777217\n", "chunk_size (16777217) exceeds the protocol payload limit"},
		{"frame above payload limit", "c.yaml", "transfer:\n  max_frame_size: 33554432\n", "max_frame_size (33554432) exceeds the protocol payload limit"},
		{"bad level", "c.yaml", "logging:\n  level: loud\n", "logging.level"},
		{"bad format", "c.yaml", "logging:\n  format: xml\n", "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v, want reading config file error", err)
	}
}

func TestParse_UnsupportedFormat(t *testing.T) {
	if _, err := Parse([]byte(""), "ini"); err == nil {
		t.Error("Parse() error = nil, want unsupported format error")
	}
}

func TestDefaultPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "/etc/coven/custom.toml")
		if got := DefaultPath(); got != "/etc/coven/custom.toml" {
			t.Errorf("DefaultPath() = %q", got)
		}
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		want := filepath.Join("/xdg", "coven", "dispatch.yaml")
		if got := DefaultPath(); got != want {
			t.Errorf("DefaultPath() = %q, want %q", got, want)
		}
	})
}

func TestLoggingConfig_SlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for level, want := range tests {
		if got := (LoggingConfig{Level: level}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", level, got, want)
		}
	}
}
