// Package config handles configuration loading for coven-dispatch.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Every field has a default, so an empty file is a valid config.
//
// # Configuration File
//
// Default location:
//
//  1. Path from COVEN_DISPATCH_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/dispatch.yaml (~/.config when unset)
//
// Files ending in .toml are parsed as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// # Configuration Sections
//
//	server:
//	  agent_addr: "0.0.0.0:9999"   # agent connections (raw TCP)
//	  http_addr: "127.0.0.1:8080"  # operator API
//	  grpc_addr: ""                # gRPC health service
//
//	agents:
//	  handshake_timeout: "10s"
//	  inactivity_timeout: "5m"     # 0 disables the sweeper
//	  sweep_interval: "30s"
//	  write_timeout: "30s"
//
//	dispatch:
//	  default_timeout: "30s"
//	  max_timeout: "10m"
//
//	transfer:
//	  chunk_size: 32768
//	  download_dir: "download"
//	  max_frame_size: 16777216
//
//	database:
//	  path: ""                     # dispatch audit log, empty disables
//
//	logging:
//	  level: "info"                # debug, info, warn, error
//	  format: "text"               # text, json
//
// Tailscale replaces the TCP agent listener with a tsnet node:
//
//	tailscale:
//	  enabled: true
//	  hostname: "coven-dispatch"
//	  auth_key: "${TS_AUTHKEY}"
package config
