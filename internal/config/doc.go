// Package config handles configuration loading for coven-probe.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Fields absent from the file keep the values from Default.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_PROBE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/probe.yaml
//  3. ~/.config/coven/probe.yaml
//
// A missing file is not an error for the CLI; it falls back to Default.
// Files ending in .toml are decoded with BurntSushi/toml, everything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	agent:
//	  device: "${PROBE_DEVICE}"
//
// After loading, ApplyEnv applies COVEN_PROBE_SAFE_IO, COVEN_PROBE_AGENT_SCRIPT
// and COVEN_PROBE_DEBUG.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agent:
//	  request_timeout: "30s"   # 0s waits until reply or detach
//	host:
//	  shell_timeout: "10s"
//
// # Configuration Sections
//
//	agent:
//	  device: "localhost:27042"
//	  pid: 1234
//	  spawn: "/usr/bin/target --flag"
//	  run: true
//	  script: "./agent.js"
//	  safe_io: false
//	  scripts_dirs: ["~/.config/coven/scripts"]
//	host:
//	  allow_shell: false
//	database:
//	  path: "~/.local/share/coven/probe.db"
//	logging:
//	  level: "info"     # debug, info, warn, error
//	  format: "text"    # text, json
package config
