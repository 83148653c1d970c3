// Package config handles configuration loading for mcp-hub.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the name
// ends in .toml, with environment variable expansion, defaults and
// validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MCP_HUB_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/mcp-hub/hub.yaml
//  3. ~/.config/mcp-hub/hub.yaml
//
// MCP_HUB_DB_PATH overrides database.path.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  shared_secret: "${MCP_HUB_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  heartbeat_timeout: "60s"
//	  sweep_interval: "30s"
//	  flush_interval: "5s"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  driver: "sqlite"            # or "postgres" with dsn
//	  path: "/var/lib/mcp-hub/hub.db"
//
//	hub:
//	  queue_size: 256
//	  write_timeout: "10s"
//	  critical_retries: 3
//	  critical_retry_delay: "100ms"
//	  broadcast_min_priority: 3   # 0 broadcasts every entry
//
//	cache:
//	  max_entries: 10000
//	  ttl: "1h"
//
//	logging:
//	  level: "info"
//	  format: "text"
//
// # Reloading
//
// Watch reloads the file on change. The server applies logging.level from a
// reloaded file; other settings take effect on restart.
package config
