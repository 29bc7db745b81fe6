// Package config handles configuration loading for rewards-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The format is chosen by file extension (.toml, anything else is
// YAML). Every optional field gets a default in ApplyDefaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from REWARDS_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/rewards/gateway.yaml
//  3. ~/.config/rewards/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${REWARDS_JWT_SECRET}"
//
// # Protection Defaults
//
// The protection section only seeds defaults. Administrators override each
// value at runtime through the settings table, see package settings.
//
//	protection:
//	  max_users_per_ip: 1
//	  ban_duration_hours: 72
//	  max_attempts_per_hour: 5
//	  token_ttl_minutes: 5
//	  block_duplicate_devices: true
//	  device_verification_enabled: true
//	  vpn_detection_enabled: false
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	runtime:
//	  restore_delay: "1s"
//	  reconnect_max_backoff: "2m"
package config
