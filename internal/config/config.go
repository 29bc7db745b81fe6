// ABOUTME: Configuration loading and parsing for rewards-gateway
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

// Config represents the complete rewards-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale" toml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Matrix       MatrixConfig       `yaml:"matrix" toml:"matrix"`
	Runtime      RuntimeConfig      `yaml:"runtime" toml:"runtime"`
	Protection   ProtectionConfig   `yaml:"protection" toml:"protection"`
	Verification VerificationConfig `yaml:"verification" toml:"verification"`
	VPN          VPNConfig          `yaml:"vpn" toml:"vpn"`
	Plans        map[string]Plan    `yaml:"plans" toml:"plans"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics" toml:"metrics"`
}

// AuthConfig holds admin API authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public HTTPS, needed for the verification page
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
	// CredentialKey seals tenant credentials at rest (32 bytes, base64). Empty stores them in plain text.
	CredentialKey string `yaml:"credential_key" toml:"credential_key"`
}

// MatrixConfig holds the homeserver every tenant bot lives on
type MatrixConfig struct {
	Homeserver string  `yaml:"homeserver" toml:"homeserver"`
	SendRate   float64 `yaml:"send_rate" toml:"send_rate"` // messages per second per tenant
	SendBurst  int     `yaml:"send_burst" toml:"send_burst"`
}

// RuntimeConfig holds tenant loop timing configuration
type RuntimeConfig struct {
	RestoreDelay        time.Duration `yaml:"-" toml:"-"`
	ReconnectMaxBackoff time.Duration `yaml:"-" toml:"-"`
	DedupeTTL           time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RestoreDelayRaw        string `yaml:"restore_delay" toml:"restore_delay"`
	ReconnectMaxBackoffRaw string `yaml:"reconnect_max_backoff" toml:"reconnect_max_backoff"`
	DedupeTTLRaw           string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// ProtectionConfig holds the defaults for protection settings.
// Rows in the settings table override these at runtime.
type ProtectionConfig struct {
	IPBanEnabled              *bool `yaml:"ip_ban_enabled" toml:"ip_ban_enabled"`
	MaxUsersPerIP             int   `yaml:"max_users_per_ip" toml:"max_users_per_ip"`
	BanDurationHours          int   `yaml:"ban_duration_hours" toml:"ban_duration_hours"`
	MaxAttemptsPerHour        int   `yaml:"max_attempts_per_hour" toml:"max_attempts_per_hour"`
	TokenTTLMinutes           int   `yaml:"token_ttl_minutes" toml:"token_ttl_minutes"`
	BlockDuplicateDevices     *bool `yaml:"block_duplicate_devices" toml:"block_duplicate_devices"`
	DeviceVerificationEnabled *bool `yaml:"device_verification_enabled" toml:"device_verification_enabled"`
	VPNDetectionEnabled       bool  `yaml:"vpn_detection_enabled" toml:"vpn_detection_enabled"`
}

// VerificationConfig describes the external device verification page
type VerificationConfig struct {
	WebURL     string `yaml:"web_url" toml:"web_url"`
	CORSOrigin string `yaml:"cors_origin" toml:"cors_origin"`
}

// VPNConfig holds the ip reputation lookup configuration
type VPNConfig struct {
	Endpoint   string        `yaml:"endpoint" toml:"endpoint"`
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// Plan describes a hosting plan tier
type Plan struct {
	MaxUsers     int `yaml:"max_users" toml:"max_users"`
	DurationDays int `yaml:"duration_days" toml:"duration_days"` // 0 means no expiry
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
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

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

// ApplyDefaults fills every optional field that was left empty.
func (c *Config) ApplyDefaults() {
	if c.Matrix.SendRate <= 0 {
		c.Matrix.SendRate = 1
	}
	if c.Matrix.SendBurst <= 0 {
		c.Matrix.SendBurst = 5
	}
	if c.Runtime.RestoreDelay == 0 {
		c.Runtime.RestoreDelay = time.Second
	}
	if c.Runtime.ReconnectMaxBackoff == 0 {
		c.Runtime.ReconnectMaxBackoff = 2 * time.Minute
	}
	if c.Runtime.DedupeTTL == 0 {
		c.Runtime.DedupeTTL = 10 * time.Minute
	}

	p := &c.Protection
	if p.IPBanEnabled == nil {
		p.IPBanEnabled = boolPtr(true)
	}
	if p.MaxUsersPerIP == 0 {
		p.MaxUsersPerIP = 1
	}
	if p.BanDurationHours == 0 {
		p.BanDurationHours = 72
	}
	if p.MaxAttemptsPerHour == 0 {
		p.MaxAttemptsPerHour = 5
	}
	if p.TokenTTLMinutes == 0 {
		p.TokenTTLMinutes = 5
	}
	if p.BlockDuplicateDevices == nil {
		p.BlockDuplicateDevices = boolPtr(true)
	}
	if p.DeviceVerificationEnabled == nil {
		p.DeviceVerificationEnabled = boolPtr(true)
	}

	if c.VPN.Endpoint == "" {
		c.VPN.Endpoint = "http://ip-api.com/json/"
	}
	if c.VPN.Timeout == 0 {
		c.VPN.Timeout = 3 * time.Second
	}

	if c.Plans == nil {
		c.Plans = make(map[string]Plan)
	}
	for name, plan := range DefaultPlans() {
		if _, ok := c.Plans[name]; !ok {
			c.Plans[name] = plan
		}
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// DefaultPlans returns the built-in hosting plan tiers.
func DefaultPlans() map[string]Plan {
	return map[string]Plan{
		"free":       {MaxUsers: 2000, DurationDays: 0},
		"premium":    {MaxUsers: 10000, DurationDays: 30},
		"enterprise": {MaxUsers: 100000, DurationDays: 30},
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}

	p := c.Protection
	if p.MaxUsersPerIP < 0 || p.MaxAttemptsPerHour < 0 || p.BanDurationHours < 0 || p.TokenTTLMinutes < 0 {
		return fmt.Errorf("protection limits must not be negative")
	}

	for name, plan := range c.Plans {
		if plan.MaxUsers <= 0 {
			return fmt.Errorf("plans.%s.max_users must be positive", name)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"restore_delay", cfg.Runtime.RestoreDelayRaw, &cfg.Runtime.RestoreDelay},
		{"reconnect_max_backoff", cfg.Runtime.ReconnectMaxBackoffRaw, &cfg.Runtime.ReconnectMaxBackoff},
		{"dedupe_ttl", cfg.Runtime.DedupeTTLRaw, &cfg.Runtime.DedupeTTL},
		{"vpn.timeout", cfg.VPN.TimeoutRaw, &cfg.VPN.Timeout},
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

func boolPtr(b bool) *bool { return &b }
