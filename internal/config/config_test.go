// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

matrix:
  homeserver: "https://matrix.example.org"
  send_rate: 2.5
  send_burst: 10

runtime:
  restore_delay: "250ms"
  reconnect_max_backoff: "30s"

protection:
  max_users_per_ip: 3
  ban_duration_hours: 24
  block_duplicate_devices: false
  vpn_detection_enabled: true

plans:
  premium:
    max_users: 5000
    duration_days: 60

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:50051", cfg.Server.GRPCAddr)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "./test.db", cfg.Database.Path)
	assert.Equal(t, "https://matrix.example.org", cfg.Matrix.Homeserver)
	assert.InDelta(t, 2.5, cfg.Matrix.SendRate, 0.001)
	assert.Equal(t, 10, cfg.Matrix.SendBurst)
	assert.Equal(t, 250*time.Millisecond, cfg.Runtime.RestoreDelay)
	assert.Equal(t, 30*time.Second, cfg.Runtime.ReconnectMaxBackoff)
	assert.Equal(t, 10*time.Minute, cfg.Runtime.DedupeTTL)

	assert.Equal(t, 3, cfg.Protection.MaxUsersPerIP)
	assert.Equal(t, 24, cfg.Protection.BanDurationHours)
	assert.Equal(t, 5, cfg.Protection.MaxAttemptsPerHour)
	assert.False(t, *cfg.Protection.BlockDuplicateDevices)
	assert.True(t, *cfg.Protection.IPBanEnabled)
	assert.True(t, cfg.Protection.VPNDetectionEnabled)

	assert.Equal(t, Plan{MaxUsers: 5000, DurationDays: 60}, cfg.Plans["premium"])
	assert.Equal(t, 2000, cfg.Plans["free"].MaxUsers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
grpc_addr = "127.0.0.1:50051"
http_addr = "127.0.0.1:8080"

[database]
path = "/tmp/rewards.db"

[matrix]
homeserver = "https://matrix.example.org"

[runtime]
restore_delay = "2s"

[protection]
max_attempts_per_hour = 9
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:50051", cfg.Server.GRPCAddr)
	assert.Equal(t, "/tmp/rewards.db", cfg.Database.Path)
	assert.Equal(t, 2*time.Second, cfg.Runtime.RestoreDelay)
	assert.Equal(t, 9, cfg.Protection.MaxAttemptsPerHour)
	assert.Equal(t, 1, cfg.Protection.MaxUsersPerIP)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("REWARDS_TEST_SECRET", "super-secret")
	t.Setenv("REWARDS_TEST_HS", "https://hs.example.org")

	path := writeConfig(t, "config.yaml", `
server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"
database:
  path: "db.sqlite"
matrix:
  homeserver: "${REWARDS_TEST_HS}"
auth:
  jwt_secret: "${REWARDS_TEST_SECRET}"
verification:
  web_url: "${REWARDS_TEST_UNSET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "super-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "https://hs.example.org", cfg.Matrix.Homeserver)
	assert.Empty(t, cfg.Verification.WebURL)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"
database:
  path: "db.sqlite"
matrix:
  homeserver: "https://hs.example.org"
runtime:
  restore_delay: "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore_delay")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			Server:   ServerConfig{GRPCAddr: "a:1", HTTPAddr: "a:2"},
			Database: DatabaseConfig{Path: "x.db"},
			Matrix:   MatrixConfig{Homeserver: "https://hs"},
		}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing grpc addr", func(c *Config) { c.Server.GRPCAddr = "" }, "server.grpc_addr"},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale replaces addresses", func(c *Config) {
			c.Server = ServerConfig{}
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "rewards"}
		}, ""},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"missing database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"missing homeserver", func(c *Config) { c.Matrix.Homeserver = "" }, "matrix.homeserver"},
		{"negative limit", func(c *Config) { c.Protection.MaxUsersPerIP = -1 }, "must not be negative"},
		{"bad plan", func(c *Config) { c.Plans["tiny"] = Plan{} }, "plans.tiny"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := &Config{
		Protection: ProtectionConfig{MaxUsersPerIP: 4, IPBanEnabled: boolPtr(false)},
		Plans:      map[string]Plan{"free": {MaxUsers: 10}},
	}
	cfg.ApplyDefaults()

	assert.Equal(t, 4, cfg.Protection.MaxUsersPerIP)
	assert.False(t, *cfg.Protection.IPBanEnabled)
	assert.Equal(t, 10, cfg.Plans["free"].MaxUsers)
	assert.Equal(t, 10000, cfg.Plans["premium"].MaxUsers)
	assert.Equal(t, 3*time.Second, cfg.VPN.Timeout)
}
