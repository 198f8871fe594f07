package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "0.0.0.0:2222", cfg.Server.Listen)
	assert.Equal(t, 10*time.Minute, cfg.Server.ShutdownAfter)
	assert.Equal(t, "Server shutting down after 10 minutes", cfg.Server.ShutdownReason)
	assert.Equal(t, 256, cfg.Server.OutboundQueue)
	assert.Equal(t, time.Hour, cfg.SSH.InactivityTimeout)
	assert.Equal(t, 3*time.Second, cfg.SSH.AuthRejectionTime)
	assert.Equal(t, time.Duration(0), cfg.SSH.AuthRejectionTimeInitial)
	assert.NoError(t, Validate(cfg))
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
logging:
  level: debug
  format: json
server:
  listen: 127.0.0.1:2200
  shutdown_after: 0s
ssh:
  host_keys:
    - /etc/sshhub/host_ed25519
  auth_rejection_time: 1s
  inactivity_timeout: 90s
auth:
  cache:
    backend: redis
    redis:
      addrs: ["localhost:6379"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "127.0.0.1:2200", cfg.Server.Listen)
	assert.Equal(t, time.Duration(0), cfg.Server.ShutdownAfter)
	assert.Equal(t, []string{"/etc/sshhub/host_ed25519"}, cfg.SSH.HostKeys)
	assert.Equal(t, time.Second, cfg.SSH.AuthRejectionTime)
	assert.Equal(t, 90*time.Second, cfg.SSH.InactivityTimeout)
	assert.Equal(t, "redis", cfg.Auth.Cache.Backend)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Auth.Cache.Redis.Addrs)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, 256, cfg.Server.OutboundQueue)
	assert.Equal(t, "sshhub:auth:", cfg.Auth.Cache.Redis.Namespace)
	assert.Equal(t, "Server shutting down after 10 minutes", cfg.Server.ShutdownReason)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SSHHUB_SERVER_LISTEN", "127.0.0.1:2022")
	t.Setenv("SSHHUB_SSH_INACTIVITY_TIMEOUT", "5m")
	t.Setenv("SSHHUB_SSH_HOST_KEYS", "/a,/b")
	t.Setenv("SSHHUB_METRICS_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:2022", cfg.Server.Listen)
	assert.Equal(t, 5*time.Minute, cfg.SSH.InactivityTimeout)
	assert.Equal(t, []string{"/a", "/b"}, cfg.SSH.HostKeys)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"listen without port", func(c *Config) { c.Server.Listen = "localhost" }},
		{"empty shutdown reason", func(c *Config) { c.Server.ShutdownReason = "" }},
		{"zero outbound queue", func(c *Config) { c.Server.OutboundQueue = 0 }},
		{"negative inactivity timeout", func(c *Config) { c.SSH.InactivityTimeout = -time.Second }},
		{"bad server version", func(c *Config) { c.SSH.ServerVersion = "OpenSSH" }},
		{"unknown cache backend", func(c *Config) { c.Auth.Cache.Backend = "disk" }},
		{"redis without addrs", func(c *Config) { c.Auth.Cache.Backend = "redis" }},
		{"metrics without addr", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Addr = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, WriteDefault(path, false))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "# sshhub configuration file")
	assert.Contains(t, string(content), "inactivity_timeout: 1h0m0s")
	assert.Contains(t, string(content), "0.0.0.0:2222")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
	assert.Equal(t, Default().SSH.InactivityTimeout, cfg.SSH.InactivityTimeout)
	assert.Equal(t, Default().Auth.Cache.TTL, cfg.Auth.Cache.TTL)

	err = WriteDefault(path, false)
	assert.ErrorIs(t, err, ErrConfigExists)

	assert.NoError(t, WriteDefault(path, true))
}
