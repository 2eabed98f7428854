package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "memory", cfg.Store.Provider)
	require.Equal(t, "none", cfg.Archive.Provider)
	require.True(t, cfg.Engine.Enabled)
	require.Equal(t, 4096, cfg.Bus.BufferSize)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
server:
  port: 9090
auth:
  enabled: true
  api_key: sekrit
store:
  provider: postgres
  dsn: postgres://localhost/runlens
archive:
  provider: local
  base_dir: /tmp/archives
engine:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "postgres", cfg.Store.Provider)
	require.Equal(t, "/tmp/archives", cfg.Archive.BaseDir)
	require.False(t, cfg.Engine.Enabled)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true; c.Auth.APIKey = "" }},
		{"unknown store provider", func(c *Config) { c.Store.Provider = "etcd" }},
		{"postgres without dsn", func(c *Config) { c.Store.Provider = "postgres"; c.Store.DSN = "" }},
		{"local archive without dir", func(c *Config) { c.Archive.Provider = "local"; c.Archive.BaseDir = "" }},
		{"gcs archive without bucket", func(c *Config) { c.Archive.Provider = "gcs" }},
		{"pubsub without subscription", func(c *Config) { c.PubSub.Enabled = true; c.PubSub.ProjectID = "p" }},
		{"engine bad failure rate", func(c *Config) { c.Engine.FailureRate = 1.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
