package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	// An explicit path that does not exist is an error.
	require.Error(t, err)

	t.Setenv("MADRASA_STATE_DIR", t.TempDir())
	cfg, err = Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIBaseURL, cfg.APIBaseURL)
	assert.Equal(t, "wss://api.madrasa.app/ws/notifications/", cfg.WSURL)
	assert.Equal(t, DefaultRefreshInterval, cfg.RefreshInterval)
	assert.Equal(t, DefaultReconnectDelay, cfg.ReconnectDelay)
	assert.Equal(t, DefaultFetchLimit, cfg.FetchLimit)
	assert.Equal(t, DefaultAgentAddr, cfg.AgentAddr)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_url: http://localhost:8000
state_dir: `+dir+`
refresh_interval: 2m
notify_limit: 50
`), 0o600))

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", cfg.APIBaseURL)
	assert.Equal(t, "ws://localhost:8000/ws/notifications/", cfg.WSURL)
	assert.Equal(t, 2*time.Minute, cfg.RefreshInterval)
	assert.Equal(t, 50, cfg.FetchLimit)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_url: http://file.example\nstate_dir: "+dir+"\n"), 0o600))

	t.Setenv("MADRASA_API_URL", "https://env.example")
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example", cfg.APIBaseURL)
	assert.Equal(t, "wss://env.example/ws/notifications/", cfg.WSURL)
}

func TestDeriveWSURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"https to wss", "https://api.madrasa.app", "wss://api.madrasa.app/ws/notifications/"},
		{"http to ws", "http://localhost:8000", "ws://localhost:8000/ws/notifications/"},
		{"strips existing path", "https://api.madrasa.app/v1", "wss://api.madrasa.app/ws/notifications/"},
		{"unsupported scheme", "ftp://x", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveWSURL(tt.in))
		})
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		APIBaseURL:      "https://api.madrasa.app",
		WSURL:           "wss://api.madrasa.app/ws/notifications/",
		StateDir:        "/tmp/madrasa",
		RefreshInterval: 4 * time.Minute,
		ReconnectDelay:  3 * time.Second,
		FetchLimit:      20,
		AgentAddr:       ":9460",
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"bad api scheme", func(c *Config) { c.APIBaseURL = "ftp://x" }, true},
		{"bad ws scheme", func(c *Config) { c.WSURL = "https://x" }, true},
		{"missing state dir", func(c *Config) { c.StateDir = "" }, true},
		{"tiny refresh interval", func(c *Config) { c.RefreshInterval = 10 * time.Millisecond }, true},
		{"tiny reconnect delay", func(c *Config) { c.ReconnectDelay = time.Millisecond }, true},
		{"limit too large", func(c *Config) { c.FetchLimit = 10000 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
