// Package config loads client configuration from an optional YAML file with
// environment-variable overrides on top.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Defaults applied after the file and environment layers.
const (
	DefaultAPIBaseURL      = "https://api.madrasa.app"
	DefaultRefreshInterval = 4 * time.Minute
	DefaultReconnectDelay  = 3 * time.Second
	DefaultFetchLimit      = 20
	DefaultAgentAddr       = ":9460"
)

// Config holds runtime configuration shared by the CLI and the agent.
type Config struct {
	APIBaseURL      string        `yaml:"api_url" env:"MADRASA_API_URL"`
	WSURL           string        `yaml:"ws_url" env:"MADRASA_WS_URL"`
	StateDir        string        `yaml:"state_dir" env:"MADRASA_STATE_DIR"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"MADRASA_REFRESH_INTERVAL"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay" env:"MADRASA_RECONNECT_DELAY"`
	FetchLimit      int           `yaml:"notify_limit" env:"MADRASA_NOTIFY_LIMIT"`
	NATSURL         string        `yaml:"nats_url" env:"MADRASA_NATS_URL"`
	OTLPEndpoint    string        `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AgentAddr       string        `yaml:"agent_addr" env:"MADRASA_AGENT_ADDR"`
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "madrasa", "config.yaml")
}

// Load builds a Config from the YAML file at path (or the default location
// when path is empty), overlays environment variables, applies defaults, and
// validates. A missing file is not an error; a malformed one is.
func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
			// No config file is fine; env and defaults cover it.
		default:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if cfg.WSURL == "" {
		cfg.WSURL = deriveWSURL(cfg.APIBaseURL)
	}
	if cfg.StateDir == "" {
		if base, err := os.UserConfigDir(); err == nil {
			cfg.StateDir = filepath.Join(base, "madrasa")
		}
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.FetchLimit == 0 {
		cfg.FetchLimit = DefaultFetchLimit
	}
	if cfg.AgentAddr == "" {
		cfg.AgentAddr = DefaultAgentAddr
	}
}

// deriveWSURL maps the API base URL onto the notification websocket endpoint.
func deriveWSURL(apiBaseURL string) string {
	parsed, err := url.Parse(apiBaseURL)
	if err != nil {
		return ""
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	default:
		return ""
	}
	parsed.Path = "/ws/notifications/"
	parsed.RawQuery = ""
	return parsed.String()
}

func (c Config) validate() error {
	parsed, err := url.Parse(c.APIBaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("invalid api url: %q", c.APIBaseURL)
	}
	ws, err := url.Parse(c.WSURL)
	if err != nil || (ws.Scheme != "ws" && ws.Scheme != "wss") || ws.Host == "" {
		return fmt.Errorf("invalid websocket url: %q", c.WSURL)
	}
	if c.StateDir == "" {
		return errors.New("state dir is required")
	}
	if c.RefreshInterval < time.Second {
		return fmt.Errorf("refresh interval too small: %s", c.RefreshInterval)
	}
	if c.ReconnectDelay < 100*time.Millisecond {
		return fmt.Errorf("reconnect delay too small: %s", c.ReconnectDelay)
	}
	if c.FetchLimit <= 0 || c.FetchLimit > 200 {
		return fmt.Errorf("notify limit out of range: %d", c.FetchLimit)
	}
	return nil
}
