// Package config loads proxy configuration from YAML with environment
// overrides layered on top.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/mcplens/mcplens/pkg/types"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Auth     AuthConfig      `yaml:"auth"`
	Storage  StorageConfig   `yaml:"storage"`
	Upstream []UpstreamSpec  `yaml:"upstreams"`
	Costs    types.CostRates `yaml:"cost_rates"`
	Logging  LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	// Port serves the HTTP forwarding and control surface.
	Port int `yaml:"port"`

	// WSPort serves the standalone live channel. The channel is always
	// also mounted at /ws on the main port.
	WSPort int `yaml:"ws_port"`

	// DashboardURL is the origin allowed by CORS on the control surface.
	DashboardURL string `yaml:"dashboard_url"`

	// MaxBodySize bounds forwarded request bodies. Accepts byte-size
	// strings such as "1MB".
	MaxBodySize string `yaml:"max_body_size"`
}

type AuthConfig struct {
	// APIKey guards the HTTP surface and the live channel when set.
	APIKey string `yaml:"api_key"`
}

type StorageConfig struct {
	// Kind selects the backend: memory or sqlite.
	Kind string `yaml:"kind"`

	// Path is the database file for the sqlite backend.
	Path string `yaml:"path"`

	// LogRetentionDays bounds how long ended sessions, their events, and
	// alerts are kept.
	LogRetentionDays int `yaml:"log_retention_days"`

	// MaxEventsPerSession caps recorded events per session; excess events
	// are counted but not persisted.
	MaxEventsPerSession int `yaml:"max_events_per_session"`
}

// UpstreamSpec describes one MCP server the proxy fronts.
type UpstreamSpec struct {
	Name string `yaml:"name"`

	// Transport is stdio or sse.
	Transport string `yaml:"transport"`

	// Command and Args spawn the stdio upstream. The command is executed
	// directly, never through a shell.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`

	// URL is the event-stream endpoint for the sse transport.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3100
	}
	if cfg.Server.WSPort == 0 {
		cfg.Server.WSPort = 3101
	}
	if cfg.Server.MaxBodySize == "" {
		cfg.Server.MaxBodySize = "10MB"
	}
	if cfg.Storage.Kind == "" {
		cfg.Storage.Kind = "memory"
	}
	if cfg.Storage.LogRetentionDays == 0 {
		cfg.Storage.LogRetentionDays = 7
	}
	if cfg.Storage.MaxEventsPerSession == 0 {
		cfg.Storage.MaxEventsPerSession = 1000
	}
	if cfg.Costs.InputPer1kTokens == 0 {
		cfg.Costs.InputPer1kTokens = 0.003
	}
	if cfg.Costs.OutputPer1kTokens == 0 {
		cfg.Costs.OutputPer1kTokens = 0.015
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	for i := range cfg.Upstream {
		if cfg.Upstream[i].Transport == "" {
			cfg.Upstream[i].Transport = "stdio"
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MCPLENS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("MCPLENS_WS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.WSPort = n
		}
	}
	if v := os.Getenv("MCPLENS_DASHBOARD_URL"); v != "" {
		cfg.Server.DashboardURL = v
	}
	if v := os.Getenv("MCPLENS_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("MCPLENS_STORAGE_PATH"); v != "" {
		cfg.Storage.Kind = "sqlite"
		cfg.Storage.Path = v
	}
	if v := os.Getenv("MCPLENS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", cfg.Server.Port)
	}
	if cfg.Server.WSPort < 0 || cfg.Server.WSPort > 65535 {
		return fmt.Errorf("invalid server.ws_port %d", cfg.Server.WSPort)
	}
	if _, err := ParseByteSize(cfg.Server.MaxBodySize); err != nil {
		return fmt.Errorf("invalid server.max_body_size: %w", err)
	}
	switch cfg.Storage.Kind {
	case "memory":
	case "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path required for sqlite storage")
		}
	default:
		return fmt.Errorf("invalid storage.kind %q", cfg.Storage.Kind)
	}
	if cfg.Storage.LogRetentionDays < 1 {
		return fmt.Errorf("storage.log_retention_days must be >= 1")
	}
	if cfg.Storage.MaxEventsPerSession < 1 {
		return fmt.Errorf("storage.max_events_per_session must be >= 1")
	}
	if cfg.Costs.InputPer1kTokens < 0 || cfg.Costs.OutputPer1kTokens < 0 {
		return fmt.Errorf("cost_rates must not be negative")
	}
	seen := make(map[string]struct{}, len(cfg.Upstream))
	for _, u := range cfg.Upstream {
		if u.Name == "" {
			return fmt.Errorf("upstream name is required")
		}
		if _, dup := seen[u.Name]; dup {
			return fmt.Errorf("duplicate upstream name %q", u.Name)
		}
		seen[u.Name] = struct{}{}
		switch u.Transport {
		case "stdio":
			if u.Command == "" {
				return fmt.Errorf("upstream %s: command required for stdio transport", u.Name)
			}
		case "sse":
			if u.URL == "" {
				return fmt.Errorf("upstream %s: url required for sse transport", u.Name)
			}
			parsed, err := url.Parse(u.URL)
			if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
				return fmt.Errorf("upstream %s: invalid url %q", u.Name, u.URL)
			}
		default:
			return fmt.Errorf("upstream %s: invalid transport %q", u.Name, u.Transport)
		}
	}
	return nil
}
