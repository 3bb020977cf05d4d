package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level sync bridge configuration.
type Config struct {
	Sync      SyncConfig      `yaml:"sync"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type SyncConfig struct {
	// Enabled gates the whole service: when false, Start() returns without
	// binding any port.
	Enabled bool `yaml:"enabled"`
	// Port is the preferred WebSocket port; a +10 dynamic scan is applied
	// when busy.
	Port int `yaml:"port"`
	// DiscoveryPort is the preferred HTTP discovery port, same scan rule.
	DiscoveryPort int `yaml:"discovery_port"`
	// ServiceName is surfaced in the /discover response.
	ServiceName string `yaml:"service_name"`
	// MaxConnections caps simultaneous connected sessions.
	MaxConnections int `yaml:"max_connections"`
	// RedactPatterns are regexes stripped from task text before it is
	// mirrored off-host.
	RedactPatterns []string `yaml:"redact_patterns"`
}

type HeartbeatConfig struct {
	Interval string `yaml:"interval"`
	Grace    string `yaml:"grace"`
}

type SessionConfig struct {
	// ConsecutiveMistakeLimit bounds the host's anti-runaway heuristic for
	// remote-driven tasks. Zero means unbounded: the remote client is a
	// trusted driver whose session must not be terminated by the host.
	ConsecutiveMistakeLimit int `yaml:"consecutive_mistake_limit"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file overrides are present.
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			Enabled:        true,
			Port:           8765,
			DiscoveryPort:  8766,
			ServiceName:    defaultServiceName(),
			MaxConnections: 10,
		},
		Heartbeat: HeartbeatConfig{
			Interval: "30s",
			Grace:    "5s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads and parses a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and duration syntax.
func (c *Config) Validate() error {
	if c.Sync.Port < 1 || c.Sync.Port > 65535 {
		return fmt.Errorf("sync.port %d out of range", c.Sync.Port)
	}
	if c.Sync.DiscoveryPort < 1 || c.Sync.DiscoveryPort > 65535 {
		return fmt.Errorf("sync.discovery_port %d out of range", c.Sync.DiscoveryPort)
	}
	if c.Sync.MaxConnections < 1 {
		return fmt.Errorf("sync.max_connections must be positive, got %d", c.Sync.MaxConnections)
	}
	if c.Heartbeat.Interval != "" {
		if _, err := time.ParseDuration(c.Heartbeat.Interval); err != nil {
			return fmt.Errorf("heartbeat.interval: %w", err)
		}
	}
	if c.Heartbeat.Grace != "" {
		if _, err := time.ParseDuration(c.Heartbeat.Grace); err != nil {
			return fmt.Errorf("heartbeat.grace: %w", err)
		}
	}
	if c.Session.ConsecutiveMistakeLimit < 0 {
		return fmt.Errorf("session.consecutive_mistake_limit must not be negative")
	}
	for _, pattern := range c.Sync.RedactPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("sync.redact_patterns: %w", err)
		}
	}
	return nil
}

// ParseDuration is a helper that parses a duration string with a fallback.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func defaultServiceName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "host"
	}
	return "RooCode-" + hostname
}
