// Package config loads the tarpit's YAML configuration. Defaults are
// applied before unmarshalling, so a partial file only needs to name the
// values it overrides; an empty path yields pure defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that YAML can express either as a Go
// duration string ("10s", "250ms") or as a bare number of seconds
// (10, 0.05).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!str" {
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}

		*d = Duration(parsed)
		return nil
	}

	var seconds float64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}

	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the value formatted as a time.Duration.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config is the root configuration passed into the process at startup.
// There is no process-wide mutable configuration; the loaded struct is
// handed to constructors and never changed afterwards.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Tracker TrackerConfig `yaml:"tracker"`
	Log     LogConfig     `yaml:"log"`
	Monitor MonitorConfig `yaml:"monitor"`
}

// ServerConfig configures the listening endpoint and emission cadence.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// EmissionInterval is the delay between single-byte writes on each
	// held connection.
	EmissionInterval Duration `yaml:"emission_interval"`
	// WriteTimeout bounds each write when positive; zero (the default)
	// lets a slow consumer stall a write indefinitely, which only costs
	// the consumer.
	WriteTimeout Duration `yaml:"write_timeout"`
}

// Addr returns the "host:port" listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// TrackerConfig configures peer accounting.
type TrackerConfig struct {
	// Backend selects the revisit-count store: "memory" or "redis".
	Backend string `yaml:"backend"`
	// PeerTTL is how long a peer's revisit count survives without a new
	// connection from it.
	PeerTTL Duration    `yaml:"peer_ttl"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the shared revisit store used when several
// tarpit instances should see the same scanners.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
}

// MonitorConfig configures the periodic resource report.
type MonitorConfig struct {
	ReportInterval Duration `yaml:"report_interval"`
}

// Default returns the built-in configuration: listen on 0.0.0.0:2222,
// one byte every 10 seconds, in-memory peer tracking.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             2222,
			EmissionInterval: Duration(10 * time.Second),
		},
		Tracker: TrackerConfig{
			Backend: "memory",
			PeerTTL: Duration(24 * time.Hour),
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "tarpit:peer:",
			},
		},
		Log: LogConfig{
			Level: "info",
		},
		Monitor: MonitorConfig{
			ReportInterval: Duration(time.Minute),
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path returns validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the service cannot run
// with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.EmissionInterval <= 0 {
		return fmt.Errorf("config: emission_interval must be positive, got %s", c.Server.EmissionInterval)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("config: write_timeout cannot be negative, got %s", c.Server.WriteTimeout)
	}

	switch c.Tracker.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: tracker backend must be memory or redis, got %q", c.Tracker.Backend)
	}
	if c.Tracker.PeerTTL <= 0 {
		return fmt.Errorf("config: peer_ttl must be positive, got %s", c.Tracker.PeerTTL)
	}
	if c.Tracker.Backend == "redis" && c.Tracker.Redis.Addr == "" {
		return fmt.Errorf("config: redis backend requires an address")
	}

	if c.Monitor.ReportInterval <= 0 {
		return fmt.Errorf("config: report_interval must be positive, got %s", c.Monitor.ReportInterval)
	}

	return nil
}
