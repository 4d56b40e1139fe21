// Package config loads grid configuration from TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/agentgrid/bus"
	"github.com/vinayprograms/agentgrid/logging"
	"github.com/vinayprograms/agentgrid/registry"
	"github.com/vinayprograms/agentgrid/transport"
)

// ErrInvalidConfig indicates a configuration that cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

// duration wraps time.Duration so TOML values like "5s" parse directly.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config is the full configuration surface for a grid node.
type Config struct {
	// SubjectPrefix namespaces all bus subjects.
	SubjectPrefix string `toml:"subject_prefix"`

	Bus       BusConfig       `toml:"bus"`
	Transport TransportConfig `toml:"transport"`
	Registry  RegistryConfig  `toml:"registry"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Logging   LoggingConfig   `toml:"logging"`
}

// BusConfig selects and configures the message bus.
type BusConfig struct {
	// Kind is "memory" or "nats".
	Kind string `toml:"kind"`

	// URL of the NATS server, for kind = "nats".
	URL string `toml:"url"`

	// Name identifies this connection to the server.
	Name string `toml:"name"`

	Token    string `toml:"token"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// TransportConfig holds delivery and retry settings.
type TransportConfig struct {
	MaxRetries        int      `toml:"max_retries"`
	BackoffBase       duration `toml:"backoff_base"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
	BackoffJitter     float64  `toml:"backoff_jitter"`
	BackoffMax        duration `toml:"backoff_max"`
	AckTimeout        duration `toml:"ack_timeout"`
	Retention         duration `toml:"retention"`
	BufferUnknown     bool     `toml:"buffer_unknown"`
	ReplayBuffer      int      `toml:"replay_buffer"`
}

// RegistryConfig holds health state machine settings.
type RegistryConfig struct {
	HeartbeatDeadline  duration `toml:"heartbeat_deadline"`
	EvictDeadline      duration `toml:"evict_deadline"`
	ScanInterval       duration `toml:"scan_interval"`
	TombstoneRetention duration `toml:"tombstone_retention"`
}

// HeartbeatConfig holds sender settings.
type HeartbeatConfig struct {
	Interval duration `toml:"interval"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `toml:"level"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		SubjectPrefix: "agentgrid",
		Bus:           BusConfig{Kind: "memory"},
		Transport: TransportConfig{
			MaxRetries:        3,
			BackoffBase:       duration{100 * time.Millisecond},
			BackoffMultiplier: 2.0,
			BackoffJitter:     0.2,
			BackoffMax:        duration{5 * time.Second},
			AckTimeout:        duration{3 * time.Second},
			Retention:         duration{10 * time.Minute},
		},
		Registry: RegistryConfig{
			HeartbeatDeadline:  duration{15 * time.Second},
			EvictDeadline:      duration{30 * time.Second},
			ScanInterval:       duration{time.Second},
			TombstoneRetention: duration{10 * time.Minute},
		},
		Heartbeat: HeartbeatConfig{Interval: duration{5 * time.Second}},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// LoadFile loads configuration from a TOML file, overriding defaults.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse parses configuration from TOML content, overriding defaults.
func Parse(content string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(content, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Bus.Kind {
	case "memory":
	case "nats":
		if c.Bus.URL == "" {
			return fmt.Errorf("%w: bus.url is required for kind \"nats\"", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown bus kind %q", ErrInvalidConfig, c.Bus.Kind)
	}
	if c.Transport.MaxRetries < 0 {
		return fmt.Errorf("%w: transport.max_retries must not be negative", ErrInvalidConfig)
	}
	if c.Transport.BackoffJitter < 0 || c.Transport.BackoffJitter > 1 {
		return fmt.Errorf("%w: transport.backoff_jitter must be in [0, 1]", ErrInvalidConfig)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Logging.Level)
	}
	return nil
}

// NewBus builds the configured message bus.
func (c *Config) NewBus() (bus.MessageBus, error) {
	switch c.Bus.Kind {
	case "nats":
		return bus.NewNATSBus(bus.NATSConfig{
			URL:      c.Bus.URL,
			Name:     c.Bus.Name,
			Token:    c.Bus.Token,
			User:     c.Bus.User,
			Password: c.Bus.Password,
		})
	default:
		return bus.NewMemoryBus(bus.Config{}), nil
	}
}

// NewLogger builds a logger at the configured level.
func (c *Config) NewLogger() *logging.Logger {
	log := logging.New()
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		log.SetLevel(logging.LevelDebug)
	case "warn":
		log.SetLevel(logging.LevelWarn)
	case "error":
		log.SetLevel(logging.LevelError)
	default:
		log.SetLevel(logging.LevelInfo)
	}
	return log
}

// TransportConfig materializes the transport settings.
func (c *Config) TransportConfig(b bus.MessageBus, log *logging.Logger) transport.Config {
	return transport.Config{
		Bus: b,
		Retry: transport.RetryPolicy{
			MaxRetries: c.Transport.MaxRetries,
			BaseDelay:  c.Transport.BackoffBase.Duration,
			Multiplier: c.Transport.BackoffMultiplier,
			Jitter:     c.Transport.BackoffJitter,
			MaxDelay:   c.Transport.BackoffMax.Duration,
		},
		AckTimeout:    c.Transport.AckTimeout.Duration,
		Retention:     c.Transport.Retention.Duration,
		BufferUnknown: c.Transport.BufferUnknown,
		ReplayBuffer:  c.Transport.ReplayBuffer,
		SubjectPrefix: c.SubjectPrefix,
		Logger:        log,
	}
}

// RegistryConfig materializes the registry settings.
func (c *Config) RegistryConfig(b bus.MessageBus, store registry.Store, log *logging.Logger) registry.Config {
	return registry.Config{
		Bus:                b,
		Store:              store,
		HeartbeatDeadline:  c.Registry.HeartbeatDeadline.Duration,
		EvictDeadline:      c.Registry.EvictDeadline.Duration,
		ScanInterval:       c.Registry.ScanInterval.Duration,
		TombstoneRetention: c.Registry.TombstoneRetention.Duration,
		SubjectPrefix:      c.SubjectPrefix,
		Logger:             log,
	}
}
