package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/kernelmesh/logging"
	"github.com/hupe1980/kernelmesh/telemetry"
)

// Connection types.
const (
	ConnectionStdio     = "stdio"
	ConnectionWebSocket = "websocket"
)

// ErrUnsupportedFormat is returned for config files that are neither YAML nor TOML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Config describes one kernel host.
type Config struct {
	Host        HostConfig         `yaml:"host" toml:"host"`
	Kernels     []KernelConfig     `yaml:"kernels" toml:"kernels" validate:"dive"`
	Connections []ConnectionConfig `yaml:"connections" toml:"connections" validate:"dive"`
	Logging     LoggingConfig      `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig      `yaml:"metrics" toml:"metrics"`
	Tracing     TracingConfig      `yaml:"tracing" toml:"tracing"`
}

// HostConfig names the host and its root kernel.
type HostConfig struct {
	// Name is the host part of every kernel URI: kernel://<name>/<kernel>.
	Name string `yaml:"name" toml:"name" validate:"required,hostname_rfc1123"`

	// RootKernel is the name of the composite kernel.
	RootKernel string `yaml:"root_kernel" toml:"root_kernel"`

	// DefaultKernel receives commands no other rule routes. It may name a
	// kernel registered in code or found by discovery.
	DefaultKernel string `yaml:"default_kernel" toml:"default_kernel"`
}

// KernelConfig declares a proxy for a kernel on another host. Local kernels
// are registered in code.
type KernelConfig struct {
	Name       string   `yaml:"name" toml:"name" validate:"required"`
	Aliases    []string `yaml:"aliases" toml:"aliases"`
	RemoteURI  string   `yaml:"remote_uri" toml:"remote_uri" validate:"required,uri"`
	Connection string   `yaml:"connection" toml:"connection" validate:"required"`
}

// ConnectionConfig declares a transport to another host.
type ConnectionConfig struct {
	Name string `yaml:"name" toml:"name" validate:"required"`
	Type string `yaml:"type" toml:"type" validate:"required,oneof=stdio websocket"`

	// URL is the WebSocket endpoint, ws:// or wss://.
	URL string `yaml:"url" toml:"url" validate:"required_if=Type websocket"`

	DialTimeout Duration `yaml:"dial_timeout" toml:"dial_timeout"`

	// Discover connects a proxy for every kernel of RemoteHost once the
	// connection is up.
	Discover   bool   `yaml:"discover" toml:"discover"`
	RemoteHost string `yaml:"remote_host" toml:"remote_host" validate:"required_if=Discover true"`
}

// LoggingConfig configures the host logger.
type LoggingConfig struct {
	Level     string `yaml:"level" toml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format    string `yaml:"format" toml:"format" validate:"omitempty,oneof=json text"`
	AddSource bool   `yaml:"add_source" toml:"add_source"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Namespace string `yaml:"namespace" toml:"namespace"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" toml:"enabled"`
	Exporter     string  `yaml:"exporter" toml:"exporter" validate:"omitempty,oneof=stdout none"`
	SamplingRate float64 `yaml:"sampling_rate" toml:"sampling_rate" validate:"gte=0,lte=1"`
	ServiceName  string  `yaml:"service_name" toml:"service_name"`
}

// Duration wraps time.Duration for YAML and TOML parsing.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration such as "10s".
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText formats the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads a YAML (.yaml, .yml) or TOML (.toml) config file, expands
// environment variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return Parse(data, "yaml")
	case ".toml":
		return Parse(data, "toml")
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Parse decodes data in the given format ("yaml" or "toml").
func Parse(data []byte, format string) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config

	switch format {
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case "toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("failed to parse config: unknown keys %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults sets default values for missing configuration.
func (c *Config) applyDefaults() {
	if c.Host.RootKernel == "" {
		c.Host.RootKernel = c.Host.Name
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "kernelmesh"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = c.Host.Name
	}
	for i := range c.Connections {
		if c.Connections[i].DialTimeout.Duration == 0 {
			c.Connections[i].DialTimeout.Duration = 10 * time.Second
		}
	}
}

// Validate checks field constraints and cross references: names are unique
// and every kernel uses a declared connection.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	conns := make(map[string]bool, len(c.Connections))
	for _, conn := range c.Connections {
		if conns[conn.Name] {
			return fmt.Errorf("invalid config: duplicate connection %q", conn.Name)
		}
		conns[conn.Name] = true
	}

	names := map[string]bool{c.Host.RootKernel: true}
	for _, k := range c.Kernels {
		for _, n := range append([]string{k.Name}, k.Aliases...) {
			if names[n] {
				return fmt.Errorf("invalid config: duplicate kernel name %q", n)
			}
			names[n] = true
		}
		if !conns[k.Connection] {
			return fmt.Errorf("invalid config: kernel %q uses unknown connection %q", k.Name, k.Connection)
		}
	}

	return nil
}

// LoggerConfig converts the logging section.
func (c *Config) LoggerConfig() (*logging.LoggerConfig, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}

	cfg := logging.DefaultLoggerConfig()
	cfg.Level = level
	cfg.Format = c.Logging.Format
	cfg.AddSource = c.Logging.AddSource
	cfg.Component = "host"
	cfg.CustomAttrs["host"] = c.Host.Name

	return cfg, nil
}

// MetricsConfig converts the metrics section.
func (c *Config) MetricsConfig() telemetry.MetricsConfig {
	return telemetry.MetricsConfig{
		Enabled:   c.Metrics.Enabled,
		Namespace: c.Metrics.Namespace,
	}
}

// TracingConfig converts the tracing section.
func (c *Config) TracingConfig() telemetry.TracingConfig {
	return telemetry.TracingConfig{
		Enabled:      c.Tracing.Enabled,
		Exporter:     c.Tracing.Exporter,
		SamplingRate: c.Tracing.SamplingRate,
	}
}
