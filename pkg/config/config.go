// Package config loads the linkd YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// LockTimeout bounds any wait for the radio, connect or per-device lock
	LockTimeout time.Duration `yaml:"lock_timeout" default:"60s"`
	// RequestTimeout bounds a single connect attempt
	RequestTimeout time.Duration `yaml:"request_timeout" default:"60s"`
	// DiscoveryTimeout bounds the wait for an unknown device before connecting
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" default:"30s"`
	// RestartInterval is the health-check period that resumes an idle scanner
	RestartInterval time.Duration `yaml:"restart_interval" default:"60s"`
	// AutostartDelay postpones the first connect of keep-connection LED nodes
	AutostartDelay time.Duration `yaml:"autostart_delay" default:"30s"`
	// RetryInterval is the minimum period between sensor restart attempts
	RetryInterval time.Duration `yaml:"retry_interval" default:"60s"`

	Admin   AdminConfig   `yaml:"admin"`
	Tracing TracingConfig `yaml:"tracing"`

	Scanners []ScannerNode `yaml:"scanners"`
	LEDs     []LEDNode     `yaml:"leds"`
	Sensors  []SensorNode  `yaml:"sensors"`
}

// AdminConfig configures the HTTP query surface
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Addr    string `yaml:"addr" default:"127.0.0.1:1881"`
	// SweepDuration is the scan length used by getDevices?forceScan=true
	SweepDuration time.Duration `yaml:"sweep_duration" default:"10s"`
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" default:"false"`
	Exporter string `yaml:"exporter" default:"stdout"`
}

// ScannerNode is a continuous discovery feed
type ScannerNode struct {
	Name string `yaml:"name" default:"scanner"`
	// AutoStart begins scanning as soon as the node is created
	AutoStart bool `yaml:"auto_start" default:"true"`
	// Duration stops the scan automatically; zero scans until stopped
	Duration time.Duration `yaml:"duration"`
	// Interval throttles messages per device and service; zero forwards every beacon
	Interval time.Duration `yaml:"interval"`
}

// LEDNode drives the LED of one device
type LEDNode struct {
	Name           string `yaml:"name"`
	Device         string `yaml:"device"`
	KeepConnection bool   `yaml:"keep_connection"`
	Color          string `yaml:"color" default:"Red"`
	Pattern        string `yaml:"pattern" default:"Pattern1"`
	// Duration of the light; zero leaves it on
	Duration time.Duration `yaml:"duration"`
}

// SensorNode subscribes to sensor notifications of one device
type SensorNode struct {
	Name   string `yaml:"name"`
	Device string `yaml:"device"`
	// AutoStart enables the node after AutostartDelay
	AutoStart bool `yaml:"auto_start"`
	// Services maps a capability name to its notification settings
	Services map[string]SensorService `yaml:"services"`
}

// SensorService configures one notifying capability
type SensorService struct {
	Enabled bool `yaml:"enabled" default:"true"`
	// Interval between forwarded notifications; zero forwards all
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// List entries are decoded over their tag defaults so omitted keys keep them.

func (n *ScannerNode) UnmarshalYAML(value *yaml.Node) error {
	type plain ScannerNode
	p := plain{}
	defaults.SetDefaults(&p)
	if err := value.Decode(&p); err != nil {
		return err
	}
	*n = ScannerNode(p)
	return nil
}

func (n *LEDNode) UnmarshalYAML(value *yaml.Node) error {
	type plain LEDNode
	p := plain{}
	defaults.SetDefaults(&p)
	if err := value.Decode(&p); err != nil {
		return err
	}
	*n = LEDNode(p)
	return nil
}

func (s *SensorService) UnmarshalYAML(value *yaml.Node) error {
	type plain SensorService
	p := plain{}
	defaults.SetDefaults(&p)
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = SensorService(p)
	return nil
}

// Validate reports configuration errors
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	durations := map[string]time.Duration{
		"lock_timeout":      c.LockTimeout,
		"request_timeout":   c.RequestTimeout,
		"discovery_timeout": c.DiscoveryTimeout,
		"restart_interval":  c.RestartInterval,
		"retry_interval":    c.RetryInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.AutostartDelay < 0 {
		return fmt.Errorf("autostart_delay must not be negative, got %s", c.AutostartDelay)
	}

	if len(c.Scanners) > 1 {
		return fmt.Errorf("only one scanner node is supported, got %d", len(c.Scanners))
	}
	for _, s := range c.Scanners {
		if s.Duration < 0 || s.Interval < 0 {
			return fmt.Errorf("scanner %q: duration and interval must not be negative", s.Name)
		}
	}

	names := make(map[string]bool)
	check := func(kind, name, device string) error {
		if name == "" {
			return fmt.Errorf("%s node without name", kind)
		}
		if names[name] {
			return fmt.Errorf("duplicate node name %q", name)
		}
		names[name] = true
		if device == "" {
			return fmt.Errorf("%s node %q: no device name", kind, name)
		}
		return nil
	}
	for _, l := range c.LEDs {
		if err := check("led", l.Name, l.Device); err != nil {
			return err
		}
	}
	for _, s := range c.Sensors {
		if err := check("sensor", s.Name, s.Device); err != nil {
			return err
		}
		for svc, opts := range s.Services {
			if opts.Interval < 0 {
				return fmt.Errorf("sensor node %q: service %s interval must not be negative", s.Name, svc)
			}
		}
	}
	return nil
}

// Level returns the parsed log level, InfoLevel when invalid
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
