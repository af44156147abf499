// Package config holds the settings of the coordination service and the
// test probe, read from SPP_* environment variables and an optional YAML
// file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the service and probe configuration.
type Config struct {
	// ListenAddr is the HTTP address of the control plane.
	ListenAddr string `yaml:"listen_addr"`
	// ApplyTimeout bounds an immediate apply.
	ApplyTimeout time.Duration `yaml:"apply_timeout"`
	// ProbeReadTimeout drops probes that stay silent for longer.
	ProbeReadTimeout time.Duration `yaml:"probe_read_timeout"`
	Debug            bool          `yaml:"debug"`
	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`

	// Probe side.
	GatewayURL      string `yaml:"gateway_url"`
	ProbeEncoding   string `yaml:"probe_encoding"`
	ServiceInstance string `yaml:"service_instance"`
	MaxCaptureDepth int    `yaml:"max_capture_depth"`
	CaptureRate     int    `yaml:"capture_rate"`
}

// NewConfig creates a configuration with defaults from environment variables.
func NewConfig(options ...ConfigOption) *Config {
	cfg := &Config{
		ListenAddr:       getEnvOrDefault("SPP_LISTEN_ADDR", ":8080"),
		ApplyTimeout:     getEnvDurationOrDefault("SPP_APPLY_TIMEOUT", 5*time.Second),
		ProbeReadTimeout: getEnvDurationOrDefault("SPP_PROBE_READ_TIMEOUT", 90*time.Second),
		Debug:            getEnvOrDefault("SPP_DEBUG", "false") == "true",
		LogFormat:        getEnvOrDefault("SPP_LOG_FORMAT", "text"),
		GatewayURL:       getEnvOrDefault("SPP_GATEWAY_URL", "ws://localhost:8080/v1/probes"),
		ProbeEncoding:    getEnvOrDefault("SPP_PROBE_ENCODING", "json"),
		ServiceInstance:  getEnvOrDefault("SPP_SERVICE_INSTANCE", ""),
		MaxCaptureDepth:  getEnvIntOrDefault("SPP_MAX_DEPTH", 10),
		CaptureRate:      getEnvIntOrDefault("SPP_CAPTURE_RATE", 50),
	}

	if cfg.ServiceInstance == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		cfg.ServiceInstance = hostname
	}

	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithListenAddr sets the HTTP listen address.
func WithListenAddr(addr string) ConfigOption {
	return func(c *Config) {
		c.ListenAddr = addr
	}
}

// WithApplyTimeout sets the immediate apply timeout.
func WithApplyTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.ApplyTimeout = d
	}
}

// WithDebug enables debug logging.
func WithDebug(debug bool) ConfigOption {
	return func(c *Config) {
		c.Debug = debug
	}
}

// LoadFile overlays the keys present in the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.ApplyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("apply_timeout must be positive, got %s", c.ApplyTimeout))
	}
	if c.ProbeReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("probe_read_timeout must be positive, got %s", c.ProbeReadTimeout))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	switch c.ProbeEncoding {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("probe_encoding must be json or cbor, got %q", c.ProbeEncoding))
	}
	if c.MaxCaptureDepth < 0 {
		errs = append(errs, fmt.Errorf("max_capture_depth must not be negative, got %d", c.MaxCaptureDepth))
	}
	if c.CaptureRate < 1 {
		errs = append(errs, fmt.Errorf("capture_rate must be at least 1, got %d", c.CaptureRate))
	}
	return errors.Join(errs...)
}

// Logger returns a logger writing to w in the configured format, at debug
// level when Debug is set.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	options := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, options))
	}
	return slog.New(slog.NewTextHandler(w, options))
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
