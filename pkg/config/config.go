// Package config handles configuration loading from YAML files and
// environment variables.
//
// Precedence: environment variables > config file > defaults. Command line
// flags are applied on top by the caller.
//
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables understood by `Load`.
//
const (
	EnvRouterURL      = "ROUTER_URL"
	EnvRouterUser     = "ROUTER_USER"
	EnvRouterPass     = "ROUTER_PASS"
	EnvBindAddr       = "EXPORTER_BIND_ADDR"
	EnvTelemetryPath  = "EXPORTER_TELEMETRY_PATH"
	EnvLogLevel       = "EXPORTER_LOG_LEVEL"
	EnvCollectTimeout = "EXPORTER_COLLECT_TIMEOUT"
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "15s" or "1m".
//
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
//
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}

	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", value.Value, err)
	}

	d.Duration = parsed

	return nil
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
//
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds all of the exporter's configuration.
//
type Config struct {
	Router   RouterConfig   `yaml:"router"`
	Exporter ExporterConfig `yaml:"exporter"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// RouterConfig describes how to reach the router's device list.
//
type RouterConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Timeout bounds a single request to the router.
	//
	Timeout Duration `yaml:"timeout"`

	// MaxAttempts is the total number of requests made before giving up.
	//
	MaxAttempts int `yaml:"max_attempts"`

	// RetryStep is the unit of the linear backoff between attempts.
	//
	RetryStep Duration `yaml:"retry_step"`

	// RetryTransientOnly stops retrying on answers that can't get better
	// by asking again (401, 403, 404).
	//
	RetryTransientOnly bool `yaml:"retry_transient_only"`
}

// ExporterConfig describes the HTTP server prometheus scrapes.
//
type ExporterConfig struct {
	BindAddr       string   `yaml:"bind_addr"`
	TelemetryPath  string   `yaml:"telemetry_path"`
	CollectTimeout Duration `yaml:"collect_timeout"`
}

// LoggingConfig holds logging settings.
//
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the default configuration. Router credentials have no
// default.
//
func Default() *Config {
	return &Config{
		Router: RouterConfig{
			Timeout:     Duration{10 * time.Second},
			MaxAttempts: 15,
			RetryStep:   Duration{100 * time.Millisecond},
		},
		Exporter: ExporterConfig{
			BindAddr:       ":3000",
			TelemetryPath:  "/metrics",
			CollectTimeout: Duration{1 * time.Minute},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromBytes parses YAML configuration and merges it with the defaults.
// Environment variables take precedence over the YAML content.
//
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := Default()

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("yaml unmarshal: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("apply env: %w", err)
	}

	return cfg, nil
}

// Load reads configuration from the YAML file at `path` (if any) and merges it
// with defaults and environment variables.
//
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromBytes(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read '%s': %w", path, err)
	}

	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("load '%s': %w", path, err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	for name, dst := range map[string]*string{
		EnvRouterURL:     &cfg.Router.URL,
		EnvRouterUser:    &cfg.Router.Username,
		EnvRouterPass:    &cfg.Router.Password,
		EnvBindAddr:      &cfg.Exporter.BindAddr,
		EnvTelemetryPath: &cfg.Exporter.TelemetryPath,
		EnvLogLevel:      &cfg.Logging.Level,
	} {
		if v, found := os.LookupEnv(name); found && v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(EnvCollectTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCollectTimeout, err)
		}

		cfg.Exporter.CollectTimeout = Duration{d}
	}

	return nil
}

// Validate checks that the configuration is usable, reporting every problem
// found at once.
//
func (c *Config) Validate() error {
	var errs []error

	if c.Router.URL == "" {
		errs = append(errs, fmt.Errorf("router url must be set (%s)", EnvRouterURL))
	} else if u, err := url.Parse(c.Router.URL); err != nil {
		errs = append(errs, fmt.Errorf("router url: %w", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("router url: unsupported scheme '%s'", u.Scheme))
	}

	if c.Router.Username == "" {
		errs = append(errs, fmt.Errorf("router username must be set (%s)", EnvRouterUser))
	}

	if c.Router.Password == "" {
		errs = append(errs, fmt.Errorf("router password must be set (%s)", EnvRouterPass))
	}

	if c.Router.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("router max attempts must be at least 1, got %d",
			c.Router.MaxAttempts))
	}

	if c.Router.RetryStep.Duration < 0 {
		errs = append(errs, errors.New("router retry step must not be negative"))
	}

	if !strings.HasPrefix(c.Exporter.TelemetryPath, "/") {
		errs = append(errs, fmt.Errorf("telemetry path '%s' must start with '/'",
			c.Exporter.TelemetryPath))
	}

	if c.Exporter.TelemetryPath == "/" || c.Exporter.TelemetryPath == "/healthz" {
		errs = append(errs, fmt.Errorf("telemetry path '%s' is reserved",
			c.Exporter.TelemetryPath))
	}

	if c.Exporter.CollectTimeout.Duration <= 0 {
		errs = append(errs, errors.New("collect timeout must be positive"))
	}

	return errors.Join(errs...)
}
