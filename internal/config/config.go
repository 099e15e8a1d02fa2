package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Remote   RemoteConfig   `yaml:"remote"`
	Auth     AuthConfig     `yaml:"auth"`
	Sync     SyncConfig     `yaml:"sync"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains local control API settings.
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	APIKey          string   `yaml:"-"` // env-only, never in YAML
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig contains local store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig contains settings for the authoritative remote API.
type RemoteConfig struct {
	BaseURL   string   `yaml:"base_url"`
	Timeout   Duration `yaml:"timeout"`
	PageLimit int      `yaml:"page_limit"`
}

// AuthConfig contains bearer token settings.
type AuthConfig struct {
	TokenFile    string   `yaml:"token_file"`
	Token        string   `yaml:"-"` // env-only, never in YAML
	PollInterval Duration `yaml:"poll_interval"`
}

// SyncConfig contains scheduling settings.
type SyncConfig struct {
	Interval             Duration `yaml:"interval"`
	RetryAttempts        int      `yaml:"retry_attempts"`
	RetryBaseDelay       Duration `yaml:"retry_base_delay"`
	ConnectivityInterval Duration `yaml:"connectivity_interval"`
	MetricsInterval      Duration `yaml:"metrics_interval"`
	MetricsPeriods       []string `yaml:"metrics_periods"`
}

// LogConfig contains logging settings. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("FIELDSYNC_CONFIG_PATH", "config/fieldsync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8787,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/fieldsync.db",
		},
		Remote: RemoteConfig{
			Timeout:   Duration(30 * time.Second),
			PageLimit: 500,
		},
		Auth: AuthConfig{
			TokenFile:    "data/token",
			PollInterval: Duration(2 * time.Second),
		},
		Sync: SyncConfig{
			Interval:             Duration(5 * time.Minute),
			RetryAttempts:        3,
			RetryBaseDelay:       Duration(500 * time.Millisecond),
			ConnectivityInterval: Duration(15 * time.Second),
			MetricsInterval:      Duration(15 * time.Minute),
			MetricsPeriods:       []string{"today"},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("FIELDSYNC_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("FIELDSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	envDuration("FIELDSYNC_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("FIELDSYNC_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("FIELDSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	if v := os.Getenv("FIELDSYNC_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}

	// Database
	if v := os.Getenv("FIELDSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote
	if v := os.Getenv("FIELDSYNC_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	envDuration("FIELDSYNC_REMOTE_TIMEOUT", &cfg.Remote.Timeout)
	if v := os.Getenv("FIELDSYNC_PAGE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Remote.PageLimit = n
		}
	}

	// Auth
	if v := os.Getenv("FIELDSYNC_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("FIELDSYNC_TOKEN_FILE"); v != "" {
		cfg.Auth.TokenFile = v
	}
	envDuration("FIELDSYNC_AUTH_POLL_INTERVAL", &cfg.Auth.PollInterval)

	// Sync
	envDuration("FIELDSYNC_SYNC_INTERVAL", &cfg.Sync.Interval)
	if v := os.Getenv("FIELDSYNC_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.RetryAttempts = n
		}
	}
	envDuration("FIELDSYNC_RETRY_BASE_DELAY", &cfg.Sync.RetryBaseDelay)
	envDuration("FIELDSYNC_CONNECTIVITY_INTERVAL", &cfg.Sync.ConnectivityInterval)
	envDuration("FIELDSYNC_METRICS_INTERVAL", &cfg.Sync.MetricsInterval)
	if v := os.Getenv("FIELDSYNC_METRICS_PERIODS"); v != "" {
		var periods []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				periods = append(periods, p)
			}
		}
		cfg.Sync.MetricsPeriods = periods
	}

	// Log
	if v := os.Getenv("FIELDSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FIELDSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("FIELDSYNC_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// validate checks that required configuration values are set.
func (c *Config) validate() error {
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required (FIELDSYNC_REMOTE_URL)")
	}
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("remote.base_url %q must be an absolute URL", c.Remote.BaseURL)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	positive := map[string]Duration{
		"sync.interval":              c.Sync.Interval,
		"sync.retry_base_delay":      c.Sync.RetryBaseDelay,
		"sync.connectivity_interval": c.Sync.ConnectivityInterval,
		"sync.metrics_interval":      c.Sync.MetricsInterval,
		"auth.poll_interval":         c.Auth.PollInterval,
		"remote.timeout":             c.Remote.Timeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Sync.RetryAttempts < 1 {
		return errors.New("sync.retry_attempts must be at least 1")
	}
	if c.Remote.PageLimit < 1 {
		return errors.New("remote.page_limit must be at least 1")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q must be json or text", c.Log.Format)
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
