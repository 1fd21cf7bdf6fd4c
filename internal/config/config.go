package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taniwha3/rrdpoll/internal/logging"
)

// ConfigError reports invalid user input: flags, module files, settings or secrets
type ConfigError struct {
	Source string // flag or file the problem came from
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configErrorf(source, format string, args ...any) error {
	return &ConfigError{Source: source, Err: fmt.Errorf(format, args...)}
}

// Settings holds daemon tuning that rarely changes between runs
type Settings struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Collection CollectionConfig `yaml:"collection"`
	Storage    StorageConfig    `yaml:"storage"`
	Render     RenderConfig     `yaml:"render"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Secrets    SecretsConfig    `yaml:"secrets"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // json, console (default: console)
}

// LoggingConfig returns the logger configuration; call Validate first
func (l *LoggingConfig) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if l.Level != "" {
		cfg.Level, _ = logging.ParseLevel(l.Level)
	}
	if l.Format != "" {
		cfg.Format, _ = logging.ParseFormat(l.Format)
	}
	return cfg
}

// CollectionConfig contains worker pool and failure handling settings
type CollectionConfig struct {
	Workers         int    `yaml:"workers"`       // concurrent queries (default: 4)
	QueryTimeoutStr string `yaml:"query_timeout"` // per query (default: 5s)
	TickTimeoutStr  string `yaml:"tick_timeout"`  // whole tick (default: derived from query_timeout)
	Policy          string `yaml:"policy"`        // skip or abort (default: skip)
}

// GetWorkers returns the worker count or default
func (c *CollectionConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// QueryTimeout parses the per-query timeout
// Returns default of 5s if not configured
func (c *CollectionConfig) QueryTimeout() (time.Duration, error) {
	return positiveDuration("collection.query_timeout", c.QueryTimeoutStr, 5*time.Second)
}

// TickTimeout parses the tick timeout; zero means derive it from the query timeout
func (c *CollectionConfig) TickTimeout() (time.Duration, error) {
	return positiveDuration("collection.tick_timeout", c.TickTimeoutStr, 0)
}

// StorageConfig contains round-robin store settings
type StorageConfig struct {
	Rows         int    `yaml:"rows"`      // archive rows (default: 1000)
	HeartbeatStr string `yaml:"heartbeat"` // max gap before unknown (default: max(60s, 2*rate))
	Lock         *bool  `yaml:"lock"`      // Pointer to distinguish "not set" from "explicitly false"
}

// Heartbeat parses the heartbeat; zero means derive it from the step
func (s *StorageConfig) Heartbeat() (time.Duration, error) {
	return positiveDuration("storage.heartbeat", s.HeartbeatStr, 0)
}

// LockEnabled reports whether the store lock file is used (default: true)
func (s *StorageConfig) LockEnabled() bool {
	if s.Lock == nil {
		return true
	}
	return *s.Lock
}

// RenderConfig contains chart settings
type RenderConfig struct {
	Width  int    `yaml:"width"`  // pixels (default: 800)
	Height int    `yaml:"height"` // pixels (default: 300)
	Title  string `yaml:"title"`
}

// MonitoringConfig contains health endpoint settings
type MonitoringConfig struct {
	HealthAddress string `yaml:"health_address"` // e.g. ":9100"; empty disables the server
}

// SecretsConfig says where the SNMP community comes from
type SecretsConfig struct {
	Path string `yaml:"path"` // default: /opt/secrets.toml
}

// GetPath returns the secrets file path or default
func (s *SecretsConfig) GetPath() string {
	if s.Path == "" {
		return DefaultSecretsPath
	}
	return s.Path
}

func positiveDuration(name, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s': %w", name, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", name, d)
	}
	return d, nil
}

// LoadSettings reads and validates a YAML settings file.
// An empty path yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	var s Settings
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConfigError{Source: path, Err: fmt.Errorf("failed to read settings file: %w", err)}
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, &ConfigError{Source: path, Err: fmt.Errorf("failed to parse settings: %w", err)}
		}
	}

	if err := s.Validate(); err != nil {
		return nil, &ConfigError{Source: path, Err: fmt.Errorf("invalid settings: %w", err)}
	}
	return &s, nil
}

// Validate checks if the settings are valid
func (s *Settings) Validate() error {
	if s.Logging.Level != "" {
		if _, err := logging.ParseLevel(s.Logging.Level); err != nil {
			return err
		}
	}
	if s.Logging.Format != "" {
		if _, err := logging.ParseFormat(s.Logging.Format); err != nil {
			return err
		}
	}

	if s.Collection.Workers < 0 {
		return fmt.Errorf("collection.workers must not be negative, got %d", s.Collection.Workers)
	}
	if _, err := s.Collection.QueryTimeout(); err != nil {
		return err
	}
	if _, err := s.Collection.TickTimeout(); err != nil {
		return err
	}
	switch s.Collection.Policy {
	case "", "skip", "abort":
	default:
		return fmt.Errorf("collection.policy must be skip or abort, got %q", s.Collection.Policy)
	}

	if s.Storage.Rows < 0 {
		return fmt.Errorf("storage.rows must not be negative, got %d", s.Storage.Rows)
	}
	if _, err := s.Storage.Heartbeat(); err != nil {
		return err
	}

	if s.Render.Width < 0 || s.Render.Height < 0 {
		return fmt.Errorf("render size must not be negative, got %dx%d", s.Render.Width, s.Render.Height)
	}
	return nil
}
