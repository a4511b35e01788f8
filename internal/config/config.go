package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the cyclecast server.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
	LogFile   string `yaml:"log_file"`   // Suite log file, appended to alongside stderr

	DBPath        string `yaml:"db_path"`        // SQLite database path (":memory:" for testing)
	SuiteName     string `yaml:"suite"`          // Suite the broadcasts belong to
	AncestorsFile string `yaml:"ancestors_file"` // Suite namespace file; watched for changes
	SchemaFile    string `yaml:"schema_file"`    // CUE schema overriding the built-in one
	StateDumpPath string `yaml:"state_dump"`     // State-dump file rewritten on every flush

	FlushInterval time.Duration `yaml:"flush_interval"`
	PutRate       float64       `yaml:"put_rate"`  // Mutating requests per second; 0 disables throttling
	PutBurst      int           `yaml:"put_burst"` // Burst allowed above PutRate
	AuthToken     string        `yaml:"auth_token"` // Shared secret for mutating routes; empty disables auth

	Restart bool `yaml:"-"` // Resume the latest run instead of starting a new one
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:          ":8080",
		LogLevel:      "info",
		LogFormat:     "text",
		DBPath:        "cyclecast.db",
		SuiteName:     "suite",
		FlushInterval: 5 * time.Second,
		PutRate:       20,
		PutBurst:      40,
	}
}

// LoadFile overlays the YAML config at path onto cfg. Keys absent from the
// file keep their current values.
func LoadFile(path string, cfg *ServerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate reports the first unusable setting.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.SuiteName == "" {
		errs = append(errs, errors.New("suite is required"))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("flush_interval must be positive, got %s", c.FlushInterval))
	}
	if c.PutRate < 0 {
		errs = append(errs, fmt.Errorf("put_rate must not be negative, got %g", c.PutRate))
	}
	if c.PutRate > 0 && c.PutBurst < 1 {
		errs = append(errs, fmt.Errorf("put_burst must be at least 1 when put_rate is set, got %d", c.PutBurst))
	}
	return errors.Join(errs...)
}
