// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads and validates the YAML configuration file that
// drives a cellmeterd process.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig holds the Postgres connection parameters.
type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Database     string `yaml:"database"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"sslMode"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
}

// DSN renders the Postgres connection string pgx expects.
func (c *DatabaseConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)
	if c.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}
	return dsn
}

// CustomConfig holds operator-tunable knobs that don't fit neatly
// elsewhere, grouped under the config file's `custom` block.
type CustomConfig struct {
	ReenablePollInterval time.Duration `yaml:"reenablePollInterval"`
}

// SyslogConfig controls optional forwarding of log entries to a syslog
// daemon, so operators can centralize usage/policy events alongside the
// rest of their fleet's logs.
type SyslogConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"`
	Tag      string `yaml:"tag"`
	Facility int    `yaml:"facility"`
}

// LoggingConfig controls the root logger.
type LoggingConfig struct {
	Level      string       `yaml:"level"`
	JSON       bool         `yaml:"json"`
	ReportTime bool         `yaml:"reportTime"`
	Syslog     SyslogConfig `yaml:"syslog"`
}

// Config is the root of the YAML document.
type Config struct {
	Interface            string         `yaml:"interface"`
	BackhaulInterface    string         `yaml:"backhaulInterface"`
	UserSubnet           string         `yaml:"userSubnet"`
	IgnoredUserAddresses []string       `yaml:"ignoredUserAddresses"`
	FlowLogInterval      time.Duration  `yaml:"flowLogInterval"`
	UserLogInterval      time.Duration  `yaml:"userLogInterval"`
	Database             DatabaseConfig `yaml:"database"`
	Custom               CustomConfig   `yaml:"custom"`
	Logging              LoggingConfig  `yaml:"logging"`
}

// ValidationError describes a single malformed or missing config field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ApplyDefaults fills unset fields with the daemon's operating defaults.
func (c *Config) ApplyDefaults() {
	if c.FlowLogInterval == 0 {
		c.FlowLogInterval = time.Minute
	}
	if c.UserLogInterval == 0 {
		c.UserLogInterval = time.Minute
	}
	if c.Custom.ReenablePollInterval == 0 {
		c.Custom.ReenablePollInterval = 30 * time.Second
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Syslog.Enabled {
		if c.Logging.Syslog.Port == 0 {
			c.Logging.Syslog.Port = 514
		}
		if c.Logging.Syslog.Protocol == "" {
			c.Logging.Syslog.Protocol = "udp"
		}
		if c.Logging.Syslog.Tag == "" {
			c.Logging.Syslog.Tag = "cellmeter"
		}
	}
}

// Validate checks the config for the fields the pipeline cannot run
// without, returning every problem found rather than failing on the first.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if c.Interface == "" {
		errs = append(errs, ValidationError{"interface", "is required"})
	}
	if c.UserSubnet == "" {
		errs = append(errs, ValidationError{"userSubnet", "is required"})
	}
	if c.FlowLogInterval <= 0 {
		errs = append(errs, ValidationError{"flowLogInterval", "must be positive"})
	}
	if c.UserLogInterval <= 0 {
		errs = append(errs, ValidationError{"userLogInterval", "must be positive"})
	}
	if c.Database.Host == "" {
		errs = append(errs, ValidationError{"database.host", "is required"})
	}
	if c.Database.Database == "" {
		errs = append(errs, ValidationError{"database.database", "is required"})
	}

	return errs
}

// LoadFile reads and parses the YAML config at path, applying defaults
// and validating the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("config: %d validation error(s), first: %s", len(errs), errs[0].Error())
	}

	return &cfg, nil
}
