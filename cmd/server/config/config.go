// Package config provides configuration loading for the database broker.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/ESnark/ansible-database-mcp/pkg/models"
)

// Config represents the broker configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// MonitorInterval is how often pool statistics are refreshed.
	MonitorInterval time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval" json:"monitor_interval"`

	// Metrics configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`

	// Breaker configuration.
	Breaker BreakerConfig `mapstructure:"breaker" yaml:"breaker" json:"breaker"`

	// Timeouts overrides the default timeout budgets, keyed by operation
	// kind (query, connection, acquire, idle_eviction, pool_create,
	// transaction, health_check).
	Timeouts map[string]time.Duration `mapstructure:"timeouts" yaml:"timeouts" json:"timeouts"`

	// Databases maps logical database keys to their connection settings.
	Databases map[string]models.DatabaseConfig `mapstructure:"databases" yaml:"databases" json:"databases"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Address string `mapstructure:"address" yaml:"address" json:"address"`
}

// BreakerConfig represents circuit breaker configuration.
type BreakerConfig struct {
	FailureThreshold         int           `mapstructure:"failure_threshold" yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout             time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout" json:"reset_timeout"`
	HalfOpenSuccessThreshold int           `mapstructure:"half_open_success_threshold" yaml:"half_open_success_threshold" json:"half_open_success_threshold"`
}

// Validate validates the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 60 * time.Second
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	if len(c.Databases) == 0 {
		return fmt.Errorf("at least one database must be configured")
	}
	for key, db := range c.Databases {
		if err := db.Validate(); err != nil {
			return fmt.Errorf("database %q: %w", key, err)
		}
	}
	return nil
}

// Load reads configuration from the given file, layering environment
// variables with the BROKER_ prefix on top.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BROKER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
