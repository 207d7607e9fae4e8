// Package models defines the shared data model for the database broker:
// database configurations, pool sizing policies, and pool statistics.
package models

import (
	"fmt"
	"time"
)

// DatabaseType identifies the kind of backend behind a logical database key.
type DatabaseType string

const (
	// DatabaseMySQL is a MySQL server reached through database/sql.
	DatabaseMySQL DatabaseType = "mysql"
	// DatabaseMariaDB is a MariaDB server; it shares the MySQL driver and
	// permission model.
	DatabaseMariaDB DatabaseType = "mariadb"
	// DatabaseDatabricks is a Databricks SQL warehouse reached through a
	// session-based transport client.
	DatabaseDatabricks DatabaseType = "databricks"
)

// Valid reports whether the type is one of the supported backends.
func (t DatabaseType) Valid() bool {
	switch t {
	case DatabaseMySQL, DatabaseMariaDB, DatabaseDatabricks:
		return true
	default:
		return false
	}
}

// IsWarehouse reports whether the type uses the session pool adapter instead
// of a standard connection pool.
func (t DatabaseType) IsWarehouse() bool {
	return t == DatabaseDatabricks
}

// PoolPolicy bounds the number of physical connections or sessions a pool may
// hold.
type PoolPolicy struct {
	MinConnections int           `json:"min_connections" yaml:"min_connections" mapstructure:"min_connections"`
	MaxConnections int           `json:"max_connections" yaml:"max_connections" mapstructure:"max_connections"`
	IdleTimeout    time.Duration `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// Default pool bounds applied by Normalize.
const (
	DefaultMinConnections = 1
	DefaultMaxConnections = 10
	DefaultIdleTimeout    = 10 * time.Minute
)

// Normalize returns the policy with zero or negative fields replaced by
// defaults and Min clamped to Max.
func (p PoolPolicy) Normalize() PoolPolicy {
	if p.MinConnections <= 0 {
		p.MinConnections = DefaultMinConnections
	}
	if p.MaxConnections <= 0 {
		p.MaxConnections = DefaultMaxConnections
	}
	if p.MinConnections > p.MaxConnections {
		p.MinConnections = p.MaxConnections
	}
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = DefaultIdleTimeout
	}
	return p
}

// DatabaseConfig identifies one logical database. Immutable once loaded; one
// instance per logical database key, owned by the pool registry.
type DatabaseConfig struct {
	Type     DatabaseType `json:"type" yaml:"type" mapstructure:"type"`
	Host     string       `json:"host" yaml:"host" mapstructure:"host"`
	Port     int          `json:"port" yaml:"port" mapstructure:"port"`
	User     string       `json:"user" yaml:"user" mapstructure:"user"`
	Password string       `json:"password,omitempty" yaml:"password" mapstructure:"password"`

	// Token authenticates against the warehouse backend instead of a
	// user/password pair.
	Token string `json:"token,omitempty" yaml:"token" mapstructure:"token"`

	// Database is the target schema for MySQL-family backends.
	Database string `json:"database,omitempty" yaml:"database" mapstructure:"database"`

	// Catalog, Schema and HTTPPath locate the execution context on the
	// warehouse backend.
	Catalog  string `json:"catalog,omitempty" yaml:"catalog" mapstructure:"catalog"`
	Schema   string `json:"schema,omitempty" yaml:"schema" mapstructure:"schema"`
	HTTPPath string `json:"http_path,omitempty" yaml:"http_path" mapstructure:"http_path"`

	Pool        PoolPolicy `json:"pool" yaml:"pool" mapstructure:"pool"`
	Description string     `json:"description,omitempty" yaml:"description" mapstructure:"description"`
}

// Validate checks that the configuration is complete enough to build a pool.
func (c DatabaseConfig) Validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("unsupported database type %q", c.Type)
	}
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Type.IsWarehouse() {
		if c.Token == "" {
			return fmt.Errorf("token is required for %s", c.Type)
		}
	} else {
		if c.User == "" {
			return fmt.Errorf("user is required for %s", c.Type)
		}
		if c.Database == "" {
			return fmt.Errorf("database name is required for %s", c.Type)
		}
	}
	return nil
}

// Redacted returns a copy safe to expose to callers: credentials are blanked
// and never serialized.
func (c DatabaseConfig) Redacted() DatabaseConfig {
	c.Password = ""
	c.Token = ""
	return c
}

// PoolStats describes the live state of one pool. Refreshed by the registry's
// periodic monitor; read by health-check callers.
type PoolStats struct {
	CreatedAt           time.Time `json:"created_at"`
	ActiveConnections   int       `json:"active_connections"`
	IdleConnections     int       `json:"idle_connections"`
	PendingAcquisitions int       `json:"pending_acquisitions"`
	QueryCount          int64     `json:"query_count"`
	LastError           string    `json:"last_error,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Utilization is a point-in-time snapshot of a pool's resource usage, read by
// the monitor without blocking query traffic.
type Utilization struct {
	Active  int `json:"active"`
	Idle    int `json:"idle"`
	Pending int `json:"pending"`
	Max     int `json:"max"`
}

// DatabaseInfo is one entry of the credential-redacted database listing.
type DatabaseInfo struct {
	Key    string         `json:"key"`
	Config DatabaseConfig `json:"config"`
	Stats  PoolStats      `json:"stats"`
}
