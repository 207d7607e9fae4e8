// Package pool provides the two connection pool flavors behind the registry:
// a database/sql backed pool for MySQL-family servers and a session pool over
// a shared transport for warehouse backends. Both normalize result rows to
// column-name keyed maps so callers never see driver types.
package pool

import (
	"context"

	"github.com/ESnark/ansible-database-mcp/pkg/models"
)

// Pool is the surface the registry needs from any backend pool.
type Pool interface {
	// Query runs a statement and returns normalized rows.
	Query(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error)
	// Begin starts a transaction on backends that support one.
	Begin(ctx context.Context) (Tx, error)
	// Ping validates connectivity to the backend.
	Ping(ctx context.Context) error
	// Utilization reports current resource usage without blocking traffic.
	Utilization() models.Utilization
	// Close releases every backend resource the pool holds.
	Close(ctx context.Context) error
}

// Tx is a transaction handle. The broker only ever issues reads inside
// transactions, which still matter for snapshot-consistent multi-statement
// reporting.
type Tx interface {
	Query(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error)
	Commit() error
	Rollback() error
}
