package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	pkgerrors "github.com/ESnark/ansible-database-mcp/pkg/errors"
	"github.com/ESnark/ansible-database-mcp/pkg/models"
)

// Driver-level timeouts applied to every MySQL-family connection.
const (
	dialTimeout  = 10 * time.Second
	readTimeout  = 30 * time.Second
	writeTimeout = 30 * time.Second
)

// SQLPool wraps a database/sql pool for MySQL-family backends.
type SQLPool struct {
	db         *sql.DB
	host       string
	port       int
	maxOpen    int
	logger     zerolog.Logger
	queryCount atomic.Int64
	closed     atomic.Bool
}

// NewSQLPool opens a pool for the given configuration and applies the sizing
// policy. The returned pool has not been probed; callers decide when to ping.
func NewSQLPool(cfg models.DatabaseConfig, logger zerolog.Logger) (*SQLPool, error) {
	policy := cfg.Pool.Normalize()

	mysqlCfg := mysql.NewConfig()
	mysqlCfg.User = cfg.User
	mysqlCfg.Passwd = cfg.Password
	mysqlCfg.Net = "tcp"
	mysqlCfg.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mysqlCfg.DBName = cfg.Database
	mysqlCfg.Timeout = dialTimeout
	mysqlCfg.ReadTimeout = readTimeout
	mysqlCfg.WriteTimeout = writeTimeout
	mysqlCfg.ParseTime = true
	// Stacked statements and client-side interpolation stay off; a single
	// statement per round trip keeps enforcement decidable.
	mysqlCfg.MultiStatements = false
	mysqlCfg.InterpolateParams = false

	db, err := sql.Open("mysql", mysqlCfg.FormatDSN())
	if err != nil {
		return nil, ClassifyConnectionError(err, cfg.Host, cfg.Port)
	}

	db.SetMaxOpenConns(policy.MaxConnections)
	db.SetMaxIdleConns(policy.MinConnections)
	db.SetConnMaxIdleTime(policy.IdleTimeout)

	return newSQLPool(db, cfg.Host, cfg.Port, policy.MaxConnections, logger), nil
}

// NewSQLPoolFromDB wraps an existing database handle. Used by the registry's
// tests and by callers that manage their own driver setup.
func NewSQLPoolFromDB(db *sql.DB, host string, port, maxOpen int, logger zerolog.Logger) *SQLPool {
	return newSQLPool(db, host, port, maxOpen, logger)
}

func newSQLPool(db *sql.DB, host string, port, maxOpen int, logger zerolog.Logger) *SQLPool {
	return &SQLPool{
		db:      db,
		host:    host,
		port:    port,
		maxOpen: maxOpen,
		logger:  logger.With().Str("component", "sql_pool").Str("host", host).Logger(),
	}
}

// DB exposes the underlying handle for verifiers that need raw access.
func (p *SQLPool) DB() *sql.DB {
	return p.db
}

// Query runs a statement and normalizes the result set.
func (p *SQLPool) Query(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	if p.closed.Load() {
		return nil, pkgerrors.ErrPoolClosed
	}
	p.queryCount.Add(1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "query execution failed")
	}
	defer rows.Close()

	return normalizeRows(rows)
}

// Begin starts a transaction.
func (p *SQLPool) Begin(ctx context.Context) (Tx, error) {
	if p.closed.Load() {
		return nil, pkgerrors.ErrPoolClosed
	}
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "failed to begin transaction")
	}
	return &sqlTx{tx: tx, pool: p}, nil
}

// Ping validates connectivity.
func (p *SQLPool) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return pkgerrors.ErrPoolClosed
	}
	if err := p.db.PingContext(ctx); err != nil {
		return ClassifyConnectionError(err, p.host, p.port)
	}
	return nil
}

// Utilization reports database/sql pool counters. The standard library does
// not expose the current waiter count, so Pending is always zero here.
func (p *SQLPool) Utilization() models.Utilization {
	stats := p.db.Stats()
	return models.Utilization{
		Active:  stats.InUse,
		Idle:    stats.Idle,
		Pending: 0,
		Max:     p.maxOpen,
	}
}

// QueryCount returns the number of queries issued through this pool.
func (p *SQLPool) QueryCount() int64 {
	return p.queryCount.Load()
}

// Close shuts the pool down. Idempotent.
func (p *SQLPool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.logger.Info().Msg("Closing SQL pool")
	if err := p.db.Close(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "failed to close pool")
	}
	return nil
}

type sqlTx struct {
	tx   *sql.Tx
	pool *SQLPool
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	t.pool.queryCount.Add(1)
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "query execution failed")
	}
	defer rows.Close()
	return normalizeRows(rows)
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

// normalizeRows converts a driver result set into column-name keyed maps with
// driver byte slices decoded into plain Go values.
func normalizeRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "failed to read result columns")
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "failed to read column types")
	}

	var out []map[string]interface{}
	values := make([]interface{}, len(columns))
	scanTargets := make([]interface{}, len(columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "failed to scan result row")
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = convertValue(values[i], types[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "result iteration failed")
	}
	return out, nil
}

// convertValue decodes the []byte values the MySQL text protocol produces for
// most column types into strings, leaving typed values untouched.
func convertValue(v interface{}, colType *sql.ColumnType) interface{} {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch colType.DatabaseTypeName() {
	case "BLOB", "BINARY", "VARBINARY", "LONGBLOB", "MEDIUMBLOB", "TINYBLOB":
		return b
	default:
		return string(b)
	}
}
