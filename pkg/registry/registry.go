// Package registry owns the lifecycle of every database pool: creation with
// read-only verification, health monitoring, per-database circuit breaking,
// timeout-governed access, and coordinated shutdown.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ESnark/ansible-database-mcp/pkg/breaker"
	pkgerrors "github.com/ESnark/ansible-database-mcp/pkg/errors"
	"github.com/ESnark/ansible-database-mcp/pkg/models"
	"github.com/ESnark/ansible-database-mcp/pkg/pool"
	"github.com/ESnark/ansible-database-mcp/pkg/readonly"
	"github.com/ESnark/ansible-database-mcp/pkg/timeout"
)

// TransportBuilder creates the transport factory for one warehouse
// configuration.
type TransportBuilder func(cfg models.DatabaseConfig) pool.TransportFactory

// Options configures a Registry. Governor and Breakers are required; the
// rest have working defaults.
type Options struct {
	Governor *timeout.Governor
	Breakers *breaker.Manager
	Logger   zerolog.Logger

	// MonitorInterval is how often pool statistics are refreshed and
	// utilization warnings evaluated. Defaults to 60s.
	MonitorInterval time.Duration

	// WarehouseTransport builds transports for warehouse backends. Required
	// when any configured database is a warehouse.
	WarehouseTransport TransportBuilder

	// Observers receive lifecycle events.
	Observers []Observer

	// CloseTimeout bounds CloseAll. Defaults to 30s.
	CloseTimeout time.Duration
}

// entry is one registered database.
type entry struct {
	key     string
	config  models.DatabaseConfig
	pool    pool.Pool
	verdict readonly.Verdict

	statsMu sync.Mutex
	stats   models.PoolStats
}

// queryCounter is implemented by both pool flavors.
type queryCounter interface {
	QueryCount() int64
}

// Registry holds one pool per logical database key.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	sqlBuilder        func(cfg models.DatabaseConfig, logger zerolog.Logger) (*pool.SQLPool, error)
	mysqlVerifier     *readonly.MySQLVerifier
	warehouseVerifier *readonly.WarehouseVerifier

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	closeOnce     sync.Once
}

// New creates a registry and starts its monitoring loop.
func New(opts Options) *Registry {
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 60 * time.Second
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 30 * time.Second
	}
	logger := opts.Logger.With().Str("component", "pool_registry").Logger()

	r := &Registry{
		opts:              opts,
		logger:            logger,
		entries:           make(map[string]*entry),
		sqlBuilder:        pool.NewSQLPool,
		mysqlVerifier:     readonly.NewMySQLVerifier(opts.Logger),
		warehouseVerifier: readonly.NewWarehouseVerifier(opts.Logger),
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.monitorCancel = cancel
	r.monitorDone = make(chan struct{})
	go r.monitor(ctx)

	return r
}

// CreatePool builds, probes, verifies, and registers a pool for key. An
// existing pool under the same key is closed first, so the call is a safe
// reload. A credential that fails read-only verification leaves no trace: the
// candidate pool is fully torn down before the error returns.
func (r *Registry) CreatePool(ctx context.Context, key string, cfg models.DatabaseConfig) error {
	if err := cfg.Validate(); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.CodeInternal, "invalid configuration for %q", key)
	}
	cfg.Pool = cfg.Pool.Normalize()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return pkgerrors.ErrPoolClosed
	}
	existing := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()

	if existing != nil {
		r.logger.Info().Str("database", key).Msg("Replacing existing pool")
		if err := existing.pool.Close(ctx); err != nil {
			r.logger.Warn().Err(err).Str("database", key).Msg("Failed to close replaced pool")
		}
	}

	e, err := timeout.Do(ctx, r.opts.Governor, timeout.KindPoolCreate,
		func(ctx context.Context) (*entry, error) {
			return r.buildEntry(ctx, key, cfg)
		})
	if err != nil {
		r.emit(Event{Kind: EventError, Database: key, Message: "pool creation failed", Err: err, Time: time.Now()})
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = e.pool.Close(ctx)
		return pkgerrors.ErrPoolClosed
	}
	r.entries[key] = e
	r.mu.Unlock()

	r.logger.Info().
		Str("database", key).
		Str("type", string(cfg.Type)).
		Bool("degraded_verification", e.verdict.Degraded).
		Msg("Pool registered")
	r.emit(Event{Kind: EventPoolCreated, Database: key, Message: "pool created", Time: time.Now()})

	for _, w := range e.verdict.Warnings {
		r.emit(Event{Kind: EventWarning, Database: key, Message: w, Time: time.Now()})
	}
	return nil
}

// buildEntry constructs and validates a candidate pool without registering it.
func (r *Registry) buildEntry(ctx context.Context, key string, cfg models.DatabaseConfig) (*entry, error) {
	var (
		p       pool.Pool
		verdict readonly.Verdict
		err     error
	)

	if cfg.Type.IsWarehouse() {
		p, verdict, err = r.buildWarehouse(ctx, key, cfg)
	} else {
		p, verdict, err = r.buildSQL(ctx, key, cfg)
	}
	if err != nil {
		return nil, err
	}

	if !verdict.ReadOnly {
		// Tear the candidate down before reporting; a rejected credential
		// must leave nothing behind.
		if closeErr := p.Close(ctx); closeErr != nil {
			r.logger.Warn().Err(closeErr).Str("database", key).Msg("Failed to close rejected pool")
		}
		return nil, pkgerrors.Newf(pkgerrors.CodeWritePermission,
			"database %q rejected: the credential can write (%s)", key, strings.Join(verdict.Reasons, "; ")).
			WithDetail("database", key).
			WithDetail("reasons", verdict.Reasons)
	}

	now := time.Now()
	return &entry{
		key:     key,
		config:  cfg,
		pool:    p,
		verdict: verdict,
		stats:   models.PoolStats{CreatedAt: now, UpdatedAt: now},
	}, nil
}

func (r *Registry) buildSQL(ctx context.Context, key string, cfg models.DatabaseConfig) (pool.Pool, readonly.Verdict, error) {
	p, err := r.sqlBuilder(cfg, r.opts.Logger)
	if err != nil {
		return nil, readonly.Verdict{}, err
	}

	if _, err := p.Query(ctx, "SELECT 1"); err != nil {
		_ = p.Close(ctx)
		return nil, readonly.Verdict{}, pool.ClassifyConnectionError(err, cfg.Host, cfg.Port)
	}

	verdict, err := r.mysqlVerifier.Verify(ctx, p.DB())
	if err != nil {
		_ = p.Close(ctx)
		return nil, readonly.Verdict{}, err
	}
	return p, verdict, nil
}

func (r *Registry) buildWarehouse(ctx context.Context, key string, cfg models.DatabaseConfig) (pool.Pool, readonly.Verdict, error) {
	if r.opts.WarehouseTransport == nil {
		return nil, readonly.Verdict{}, pkgerrors.Newf(pkgerrors.CodeUnsupported,
			"no warehouse transport configured, cannot create pool for %q", key)
	}

	policy := cfg.Pool
	p, err := pool.NewSessionPool(ctx, pool.SessionPoolConfig{
		MinSessions: policy.MinConnections,
		MaxSessions: policy.MaxConnections,
		IdleTimeout: policy.IdleTimeout,
	}, r.opts.WarehouseTransport(cfg), r.opts.Logger)
	if err != nil {
		return nil, readonly.Verdict{}, err
	}

	if _, err := p.Query(ctx, "SELECT 1"); err != nil {
		_ = p.Close(ctx)
		return nil, readonly.Verdict{}, err
	}

	verdict, err := r.warehouseVerifier.Verify(ctx, sessionExecutor{p})
	if err != nil {
		_ = p.Close(ctx)
		return nil, readonly.Verdict{}, err
	}
	return p, verdict, nil
}

// sessionExecutor adapts a session pool to the verifier's executor surface.
type sessionExecutor struct {
	p *pool.SessionPool
}

func (e sessionExecutor) Execute(ctx context.Context, statement string) ([]map[string]interface{}, error) {
	return e.p.Query(ctx, statement)
}

// GetPool returns the pool registered under key.
func (r *Registry) GetPool(key string) (pool.Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, pkgerrors.ErrPoolClosed
	}
	e, ok := r.entries[key]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.CodePoolNotFound, "no pool registered for database %q", key).
			WithDetail("database", key)
	}
	return e.pool, nil
}

// Query runs a statement on key's pool under the circuit breaker and the
// configured query timeout budget.
func (r *Registry) Query(ctx context.Context, key, query string, args ...interface{}) ([]map[string]interface{}, error) {
	return r.QueryWithin(ctx, key, query, 0, args...)
}

// QueryWithin is Query with a caller-supplied timeout. A zero or negative
// value falls back to the configured query budget.
func (r *Registry) QueryWithin(ctx context.Context, key, query string, within time.Duration, args ...interface{}) ([]map[string]interface{}, error) {
	p, err := r.GetPool(key)
	if err != nil {
		return nil, err
	}
	if err := readonly.CheckStatement(query); err != nil {
		return nil, err
	}

	var rows []map[string]interface{}
	err = r.opts.Breakers.Execute(ctx, key, func(ctx context.Context) error {
		var qErr error
		rows, qErr = timeout.DoWithin(ctx, r.opts.Governor, timeout.KindQuery, within,
			func(ctx context.Context) ([]map[string]interface{}, error) {
				return p.Query(ctx, query, args...)
			})
		return qErr
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// BeginTransaction starts a read-only transaction on key's pool.
func (r *Registry) BeginTransaction(ctx context.Context, key string) (pool.Tx, error) {
	p, err := r.GetPool(key)
	if err != nil {
		return nil, err
	}
	return timeout.Do(ctx, r.opts.Governor, timeout.KindTransaction,
		func(ctx context.Context) (pool.Tx, error) {
			return p.Begin(ctx)
		})
}

// HealthCheck pings one database under its health-check budget. Failures
// feed the circuit breaker and emit an unhealthy event.
func (r *Registry) HealthCheck(ctx context.Context, key string) error {
	p, err := r.GetPool(key)
	if err != nil {
		return err
	}

	err = r.opts.Breakers.Execute(ctx, key, func(ctx context.Context) error {
		return timeout.Run(ctx, r.opts.Governor, timeout.KindHealthCheck, p.Ping)
	})
	if err != nil && !pkgerrors.IsCircuitOpen(err) {
		r.setLastError(key, err)
		r.emit(Event{Kind: EventUnhealthy, Database: key, Message: "health check failed", Err: err, Time: time.Now()})
	}
	return err
}

// HealthCheckAll pings every registered database and returns the failures
// keyed by database.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, key := range r.Keys() {
		if err := r.HealthCheck(ctx, key); err != nil {
			failures[key] = err
		}
	}
	return failures
}

// Keys returns the registered database keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PoolStats returns the latest statistics for key.
func (r *Registry) PoolStats(key string) (models.PoolStats, error) {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return models.PoolStats{}, pkgerrors.Newf(pkgerrors.CodePoolNotFound,
			"no pool registered for database %q", key)
	}
	r.refreshStats(e)
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats, nil
}

// DatabaseList returns every registered database with its configuration,
// credentials redacted, and current statistics.
func (r *Registry) DatabaseList() []models.DatabaseInfo {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	out := make([]models.DatabaseInfo, 0, len(entries))
	for _, e := range entries {
		r.refreshStats(e)
		e.statsMu.Lock()
		stats := e.stats
		e.statsMu.Unlock()
		out = append(out, models.DatabaseInfo{
			Key:    e.key,
			Config: e.config.Redacted(),
			Stats:  stats,
		})
	}
	return out
}

// ClosePool closes and unregisters one pool.
func (r *Registry) ClosePool(ctx context.Context, key string) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if !ok {
		return pkgerrors.Newf(pkgerrors.CodePoolNotFound, "no pool registered for database %q", key)
	}

	err := e.pool.Close(ctx)
	r.opts.Breakers.Remove(key)
	r.emit(Event{Kind: EventPoolClosed, Database: key, Message: "pool closed", Time: time.Now()})
	return err
}

// CloseAll shuts every pool down concurrently and waits up to CloseTimeout.
// Each pool closes independently, so one hung backend cannot block the
// others from releasing their resources.
func (r *Registry) CloseAll(ctx context.Context) error {
	var entries []*entry
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		for _, e := range r.entries {
			entries = append(entries, e)
		}
		r.entries = make(map[string]*entry)
		r.mu.Unlock()
	})

	r.monitorCancel()
	select {
	case <-r.monitorDone:
	case <-time.After(time.Second):
	}

	if len(entries) == 0 {
		return nil
	}

	// Deliberately not errgroup.WithContext: a failing or hanging pool must
	// not cancel its siblings' cleanup.
	var g errgroup.Group
	for _, e := range entries {
		e := e
		g.Go(func() error {
			closeCtx, cancel := context.WithTimeout(ctx, r.opts.CloseTimeout)
			defer cancel()
			if err := e.pool.Close(closeCtx); err != nil {
				r.logger.Warn().Err(err).Str("database", e.key).Msg("Pool close failed during shutdown")
				return err
			}
			r.emit(Event{Kind: EventPoolClosed, Database: e.key, Message: "pool closed", Time: time.Now()})
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "shutdown completed with errors")
		}
		r.logger.Info().Int("pools", len(entries)).Msg("All pools closed")
		return nil
	case <-time.After(r.opts.CloseTimeout):
		return pkgerrors.Newf(pkgerrors.CodeOperationTimeout,
			"shutdown timed out after %s with pools still closing", r.opts.CloseTimeout)
	}
}

// refreshStats pulls live utilization into the entry's stats.
func (r *Registry) refreshStats(e *entry) {
	u := e.pool.Utilization()
	e.statsMu.Lock()
	e.stats.ActiveConnections = u.Active
	e.stats.IdleConnections = u.Idle
	e.stats.PendingAcquisitions = u.Pending
	if qc, ok := e.pool.(queryCounter); ok {
		e.stats.QueryCount = qc.QueryCount()
	}
	e.stats.UpdatedAt = time.Now()
	e.statsMu.Unlock()
}

func (r *Registry) setLastError(key string, err error) {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.statsMu.Lock()
	e.stats.LastError = err.Error()
	e.stats.UpdatedAt = time.Now()
	e.statsMu.Unlock()
}

// monitor periodically refreshes statistics and raises warnings when a pool
// runs hot.
func (r *Registry) monitor(ctx context.Context) {
	defer close(r.monitorDone)

	ticker := time.NewTicker(r.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepStats()
		}
	}
}

func (r *Registry) sweepStats() {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		r.refreshStats(e)
		u := e.pool.Utilization()

		if u.Max > 0 && u.Active*100 >= u.Max*80 {
			msg := "pool utilization above 80%"
			r.logger.Warn().
				Str("database", e.key).
				Int("active", u.Active).
				Int("max", u.Max).
				Msg("Pool utilization high")
			r.emit(Event{Kind: EventWarning, Database: e.key, Message: msg, Time: time.Now()})
		}
		if u.Pending > u.Max {
			r.logger.Warn().
				Str("database", e.key).
				Int("pending", u.Pending).
				Int("max", u.Max).
				Msg("Pending acquisitions exceed pool capacity")
			r.emit(Event{Kind: EventWarning, Database: e.key, Message: "pending acquisitions exceed pool capacity", Time: time.Now()})
		}
	}
}

func (r *Registry) emit(e Event) {
	for _, o := range r.opts.Observers {
		o.OnEvent(e)
	}
}
