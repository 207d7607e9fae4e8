package pool

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	pkgerrors "github.com/ESnark/ansible-database-mcp/pkg/errors"
	"github.com/ESnark/ansible-database-mcp/pkg/models"
)

// Transport is one physical link to a warehouse, multiplexing many sessions.
// When the backend invalidates the link every session on it dies together.
type Transport interface {
	OpenSession(ctx context.Context) (Session, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Session is one warehouse execution context.
type Session interface {
	Execute(ctx context.Context, statement string) ([]map[string]interface{}, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// TransportFactory creates a fresh transport. The session pool calls it once
// at startup and again whenever the current transport goes stale.
type TransportFactory func(ctx context.Context) (Transport, error)

// IsStaleTransport recognizes the failure signature a warehouse produces when
// the transport behind a session has been invalidated server-side: an HTTP
// 400 class response carrying a protocol or session-handle complaint.
func IsStaleTransport(err error) bool {
	if err == nil {
		return false
	}
	if pkgerrors.IsCode(err, pkgerrors.CodeTransportStale) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "400") {
		return false
	}
	for _, marker := range []string{"session", "protocol", "handle"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// rawMaxAttempts bounds how many times Raw retries after stale-transport
// recoveries before giving up.
const rawMaxAttempts = 3

// SessionPoolConfig sizes a session pool.
type SessionPoolConfig struct {
	MinSessions int
	MaxSessions int
	IdleTimeout time.Duration
}

func (c SessionPoolConfig) withDefaults() SessionPoolConfig {
	if c.MinSessions <= 0 {
		c.MinSessions = 1
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 10
	}
	if c.MinSessions > c.MaxSessions {
		c.MinSessions = c.MaxSessions
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	return c
}

// pooledSession tags a session with the transport generation it belongs to
// and its last use for idle eviction.
type pooledSession struct {
	Session
	gen      int
	lastUsed time.Time
}

// SessionPool maintains warehouse sessions over a shared transport. Sessions
// are validated before every grant; a stale transport triggers exactly one
// recycle no matter how many callers observe the failure concurrently.
type SessionPool struct {
	cfg     SessionPoolConfig
	factory TransportFactory
	logger  zerolog.Logger

	mu         sync.Mutex
	transport  Transport
	generation int
	available  []*pooledSession
	active     map[*pooledSession]struct{}
	opening    int
	waiters    []chan *pooledSession
	queryCount int64
	closed     bool

	// recycleMu serializes transport replacement so concurrent stale
	// observations collapse into a single reconnection.
	recycleMu sync.Mutex

	janitorCancel context.CancelFunc
	janitorDone   chan struct{}
}

// NewSessionPool creates a session pool, opens the initial transport, and
// prewarms the minimum session count.
func NewSessionPool(ctx context.Context, cfg SessionPoolConfig, factory TransportFactory, logger zerolog.Logger) (*SessionPool, error) {
	transport, err := factory(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "failed to open warehouse transport")
	}

	p := &SessionPool{
		cfg:       cfg.withDefaults(),
		factory:   factory,
		logger:    logger.With().Str("component", "session_pool").Logger(),
		transport: transport,
		active:    make(map[*pooledSession]struct{}),
	}

	if err := p.prewarm(ctx); err != nil {
		_ = transport.Close(ctx)
		return nil, err
	}

	janitorCtx, cancel := context.WithCancel(context.Background())
	p.janitorCancel = cancel
	p.janitorDone = make(chan struct{})
	go p.janitor(janitorCtx)

	return p, nil
}

// prewarm opens MinSessions sessions on the current transport.
func (p *SessionPool) prewarm(ctx context.Context) error {
	for i := 0; i < p.cfg.MinSessions; i++ {
		p.mu.Lock()
		transport, gen := p.transport, p.generation
		p.mu.Unlock()

		s, err := transport.OpenSession(ctx)
		if err != nil {
			return pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "failed to open warehouse session")
		}
		p.mu.Lock()
		p.available = append(p.available, &pooledSession{Session: s, gen: gen, lastUsed: time.Now()})
		p.mu.Unlock()
	}
	return nil
}

// Raw acquires a session and runs fn on it, transparently recovering from
// stale-transport failures. On a stale signature the session is discarded,
// the transport is recycled once, and the call retries on a fresh session, up
// to rawMaxAttempts total attempts. Every other error propagates as-is.
func (p *SessionPool) Raw(ctx context.Context, fn func(ctx context.Context, s Session) error) error {
	var lastErr error
	for attempt := 1; attempt <= rawMaxAttempts; attempt++ {
		observedGen := p.currentGeneration()
		ps, err := p.acquire(ctx)
		if err != nil {
			if IsStaleTransport(err) {
				lastErr = err
				if rerr := p.recycle(ctx, observedGen); rerr != nil {
					return rerr
				}
				continue
			}
			return err
		}

		err = fn(ctx, ps)
		if err == nil {
			p.release(ps)
			return nil
		}
		if IsStaleTransport(err) {
			p.logger.Warn().Err(err).Int("attempt", attempt).Msg("Stale transport detected, recycling")
			lastErr = err
			p.invalidate(ctx, ps)
			if rerr := p.recycle(ctx, ps.gen); rerr != nil {
				return rerr
			}
			continue
		}
		p.release(ps)
		return err
	}
	return pkgerrors.Wrapf(lastErr, pkgerrors.CodeSessionInvalidated,
		"session recovery failed after %d attempts", rawMaxAttempts)
}

// Query runs one statement through Raw.
func (p *SessionPool) Query(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	if len(args) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeUnsupported, "warehouse queries do not accept placeholder arguments")
	}
	var rows []map[string]interface{}
	err := p.Raw(ctx, func(ctx context.Context, s Session) error {
		var execErr error
		rows, execErr = s.Execute(ctx, query)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.queryCount++
	p.mu.Unlock()
	return rows, nil
}

// Begin is unsupported on warehouse backends.
func (p *SessionPool) Begin(ctx context.Context) (Tx, error) {
	return nil, pkgerrors.New(pkgerrors.CodeUnsupported, "warehouse backends do not support transactions")
}

// Ping validates the transport.
func (p *SessionPool) Ping(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return pkgerrors.ErrPoolClosed
	}
	transport := p.transport
	p.mu.Unlock()
	return transport.Ping(ctx)
}

// acquire hands out a validated session, creating one when under the cap and
// queueing the caller otherwise.
func (p *SessionPool) acquire(ctx context.Context) (*pooledSession, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, pkgerrors.ErrPoolClosed
		}

		// Reuse an idle session if one passes validation.
		if n := len(p.available); n > 0 {
			ps := p.available[n-1]
			p.available = p.available[:n-1]
			p.mu.Unlock()

			if err := ps.Ping(ctx); err != nil {
				if IsStaleTransport(err) {
					return nil, pkgerrors.Wrap(err, pkgerrors.CodeTransportStale, "idle session failed validation")
				}
				_ = ps.Close(ctx)
				continue
			}
			p.mu.Lock()
			p.active[ps] = struct{}{}
			p.mu.Unlock()
			return ps, nil
		}

		// Open a new session while under the cap; opening counts toward it
		// so concurrent acquires cannot overshoot.
		if len(p.active)+len(p.available)+p.opening < p.cfg.MaxSessions {
			p.opening++
			transport, gen := p.transport, p.generation
			p.mu.Unlock()

			s, err := transport.OpenSession(ctx)

			p.mu.Lock()
			p.opening--
			if err != nil {
				p.mu.Unlock()
				if IsStaleTransport(err) {
					return nil, pkgerrors.Wrap(err, pkgerrors.CodeTransportStale, "transport rejected session open")
				}
				return nil, pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "failed to open warehouse session")
			}
			ps := &pooledSession{Session: s, gen: gen, lastUsed: time.Now()}
			p.active[ps] = struct{}{}
			p.mu.Unlock()
			return ps, nil
		}

		// At capacity: queue in FIFO order and wait for a release.
		waiter := make(chan *pooledSession, 1)
		p.waiters = append(p.waiters, waiter)
		p.mu.Unlock()

		select {
		case ps := <-waiter:
			if ps == nil {
				return nil, pkgerrors.ErrPoolClosed
			}
			return ps, nil
		case <-ctx.Done():
			p.abandonWaiter(waiter)
			return nil, pkgerrors.Wrap(ctx.Err(), pkgerrors.CodeAcquisitionTimeout,
				"timed out waiting for a free session")
		}
	}
}

// abandonWaiter removes waiter from the queue, re-homing a session that was
// granted concurrently with the caller's cancellation.
func (p *SessionPool) abandonWaiter(waiter chan *pooledSession) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Already dequeued. Grants are sent under the lock, so the session is
	// in the buffer by now; only Close's nil refusal can still be pending.
	select {
	case ps := <-waiter:
		if ps != nil {
			p.release(ps)
		}
	default:
	}
}

// release returns a session to the pool, handing it straight to the oldest
// waiter when one is queued.
func (p *SessionPool) release(ps *pooledSession) {
	p.mu.Lock()
	delete(p.active, ps)
	ps.lastUsed = time.Now()

	if p.closed {
		p.mu.Unlock()
		_ = ps.Close(context.Background())
		return
	}

	// Sessions from a previous transport generation are dead weight.
	if ps.gen != p.generation {
		p.mu.Unlock()
		_ = ps.Close(context.Background())
		return
	}

	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.active[ps] = struct{}{}
		// The buffered send happens under the lock so a cancelling waiter's
		// dequeue scan is ordered with the grant: once the scan misses, the
		// session is already in the channel for abandonWaiter to re-home.
		waiter <- ps
		p.mu.Unlock()
		return
	}

	p.available = append(p.available, ps)
	p.mu.Unlock()
}

// invalidate discards a session that failed, without returning it.
func (p *SessionPool) invalidate(ctx context.Context, ps *pooledSession) {
	p.mu.Lock()
	delete(p.active, ps)
	p.mu.Unlock()
	_ = ps.Close(ctx)
}

func (p *SessionPool) currentGeneration() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// recycle replaces the transport observed at generation observedGen. When a
// newer generation already exists the stale observation is ignored, so any
// number of concurrent failures produce exactly one reconnection.
func (p *SessionPool) recycle(ctx context.Context, observedGen int) error {
	p.recycleMu.Lock()
	defer p.recycleMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return pkgerrors.ErrPoolClosed
	}
	if p.generation != observedGen {
		p.mu.Unlock()
		return nil
	}
	old := p.transport
	stale := p.available
	p.available = nil
	p.mu.Unlock()

	p.logger.Warn().Int("generation", observedGen).Msg("Recycling warehouse transport")

	for _, s := range stale {
		_ = s.Close(ctx)
	}
	_ = old.Close(ctx)

	transport, err := p.factory(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "failed to reopen warehouse transport")
	}

	p.mu.Lock()
	p.transport = transport
	p.generation++
	p.mu.Unlock()

	if err := p.prewarm(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("Prewarm after recycle failed, sessions will open on demand")
	}
	p.dispatchWaiters()

	p.logger.Info().Int("generation", observedGen+1).Msg("Warehouse transport recycled")
	return nil
}

// dispatchWaiters grants fresh sessions to queued acquirers whose original
// sessions died with the old transport.
func (p *SessionPool) dispatchWaiters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.waiters) > 0 && len(p.available) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		n := len(p.available)
		ps := p.available[n-1]
		p.available = p.available[:n-1]
		p.active[ps] = struct{}{}
		waiter <- ps
	}
}

// Utilization reports live pool usage including queued acquirers.
func (p *SessionPool) Utilization() models.Utilization {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.Utilization{
		Active:  len(p.active),
		Idle:    len(p.available),
		Pending: len(p.waiters),
		Max:     p.cfg.MaxSessions,
	}
}

// QueryCount returns the number of statements run through this pool.
func (p *SessionPool) QueryCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queryCount
}

// janitor evicts sessions idle past the timeout, keeping MinSessions warm.
func (p *SessionPool) janitor(ctx context.Context) {
	defer close(p.janitorDone)

	interval := p.cfg.IdleTimeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evictIdle(ctx)
		}
	}
}

func (p *SessionPool) evictIdle(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var keep, evict []*pooledSession
	for _, ps := range p.available {
		if ps.lastUsed.Before(cutoff) && len(p.active)+len(p.available)-len(evict) > p.cfg.MinSessions {
			evict = append(evict, ps)
		} else {
			keep = append(keep, ps)
		}
	}
	p.available = keep
	p.mu.Unlock()

	for _, ps := range evict {
		_ = ps.Close(ctx)
	}
	if len(evict) > 0 {
		p.logger.Debug().Int("evicted", len(evict)).Msg("Evicted idle sessions")
	}
}

// Close drains the pool: waiters are refused, idle and active sessions are
// closed, and the transport is shut down. Idempotent.
func (p *SessionPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	sessions := p.available
	p.available = nil
	for ps := range p.active {
		sessions = append(sessions, ps)
	}
	p.active = make(map[*pooledSession]struct{})
	transport := p.transport
	p.mu.Unlock()

	p.janitorCancel()
	<-p.janitorDone

	for _, w := range waiters {
		w <- nil
	}
	for _, ps := range sessions {
		_ = ps.Close(ctx)
	}
	if err := transport.Close(ctx); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "failed to close warehouse transport")
	}
	p.logger.Info().Msg("Session pool closed")
	return nil
}
