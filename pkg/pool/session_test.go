package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	pkgerrors "github.com/ESnark/ansible-database-mcp/pkg/errors"
)

var errStale = fmt.Errorf("HTTP 400: invalid SessionHandle, session has expired")

type fakeSession struct {
	transport *fakeTransport
	closed    atomic.Bool
	inFlight  *atomic.Int32
	maxSeen   *atomic.Int32
}

func (s *fakeSession) Execute(_ context.Context, statement string) ([]map[string]interface{}, error) {
	if s.transport.stale.Load() {
		return nil, errStale
	}
	if s.inFlight != nil {
		cur := s.inFlight.Add(1)
		for {
			max := s.maxSeen.Load()
			if cur <= max || s.maxSeen.CompareAndSwap(max, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		s.inFlight.Add(-1)
	}
	return []map[string]interface{}{{"statement": statement}}, nil
}

func (s *fakeSession) Ping(context.Context) error {
	if s.transport.stale.Load() {
		return errStale
	}
	if s.closed.Load() {
		return fmt.Errorf("session closed")
	}
	return nil
}

func (s *fakeSession) Close(context.Context) error {
	s.closed.Store(true)
	return nil
}

type fakeTransport struct {
	id       int
	stale    atomic.Bool
	closed   atomic.Bool
	opened   atomic.Int32
	inFlight *atomic.Int32
	maxSeen  *atomic.Int32
}

func (tr *fakeTransport) OpenSession(context.Context) (Session, error) {
	if tr.stale.Load() {
		return nil, errStale
	}
	tr.opened.Add(1)
	return &fakeSession{transport: tr, inFlight: tr.inFlight, maxSeen: tr.maxSeen}, nil
}

func (tr *fakeTransport) Ping(context.Context) error {
	if tr.stale.Load() {
		return errStale
	}
	return nil
}

func (tr *fakeTransport) Close(context.Context) error {
	tr.closed.Store(true)
	return nil
}

// fakeFactory counts transport creations and hands out fresh transports.
type fakeFactory struct {
	mu       sync.Mutex
	created  []*fakeTransport
	failNext error
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeFactory) factory(context.Context) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	tr := &fakeTransport{id: len(f.created), inFlight: &f.inFlight, maxSeen: &f.maxSeen}
	f.created = append(f.created, tr)
	return tr, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) current() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[len(f.created)-1]
}

func newTestSessionPool(t *testing.T, cfg SessionPoolConfig) (*SessionPool, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	p, err := NewSessionPool(context.Background(), cfg, f.factory, zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, f
}

func TestSessionPool_PrewarmsMinSessions(t *testing.T) {
	p, f := newTestSessionPool(t, SessionPoolConfig{MinSessions: 2, MaxSessions: 5})

	assert.Equal(t, 1, f.count())
	assert.Equal(t, int32(2), f.current().opened.Load())

	u := p.Utilization()
	assert.Equal(t, 2, u.Idle)
	assert.Zero(t, u.Active)
	assert.Equal(t, 5, u.Max)
}

func TestSessionPool_QueryReusesSessions(t *testing.T) {
	p, f := newTestSessionPool(t, SessionPoolConfig{MinSessions: 1, MaxSessions: 3})

	for i := 0; i < 5; i++ {
		rows, err := p.Query(context.Background(), "SELECT 1")
		require.NoError(t, err)
		require.Len(t, rows, 1)
	}
	assert.Equal(t, int32(1), f.current().opened.Load(), "sequential queries reuse one session")
	assert.Equal(t, int64(5), p.QueryCount())
}

func TestSessionPool_CapacityNeverExceeded(t *testing.T) {
	const maxSessions = 4
	p, f := newTestSessionPool(t, SessionPoolConfig{MinSessions: 1, MaxSessions: maxSessions})

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := p.Query(ctx, "SELECT 1")
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.LessOrEqual(t, f.current().opened.Load(), int32(maxSessions))
	assert.LessOrEqual(t, f.maxSeen.Load(), int32(maxSessions),
		"concurrent executions must never exceed the session cap")
}

func TestSessionPool_AcquireTimeoutWhenSaturated(t *testing.T) {
	p, _ := newTestSessionPool(t, SessionPoolConfig{MinSessions: 1, MaxSessions: 1})

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Raw(context.Background(), func(context.Context, Session) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Query(ctx, "SELECT 1")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeAcquisitionTimeout, pkgerrors.GetCode(err))

	close(block)
}

func TestSessionPool_WaiterGetsReleasedSession(t *testing.T) {
	p, f := newTestSessionPool(t, SessionPoolConfig{MinSessions: 1, MaxSessions: 1})

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Raw(context.Background(), func(context.Context, Session) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := p.Query(ctx, "SELECT 1")
		done <- err
	}()

	// Give the second caller time to queue, then release.
	time.Sleep(20 * time.Millisecond)
	close(block)

	require.NoError(t, <-done)
	assert.Equal(t, int32(1), f.current().opened.Load(), "the waiter reuses the released session")
}

func TestSessionPool_WaiterCancelReleaseRaceDoesNotLeak(t *testing.T) {
	p, _ := newTestSessionPool(t, SessionPoolConfig{MinSessions: 1, MaxSessions: 1, IdleTimeout: time.Hour})

	for i := 0; i < 2000; i++ {
		held, err := p.acquire(context.Background())
		require.NoError(t, err)

		// Queue a waiter on the saturated pool.
		ctx, cancel := context.WithCancel(context.Background())
		type result struct {
			ps  *pooledSession
			err error
		}
		done := make(chan result, 1)
		go func() {
			ps, err := p.acquire(ctx)
			done <- result{ps, err}
		}()
		for p.Utilization().Pending == 0 {
			time.Sleep(time.Microsecond)
		}

		// Race the waiter's cancellation against the release that grants it
		// the session.
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); cancel() }()
		go func() { defer wg.Done(); p.release(held) }()
		wg.Wait()

		if res := <-done; res.err == nil {
			p.release(res.ps)
		}

		// Whichever way the race went, the session must be back in the pool.
		checkCtx, checkCancel := context.WithTimeout(context.Background(), time.Second)
		got, err := p.acquire(checkCtx)
		checkCancel()
		require.NoError(t, err, "iteration %d: session leaked: %+v", i, p.Utilization())
		p.release(got)
	}
}

func TestSessionPool_StaleTransportRecyclesExactlyOnce(t *testing.T) {
	const callers = 8
	p, f := newTestSessionPool(t, SessionPoolConfig{MinSessions: 2, MaxSessions: callers})

	// Invalidate the first transport; every session on it now fails.
	f.current().stale.Store(true)
	first := f.current()

	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := p.Query(ctx, "SELECT 1")
			return err
		})
	}
	require.NoError(t, g.Wait(), "all callers recover onto the fresh transport")

	assert.Equal(t, 2, f.count(), "concurrent stale observations collapse into one reconnection")
	assert.True(t, first.closed.Load(), "the stale transport is closed")
}

func TestSessionPool_RecycleFailurePropagates(t *testing.T) {
	p, f := newTestSessionPool(t, SessionPoolConfig{MinSessions: 1, MaxSessions: 2})

	f.current().stale.Store(true)
	f.mu.Lock()
	f.failNext = fmt.Errorf("warehouse endpoint unreachable")
	f.mu.Unlock()

	_, err := p.Query(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeConnectionFailed, pkgerrors.GetCode(err))
}

func TestSessionPool_NonStaleErrorsPropagate(t *testing.T) {
	p, f := newTestSessionPool(t, SessionPoolConfig{MinSessions: 1, MaxSessions: 2})

	queryErr := fmt.Errorf("TABLE_OR_VIEW_NOT_FOUND: nope")
	err := p.Raw(context.Background(), func(context.Context, Session) error {
		return queryErr
	})
	require.ErrorIs(t, err, queryErr)
	assert.Equal(t, 1, f.count(), "ordinary errors never recycle the transport")

	// The session survived the error and is reused.
	_, err = p.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.current().opened.Load())
}

func TestSessionPool_EvictIdleKeepsMinimum(t *testing.T) {
	p, _ := newTestSessionPool(t, SessionPoolConfig{
		MinSessions: 1,
		MaxSessions: 5,
		IdleTimeout: 100 * time.Millisecond,
	})

	// Grow the pool by holding several sessions at once.
	var wg sync.WaitGroup
	block := make(chan struct{})
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Raw(context.Background(), func(context.Context, Session) error {
				<-block
				return nil
			})
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(block)
	wg.Wait()

	require.Equal(t, 3, p.Utilization().Idle)

	time.Sleep(150 * time.Millisecond)
	p.evictIdle(context.Background())

	u := p.Utilization()
	assert.Equal(t, 1, u.Idle, "eviction keeps the configured minimum warm")
}

func TestSessionPool_Close(t *testing.T) {
	p, f := newTestSessionPool(t, SessionPoolConfig{MinSessions: 2, MaxSessions: 4})

	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()), "close is idempotent")

	assert.True(t, f.current().closed.Load())
	_, err := p.Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, pkgerrors.ErrPoolClosed)
}

func TestSessionPool_BeginUnsupported(t *testing.T) {
	p, _ := newTestSessionPool(t, SessionPoolConfig{MinSessions: 1, MaxSessions: 2})

	_, err := p.Begin(context.Background())
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeUnsupported, pkgerrors.GetCode(err))
}

func TestIsStaleTransport(t *testing.T) {
	assert.True(t, IsStaleTransport(errStale))
	assert.True(t, IsStaleTransport(fmt.Errorf("status 400: protocol violation")))
	assert.True(t, IsStaleTransport(pkgerrors.New(pkgerrors.CodeTransportStale, "stale")))
	assert.False(t, IsStaleTransport(fmt.Errorf("status 500: internal")))
	assert.False(t, IsStaleTransport(fmt.Errorf("400 rows returned")))
	assert.False(t, IsStaleTransport(nil))
}
