// Package breaker implements per-database circuit breaking. Each logical
// database key gets its own breaker so a flapping backend cannot poison
// traffic to healthy ones. Breakers follow the classic closed / open /
// half-open cycle and recover automatically.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	pkgerrors "github.com/ESnark/ansible-database-mcp/pkg/errors"
)

// State represents the state of one circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes breaker behavior. Zero fields take defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker open.
	FailureThreshold int
	// ResetTimeout is how long an open breaker waits before probing.
	ResetTimeout time.Duration
	// HalfOpenSuccessThreshold is the number of consecutive half-open
	// successes required to close the breaker again.
	HalfOpenSuccessThreshold int
	// SweepInterval is how often the manager checks open breakers for
	// transition to half-open.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = 2
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	return c
}

// Snapshot is a point-in-time view of one breaker for health reporting.
type Snapshot struct {
	Key             string    `json:"key"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	OpenedAt        time.Time `json:"opened_at,omitempty"`
}

// breakerState holds the mutable state of one key's breaker. Guarded by the
// manager's mutex; the traffic path takes it briefly on every call.
type breakerState struct {
	state           State
	failures        int
	halfOpenSuccess int
	lastFailureTime time.Time
	openedAt        time.Time
}

// Manager owns one breaker per database key, created lazily on first use.
type Manager struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	breakers map[string]*breakerState

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	closeOnce   sync.Once
}

// NewManager creates a breaker manager and starts its background sweep, which
// moves open breakers to half-open once their reset timeout elapses even when
// no traffic arrives.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "circuit_breaker").Logger(),
		now:      time.Now,
		breakers: make(map[string]*breakerState),
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.sweepCancel = cancel
	m.sweepDone = make(chan struct{})
	go m.sweepRoutine(ctx)

	return m
}

// Execute runs fn under the breaker for key. When the breaker is open the
// call is rejected with CIRCUIT_OPEN without invoking fn; otherwise fn's
// outcome is recorded as a success or failure.
func (m *Manager) Execute(ctx context.Context, key string, fn func(context.Context) error) error {
	if err := m.Allow(key); err != nil {
		return err
	}
	err := fn(ctx)
	m.record(key, err)
	return err
}

// Allow reports whether a call for key may proceed right now. Open breakers
// past their reset timeout transition to half-open and admit the call.
func (m *Manager) Allow(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.get(key)
	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if m.now().Sub(b.openedAt) >= m.cfg.ResetTimeout {
			m.transition(key, b, StateHalfOpen)
			return nil
		}
		retryIn := m.cfg.ResetTimeout - m.now().Sub(b.openedAt)
		return pkgerrors.Newf(pkgerrors.CodeCircuitOpen,
			"database %q is temporarily unavailable, retry in %s", key, retryIn.Round(time.Second)).
			WithDetail("database", key).
			WithDetail("retry_after_ms", retryIn.Milliseconds())
	default:
		return pkgerrors.Newf(pkgerrors.CodeInternal, "breaker for %q in unknown state", key)
	}
}

// record updates breaker state with the outcome of one call.
func (m *Manager) record(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.get(key)
	if err == nil {
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.halfOpenSuccess++
			if b.halfOpenSuccess >= m.cfg.HalfOpenSuccessThreshold {
				m.transition(key, b, StateClosed)
			}
		}
		return
	}

	b.failures++
	b.lastFailureTime = m.now()
	switch b.state {
	case StateClosed:
		if b.failures >= m.cfg.FailureThreshold {
			m.transition(key, b, StateOpen)
		}
	case StateHalfOpen:
		// One probe failure reopens immediately.
		m.transition(key, b, StateOpen)
	}
}

// transition moves b to next and resets counters. Caller holds the mutex.
func (m *Manager) transition(key string, b *breakerState, next State) {
	prev := b.state
	b.state = next
	switch next {
	case StateOpen:
		b.openedAt = m.now()
		b.halfOpenSuccess = 0
		m.logger.Warn().
			Str("database", key).
			Str("from", prev.String()).
			Int("failures", b.failures).
			Msg("Circuit breaker opened")
	case StateHalfOpen:
		b.halfOpenSuccess = 0
		m.logger.Info().
			Str("database", key).
			Msg("Circuit breaker half-open, probing")
	case StateClosed:
		b.failures = 0
		b.halfOpenSuccess = 0
		m.logger.Info().
			Str("database", key).
			Str("from", prev.String()).
			Msg("Circuit breaker closed")
	}
}

// get returns the breaker for key, creating a closed one on first use.
// Caller holds the mutex.
func (m *Manager) get(key string) *breakerState {
	b, ok := m.breakers[key]
	if !ok {
		b = &breakerState{state: StateClosed}
		m.breakers[key] = b
	}
	return b
}

// State returns the current state of key's breaker. Keys never seen report
// closed.
func (m *Manager) State(key string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[key]; ok {
		return b.state
	}
	return StateClosed
}

// Reset forces key's breaker back to closed, clearing all counters. Used when
// an operator knows the backend has recovered.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[key]; ok {
		m.transition(key, b, StateClosed)
	}
}

// Remove drops key's breaker entirely. Called when a pool is closed.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, key)
}

// Snapshots returns the state of every known breaker for health reporting.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.breakers))
	for key, b := range m.breakers {
		out = append(out, Snapshot{
			Key:             key,
			State:           b.state.String(),
			Failures:        b.failures,
			LastFailureTime: b.lastFailureTime,
			OpenedAt:        b.openedAt,
		})
	}
	return out
}

// sweepRoutine periodically promotes open breakers whose reset timeout has
// elapsed so that health checks see half-open even without query traffic.
func (m *Manager) sweepRoutine(ctx context.Context) {
	defer close(m.sweepDone)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, b := range m.breakers {
		if b.state == StateOpen && m.now().Sub(b.openedAt) >= m.cfg.ResetTimeout {
			m.transition(key, b, StateHalfOpen)
		}
	}
}

// Close stops the background sweep. Breaker state remains readable.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.sweepCancel()
		<-m.sweepDone
	})
}
