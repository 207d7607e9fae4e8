// Package timeout enforces named time budgets on every backend-facing
// operation. Each operation kind carries a default budget which can be
// reconfigured at runtime; an expired budget produces a typed timeout error
// and the underlying operation is abandoned, not awaited.
package timeout

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	pkgerrors "github.com/ESnark/ansible-database-mcp/pkg/errors"
)

// Kind names an operation class with its own timeout budget.
type Kind string

const (
	KindQuery        Kind = "query"
	KindConnection   Kind = "connection"
	KindAcquire      Kind = "acquire"
	KindIdleEviction Kind = "idle_eviction"
	KindPoolCreate   Kind = "pool_create"
	KindTransaction  Kind = "transaction"
	KindHealthCheck  Kind = "health_check"
)

// defaultBudgets holds the built-in budget per kind.
func defaultBudgets() map[Kind]time.Duration {
	return map[Kind]time.Duration{
		KindQuery:        30 * time.Second,
		KindConnection:   10 * time.Second,
		KindAcquire:      10 * time.Second,
		KindIdleEviction: 60 * time.Second,
		KindPoolCreate:   30 * time.Second,
		KindTransaction:  30 * time.Second,
		KindHealthCheck:  5 * time.Second,
	}
}

// Budget bounds accepted by Set.
const (
	MinBudget = 1 * time.Second
	MaxBudget = 10 * time.Minute
)

// Governor owns the budget table. Safe for concurrent use; budget changes
// affect only future invocations.
type Governor struct {
	logger  zerolog.Logger
	mu      sync.RWMutex
	budgets map[Kind]time.Duration
}

// NewGovernor creates a governor with the default budget table.
func NewGovernor(logger zerolog.Logger) *Governor {
	return &Governor{
		logger:  logger.With().Str("component", "timeout_governor").Logger(),
		budgets: defaultBudgets(),
	}
}

// Budget returns the configured budget for a kind. Unknown kinds fall back to
// the query budget.
func (g *Governor) Budget(kind Kind) time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if d, ok := g.budgets[kind]; ok {
		return d
	}
	return g.budgets[KindQuery]
}

// Set replaces the budget for a kind at runtime.
func (g *Governor) Set(kind Kind, d time.Duration) error {
	if d < MinBudget || d > MaxBudget {
		return pkgerrors.Newf(pkgerrors.CodeInternal,
			"timeout budget for %q must be between %s and %s, got %s", kind, MinBudget, MaxBudget, d)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.budgets[kind] = d
	g.logger.Info().Str("kind", string(kind)).Dur("budget", d).Msg("Timeout budget updated")
	return nil
}

type result[T any] struct {
	value T
	err   error
}

// Do races fn against the budget configured for kind. On expiry it returns an
// OPERATION_TIMEOUT error carrying the kind and the budget; fn keeps running
// on its own goroutine with a cancelled context and its outcome is discarded.
func Do[T any](ctx context.Context, g *Governor, kind Kind, fn func(context.Context) (T, error)) (T, error) {
	return DoWithin(ctx, g, kind, 0, fn)
}

// DoWithin is Do with a caller-supplied budget override. A zero or negative
// override means "use the configured budget".
func DoWithin[T any](ctx context.Context, g *Governor, kind Kind, override time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	budget := override
	if budget <= 0 {
		budget = g.Budget(kind)
	}

	opCtx, cancel := context.WithCancel(ctx)

	// Buffered so the abandoned goroutine can settle without a reader.
	done := make(chan result[T], 1)
	go func() {
		v, err := fn(opCtx)
		done <- result[T]{value: v, err: err}
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case r := <-done:
		cancel()
		return r.value, r.err
	case <-timer.C:
		cancel()
		g.logger.Warn().Str("kind", string(kind)).Dur("budget", budget).Msg("Operation exceeded timeout budget")
		return zero, pkgerrors.Newf(pkgerrors.CodeOperationTimeout,
			"%s operation exceeded %s budget", kind, budget).
			WithDetail("kind", string(kind)).
			WithDetail("budget_ms", budget.Milliseconds())
	case <-ctx.Done():
		cancel()
		return zero, ctx.Err()
	}
}

// Run is Do for operations without a return value.
func Run(ctx context.Context, g *Governor, kind Kind, fn func(context.Context) error) error {
	_, err := Do(ctx, g, kind, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
