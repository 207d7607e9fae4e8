package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ESnark/ansible-database-mcp/pkg/breaker"
	pkgerrors "github.com/ESnark/ansible-database-mcp/pkg/errors"
	"github.com/ESnark/ansible-database-mcp/pkg/registry"
	"github.com/ESnark/ansible-database-mcp/pkg/timeout"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t))
	breakers := breaker.NewManager(breaker.Config{}, logger)
	t.Cleanup(breakers.Close)
	reg := registry.New(registry.Options{
		Governor:        timeout.NewGovernor(logger),
		Breakers:        breakers,
		Logger:          logger,
		MonitorInterval: time.Hour,
		CloseTimeout:    time.Second,
	})
	t.Cleanup(func() { _ = reg.CloseAll(context.Background()) })
	return reg
}

func TestShutdownOnPanic_ClosesPoolsAndReRaises(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	reg := newTestRegistry(t)

	require.PanicsWithValue(t, "boom", func() {
		defer shutdownOnPanic(reg, time.Second, logger)
		panic("boom")
	})

	_, err := reg.GetPool("any")
	assert.ErrorIs(t, err, pkgerrors.ErrPoolClosed, "the registry is shut down before the panic propagates")
}

func TestShutdownOnPanic_NoOpWithoutPanic(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	reg := newTestRegistry(t)

	func() {
		defer shutdownOnPanic(reg, time.Second, logger)
	}()

	_, err := reg.GetPool("any")
	assert.Equal(t, pkgerrors.CodePoolNotFound, pkgerrors.GetCode(err), "the registry stays open")
}
