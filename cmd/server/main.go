// Package main provides the entry point for the database broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ESnark/ansible-database-mcp/cmd/server/config"
	"github.com/ESnark/ansible-database-mcp/pkg/breaker"
	"github.com/ESnark/ansible-database-mcp/pkg/infrastructure/metrics"
	"github.com/ESnark/ansible-database-mcp/pkg/registry"
	"github.com/ESnark/ansible-database-mcp/pkg/timeout"
	"github.com/ESnark/ansible-database-mcp/pkg/warehouse"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "database-broker",
	Short: "Read-only database access broker",
	Long: `A broker that manages verified read-only connection pools to
heterogeneous databases: MySQL-family servers and SQL warehouses.

Every credential is verified to be strictly read-only before its pool is
registered; flapping backends are isolated by per-database circuit breakers.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the database broker",
	Long: `Start the broker with the specified configuration.

Example:
  database-broker serve --config ./config.yaml`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "config.yaml", "config file path")
	serveCmd.Flags().String("log-level", "", "log level override (debug, info, warn, error)")

	if err := viper.BindPFlags(serveCmd.Flags()); err != nil {
		panic(fmt.Errorf("failed to bind flags: %w", err))
	}
	viper.SetEnvPrefix("BROKER")
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Database Broker\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", commit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if override := viper.GetString("log-level"); override != "" {
		cfg.LogLevel = override
	}

	logger := setupLogging(cfg.LogLevel)
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Int("databases", len(cfg.Databases)).
		Msg("Starting database broker")

	// Metrics
	var metricsCollector metrics.Collector
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsCollector = metrics.NewPrometheusCollector()
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Address)
		go func() {
			logger.Info().Str("address", cfg.Metrics.Address).Msg("Starting metrics server")
			if err := metricsServer.Start(); err != nil {
				logger.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	} else {
		metricsCollector = metrics.NewNoOpCollector()
	}

	// Timeout governor with configured overrides.
	governor := timeout.NewGovernor(logger)
	for kind, budget := range cfg.Timeouts {
		if err := governor.Set(timeout.Kind(kind), budget); err != nil {
			return fmt.Errorf("invalid timeout for %q: %w", kind, err)
		}
	}

	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		ResetTimeout:             cfg.Breaker.ResetTimeout,
		HalfOpenSuccessThreshold: cfg.Breaker.HalfOpenSuccessThreshold,
	}, logger)
	defer breakers.Close()

	reg := registry.New(registry.Options{
		Governor:           governor,
		Breakers:           breakers,
		Logger:             logger,
		MonitorInterval:    cfg.MonitorInterval,
		WarehouseTransport: warehouse.TransportBuilder(logger),
		Observers:          []registry.Observer{metrics.NewRegistryObserver(metricsCollector)},
		CloseTimeout:       cfg.ShutdownTimeout,
	})

	// A panic anywhere past this point must not leak live pools.
	defer shutdownOnPanic(reg, cfg.ShutdownTimeout, logger)

	// Register every configured database. A failing backend is logged and
	// skipped so one dead database cannot keep the rest offline.
	bootCtx, bootCancel := context.WithCancel(context.Background())
	for key, dbCfg := range cfg.Databases {
		if err := reg.CreatePool(bootCtx, key, dbCfg); err != nil {
			logger.Error().Err(err).Str("database", key).Msg("Failed to register database")
			continue
		}
	}
	bootCancel()

	if len(reg.Keys()) == 0 {
		_ = reg.CloseAll(context.Background())
		return fmt.Errorf("no database could be registered, refusing to start")
	}
	logger.Info().Strs("databases", reg.Keys()).Msg("Broker ready")

	// Export pool gauges alongside the registry monitor.
	statsCtx, statsCancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(cfg.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-statsCtx.Done():
				return
			case <-ticker.C:
				metrics.PublishPoolStats(metricsCollector, reg)
			}
		}
	}()

	// Wait for a shutdown signal.
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdownCh
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	statsCancel()

	logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("Starting graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := reg.CloseAll(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown completed with errors")
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("Broker shutdown complete")
	return nil
}

// shutdownOnPanic closes every pool within the shutdown budget before
// re-raising, so a crash cannot leak connections past process exit.
func shutdownOnPanic(reg *registry.Registry, timeout time.Duration, logger zerolog.Logger) {
	rec := recover()
	if rec == nil {
		return
	}
	logger.Error().Interface("panic", rec).Msg("Panic during serve, closing pools before exit")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := reg.CloseAll(ctx); err != nil {
		logger.Error().Err(err).Msg("Pool cleanup after panic completed with errors")
	}
	panic(rec)
}

func setupLogging(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
		zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
			short := file
			for i := len(file) - 1; i > 0; i-- {
				if file[i] == '/' {
					short = file[i+1:]
					break
				}
			}
			return fmt.Sprintf("%s:%d", short, line)
		}
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "database-broker")

	if logLevel == zerolog.DebugLevel {
		logger = logger.Caller()
	}

	return logger.Logger()
}
