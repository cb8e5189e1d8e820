/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the obligation engine server, and exposes a few
  operator commands around the same store.

COMMANDS:
  serve      Run the HTTP API (default when no command is given)
  forecast   Project one user (--user) or snapshot everyone (--all) and exit
  config     Print the effective configuration as TOML

STARTUP SEQUENCE:
  1. Load config file, then environment, then command-line flags
  2. Build the zap logger from [log]
  3. Initialize SQLite store
  4. Create API handler and router
  5. Start the forecast scheduler if enabled
  6. Start server with graceful shutdown

FLAGS:
  --config   TOML config file (optional)
  --port     HTTP server port, overrides server.port
  --db       SQLite database path, overrides database.path
             Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server --config=obligations.toml
  ./server --db=":memory:" --port=3000
  ./server forecast --user=alice
  ./server forecast --all

SEE ALSO:
  - config/config.go: Configuration layers
  - api/server.go: Router configuration
  - api/scheduler.go: Batch forecast job
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/obligation-engine/api"
	"github.com/warp/obligation-engine/config"
	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/store/sqlite"
)

var (
	flagConfig string
	flagPort   int
	flagDB     string

	flagUser string
	flagAll  bool
)

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Recurring obligation engine",
	Long:          "Tracks recurring income and expenses, settles them exactly once and forecasts the balance.",
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var forecastCmd = &cobra.Command{
	Use:   "forecast",
	Short: "Project a user's cash flow, or snapshot every user",
	RunE:  runForecast,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE:  runConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "TOML config file")
	rootCmd.PersistentFlags().IntVarP(&flagPort, "port", "p", 0, "HTTP server port")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "SQLite database path")

	forecastCmd.Flags().StringVarP(&flagUser, "user", "u", "", "User to project")
	forecastCmd.Flags().BoolVar(&flagAll, "all", false, "Snapshot every user once")

	rootCmd.AddCommand(serveCmd, forecastCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	handler := api.NewHandler(store, engine.SystemClock{}, cfg.ForecastSettings(), logger)
	handler.DefaultHorizonDays = cfg.Scheduler.HorizonDays
	handler.DefaultHorizonMonths = cfg.Scheduler.HorizonMonths

	router := api.NewRouter(handler, api.Options{
		Timeout:        cfg.RequestTimeout(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	scheduler := newScheduler(cfg, store, handler, logger)
	scheduler.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout() + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("db", cfg.Database.Path),
			zap.Bool("scheduler", cfg.Scheduler.Enabled))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func runForecast(cmd *cobra.Command, _ []string) error {
	if (flagUser == "") == !flagAll {
		return errors.New("exactly one of --user or --all is required")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	handler := api.NewHandler(store, engine.SystemClock{}, cfg.ForecastSettings(), logger)
	scheduler := newScheduler(cfg, store, handler, logger)
	ctx := cmd.Context()

	if flagAll {
		summary, err := scheduler.RunNow(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d users: %d ok, %d failed, %d critical, %d warning (%s)\n",
			summary.Users, summary.Succeeded, summary.Failed, summary.Critical, summary.Warning,
			summary.Duration.Round(time.Millisecond))
		return nil
	}

	snap, err := scheduler.ForecastUser(ctx, engine.UserID(flagUser))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
}

// =============================================================================
// HELPERS
// =============================================================================

// loadConfig layers file, environment and flags, in that order.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = flagPort
	}
	if cmd.Flags().Changed("db") {
		cfg.Database.Path = flagDB
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if c.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func newScheduler(cfg config.Config, store *sqlite.Store, h *api.Handler, logger *zap.Logger) *api.ForecastScheduler {
	s := api.NewForecastScheduler(store, h.Projector, logger.Named("scheduler"))
	s.Enabled = cfg.Scheduler.Enabled
	s.Interval = cfg.SchedulerInterval()
	s.Workers = cfg.Scheduler.Workers
	s.HorizonDays = cfg.Scheduler.HorizonDays
	s.HorizonMonths = cfg.Scheduler.HorizonMonths
	return s
}
