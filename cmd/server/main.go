/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the CPD credit engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (config.yaml, then environment), apply flag overrides
  2. Build the zap logger
  3. Initialize SQLite store
  4. Build ledger, booking coordinator and allocation scheduler
  5. Build provider sync and billing when STRIPE_KEY is set
  6. Configure HTTP router, start scheduler and server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides APP_PORT)
  -db      SQLite database path (overrides DATABASE_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the allocation scheduler (waits for a running allocation)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server -db="./data/cpd.db"
  STRIPE_KEY=sk_test_... ./server -port=3000

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"

	"github.com/warp/cpd-engine/allocation"
	"github.com/warp/cpd-engine/api"
	"github.com/warp/cpd-engine/billing"
	"github.com/warp/cpd-engine/booking"
	"github.com/warp/cpd-engine/catalogue"
	stripeprov "github.com/warp/cpd-engine/catalogue/stripe"
	"github.com/warp/cpd-engine/config"
	"github.com/warp/cpd-engine/cpd"
	"github.com/warp/cpd-engine/logging"
	"github.com/warp/cpd-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides APP_PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DATABASE_PATH)")
	configDir := flag.String("config", ".", "Directory holding config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.AppPort = *port
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer store.Close()

	ledger := cpd.NewLedger(store, logger)
	bookings := booking.NewCoordinator(store, ledger, nil, logger, booking.Config{
		Timeout:     cfg.BookingTimeout,
		MaxAttempts: cfg.BookingMaxAttempts,
		BaseBackoff: booking.DefaultConfig().BaseBackoff,
	})
	scheduler := allocation.NewScheduler(store, store, ledger, logger, allocation.Config{
		Schedule:   cfg.AllocationSchedule,
		MaxCatchUp: allocation.DefaultConfig().MaxCatchUp,
	})

	services := api.Services{
		Store:     store,
		Ledger:    ledger,
		Bookings:  bookings,
		Scheduler: scheduler,
	}
	if cfg.StripeKey != "" {
		sc := client.New(cfg.StripeKey, nil)
		services.Sync = catalogue.NewSyncer(store, stripeprov.New(sc), logger, catalogue.SyncConfig{
			MaxAttempts:   cfg.SyncMaxAttempts,
			BaseBackoff:   cfg.SyncBaseBackoff,
			RatePerSecond: cfg.SyncRatePerSec,
			Currency:      cfg.Currency,
		})
		services.Billing = billing.NewSyncer(store, store, sc, logger)
	} else {
		logger.Warn("STRIPE_KEY not set; catalogue sync and membership refresh are disabled")
	}

	handler := api.NewHandler(services, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		Origins:         cfg.Origins(),
		RateLimitPerMin: cfg.RateLimitPerMin,
	})

	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("starting allocation scheduler: %w", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.AppPort),
			zap.String("env", cfg.Env),
			zap.String("db", cfg.DatabasePath),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		scheduler.Stop()
		return err
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
