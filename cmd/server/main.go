package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimbushost/panel/internal/billing"
	"github.com/nimbushost/panel/internal/config"
	"github.com/nimbushost/panel/internal/gateway"
	"github.com/nimbushost/panel/internal/lifecycle"
	"github.com/nimbushost/panel/internal/notifications"
	"github.com/nimbushost/panel/pkg/cache"
	"github.com/nimbushost/panel/pkg/database"
	"github.com/nimbushost/panel/pkg/events"
	"github.com/nimbushost/panel/pkg/telemetry"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := telemetry.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting NimbusHost panel")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	// Initialize Redis cache
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	// Initialize event bus
	eventBus := events.NewBus(logger)

	// Notification service forwards insufficient-funds warnings to the
	// external suspension collaborator.
	notificationService := notifications.NewService(cfg.Notifications, logger)
	notificationService.Register(eventBus)
	logger.Info("initialized notification service")

	// Lifecycle state cache and provider poller
	stateCache := lifecycle.NewStateCache(redisCache, cfg.Lifecycle.CacheTTL, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Lifecycle.ProviderURL != "" {
		provider := lifecycle.NewHTTPProviderClient(cfg.Lifecycle.ProviderURL, cfg.Lifecycle.ProviderToken)
		poller := lifecycle.NewPoller(db, stateCache, provider, eventBus, logger, cfg.Lifecycle.PollInterval)
		poller.Start(ctx)
		logger.Info("started lifecycle poller")
	} else {
		logger.Warn("PROVIDER_API_URL not set, lifecycle polling disabled")
	}

	// Billing reconciliation engine
	tracker := billing.NewTracker(db, logger)
	coordinator := billing.NewCoordinator(billing.NewPgLeaseStore(db), cfg.Billing.LeaseWindow, logger)
	engine := billing.NewEngine(
		billing.NewPgInstanceStore(db),
		stateCache,
		billing.NewResolver(billing.NewPgPlanStore(db), logger),
		tracker,
		billing.NewLedger(db, logger),
		coordinator,
		eventBus,
		logger,
		cfg.Billing,
	)
	logger.Info("initialized billing engine")

	// Embedded executor: runs the sweep on a timer inside this process and
	// defers whenever a standalone daemon holds the lease.
	engine.Start(ctx, billing.EmbeddedExecutor)

	// Initialize API gateway
	gw := gateway.NewGateway(db, redisCache, logger, engine, billing.NewPgLeaseStore(db), tracker, cfg.Server.AdminAPIToken)
	logger.Info("initialized API gateway")

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// A sweep in progress runs to completion: nothing is billed until its
	// debit confirms, so cancellation mid-pass is safe.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
