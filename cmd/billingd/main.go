// billingd is the standalone billing daemon. Running it signals operator
// intent to make it the authoritative sweep executor: its heartbeats cause
// the API server's embedded scheduler to defer until they go stale.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimbushost/panel/internal/billing"
	"github.com/nimbushost/panel/internal/config"
	"github.com/nimbushost/panel/internal/lifecycle"
	"github.com/nimbushost/panel/pkg/cache"
	"github.com/nimbushost/panel/pkg/database"
	"github.com/nimbushost/panel/pkg/events"
	"github.com/nimbushost/panel/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	logger, err := telemetry.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	executor := fmt.Sprintf("standalone-%s-%d", hostname, os.Getpid())

	logger.Info("starting billing daemon", zap.String("executor", executor))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	eventBus := events.NewBus(logger)
	stateCache := lifecycle.NewStateCache(redisCache, cfg.Lifecycle.CacheTTL, logger)

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx, executor)

	// Metrics only; the daemon carries no API surface.
	if cfg.Monitoring.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Monitoring.MetricsPath, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort)
			logger.Info("serving metrics", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down billing daemon")
	cancel()
}
