package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chendrizzy/discord-trade-exec-sub003/internal/config"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/database"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/events"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/executor"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/gate"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/httpapi"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/logger"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/oauthmgr"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/ratelimit"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/registry"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/secrets"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded", zap.String("deployment_mode", cfg.Engine.DeploymentMode))

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	masterSecret := os.Getenv("ENGINE_MASTER_SECRET")
	if masterSecret == "" {
		log.Fatal("ENGINE_MASTER_SECRET must be set")
	}
	enc := secrets.NewCachingEncryptor(secrets.NewAESEncryptor(masterSecret))

	reg := registry.New(cfg.Engine.DeploymentMode, log)
	oauth := oauthmgr.New(db, enc, cfg.OAuth, log)
	pool := executor.NewPool(db, reg, enc, oauth, gate.NewChecker(reg.PremiumKeys()), log)
	bus := events.NewBus(log)

	limits := make(map[string]ratelimit.Limit)
	for key, rl := range reg.RateLimits() {
		limits[key] = ratelimit.Limit{Count: rl.Count, WindowMs: rl.WindowMs}
	}
	gateLimiter := ratelimit.NewGate(limits)

	exec := executor.New(db, reg, pool, gateLimiter, bus,
		cfg.Engine.DefaultStockBroker, cfg.Engine.DefaultCryptoBroker, log)
	if cfg.Engine.DryRun {
		exec.SetDryRun(true)
		log.Warn("Dry-run mode enabled, orders will not be submitted")
	}

	if err := oauth.StartSweep(cfg.OAuth.SweepSchedule); err != nil {
		log.Fatal("Failed to start OAuth refresh sweep", zap.Error(err))
	}
	log.Info("OAuth refresh sweep scheduled", zap.String("schedule", cfg.OAuth.SweepSchedule))

	api := httpapi.NewServer(cfg.Server.Port, oauth, reg, exec, log)
	api.Start()

	// Wait for shutdown signal
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
	<-sigchan
	log.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	oauth.StopSweep()

	log.Info("Engine has been shut down.")
}
