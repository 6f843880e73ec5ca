// Package main runs scheduled roster reconciliation outside the HTTP server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rollcall/backend/config"
	"github.com/rollcall/backend/internal/app"
	"github.com/rollcall/backend/internal/reconcile"
)

func main() {
	logger := app.NewLogger(os.Getenv("LOG_LEVEL"))
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Sync.CronSpec == "" {
		logger.Fatal("SYNC_CRON_SPEC is empty, nothing to schedule")
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("build", zap.Error(err))
	}

	scheduler := reconcile.NewScheduler(a.Reconciler, cfg.Sync.CronSpec, 5*time.Minute, logger.Named("scheduler"))
	if err := scheduler.Start(); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}
	logger.Info("worker started", zap.String("spec", cfg.Sync.CronSpec))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	scheduler.Stop(shutdownCtx)
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker shutdown", zap.Error(err))
	}
	logger.Info("worker stopped")
}
