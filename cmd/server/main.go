// Package main runs the check-in HTTP server with the roster sync queue and graceful shutdown.
package main

import (
	"context"
	"net/http"
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

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("build", zap.Error(err))
	}

	// In-process reconciliation; set SYNC_IN_SERVER=false when cmd/worker runs it.
	var scheduler *reconcile.Scheduler
	if cfg.Sync.CronSpec != "" && os.Getenv("SYNC_IN_SERVER") != "false" {
		scheduler = reconcile.NewScheduler(a.Reconciler, cfg.Sync.CronSpec, 5*time.Minute, logger.Named("scheduler"))
		if err := scheduler.Start(); err != nil {
			logger.Fatal("scheduler", zap.Error(err))
		}
	}

	srv := app.NewServer(a)
	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("app shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
