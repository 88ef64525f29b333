// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"billing-service/internal/app"
	"billing-service/internal/config"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var (
	runOnce     = flag.String("run-once", "", "Run one job (or \"all\") once and exit instead of scheduling")
	metricsAddr = flag.String("metrics-addr", ":9100", "Address serving /metrics; empty disables it")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("[WORKER] No .env file found, relying on system env vars")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	deps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build worker", zap.Error(err))
	}
	defer deps.Close()

	// Run once mode (backfills, manual recovery)
	if *runOnce != "" {
		if *runOnce == "all" {
			reports, err := deps.Scheduler.RunAll(ctx)
			for _, r := range reports {
				logger.Info("job report", zap.Any("report", r))
			}
			if err != nil {
				logger.Fatal("run failed", zap.Error(err))
			}
			return
		}

		report, err := deps.Scheduler.Trigger(ctx, *runOnce)
		if err != nil {
			logger.Fatal("run failed", zap.String("job", *runOnce), zap.Error(err))
		}
		logger.Info("job report", zap.Any("report", report))
		return
	}

	// Scheduled mode
	var metricsSrv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", deps.Metrics.Handler())
		metricsSrv = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	if err := deps.Scheduler.Start(); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}
	logger.Info("worker started")

	<-ctx.Done()
	logger.Info("shutting down worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	deps.Scheduler.Stop(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Info("worker stopped")
}
