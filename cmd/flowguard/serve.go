package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hed1ad/flowguard/internal/api"
	"github.com/hed1ad/flowguard/internal/metrics"
	"github.com/hed1ad/flowguard/pkg/service"
	"github.com/hed1ad/flowguard/pkg/source/postgres"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the scoring API and Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	logger := a.logger
	cfg := a.cfg

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	// --- Start Metrics Server ---
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("starting metrics server", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	// --- Database and Redis Connections ---
	db, err := a.openPostgres(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := postgres.NewLoader(db, logger, cfg.CopyBatchSize).CreateSchema(ctx); err != nil {
		return err
	}

	archive, closeArchive, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	defer closeArchive()

	// --- Initialize Service ---
	opts := []service.Option{service.WithMetrics(m)}
	if archive != nil {
		opts = append(opts, service.WithArchive(archive))
	}
	svc := a.newService(postgres.NewSource(db, logger), opts...)

	if _, err := svc.Restore(ctx); err != nil && !errors.Is(err, service.ErrModelUnavailable) {
		logger.Warn("could not restore archived snapshot", "error", err)
	}
	if cfg.TrainOnStart {
		if _, err := svc.Train(ctx); err != nil {
			logger.Warn("initial training failed, serving without a fresh model", "error", err)
		}
	}

	// --- Initialize API Server ---
	handler := api.NewHandler(svc, logger, api.Options{
		InferLimit: cfg.InferLimit,
		LogsLimit:  cfg.LogsLimit,
		TrainEvery: cfg.TrainRateLimit,
		Throttled:  m.TrainThrottled,
	})
	apiServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewRouter(handler, logger),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  15 * time.Second,
	}

	go func() {
		logger.Info("starting api server", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server failed", "error", err)
			stop() // Trigger shutdown on server error
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down servers...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", "error", err)
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown failed", "error", err)
	}

	logger.Info("servers shut down gracefully")
	return nil
}
