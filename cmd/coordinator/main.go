package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nemanja-m/gorun/internal/coordinator/api/grpc"
	"github.com/nemanja-m/gorun/internal/coordinator/api/rest"
	"github.com/nemanja-m/gorun/internal/coordinator/core"
	"github.com/nemanja-m/gorun/internal/coordinator/service"
	"github.com/nemanja-m/gorun/internal/coordinator/storage"
	"github.com/nemanja-m/gorun/internal/shared/config"
	"github.com/nemanja-m/gorun/internal/shared/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadCoordinator(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	workerService := service.NewWorkerService(storage.NewInMemoryWorkerStore(), logger)
	controller := core.NewDeploymentController(storage.NewInMemoryExecutionStore(), cfg.Executions.MaxAttempts, logger)
	healthChecker := service.NewWorkerHealthChecker(
		cfg.Health.CheckInterval,
		cfg.Health.StaleTimeout,
		workerService,
		controller,
		logger,
	)
	if err := healthChecker.Register(reg); err != nil {
		logger.Fatal("Failed to register health metrics", "error", err)
	}

	restServer := rest.NewServer(cfg.REST, controller, workerService, reg, logger)
	grpcServer := grpc.NewServer(cfg.GRPC, workerService, controller, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		healthChecker.Start(ctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("Starting REST server", "addr", cfg.REST.Addr)
		if err := restServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return grpcServer.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down coordinator")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		grpcServer.Stop()
		return restServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("Coordinator stopped with error", "error", err)
	}
	logger.Info("Coordinator stopped")
}
