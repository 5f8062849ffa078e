package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nemanja-m/gorun/internal/shared/config"
	"github.com/nemanja-m/gorun/internal/shared/logging"
	"github.com/nemanja-m/gorun/internal/worker/api/grpc"
	"github.com/nemanja-m/gorun/internal/worker/api/rest"
	"github.com/nemanja-m/gorun/internal/worker/service"
	"github.com/nemanja-m/gorun/internal/worker/task"

	_ "github.com/nemanja-m/gorun/examples/grep"
	_ "github.com/nemanja-m/gorun/examples/wordcount"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadWorker(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	workerID := uuid.New()
	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With("worker_id", workerID.String())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := grpc.NewCoordinatorClient(cfg.Coordinator, workerID)
	if err != nil {
		logger.Fatal("Failed to create coordinator client", "error", err)
	}
	defer client.Close()

	notifier := service.NewNotifier(client, service.NotifierConfig{
		Workers:     cfg.Notifications.Workers,
		QueueSize:   cfg.Notifications.QueueSize,
		MaxAttempts: cfg.Notifications.MaxAttempts,
	}, reg, logger)
	notifier.Start()

	manager, err := service.NewTaskManager(task.Config{
		CancellationInterval: cfg.Task.CancellationInterval,
		CancellationTimeout:  cfg.Task.CancellationTimeout,
		PartitionsDir:        cfg.Task.PartitionsDir,
	}, cfg.Task.RetainedTerminalTasks, service.NewRegistryLoader(nil), notifier, task.NewMetrics(reg), logger)
	if err != nil {
		logger.Fatal("Failed to create task manager", "error", err)
	}

	cpuCores := uint32(runtime.NumCPU())
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	memoryBytes := memStats.Sys

	workerService := service.NewWorkerService(client, manager, service.WorkerConfig{
		Addr:             cfg.Server.Addr,
		CPUCores:         cpuCores,
		MemoryBytes:      memoryBytes,
		RegisterAttempts: cfg.Coordinator.RegisterAttempts,
		MaxPollBackoff:   cfg.Coordinator.MaxPollBackoff,
	}, logger)
	restServer := rest.NewServer(cfg.Server, manager, reg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Worker starting",
		"cpu_cores", cpuCores,
		"memory", humanize.IBytes(memoryBytes),
		"partitions_dir", cfg.Task.PartitionsDir,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workerService.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("Starting REST server", "addr", cfg.Server.Addr)
		if err := restServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down worker")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Task.CancellationTimeout+5*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Tasks did not terminate in time", "error", err)
		}
		if err := notifier.Close(shutdownCtx); err != nil {
			logger.Warn("Undelivered task events at shutdown", "error", err)
		}
		return restServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("Worker stopped with error", "error", err)
	}
	logger.Info("Worker stopped")
}
