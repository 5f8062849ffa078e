package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nemanja-m/gorun/internal/coordinator/core"
	"github.com/nemanja-m/gorun/internal/shared/logging"
)

// ExecutionRequeuer reassigns the executions of a lost worker.
type ExecutionRequeuer interface {
	RequeueWorkerExecutions(workerID uuid.UUID) error
}

type WorkerHealthChecker struct {
	checkInterval time.Duration
	staleTimeout  time.Duration
	workerService core.WorkerService
	requeuer      ExecutionRequeuer
	logger        logging.Logger

	workers         prometheus.Gauge
	lostWorkers     prometheus.Counter
	requeueFailures prometheus.Counter
}

func NewWorkerHealthChecker(
	checkInterval time.Duration,
	staleTimeout time.Duration,
	workerService core.WorkerService,
	requeuer ExecutionRequeuer,
	logger logging.Logger,
) *WorkerHealthChecker {
	return &WorkerHealthChecker{
		checkInterval: checkInterval,
		staleTimeout:  staleTimeout,
		workerService: workerService,
		requeuer:      requeuer,
		logger:        logger,
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gorun",
			Subsystem: "coordinator",
			Name:      "workers",
			Help:      "Number of registered workers seen by the last health check.",
		}),
		lostWorkers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gorun",
			Subsystem: "coordinator",
			Name:      "workers_lost_total",
			Help:      "Number of workers removed after missing heartbeats.",
		}),
		requeueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gorun",
			Subsystem: "coordinator",
			Name:      "requeue_failures_total",
			Help:      "Number of lost workers whose executions could not be requeued.",
		}),
	}
}

// Register exposes the checker's metrics on reg.
func (h *WorkerHealthChecker) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{h.workers, h.lostWorkers, h.requeueFailures} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (h *WorkerHealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.removeStaleWorkers()
		}
	}
}

func (h *WorkerHealthChecker) removeStaleWorkers() {
	staleWorkers, err := h.workerService.GetStaleWorkers(h.staleTimeout)
	if err != nil {
		h.logger.Error("Failed to get stale workers", "error", err)
		return
	}
	lost := 0
	for _, worker := range staleWorkers {
		h.logger.Info("Removing stale worker", "worker_id", worker.ID, "last_heartbeat_at", worker.LastHeartbeatAt)

		// Remove first so the worker cannot pull the requeued attempts.
		if err := h.workerService.RemoveWorker(worker.ID); err != nil {
			h.logger.Error("Failed to remove stale worker", "worker_id", worker.ID, "error", err)
			continue
		}
		lost++
		h.lostWorkers.Inc()

		if err := h.requeuer.RequeueWorkerExecutions(worker.ID); err != nil {
			h.requeueFailures.Inc()
			h.logger.Error("Failed to requeue worker executions", "worker_id", worker.ID, "error", err)
		}
	}

	if workers, err := h.workerService.GetWorkers(); err == nil {
		h.workers.Set(float64(len(workers)))
	}
	if lost > 0 {
		h.logger.Warn("Lost workers", "count", lost, "stale_timeout", h.staleTimeout.String())
	}
}
