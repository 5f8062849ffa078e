package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nemanja-m/gorun/internal/shared/logging"
	"github.com/nemanja-m/gorun/internal/worker/core"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	minPollBackoff           = 100 * time.Millisecond
	defaultMaxPollBackoff    = 5 * time.Second
)

// WorkerConfig describes how the worker registers and talks to the
// coordinator.
type WorkerConfig struct {
	Addr             string
	CPUCores         uint32
	MemoryBytes      uint64
	MaxRunningTasks  int
	RegisterAttempts int
	MaxPollBackoff   time.Duration
}

type workerService struct {
	client  core.CoordinatorClient
	manager *TaskManager
	cfg     WorkerConfig
	logger  logging.Logger
}

func NewWorkerService(
	client core.CoordinatorClient,
	manager *TaskManager,
	cfg WorkerConfig,
	logger logging.Logger,
) core.WorkerService {
	if cfg.MaxRunningTasks <= 0 {
		cfg.MaxRunningTasks = max(int(cfg.CPUCores), 1)
	}
	if cfg.RegisterAttempts <= 0 {
		cfg.RegisterAttempts = 1
	}
	if cfg.MaxPollBackoff <= 0 {
		cfg.MaxPollBackoff = defaultMaxPollBackoff
	}
	return &workerService{
		client:  client,
		manager: manager,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run registers the worker and then runs the heartbeat and deployment loops
// until ctx is canceled.
func (w *workerService) Run(ctx context.Context) error {
	interval, err := w.register(ctx)
	if err != nil {
		return err
	}
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	w.logger.Info("Worker registered", "addr", w.cfg.Addr, "heartbeat_interval", interval.String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.runHeartbeatLoop(ctx, interval)
		return nil
	})
	g.Go(func() error {
		w.runDeploymentLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (w *workerService) register(ctx context.Context) (time.Duration, error) {
	backoff := minPollBackoff
	var lastErr error
	for attempt := 1; attempt <= w.cfg.RegisterAttempts; attempt++ {
		interval, err := w.client.RegisterWorker(ctx, w.cfg.Addr, w.cfg.CPUCores, w.cfg.MemoryBytes)
		if err == nil {
			return interval, nil
		}
		lastErr = err
		w.logger.Warn("Failed to register worker", "attempt", attempt, "error", err)
		if !sleepCtx(ctx, backoff) {
			return 0, ctx.Err()
		}
		backoff = min(backoff*2, w.cfg.MaxPollBackoff)
	}
	return 0, fmt.Errorf("failed to register worker after %d attempts: %w", w.cfg.RegisterAttempts, lastErr)
}

// runHeartbeatLoop keeps the worker alive in the coordinator and applies the
// cancellations the coordinator piggybacks on heartbeat responses.
func (w *workerService) runHeartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancels, err := w.client.SendHeartbeat(ctx)
			if err != nil {
				w.logger.Error("Failed to send heartbeat", "error", err)
				continue
			}
			w.logger.Debug("Heartbeat sent successfully", "cancel_requests", len(cancels))
			for _, id := range cancels {
				if err := w.manager.Cancel(id); err != nil {
					if errors.Is(err, core.ErrTaskNotFound) {
						w.logger.Debug("Cancel requested for unknown task", "execution_vertex_id", id.String())
						continue
					}
					w.logger.Warn("Failed to cancel task", "execution_vertex_id", id.String(), "error", err)
				}
			}
		}
	}
}

func (w *workerService) runDeploymentLoop(ctx context.Context) {
	backoff := minPollBackoff

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if w.manager.Running() >= w.cfg.MaxRunningTasks {
			if !sleepCtx(ctx, minPollBackoff) {
				return
			}
			continue
		}

		desc, err := w.client.PullDeployment(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Failed to pull deployment", "error", err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, w.cfg.MaxPollBackoff)
			continue
		}

		if desc == nil {
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, w.cfg.MaxPollBackoff)
			continue
		}

		backoff = minPollBackoff

		w.logger.Info("Received deployment",
			"execution_vertex_id", desc.ID.String(),
			"attempt", desc.Attempt,
			"invokable", desc.Invokable,
		)
		if _, err := w.manager.Deploy(*desc); err != nil {
			w.logger.Error("Failed to deploy task", "execution_vertex_id", desc.ID.String(), "error", err)
			if errors.Is(err, core.ErrTaskAlreadyExists) {
				// The live attempt reports its own outcome.
				continue
			}
			event := core.TaskEvent{Kind: core.TaskEventFailed, ID: desc.ID, Attempt: desc.Attempt, Cause: err.Error()}
			if reportErr := w.client.ReportTaskEvent(ctx, event); reportErr != nil {
				w.logger.Error("Failed to report deployment failure", "error", reportErr)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
