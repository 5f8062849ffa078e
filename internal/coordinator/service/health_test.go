package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nemanja-m/gorun/internal/coordinator/core"
	"github.com/nemanja-m/gorun/internal/coordinator/storage"
	"github.com/nemanja-m/gorun/internal/shared/logging"
)

type mockWorkerServiceForHealth struct {
	mu            sync.Mutex
	staleWorkers  []*core.Worker
	removedIDs    []uuid.UUID
	staleErr      error
	removeErr     error
	getStaleCount int
}

func (m *mockWorkerServiceForHealth) RegisterWorker(worker *core.Worker) error {
	return nil
}

func (m *mockWorkerServiceForHealth) RecordHeartbeat(workerID uuid.UUID) error {
	return nil
}

func (m *mockWorkerServiceForHealth) GetWorker(workerID uuid.UUID) (*core.Worker, error) {
	return nil, core.ErrWorkerNotFound
}

func (m *mockWorkerServiceForHealth) GetWorkers() ([]*core.Worker, error) {
	return nil, nil
}

func (m *mockWorkerServiceForHealth) RemoveWorker(workerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	m.removedIDs = append(m.removedIDs, workerID)
	return nil
}

func (m *mockWorkerServiceForHealth) GetStaleWorkers(timeout time.Duration) ([]*core.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getStaleCount++
	if m.staleErr != nil {
		return nil, m.staleErr
	}
	return m.staleWorkers, nil
}

func (m *mockWorkerServiceForHealth) getRemovedIDs() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID{}, m.removedIDs...)
}

func (m *mockWorkerServiceForHealth) getStaleCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getStaleCount
}

type mockRequeuer struct {
	mu          sync.Mutex
	requeuedIDs []uuid.UUID
	requeueErr  error
}

func (m *mockRequeuer) RequeueWorkerExecutions(workerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.requeueErr != nil {
		return m.requeueErr
	}
	m.requeuedIDs = append(m.requeuedIDs, workerID)
	return nil
}

func (m *mockRequeuer) getRequeuedIDs() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID{}, m.requeuedIDs...)
}

func TestWorkerHealthChecker_RemovesStaleWorkers(t *testing.T) {
	worker1 := &core.Worker{ID: uuid.New(), Address: "worker1:50051"}
	worker2 := &core.Worker{ID: uuid.New(), Address: "worker2:50051"}

	mockWorkerService := &mockWorkerServiceForHealth{
		staleWorkers: []*core.Worker{worker1, worker2},
	}
	requeuer := &mockRequeuer{}

	checker := NewWorkerHealthChecker(10*time.Millisecond, 15*time.Second, mockWorkerService, requeuer, &recordingLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	go checker.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	removedIDs := mockWorkerService.getRemovedIDs()
	if !slices.Contains(removedIDs, worker1.ID) || !slices.Contains(removedIDs, worker2.ID) {
		t.Error("not all stale workers were removed")
	}
	requeuedIDs := requeuer.getRequeuedIDs()
	if !slices.Contains(requeuedIDs, worker1.ID) || !slices.Contains(requeuedIDs, worker2.ID) {
		t.Error("executions of stale workers were not requeued")
	}
}

func TestWorkerHealthChecker_SkipsRequeueWhenRemovalFails(t *testing.T) {
	mockWorkerService := &mockWorkerServiceForHealth{
		staleWorkers: []*core.Worker{{ID: uuid.New()}},
		removeErr:    errors.New("remove failed"),
	}
	requeuer := &mockRequeuer{}
	logger := &recordingLogger{}

	checker := NewWorkerHealthChecker(10*time.Millisecond, 15*time.Second, mockWorkerService, requeuer, logger)
	checker.removeStaleWorkers()

	if len(requeuer.getRequeuedIDs()) != 0 {
		t.Error("expected no requeue when the worker could not be removed")
	}
	if !slices.Contains(logger.getMessages(), "Failed to remove stale worker") {
		t.Error("expected 'Failed to remove stale worker' log message")
	}
}

func TestWorkerHealthChecker_LogsStaleLookupError(t *testing.T) {
	mockWorkerService := &mockWorkerServiceForHealth{staleErr: errors.New("boom")}
	logger := &recordingLogger{}

	checker := NewWorkerHealthChecker(time.Second, time.Second, mockWorkerService, &mockRequeuer{}, logger)
	checker.removeStaleWorkers()

	if !slices.Contains(logger.getMessages(), "Failed to get stale workers") {
		t.Error("expected 'Failed to get stale workers' log message")
	}
}

func TestWorkerHealthChecker_StopsOnContextCancel(t *testing.T) {
	checker := NewWorkerHealthChecker(5*time.Millisecond, 15*time.Second,
		&mockWorkerServiceForHealth{}, &mockRequeuer{}, &recordingLogger{})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("health checker did not stop after context cancellation")
	}
}

func TestWorkerHealthChecker_RunsAtConfiguredInterval(t *testing.T) {
	mockWorkerService := &mockWorkerServiceForHealth{}

	checker := NewWorkerHealthChecker(20*time.Millisecond, 15*time.Second, mockWorkerService, &mockRequeuer{}, &recordingLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	go checker.Start(ctx)

	time.Sleep(70 * time.Millisecond)
	cancel()

	callCount := mockWorkerService.getStaleCallCount()
	if callCount < 2 || callCount > 5 {
		t.Errorf("expected 2-5 calls to GetStaleWorkers, got %d", callCount)
	}
}

func TestWorkerHealthChecker_RequeuesIntoController(t *testing.T) {
	workerStore := storage.NewInMemoryWorkerStore()
	workers := NewWorkerService(workerStore, logging.Nop{})
	controller := core.NewDeploymentController(storage.NewInMemoryExecutionStore(), 3, logging.Nop{})

	lost := &core.Worker{ID: uuid.New(), Address: "lost:50051"}
	if err := workers.RegisterWorker(lost); err != nil {
		t.Fatal(err)
	}
	vertex := &core.Vertex{Invokable: "wordcount", Parallelism: 1}
	if err := controller.SubmitVertex(vertex); err != nil {
		t.Fatal(err)
	}
	d, err := controller.NextDeployment(lost.ID)
	if err != nil || d == nil {
		t.Fatalf("NextDeployment() = %v, %v", d, err)
	}

	workerStore.UpdateWorkerHeartbeat(lost.ID, time.Now().Add(-time.Minute))
	checker := NewWorkerHealthChecker(time.Second, 10*time.Second, workers, controller, logging.Nop{})
	checker.removeStaleWorkers()

	e, err := controller.GetExecution(d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != core.ExecutionStatusPending || e.Attempt != 2 {
		t.Errorf("expected PENDING attempt 2, got %s attempt %d", e.Status, e.Attempt)
	}
	if remaining, _ := workers.GetWorkers(); len(remaining) != 0 {
		t.Errorf("expected stale worker to be removed, got %d workers", len(remaining))
	}
}

func TestWorkerHealthChecker_Metrics(t *testing.T) {
	mockWorkerService := &mockWorkerServiceForHealth{
		staleWorkers: []*core.Worker{{ID: uuid.New()}, {ID: uuid.New()}},
	}
	requeuer := &mockRequeuer{requeueErr: errors.New("store down")}

	checker := NewWorkerHealthChecker(time.Second, time.Second, mockWorkerService, requeuer, &recordingLogger{})
	reg := prometheus.NewRegistry()
	if err := checker.Register(reg); err != nil {
		t.Fatal(err)
	}
	checker.removeStaleWorkers()

	if got := testutil.ToFloat64(checker.lostWorkers); got != 2 {
		t.Errorf("workers_lost_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(checker.requeueFailures); got != 2 {
		t.Errorf("requeue_failures_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(checker.workers); got != 0 {
		t.Errorf("workers = %v, want 0", got)
	}
	if err := checker.Register(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}
