package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nemanja-m/gorun/internal/shared/logging"
	"github.com/nemanja-m/gorun/internal/worker/core"
	"github.com/nemanja-m/gorun/internal/worker/task"
	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

type mockCoordinatorClient struct {
	mu sync.Mutex

	registerErr   error
	registerCount int

	heartbeatCount int
	heartbeatErr   error
	cancels        []pkgcore.ExecutionVertexID

	deployments []*core.DeploymentDescriptor
	pullIndex   int
	pullErr     error

	events    []core.TaskEvent
	reportErr error
}

func (m *mockCoordinatorClient) RegisterWorker(ctx context.Context, addr string, cpuCores uint32, memoryBytes uint64) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registerCount++
	if m.registerErr != nil {
		return 0, m.registerErr
	}
	return 20 * time.Millisecond, nil
}

func (m *mockCoordinatorClient) SendHeartbeat(ctx context.Context) ([]pkgcore.ExecutionVertexID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeatCount++
	if m.heartbeatErr != nil {
		return nil, m.heartbeatErr
	}
	cancels := m.cancels
	m.cancels = nil
	return cancels, nil
}

func (m *mockCoordinatorClient) PullDeployment(ctx context.Context) (*core.DeploymentDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pullErr != nil {
		return nil, m.pullErr
	}
	if m.pullIndex >= len(m.deployments) {
		return nil, nil
	}
	desc := m.deployments[m.pullIndex]
	m.pullIndex++
	return desc, nil
}

func (m *mockCoordinatorClient) ReportTaskEvent(ctx context.Context, event core.TaskEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.reportErr
}

func (m *mockCoordinatorClient) Close() error {
	return nil
}

func (m *mockCoordinatorClient) requestCancel(id pkgcore.ExecutionVertexID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, id)
}

func (m *mockCoordinatorClient) eventKinds(id pkgcore.ExecutionVertexID) []core.TaskEventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kinds []core.TaskEventKind
	for _, e := range m.events {
		if e.ID == id {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

func newTestWorker(t *testing.T, client *mockCoordinatorClient, loader core.InvokableLoader) (core.WorkerService, *TaskManager, *Notifier) {
	t.Helper()
	notifier := NewNotifier(client, NotifierConfig{Workers: 2, QueueSize: 16, MaxAttempts: 1}, nil, logging.Nop{})
	notifier.Start()
	t.Cleanup(func() { notifier.Close(context.Background()) })

	manager, err := NewTaskManager(task.Config{
		CancellationInterval: time.Hour,
		PartitionsDir:        t.TempDir(),
	}, 16, loader, notifier, nil, logging.Nop{})
	if err != nil {
		t.Fatalf("NewTaskManager: %v", err)
	}
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	svc := NewWorkerService(client, manager, WorkerConfig{
		Addr:             "localhost:50051",
		CPUCores:         2,
		RegisterAttempts: 2,
		MaxPollBackoff:   20 * time.Millisecond,
	}, logging.Nop{})
	return svc, manager, notifier
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWorkerService_Run_RegistersAndSendsHeartbeats(t *testing.T) {
	client := &mockCoordinatorClient{}
	svc, _, _ := newTestWorker(t, client, newFuncLoader(nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.heartbeatCount >= 2
	}, "expected at least 2 heartbeats")

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v after cancellation", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.registerCount != 1 {
		t.Errorf("Expected 1 registration, got %d", client.registerCount)
	}
}

func TestWorkerService_Run_FailsWhenRegistrationFails(t *testing.T) {
	client := &mockCoordinatorClient{registerErr: errors.New("coordinator unavailable")}
	svc, _, _ := newTestWorker(t, client, newFuncLoader(nil))

	err := svc.Run(context.Background())
	if err == nil {
		t.Fatal("Expected registration error")
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.registerCount != 2 {
		t.Errorf("Expected 2 registration attempts, got %d", client.registerCount)
	}
}

func TestWorkerService_HeartbeatLoop_HandlesErrors(t *testing.T) {
	client := &mockCoordinatorClient{heartbeatErr: errors.New("connection failed")}
	svc, _, _ := newTestWorker(t, client, newFuncLoader(nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.heartbeatCount >= 2
	}, "expected heartbeat attempts even with errors")
}

func TestWorkerService_DeploysAndReportsFinished(t *testing.T) {
	desc := testDescriptor("quick", 1)
	client := &mockCoordinatorClient{deployments: []*core.DeploymentDescriptor{&desc}}
	loader := newFuncLoader(map[string]invokableFunc{
		"quick": func(ctx context.Context, env pkgcore.Environment) error {
			return env.Partition(0).Write("hello")
		},
	})
	svc, manager, _ := newTestWorker(t, client, loader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	eventually(t, func() bool {
		kinds := client.eventKinds(desc.ID)
		return len(kinds) == 2
	}, "expected partition and finished events")

	kinds := client.eventKinds(desc.ID)
	if kinds[0] != core.TaskEventPartitionAvailable || kinds[1] != core.TaskEventFinished {
		t.Errorf("Unexpected event order %v", kinds)
	}

	snapshot, err := manager.Task(desc.ID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if snapshot.State != core.ExecutionStateFinished {
		t.Errorf("Expected FINISHED, got %s", snapshot.State)
	}
}

func TestWorkerService_HeartbeatDeliversCancel(t *testing.T) {
	desc := testDescriptor("blocking", 0)
	client := &mockCoordinatorClient{deployments: []*core.DeploymentDescriptor{&desc}}
	loader := newFuncLoader(map[string]invokableFunc{
		"blocking": func(ctx context.Context, env pkgcore.Environment) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	svc, manager, _ := newTestWorker(t, client, loader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	eventually(t, func() bool {
		snapshot, err := manager.Task(desc.ID)
		return err == nil && snapshot.State == core.ExecutionStateRunning
	}, "task never started running")

	client.requestCancel(desc.ID)
	client.requestCancel(pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 0))

	eventually(t, func() bool {
		kinds := client.eventKinds(desc.ID)
		return len(kinds) == 1 && kinds[0] == core.TaskEventCanceled
	}, "expected canceled event")
}

func TestWorkerService_ReportsDeploymentRejection(t *testing.T) {
	desc := testDescriptor("", 0)
	client := &mockCoordinatorClient{deployments: []*core.DeploymentDescriptor{&desc}}
	svc, _, _ := newTestWorker(t, client, newFuncLoader(nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	eventually(t, func() bool {
		kinds := client.eventKinds(desc.ID)
		return len(kinds) == 1 && kinds[0] == core.TaskEventFailed
	}, "expected failed event for invalid deployment")
}
