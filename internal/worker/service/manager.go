package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/nemanja-m/gorun/internal/shared/logging"
	"github.com/nemanja-m/gorun/internal/worker/core"
	"github.com/nemanja-m/gorun/internal/worker/task"
	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

const DefaultRetainedTerminalTasks = 1024

// TaskManager owns every task deployed on this worker. Live tasks are kept
// until they terminate, then move to a bounded LRU so their final state and
// finished partitions stay queryable. Evicting a finished task releases its
// partitions.
type TaskManager struct {
	cfg     task.Config
	loader  core.InvokableLoader
	actions core.TaskActions
	metrics *task.Metrics
	logger  logging.Logger

	terminated *lru.Cache

	mu        sync.RWMutex
	live      map[pkgcore.ExecutionVertexID]*task.Task
	producers map[pkgcore.PartitionID]*task.Task
	closed    bool

	wg sync.WaitGroup
}

func NewTaskManager(
	cfg task.Config,
	retained int,
	loader core.InvokableLoader,
	actions core.TaskActions,
	metrics *task.Metrics,
	logger logging.Logger,
) (*TaskManager, error) {
	if retained <= 0 {
		retained = DefaultRetainedTerminalTasks
	}
	m := &TaskManager{
		cfg:       cfg,
		loader:    loader,
		actions:   actions,
		metrics:   metrics,
		logger:    logger,
		live:      make(map[pkgcore.ExecutionVertexID]*task.Task),
		producers: make(map[pkgcore.PartitionID]*task.Task),
	}
	cache, err := lru.NewWithEvict(retained, m.onEvicted)
	if err != nil {
		return nil, fmt.Errorf("failed to create terminated task cache: %w", err)
	}
	m.terminated = cache
	return m, nil
}

// Deploy creates and starts a task. Deploying an ID that is still live fails
// with ErrTaskAlreadyExists; a retained terminal attempt of the same ID is
// dropped in favour of the new one.
func (m *TaskManager) Deploy(desc core.DeploymentDescriptor) (*task.Task, error) {
	if desc.ID.IsZero() || desc.Invokable == "" {
		return nil, fmt.Errorf("%w: missing execution vertex id or invokable", core.ErrInvalidDescriptor)
	}

	m.mu.RLock()
	_, exists := m.live[desc.ID]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, core.ErrWorkerShuttingDown
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", core.ErrTaskAlreadyExists, desc.ID)
	}

	// Triggers onEvicted, which takes m.mu, so it runs before locking.
	m.terminated.Remove(desc.ID)

	t := task.New(desc, m.cfg, m.loader, m.actions, m.metrics, m.logger)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, core.ErrWorkerShuttingDown
	}
	if _, exists := m.live[desc.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", core.ErrTaskAlreadyExists, desc.ID)
	}
	m.live[desc.ID] = t
	for _, p := range desc.Partitions {
		m.producers[p] = t
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.awaitTermination(t)
	t.Start()

	m.logger.Info("Task deployed",
		"execution_vertex_id", desc.ID.String(),
		"attempt", desc.Attempt,
		"invokable", desc.Invokable,
		"partitions", len(desc.Partitions),
	)
	return t, nil
}

func (m *TaskManager) awaitTermination(t *task.Task) {
	defer m.wg.Done()
	<-t.Done()

	// Retain first so queries never miss the task while it moves.
	m.terminated.Add(t.ID(), t)

	m.mu.Lock()
	if m.live[t.ID()] == t {
		delete(m.live, t.ID())
	}
	m.mu.Unlock()
}

func (m *TaskManager) onEvicted(key, value any) {
	t := value.(*task.Task)
	if t.State() == core.ExecutionStateFinished {
		if err := t.ReleasePartitions(); err != nil {
			m.logger.Warn("Failed to release partitions of evicted task",
				"execution_vertex_id", t.ID().String(), "error", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range t.Descriptor().Partitions {
		if m.producers[p] == t {
			delete(m.producers, p)
		}
	}
}

// Cancel cancels a live task. Canceling a retained terminal task is a no-op.
func (m *TaskManager) Cancel(id pkgcore.ExecutionVertexID) error {
	if t, ok := m.liveTask(id); ok {
		t.Cancel()
		return nil
	}
	if m.terminated.Contains(id) {
		return nil
	}
	return fmt.Errorf("%w: %s", core.ErrTaskNotFound, id)
}

// Fail fails a live task with cause.
func (m *TaskManager) Fail(id pkgcore.ExecutionVertexID, cause error) error {
	if t, ok := m.liveTask(id); ok {
		t.FailExternally(cause)
		return nil
	}
	if m.terminated.Contains(id) {
		return nil
	}
	return fmt.Errorf("%w: %s", core.ErrTaskNotFound, id)
}

func (m *TaskManager) Task(id pkgcore.ExecutionVertexID) (core.TaskSnapshot, error) {
	t, ok := m.lookup(id)
	if !ok {
		return core.TaskSnapshot{}, fmt.Errorf("%w: %s", core.ErrTaskNotFound, id)
	}
	return t.Snapshot(), nil
}

// Tasks returns snapshots of live and retained tasks ordered by ID.
func (m *TaskManager) Tasks() []core.TaskSnapshot {
	seen := make(map[pkgcore.ExecutionVertexID]struct{})
	var snapshots []core.TaskSnapshot

	m.mu.RLock()
	live := make([]*task.Task, 0, len(m.live))
	for _, t := range m.live {
		live = append(live, t)
	}
	m.mu.RUnlock()

	for _, t := range live {
		seen[t.ID()] = struct{}{}
		snapshots = append(snapshots, t.Snapshot())
	}
	for _, key := range m.terminated.Keys() {
		value, ok := m.terminated.Peek(key)
		if !ok {
			continue
		}
		t := value.(*task.Task)
		if _, dup := seen[t.ID()]; dup {
			continue
		}
		snapshots = append(snapshots, t.Snapshot())
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].ID.String() < snapshots[j].ID.String()
	})
	return snapshots
}

// Running returns the number of tasks that have not terminated yet.
func (m *TaskManager) Running() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

func (m *TaskManager) QueryPartitionProducerState(partition pkgcore.PartitionID) (core.ProductionState, error) {
	m.mu.RLock()
	t, ok := m.producers[partition]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrPartitionNotFound, partition)
	}
	return t.QueryPartitionProducerState(partition)
}

// Shutdown stops accepting deployments, cancels every live task and waits
// for them to terminate or for ctx to end.
func (m *TaskManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*task.Task, 0, len(m.live))
	for _, t := range m.live {
		live = append(live, t)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down task manager", "live_tasks", len(live))
	for _, t := range live {
		t.Cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tasks still running at shutdown: %w", ctx.Err())
	}
}

func (m *TaskManager) liveTask(id pkgcore.ExecutionVertexID) (*task.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.live[id]
	return t, ok
}

func (m *TaskManager) lookup(id pkgcore.ExecutionVertexID) (*task.Task, bool) {
	if t, ok := m.liveTask(id); ok {
		return t, true
	}
	value, ok := m.terminated.Peek(id)
	if !ok {
		return nil, false
	}
	return value.(*task.Task), true
}
