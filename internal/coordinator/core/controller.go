package core

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/gorun/internal/shared/logging"
	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

const DefaultMaxAttempts = 3

// DeploymentController turns submitted vertices into executions, hands them
// to workers and folds worker reports back into execution state.
type DeploymentController interface {
	SubmitVertex(vertex *Vertex) error
	GetVertex(id pkgcore.VertexID) (*Vertex, VertexProgress, error)
	GetVertices() ([]*Vertex, error)
	GetExecution(id pkgcore.ExecutionVertexID) (*Execution, error)
	GetExecutions(filter ExecutionFilter) ([]*Execution, int, error)

	// NextDeployment assigns the next pending execution to workerID. It
	// returns nil when nothing is pending.
	NextDeployment(workerID uuid.UUID) (*Deployment, error)
	HandleEvent(workerID uuid.UUID, event TaskEvent) error
	RequestCancel(id pkgcore.ExecutionVertexID) error
	// PendingCancels lists the executions workerID must cancel. The list is
	// repeated on every call until the worker reports the outcome.
	PendingCancels(workerID uuid.UUID) ([]pkgcore.ExecutionVertexID, error)
	RequeueWorkerExecutions(workerID uuid.UUID) error
}

type deploymentController struct {
	store              ExecutionStore
	queue              ExecutionQueue
	defaultMaxAttempts int

	// mu serialises read-modify-write cycles on executions.
	mu sync.Mutex

	logger logging.Logger
}

func NewDeploymentController(store ExecutionStore, defaultMaxAttempts int, logger logging.Logger) DeploymentController {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = DefaultMaxAttempts
	}
	return &deploymentController{
		store:              store,
		queue:              NewExecutionQueue(),
		defaultMaxAttempts: defaultMaxAttempts,
		logger:             logger,
	}
}

func (c *deploymentController) SubmitVertex(vertex *Vertex) error {
	if vertex.Invokable == "" {
		return fmt.Errorf("%w: invokable is required", ErrVertexInvalid)
	}
	if vertex.Parallelism < 1 {
		return fmt.Errorf("%w: parallelism must be positive, got %d", ErrVertexInvalid, vertex.Parallelism)
	}
	if vertex.NumPartitions < 0 {
		return fmt.Errorf("%w: number of partitions must not be negative, got %d", ErrVertexInvalid, vertex.NumPartitions)
	}
	if vertex.ID.IsZero() {
		vertex.ID = pkgcore.NewVertexID()
	}
	if vertex.MaxAttempts <= 0 {
		vertex.MaxAttempts = c.defaultMaxAttempts
	}
	vertex.SubmittedAt = time.Now().UTC()

	executions := make([]*Execution, 0, vertex.Parallelism)
	for i := 0; i < vertex.Parallelism; i++ {
		id, err := pkgcore.NewExecutionVertexID(vertex.ID, i)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrVertexInvalid, err)
		}
		executions = append(executions, &Execution{
			ID:         id,
			Attempt:    1,
			Status:     ExecutionStatusPending,
			Partitions: newPartitionIDs(vertex.NumPartitions),
			CreatedAt:  vertex.SubmittedAt,
		})
	}

	if err := c.store.SaveVertex(vertex, executions...); err != nil {
		return err
	}
	for _, e := range executions {
		if err := c.queue.Push(e.ID, ExecutionPriorityNormal); err != nil {
			return err
		}
	}

	c.logger.Info("Vertex submitted",
		"vertex_id", vertex.ID.String(),
		"name", vertex.Name,
		"invokable", vertex.Invokable,
		"parallelism", vertex.Parallelism,
	)
	return nil
}

func (c *deploymentController) GetVertex(id pkgcore.VertexID) (*Vertex, VertexProgress, error) {
	vertex, err := c.store.GetVertex(id)
	if err != nil {
		return nil, VertexProgress{}, err
	}
	executions, _, err := c.store.GetExecutions(ExecutionFilter{VertexID: &id})
	if err != nil {
		return nil, VertexProgress{}, err
	}
	var progress VertexProgress
	for _, e := range executions {
		progress.Add(e.Status)
	}
	return vertex, progress, nil
}

func (c *deploymentController) GetVertices() ([]*Vertex, error) {
	return c.store.GetVertices()
}

func (c *deploymentController) GetExecution(id pkgcore.ExecutionVertexID) (*Execution, error) {
	return c.store.GetExecution(id)
}

func (c *deploymentController) GetExecutions(filter ExecutionFilter) ([]*Execution, int, error) {
	return c.store.GetExecutions(filter)
}

func (c *deploymentController) NextDeployment(workerID uuid.UUID) (*Deployment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		id, err := c.queue.Pop()
		if err == ErrQueueEmpty {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		execution, err := c.store.GetExecution(id)
		if err != nil {
			return nil, err
		}
		if execution.Status != ExecutionStatusPending {
			continue
		}
		vertex, err := c.store.GetVertex(id.VertexID())
		if err != nil {
			return nil, err
		}

		execution.Status = ExecutionStatusDeployed
		execution.WorkerID = workerID
		execution.DeployedAt = ptrTimeNow()
		if err := c.store.UpdateExecution(execution); err != nil {
			return nil, err
		}

		c.logger.Info("Execution deployed",
			"execution_vertex_id", id.String(),
			"attempt", execution.Attempt,
			"worker_id", workerID.String(),
		)
		return &Deployment{
			ID:          execution.ID,
			Attempt:     execution.Attempt,
			Parallelism: vertex.Parallelism,
			Invokable:   vertex.Invokable,
			Config:      vertex.Config,
			Partitions:  execution.Partitions,
		}, nil
	}
}

func (c *deploymentController) HandleEvent(workerID uuid.UUID, event TaskEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	execution, err := c.store.GetExecution(event.ID)
	if err != nil {
		return err
	}
	if event.Attempt != execution.Attempt {
		return fmt.Errorf("%w: execution %s is at attempt %d, event is for attempt %d",
			ErrStaleAttempt, event.ID, execution.Attempt, event.Attempt)
	}
	if execution.WorkerID != workerID {
		return fmt.Errorf("%w: %s", ErrWrongWorker, event.ID)
	}

	switch event.Kind {
	case EventPartitionAvailable:
		// Redelivered announcements are expected after notifier retries.
		if !slices.Contains(execution.Available, event.Partition) {
			execution.Available = append(execution.Available, event.Partition)
		}
	case EventFinished:
		c.terminate(execution, ExecutionStatusFinished, "")
	case EventCanceled:
		c.terminate(execution, ExecutionStatusCanceled, "")
	case EventFailed:
		c.terminate(execution, ExecutionStatusFailed, event.Cause)
	case EventFatalError:
		// The attempt is stuck on the worker. Keep its status and flag it.
		execution.Unresponsive = true
		execution.Error = event.Cause
		c.logger.Error("Execution reported unresponsive",
			"execution_vertex_id", event.ID.String(),
			"attempt", event.Attempt,
			"worker_id", workerID.String(),
			"cause", event.Cause,
		)
	default:
		return fmt.Errorf("%w: unknown event kind %d", pkgcore.ErrInvalidArgument, event.Kind)
	}

	c.logger.Debug("Task event handled",
		"execution_vertex_id", event.ID.String(),
		"attempt", event.Attempt,
		"kind", event.Kind.String(),
	)
	return c.store.UpdateExecution(execution)
}

func (c *deploymentController) terminate(execution *Execution, status ExecutionStatus, cause string) {
	if execution.Status.IsTerminal() {
		return
	}
	execution.Status = status
	execution.Error = cause
	execution.EndedAt = ptrTimeNow()
	c.logger.Info("Execution terminated",
		"execution_vertex_id", execution.ID.String(),
		"attempt", execution.Attempt,
		"status", string(status),
		"duration", execution.Duration().String(),
	)
}

func (c *deploymentController) RequestCancel(id pkgcore.ExecutionVertexID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	execution, err := c.store.GetExecution(id)
	if err != nil {
		return err
	}

	switch execution.Status {
	case ExecutionStatusPending:
		c.queue.Remove(id)
		c.terminate(execution, ExecutionStatusCanceled, "")
	case ExecutionStatusDeployed:
		execution.Status = ExecutionStatusCanceling
		c.logger.Info("Execution cancel requested",
			"execution_vertex_id", id.String(), "worker_id", execution.WorkerID.String())
	default:
		return nil
	}
	return c.store.UpdateExecution(execution)
}

func (c *deploymentController) PendingCancels(workerID uuid.UUID) ([]pkgcore.ExecutionVertexID, error) {
	executions, err := c.store.GetExecutionsByWorker(workerID)
	if err != nil {
		return nil, err
	}
	var ids []pkgcore.ExecutionVertexID
	for _, e := range executions {
		if e.Status == ExecutionStatusCanceling {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

// RequeueWorkerExecutions handles the loss of a worker. Its deployed
// executions start a new attempt elsewhere until the vertex's attempt budget
// is spent; executions that were being canceled count as canceled.
func (c *deploymentController) RequeueWorkerExecutions(workerID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	executions, err := c.store.GetExecutionsByWorker(workerID)
	if err != nil {
		return err
	}

	for _, execution := range executions {
		switch execution.Status {
		case ExecutionStatusCanceling:
			c.terminate(execution, ExecutionStatusCanceled, "")
		case ExecutionStatusDeployed:
			vertex, err := c.store.GetVertex(execution.ID.VertexID())
			if err != nil {
				return err
			}
			if execution.Attempt >= vertex.MaxAttempts {
				c.terminate(execution, ExecutionStatusFailed,
					fmt.Sprintf("worker %s lost, no attempts left", workerID))
				break
			}
			execution.Attempt++
			execution.Status = ExecutionStatusPending
			execution.WorkerID = uuid.Nil
			execution.Partitions = newPartitionIDs(len(execution.Partitions))
			execution.Available = nil
			execution.Unresponsive = false
			execution.Error = ""
			execution.DeployedAt = nil
			if err := c.queue.Push(execution.ID, ExecutionPriorityRetry); err != nil {
				return err
			}
			c.logger.Info("Execution requeued",
				"execution_vertex_id", execution.ID.String(),
				"attempt", execution.Attempt,
				"lost_worker_id", workerID.String(),
			)
		default:
			continue
		}
		if err := c.store.UpdateExecution(execution); err != nil {
			return err
		}
	}
	return nil
}

func newPartitionIDs(n int) []pkgcore.PartitionID {
	ids := make([]pkgcore.PartitionID, n)
	for i := range ids {
		ids[i] = pkgcore.NewPartitionID()
	}
	return ids
}

func ptrTimeNow() *time.Time {
	t := time.Now().UTC()
	return &t
}
