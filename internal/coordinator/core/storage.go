package core

import (
	"time"

	"github.com/google/uuid"

	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

// ExecutionStore persists vertices and their executions. Implementations
// hand out copies, so callers must write changes back with UpdateExecution.
type ExecutionStore interface {
	SaveVertex(vertex *Vertex, executions ...*Execution) error
	GetVertex(id pkgcore.VertexID) (*Vertex, error)
	GetVertices() ([]*Vertex, error)

	UpdateExecution(execution *Execution) error
	GetExecution(id pkgcore.ExecutionVertexID) (*Execution, error)
	GetExecutions(filter ExecutionFilter) ([]*Execution, int, error)
	GetExecutionsByWorker(workerID uuid.UUID) ([]*Execution, error)
}

type WorkerStore interface {
	AddWorker(worker *Worker) error
	GetWorkerByID(id uuid.UUID) (*Worker, error)
	GetAllWorkers() ([]*Worker, error)
	UpdateWorkerHeartbeat(id uuid.UUID, timestamp time.Time) error
	RemoveWorker(id uuid.UUID) error
	GetStaleWorkers(threshold time.Time) ([]*Worker, error)
}
