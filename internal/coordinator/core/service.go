package core

import (
	"time"

	"github.com/google/uuid"
)

// WorkerService defines the interface for worker management
type WorkerService interface {
	RegisterWorker(worker *Worker) error
	RecordHeartbeat(workerID uuid.UUID) error
	RemoveWorker(workerID uuid.UUID) error
	GetStaleWorkers(timeout time.Duration) ([]*Worker, error)
	GetWorker(workerID uuid.UUID) (*Worker, error)
	GetWorkers() ([]*Worker, error)
}
