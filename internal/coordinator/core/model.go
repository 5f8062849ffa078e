package core

import (
	"errors"
	"time"

	"github.com/google/uuid"

	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

var (
	ErrVertexNotFound    = errors.New("vertex not found")
	ErrVertexInvalid     = errors.New("invalid vertex")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrWorkerNotFound    = errors.New("worker not found")
	ErrStaleAttempt      = errors.New("event belongs to a superseded attempt")
	ErrWrongWorker       = errors.New("execution is assigned to another worker")
)

// Vertex is one logical computation stage, run as Parallelism subtasks.
type Vertex struct {
	ID            pkgcore.VertexID
	Name          string
	Invokable     string
	Parallelism   int
	NumPartitions int
	Config        map[string]string
	MaxAttempts   int

	SubmittedAt time.Time
}

type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusDeployed  ExecutionStatus = "DEPLOYED"
	ExecutionStatusCanceling ExecutionStatus = "CANCELING"
	ExecutionStatusFinished  ExecutionStatus = "FINISHED"
	ExecutionStatusCanceled  ExecutionStatus = "CANCELED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
)

func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusFinished || s == ExecutionStatusCanceled || s == ExecutionStatusFailed
}

// Execution is the coordinator's view of the current attempt of one subtask.
type Execution struct {
	ID         pkgcore.ExecutionVertexID
	Attempt    int
	Status     ExecutionStatus
	WorkerID   uuid.UUID
	Partitions []pkgcore.PartitionID
	// Available lists the partitions that announced their first record.
	Available []pkgcore.PartitionID
	Error     string
	// Unresponsive is set when the worker could not tear the attempt down.
	Unresponsive bool

	CreatedAt  time.Time
	DeployedAt *time.Time
	EndedAt    *time.Time
}

func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.Partitions = append([]pkgcore.PartitionID(nil), e.Partitions...)
	c.Available = append([]pkgcore.PartitionID(nil), e.Available...)
	if e.DeployedAt != nil {
		t := *e.DeployedAt
		c.DeployedAt = &t
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func (e *Execution) Duration() time.Duration {
	if e.DeployedAt == nil || e.EndedAt == nil {
		return 0
	}
	return e.EndedAt.Sub(*e.DeployedAt)
}

// VertexProgress counts the executions of a vertex by status.
type VertexProgress struct {
	Total     int
	Pending   int
	Deployed  int
	Canceling int
	Finished  int
	Canceled  int
	Failed    int
}

func (p *VertexProgress) Add(status ExecutionStatus) {
	p.Total++
	switch status {
	case ExecutionStatusPending:
		p.Pending++
	case ExecutionStatusDeployed:
		p.Deployed++
	case ExecutionStatusCanceling:
		p.Canceling++
	case ExecutionStatusFinished:
		p.Finished++
	case ExecutionStatusCanceled:
		p.Canceled++
	case ExecutionStatusFailed:
		p.Failed++
	}
}

func (p VertexProgress) Done() bool {
	return p.Total > 0 && p.Finished+p.Canceled+p.Failed == p.Total
}

// Deployment is what a worker receives for one execution attempt.
type Deployment struct {
	ID          pkgcore.ExecutionVertexID
	Attempt     int
	Parallelism int
	Invokable   string
	Config      map[string]string
	Partitions  []pkgcore.PartitionID
}

type EventKind int

const (
	EventFinished EventKind = iota + 1
	EventFailed
	EventCanceled
	EventPartitionAvailable
	EventFatalError
)

func (k EventKind) String() string {
	switch k {
	case EventFinished:
		return "FINISHED"
	case EventFailed:
		return "FAILED"
	case EventCanceled:
		return "CANCELED"
	case EventPartitionAvailable:
		return "PARTITION_AVAILABLE"
	case EventFatalError:
		return "FATAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// TaskEvent is one lifecycle report from a worker.
type TaskEvent struct {
	Kind      EventKind
	ID        pkgcore.ExecutionVertexID
	Attempt   int
	Partition pkgcore.PartitionID
	Cause     string
}

type WorkerStatus string

const (
	WorkerStatusActive WorkerStatus = "ACTIVE"
)

type Worker struct {
	ID              uuid.UUID
	Address         string
	CPUCores        uint32
	MemoryBytes     uint64
	Status          WorkerStatus
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
}

type ExecutionFilter struct {
	VertexID *pkgcore.VertexID
	Status   *ExecutionStatus
	Limit    int
	Offset   int
}
