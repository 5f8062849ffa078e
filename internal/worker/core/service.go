package core

import (
	"context"
	"time"

	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

// TaskActions is how a task reports lifecycle events to the coordinator-facing
// layer. Calls must not block the caller on delivery.
type TaskActions interface {
	NotifyFailed(id pkgcore.ExecutionVertexID, attempt int, cause error)
	NotifyFinished(id pkgcore.ExecutionVertexID, attempt int)
	NotifyCanceled(id pkgcore.ExecutionVertexID, attempt int)
	NotifyPartitionAvailable(id pkgcore.ExecutionVertexID, attempt int, partition pkgcore.PartitionID)
	// NotifyFatalError reports a task that could not be torn down and needs
	// external remediation.
	NotifyFatalError(id pkgcore.ExecutionVertexID, attempt int, cause error)
}

// PartitionProducerStateProvider answers production state queries from
// would-be consumers. It must not block on task execution.
type PartitionProducerStateProvider interface {
	QueryPartitionProducerState(partition pkgcore.PartitionID) (ProductionState, error)
}

type InvokableLoader interface {
	Load(name string) (pkgcore.Invokable, error)
}

type TaskEventKind uint8

const (
	TaskEventFinished TaskEventKind = iota + 1
	TaskEventFailed
	TaskEventCanceled
	TaskEventPartitionAvailable
	TaskEventFatalError
)

var taskEventKindNames = map[TaskEventKind]string{
	TaskEventFinished:           "FINISHED",
	TaskEventFailed:             "FAILED",
	TaskEventCanceled:           "CANCELED",
	TaskEventPartitionAvailable: "PARTITION_AVAILABLE",
	TaskEventFatalError:         "FATAL_ERROR",
}

func (k TaskEventKind) String() string {
	if name, ok := taskEventKindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// TaskEvent is one notification sent from a worker to the coordinator.
type TaskEvent struct {
	Kind      TaskEventKind
	ID        pkgcore.ExecutionVertexID
	Attempt   int
	Partition pkgcore.PartitionID
	Cause     string
}

type CoordinatorClient interface {
	RegisterWorker(ctx context.Context, addr string, cpuCores uint32, memoryBytes uint64) (time.Duration, error)
	// SendHeartbeat returns the tasks the coordinator wants canceled.
	SendHeartbeat(ctx context.Context) ([]pkgcore.ExecutionVertexID, error)
	PullDeployment(ctx context.Context) (*DeploymentDescriptor, error)
	ReportTaskEvent(ctx context.Context, event TaskEvent) error
	Close() error
}

type WorkerService interface {
	Run(ctx context.Context) error
}
