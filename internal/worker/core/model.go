package core

import (
	"errors"
	"time"

	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskAlreadyExists  = errors.New("task already exists")
	ErrPartitionNotFound  = errors.New("partition not found")
	ErrInvokableNotFound  = errors.New("invokable not found")
	ErrInvalidDescriptor  = errors.New("invalid deployment descriptor")
	ErrInterrupted        = errors.New("task interrupted")
	ErrTaskUnresponsive   = errors.New("task did not terminate after interruption")
	ErrWorkerShuttingDown = errors.New("worker is shutting down")
	// ErrEventRejected marks task events the coordinator refused for good,
	// such as reports for a superseded attempt. They are not retried.
	ErrEventRejected = errors.New("task event rejected by coordinator")
)

// ExecutionState is the lifecycle state of a task.
type ExecutionState int

const (
	ExecutionStateCreated ExecutionState = iota
	ExecutionStateDeploying
	ExecutionStateRunning
	ExecutionStateFinished
	ExecutionStateCanceling
	ExecutionStateCanceled
	ExecutionStateFailing
	ExecutionStateFailed
)

var executionStateNames = [...]string{
	ExecutionStateCreated:   "CREATED",
	ExecutionStateDeploying: "DEPLOYING",
	ExecutionStateRunning:   "RUNNING",
	ExecutionStateFinished:  "FINISHED",
	ExecutionStateCanceling: "CANCELING",
	ExecutionStateCanceled:  "CANCELED",
	ExecutionStateFailing:   "FAILING",
	ExecutionStateFailed:    "FAILED",
}

func (s ExecutionState) String() string {
	if s < 0 || int(s) >= len(executionStateNames) {
		return "UNKNOWN"
	}
	return executionStateNames[s]
}

func (s ExecutionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether s has no outgoing transitions.
func (s ExecutionState) IsTerminal() bool {
	return s == ExecutionStateFinished || s == ExecutionStateCanceled || s == ExecutionStateFailed
}

var executionTransitions = map[ExecutionState][]ExecutionState{
	ExecutionStateCreated:   {ExecutionStateDeploying, ExecutionStateCanceling, ExecutionStateFailing},
	ExecutionStateDeploying: {ExecutionStateRunning, ExecutionStateCanceling, ExecutionStateFailing},
	ExecutionStateRunning:   {ExecutionStateFinished, ExecutionStateCanceling, ExecutionStateFailing},
	ExecutionStateCanceling: {ExecutionStateCanceled, ExecutionStateFinished},
	ExecutionStateFailing:   {ExecutionStateFailed},
	ExecutionStateFinished:  {},
	ExecutionStateCanceled:  {},
	ExecutionStateFailed:    {},
}

func (s ExecutionState) CanTransitionTo(next ExecutionState) bool {
	for _, candidate := range executionTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ProductionState describes how far a result partition has been produced.
type ProductionState int

const (
	ProductionStateNotProducing ProductionState = iota
	ProductionStateProducing
	ProductionStateAllDataProduced
	ProductionStateReleased
	ProductionStateFailed
)

var productionStateNames = [...]string{
	ProductionStateNotProducing:    "NOT_PRODUCING",
	ProductionStateProducing:       "PRODUCING",
	ProductionStateAllDataProduced: "ALL_DATA_PRODUCED",
	ProductionStateReleased:        "RELEASED",
	ProductionStateFailed:          "FAILED",
}

func (s ProductionState) String() string {
	if s < 0 || int(s) >= len(productionStateNames) {
		return "UNKNOWN"
	}
	return productionStateNames[s]
}

func (s ProductionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s ProductionState) IsTerminal() bool {
	return s == ProductionStateReleased || s == ProductionStateFailed
}

// CanTransitionTo enforces NOT_PRODUCING -> PRODUCING -> ALL_DATA_PRODUCED,
// with RELEASED and FAILED reachable from any non-terminal state.
func (s ProductionState) CanTransitionTo(next ProductionState) bool {
	if s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	return next > s
}

// DeploymentDescriptor carries everything a worker needs to run one attempt
// of one subtask.
type DeploymentDescriptor struct {
	ID          pkgcore.ExecutionVertexID
	Attempt     int
	Parallelism int
	Invokable   string
	Config      map[string]string
	Partitions  []pkgcore.PartitionID
}

// PartitionInfo is a point-in-time view of one result partition.
type PartitionInfo struct {
	ID           pkgcore.PartitionID
	Index        int
	State        ProductionState
	BytesWritten int64
	Records      int64
	// Path is the partition file, empty until the task is deployed.
	Path string
}

// StateTransition records when a task entered a state.
type StateTransition struct {
	State ExecutionState
	At    time.Time
}

// TaskSnapshot is a point-in-time view of a task.
type TaskSnapshot struct {
	ID           pkgcore.ExecutionVertexID
	Attempt      int
	Invokable    string
	State        ExecutionState
	FailureCause error
	Unresponsive bool
	Partitions   []PartitionInfo
	Transitions  []StateTransition
}
