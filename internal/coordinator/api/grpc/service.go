package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nemanja-m/gorun/internal/coordinator/core"
	"github.com/nemanja-m/gorun/internal/shared/logging"
	"github.com/nemanja-m/gorun/internal/shared/proto"
	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

const (
	DefaultHeartbeatIntervalSeconds = 15
)

var eventKinds = map[proto.EventKind]core.EventKind{
	proto.EventFinished:           core.EventFinished,
	proto.EventFailed:             core.EventFailed,
	proto.EventCanceled:           core.EventCanceled,
	proto.EventPartitionAvailable: core.EventPartitionAvailable,
	proto.EventFatalError:         core.EventFatalError,
}

type CoordinatorService struct {
	proto.UnimplementedCoordinatorServiceServer

	heartbeatInterval time.Duration
	workerService     core.WorkerService
	controller        core.DeploymentController

	logger logging.Logger
}

func NewCoordinatorService(
	heartbeatInterval time.Duration,
	workerService core.WorkerService,
	controller core.DeploymentController,
	logger logging.Logger,
) *CoordinatorService {
	return &CoordinatorService{
		heartbeatInterval: heartbeatInterval,
		workerService:     workerService,
		controller:        controller,
		logger:            logger,
	}
}

func (s *CoordinatorService) RegisterWorker(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := proto.RegisterWorkerRequestFromStruct(in)
	if err != nil {
		s.logger.Error("Malformed registration request", "error", err)
		return proto.RegisterWorkerResponse{
			Status:  proto.RegistrationStatusBadRequest,
			Message: err.Error(),
		}.ToStruct()
	}

	workerID, err := uuid.Parse(req.WorkerID)
	if err != nil {
		s.logger.Error("Invalid worker ID format", "worker_id", req.WorkerID, "error", err)
		return proto.RegisterWorkerResponse{
			Status:  proto.RegistrationStatusBadRequest,
			Message: "Invalid worker ID format. Expected UUID.",
		}.ToStruct()
	}
	worker := &core.Worker{
		ID:          workerID,
		Address:     req.Address,
		CPUCores:    req.AvailableCPUCores,
		MemoryBytes: req.AvailableMemoryBytes,
	}

	s.logger.Debug("Received worker registration", "worker_id", worker.ID.String(), "address", worker.Address)

	if err := s.workerService.RegisterWorker(worker); err != nil {
		s.logger.Error("Failed to register worker", "worker_id", worker.ID.String(), "error", err)
		return proto.RegisterWorkerResponse{
			Status:  proto.RegistrationStatusFailed,
			Message: err.Error(),
		}.ToStruct()
	}

	s.logger.Info("Worker registered successfully",
		"worker_id", worker.ID.String(),
		"cpu_cores", worker.CPUCores,
		"memory_bytes", worker.MemoryBytes,
	)

	interval := uint32(s.heartbeatInterval / time.Second)
	if interval == 0 {
		interval = DefaultHeartbeatIntervalSeconds
	}
	return proto.RegisterWorkerResponse{
		Status:                   proto.RegistrationStatusSuccess,
		Message:                  "OK",
		HeartbeatIntervalSeconds: interval,
	}.ToStruct()
}

// Heartbeat refreshes the worker's liveness and answers with the executions
// it must cancel.
func (s *CoordinatorService) Heartbeat(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	workerID, err := parseWorkerID(in.GetValue())
	if err != nil {
		s.logger.Error("Invalid worker ID in heartbeat", "worker_id", in.GetValue(), "error", err)
		return nil, err
	}

	if err := s.workerService.RecordHeartbeat(workerID); err != nil {
		s.logger.Error("Failed to record heartbeat", "worker_id", workerID, "error", err)
		return nil, toStatus(err)
	}

	cancels, err := s.controller.PendingCancels(workerID)
	if err != nil {
		return nil, toStatus(err)
	}

	s.logger.Debug("Heartbeat received", "worker_id", workerID, "cancels", len(cancels))
	return wrapperspb.Bytes(pkgcore.EncodeExecutionVertexIDs(cancels)), nil
}

func (s *CoordinatorService) PullDeployment(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	workerID, err := parseWorkerID(in.GetValue())
	if err != nil {
		return nil, err
	}
	// Only registered workers are tracked by the health checker, so only they
	// may take executions.
	if _, err := s.workerService.GetWorker(workerID); err != nil {
		return nil, toStatus(err)
	}

	d, err := s.controller.NextDeployment(workerID)
	if err != nil {
		s.logger.Error("Failed to assign deployment", "worker_id", workerID, "error", err)
		return nil, toStatus(err)
	}
	if d == nil {
		return &structpb.Struct{}, nil
	}

	return proto.Deployment{
		ID:          d.ID,
		Attempt:     d.Attempt,
		Parallelism: d.Parallelism,
		Invokable:   d.Invokable,
		Config:      d.Config,
		Partitions:  d.Partitions,
	}.ToStruct()
}

func (s *CoordinatorService) ReportTaskEvent(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	raw, ok := proto.WorkerIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "missing worker id metadata")
	}
	workerID, err := parseWorkerID(raw)
	if err != nil {
		return nil, err
	}

	var event proto.TaskEvent
	if err := event.UnmarshalBinary(in.GetValue()); err != nil {
		s.logger.Error("Malformed task event", "worker_id", workerID, "error", err)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	err = s.controller.HandleEvent(workerID, core.TaskEvent{
		Kind:      eventKinds[event.Kind],
		ID:        event.ID,
		Attempt:   event.Attempt,
		Partition: event.Partition,
		Cause:     event.Cause,
	})
	if err != nil {
		s.logger.Warn("Task event rejected",
			"worker_id", workerID,
			"execution_vertex_id", event.ID.String(),
			"attempt", event.Attempt,
			"error", err,
		)
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func parseWorkerID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid worker id %q", s)
	}
	return id, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, core.ErrWorkerNotFound),
		errors.Is(err, core.ErrExecutionNotFound),
		errors.Is(err, core.ErrVertexNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrStaleAttempt), errors.Is(err, core.ErrWrongWorker):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, pkgcore.ErrInvalidArgument), errors.Is(err, pkgcore.ErrMalformedInput):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
