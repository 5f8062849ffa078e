package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nemanja-m/gorun/internal/shared/config"
	"github.com/nemanja-m/gorun/internal/shared/proto"
	"github.com/nemanja-m/gorun/internal/worker/core"
	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

var eventKinds = map[core.TaskEventKind]proto.EventKind{
	core.TaskEventFinished:           proto.EventFinished,
	core.TaskEventFailed:             proto.EventFailed,
	core.TaskEventCanceled:           proto.EventCanceled,
	core.TaskEventPartitionAvailable: proto.EventPartitionAvailable,
	core.TaskEventFatalError:         proto.EventFatalError,
}

type CoordinatorClient struct {
	conn   *grpc.ClientConn
	client proto.CoordinatorServiceClient

	workerID        uuid.UUID
	coordinatorAddr string
}

func NewCoordinatorClient(cfg config.CoordinatorConnConfig, workerID uuid.UUID, opts ...grpc.DialOption) (*CoordinatorClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Time:                cfg.GRPC.KeepaliveTime,
				Timeout:             cfg.GRPC.KeepaliveTimeout,
				PermitWithoutStream: true,
			},
		),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordinator: %w", err)
	}

	return &CoordinatorClient{
		conn:            conn,
		client:          proto.NewCoordinatorServiceClient(conn),
		workerID:        workerID,
		coordinatorAddr: cfg.Addr,
	}, nil
}

func (c *CoordinatorClient) WorkerID() uuid.UUID {
	return c.workerID
}

func (c *CoordinatorClient) RegisterWorker(
	ctx context.Context,
	addr string,
	availableCpuCores uint32,
	availableMemoryBytes uint64,
) (time.Duration, error) {
	req, err := proto.RegisterWorkerRequest{
		WorkerID:             c.workerID.String(),
		Address:              addr,
		AvailableCPUCores:    availableCpuCores,
		AvailableMemoryBytes: availableMemoryBytes,
	}.ToStruct()
	if err != nil {
		return 0, fmt.Errorf("failed to encode registration: %w", err)
	}

	out, err := c.client.RegisterWorker(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("failed to register worker: %w", err)
	}
	resp, err := proto.RegisterWorkerResponseFromStruct(out)
	if err != nil {
		return 0, fmt.Errorf("failed to decode registration response: %w", err)
	}

	switch resp.Status {
	case proto.RegistrationStatusSuccess:
	case proto.RegistrationStatusBadRequest:
		return 0, fmt.Errorf("bad request: %s", resp.Message)
	case proto.RegistrationStatusRejected:
		return 0, fmt.Errorf("coordinator rejected worker: %s", resp.Message)
	case proto.RegistrationStatusFailed:
		return 0, fmt.Errorf("coordinator failed to register worker: %s", resp.Message)
	default:
		return 0, fmt.Errorf("unknown registration status %q", resp.Status)
	}

	return time.Duration(resp.HeartbeatIntervalSeconds) * time.Second, nil
}

func (c *CoordinatorClient) SendHeartbeat(ctx context.Context) ([]pkgcore.ExecutionVertexID, error) {
	resp, err := c.client.Heartbeat(ctx, wrapperspb.String(c.workerID.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to send heartbeat: %w", err)
	}
	cancels, err := pkgcore.DecodeExecutionVertexIDs(resp.GetValue())
	if err != nil {
		return nil, fmt.Errorf("failed to decode cancel requests: %w", err)
	}
	return cancels, nil
}

func (c *CoordinatorClient) PullDeployment(ctx context.Context) (*core.DeploymentDescriptor, error) {
	resp, err := c.client.PullDeployment(ctx, wrapperspb.String(c.workerID.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to pull deployment: %w", err)
	}
	d, ok, err := proto.DeploymentFromStruct(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to decode deployment: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &core.DeploymentDescriptor{
		ID:          d.ID,
		Attempt:     d.Attempt,
		Parallelism: d.Parallelism,
		Invokable:   d.Invokable,
		Config:      d.Config,
		Partitions:  d.Partitions,
	}, nil
}

func (c *CoordinatorClient) ReportTaskEvent(ctx context.Context, event core.TaskEvent) error {
	kind, ok := eventKinds[event.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown task event kind %d", pkgcore.ErrInvalidArgument, event.Kind)
	}
	data, err := proto.TaskEvent{
		Kind:      kind,
		ID:        event.ID,
		Attempt:   event.Attempt,
		Partition: event.Partition,
		Cause:     event.Cause,
	}.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode task event: %w", err)
	}
	ctx = proto.WithWorkerID(ctx, c.workerID.String())
	if _, err := c.client.ReportTaskEvent(ctx, wrapperspb.Bytes(data)); err != nil {
		switch status.Code(err) {
		case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition:
			return fmt.Errorf("%w: %v", core.ErrEventRejected, err)
		}
		return fmt.Errorf("failed to report task event: %w", err)
	}
	return nil
}

func (c *CoordinatorClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
