package proto

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

func TestRegisterWorkerRequest_Struct(t *testing.T) {
	req := RegisterWorkerRequest{
		WorkerID:             "9b7c0c4e-5a57-4a43-a6a4-2b1b8d1b3f00",
		Address:              "10.0.0.7:50051",
		AvailableCPUCores:    8,
		AvailableMemoryBytes: 16 << 30,
	}

	s, err := req.ToStruct()
	require.NoError(t, err)

	decoded, err := RegisterWorkerRequestFromStruct(s)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestRegisterWorkerRequestFromStruct_RejectsBadNumbers(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"available_cpu_cores": -1})
	require.NoError(t, err)
	_, err = RegisterWorkerRequestFromStruct(s)
	require.ErrorIs(t, err, pkgcore.ErrMalformedInput)

	s, err = structpb.NewStruct(map[string]any{"available_cpu_cores": "eight"})
	require.NoError(t, err)
	_, err = RegisterWorkerRequestFromStruct(s)
	require.ErrorIs(t, err, pkgcore.ErrMalformedInput)
}

func TestRegisterWorkerResponse_Struct(t *testing.T) {
	resp := RegisterWorkerResponse{
		Status:                   RegistrationStatusSuccess,
		Message:                  "OK",
		HeartbeatIntervalSeconds: 15,
	}
	s, err := resp.ToStruct()
	require.NoError(t, err)

	decoded, err := RegisterWorkerResponseFromStruct(s)
	require.NoError(t, err)
	assert.Equal(t, resp, decoded)
}

func TestDeployment_Struct(t *testing.T) {
	d := Deployment{
		ID:          pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 3),
		Attempt:     2,
		Parallelism: 4,
		Invokable:   "wordcount",
		Config:      map[string]string{"input": "/data/*.txt"},
		Partitions:  []pkgcore.PartitionID{pkgcore.NewPartitionID(), pkgcore.NewPartitionID()},
	}

	s, err := d.ToStruct()
	require.NoError(t, err)

	decoded, ok, err := DeploymentFromStruct(s)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, d, decoded)
}

func TestDeploymentFromStruct_Empty(t *testing.T) {
	_, ok, err := DeploymentFromStruct(&structpb.Struct{})
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = DeploymentFromStruct(nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeploymentFromStruct_InvalidID(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"execution_vertex_id": "nope"})
	require.NoError(t, err)

	_, _, err = DeploymentFromStruct(s)
	require.ErrorIs(t, err, pkgcore.ErrMalformedInput)
}

func TestTaskEvent_Binary(t *testing.T) {
	events := []TaskEvent{
		{Kind: EventFinished, ID: pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 0), Attempt: 1},
		{Kind: EventFailed, ID: pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 7), Attempt: 3, Cause: "boom: disk full"},
		{Kind: EventPartitionAvailable, ID: pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 1), Attempt: 1, Partition: pkgcore.NewPartitionID()},
	}

	for _, event := range events {
		data, err := event.MarshalBinary()
		require.NoError(t, err)
		require.Len(t, data, envelopeHeaderSize+len(event.Cause))

		var decoded TaskEvent
		require.NoError(t, decoded.UnmarshalBinary(data))
		assert.Equal(t, event, decoded)
	}
}

func TestTaskEvent_MarshalRejectsInvalid(t *testing.T) {
	id := pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 0)

	_, err := TaskEvent{Kind: 0, ID: id}.MarshalBinary()
	require.ErrorIs(t, err, pkgcore.ErrInvalidArgument)

	_, err = TaskEvent{Kind: EventFinished}.MarshalBinary()
	require.ErrorIs(t, err, pkgcore.ErrInvalidArgument)

	_, err = TaskEvent{Kind: EventFinished, ID: id, Attempt: -1}.MarshalBinary()
	require.ErrorIs(t, err, pkgcore.ErrInvalidArgument)
}

func TestTaskEvent_UnmarshalMalformed(t *testing.T) {
	valid, err := TaskEvent{Kind: EventCanceled, ID: pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 2), Attempt: 1}.MarshalBinary()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", valid[:envelopeHeaderSize-1]},
		{"bad version", append([]byte{9}, valid[1:]...)},
		{"bad kind", append([]byte{envelopeVersion, 42}, valid[2:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var event TaskEvent
			require.ErrorIs(t, event.UnmarshalBinary(tt.data), pkgcore.ErrMalformedInput)
		})
	}
}

type echoServer struct {
	UnimplementedCoordinatorServiceServer
	events  []TaskEvent
	workers []string
}

func (s *echoServer) Heartbeat(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "missing worker id")
	}
	id := pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 5)
	return wrapperspb.Bytes(pkgcore.EncodeExecutionVertexIDs([]pkgcore.ExecutionVertexID{id})), nil
}

func (s *echoServer) ReportTaskEvent(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	var event TaskEvent
	if err := event.UnmarshalBinary(req.GetValue()); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.events = append(s.events, event)
	if workerID, ok := WorkerIDFromContext(ctx); ok {
		s.workers = append(s.workers, workerID)
	}
	return &emptypb.Empty{}, nil
}

func dialBufconn(t *testing.T, srv CoordinatorServiceServer) CoordinatorServiceClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterCoordinatorServiceServer(server, srv)
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewCoordinatorServiceClient(conn)
}

func TestCoordinatorService_OverGRPC(t *testing.T) {
	srv := &echoServer{}
	client := dialBufconn(t, srv)
	ctx := context.Background()

	resp, err := client.Heartbeat(ctx, wrapperspb.String("worker-1"))
	require.NoError(t, err)
	ids, err := pkgcore.DecodeExecutionVertexIDs(resp.GetValue())
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Equal(t, 5, ids[0].SubtaskIndex())

	_, err = client.Heartbeat(ctx, wrapperspb.String(""))
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	event := TaskEvent{Kind: EventFailed, ID: ids[0], Attempt: 2, Cause: "boom"}
	data, err := event.MarshalBinary()
	require.NoError(t, err)
	_, err = client.ReportTaskEvent(WithWorkerID(ctx, "worker-1"), wrapperspb.Bytes(data))
	require.NoError(t, err)
	require.Equal(t, []TaskEvent{event}, srv.events)
	require.Equal(t, []string{"worker-1"}, srv.workers)

	_, err = client.ReportTaskEvent(ctx, wrapperspb.Bytes([]byte{1, 2, 3}))
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.PullDeployment(ctx, wrapperspb.String("worker-1"))
	require.Equal(t, codes.Unimplemented, status.Code(err))
}
