// Package proto holds the coordinator gRPC service contract.
//
// The service exchanges protobuf well-known types only: registration and
// deployment payloads travel as structpb.Struct, task events and cancel lists
// as length-checked binary envelopes inside wrapperspb.BytesValue. The
// service description below is maintained by hand in the shape
// protoc-gen-go-grpc would emit, so no code generation step is needed.
package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const CoordinatorServiceName = "gorun.coordinator.v1.CoordinatorService"

const (
	CoordinatorService_RegisterWorker_FullMethodName  = "/" + CoordinatorServiceName + "/RegisterWorker"
	CoordinatorService_Heartbeat_FullMethodName       = "/" + CoordinatorServiceName + "/Heartbeat"
	CoordinatorService_PullDeployment_FullMethodName  = "/" + CoordinatorServiceName + "/PullDeployment"
	CoordinatorService_ReportTaskEvent_FullMethodName = "/" + CoordinatorServiceName + "/ReportTaskEvent"
)

type CoordinatorServiceClient interface {
	// RegisterWorker takes a RegisterWorkerRequest struct and answers with a
	// RegisterWorkerResponse struct.
	RegisterWorker(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	// Heartbeat takes the worker ID and answers with the encoded list of
	// execution vertices the worker must cancel.
	Heartbeat(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	// PullDeployment takes the worker ID and answers with a Deployment
	// struct, or an empty struct when nothing is pending.
	PullDeployment(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error)
	// ReportTaskEvent takes one encoded TaskEvent.
	ReportTaskEvent(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type coordinatorServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewCoordinatorServiceClient(cc grpc.ClientConnInterface) CoordinatorServiceClient {
	return &coordinatorServiceClient{cc}
}

func (c *coordinatorServiceClient) RegisterWorker(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, CoordinatorService_RegisterWorker_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorServiceClient) Heartbeat(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, CoordinatorService_Heartbeat_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorServiceClient) PullDeployment(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, CoordinatorService_PullDeployment_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorServiceClient) ReportTaskEvent(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, CoordinatorService_ReportTaskEvent_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// CoordinatorServiceServer must embed UnimplementedCoordinatorServiceServer
// for forward compatibility.
type CoordinatorServiceServer interface {
	RegisterWorker(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	PullDeployment(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ReportTaskEvent(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	mustEmbedUnimplementedCoordinatorServiceServer()
}

type UnimplementedCoordinatorServiceServer struct{}

func (UnimplementedCoordinatorServiceServer) RegisterWorker(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method RegisterWorker not implemented")
}

func (UnimplementedCoordinatorServiceServer) Heartbeat(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Heartbeat not implemented")
}

func (UnimplementedCoordinatorServiceServer) PullDeployment(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method PullDeployment not implemented")
}

func (UnimplementedCoordinatorServiceServer) ReportTaskEvent(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method ReportTaskEvent not implemented")
}

func (UnimplementedCoordinatorServiceServer) mustEmbedUnimplementedCoordinatorServiceServer() {}

func RegisterCoordinatorServiceServer(s grpc.ServiceRegistrar, srv CoordinatorServiceServer) {
	s.RegisterService(&CoordinatorService_ServiceDesc, srv)
}

func _CoordinatorService_RegisterWorker_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServiceServer).RegisterWorker(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: CoordinatorService_RegisterWorker_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServiceServer).RegisterWorker(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _CoordinatorService_Heartbeat_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServiceServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: CoordinatorService_Heartbeat_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServiceServer).Heartbeat(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _CoordinatorService_PullDeployment_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServiceServer).PullDeployment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: CoordinatorService_PullDeployment_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServiceServer).PullDeployment(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _CoordinatorService_ReportTaskEvent_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServiceServer).ReportTaskEvent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: CoordinatorService_ReportTaskEvent_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServiceServer).ReportTaskEvent(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var CoordinatorService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: CoordinatorServiceName,
	HandlerType: (*CoordinatorServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterWorker",
			Handler:    _CoordinatorService_RegisterWorker_Handler,
		},
		{
			MethodName: "Heartbeat",
			Handler:    _CoordinatorService_Heartbeat_Handler,
		},
		{
			MethodName: "PullDeployment",
			Handler:    _CoordinatorService_PullDeployment_Handler,
		},
		{
			MethodName: "ReportTaskEvent",
			Handler:    _CoordinatorService_ReportTaskEvent_Handler,
		},
	},
	Streams: []grpc.StreamDesc{},
}
