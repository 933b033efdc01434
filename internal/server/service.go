package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/spot-teleop/internal/endpoint"
)

// RobotServiceServer is the server API for robot.v1.RobotService. Bodies are
// google.protobuf.Struct values built with endpoint.Encode.
type RobotServiceServer interface {
	Authenticate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AcquireLease(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetainLease(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReturnLease(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterEstop(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EstopCheckIn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRobotState(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RobotCommand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PowerCommand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RobotTime(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterRobotServiceServer registers srv on s.
func RegisterRobotServiceServer(s grpc.ServiceRegistrar, srv RobotServiceServer) {
	s.RegisterService(&RobotServiceDesc, srv)
}

type unaryMethod[In proto.Message] func(RobotServiceServer, context.Context, In) (*structpb.Struct, error)

func method[In proto.Message](name string, newIn func() In, call unaryMethod[In]) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newIn()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RobotServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: endpoint.FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(RobotServiceServer), ctx, req.(In))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func newStruct() *structpb.Struct { return &structpb.Struct{} }
func newEmpty() *emptypb.Empty    { return &emptypb.Empty{} }

// RobotServiceDesc describes robot.v1.RobotService for grpc.Server.
var RobotServiceDesc = grpc.ServiceDesc{
	ServiceName: endpoint.ServiceName,
	HandlerType: (*RobotServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		method(endpoint.MethodAuthenticate, newStruct, RobotServiceServer.Authenticate),
		method(endpoint.MethodAcquireLease, newStruct, RobotServiceServer.AcquireLease),
		method(endpoint.MethodRetainLease, newStruct, RobotServiceServer.RetainLease),
		method(endpoint.MethodReturnLease, newStruct, RobotServiceServer.ReturnLease),
		method(endpoint.MethodRegisterEstop, newStruct, RobotServiceServer.RegisterEstop),
		method(endpoint.MethodEstopCheckIn, newStruct, RobotServiceServer.EstopCheckIn),
		method(endpoint.MethodGetRobotState, newEmpty, RobotServiceServer.GetRobotState),
		method(endpoint.MethodRobotCommand, newStruct, RobotServiceServer.RobotCommand),
		method(endpoint.MethodPowerCommand, newStruct, RobotServiceServer.PowerCommand),
		method(endpoint.MethodRobotTime, newEmpty, RobotServiceServer.RobotTime),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "robot/v1/robot.proto",
}
