package server

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/spot-teleop/internal/endpoint"
	"github.com/ChuLiYu/spot-teleop/internal/robotsim"
)

// Server implements RobotServiceServer on top of a simulated robot.
type Server struct {
	robot       *robotsim.Robot
	requireAuth bool
	logger      *slog.Logger
}

// NewServer creates a new gRPC service instance. With requireAuth, every
// method except Authenticate needs a bearer token issued by the robot.
func NewServer(robot *robotsim.Robot, requireAuth bool) *Server {
	return &Server{
		robot:       robot,
		requireAuth: requireAuth,
		logger:      slog.With("component", "server"),
	}
}

// NewGRPCServer builds a grpc.Server with the service registered and the
// auth interceptor installed.
func NewGRPCServer(s *Server, extra ...grpc.ServerOption) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.UnaryInterceptor(s.authInterceptor),
	}
	gs := grpc.NewServer(append(opts, extra...)...)
	RegisterRobotServiceServer(gs, s)
	return gs
}

func (s *Server) authInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !s.requireAuth || info.FullMethod == endpoint.FullMethod(endpoint.MethodAuthenticate) {
		return handler(ctx, req)
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	headers := md.Get("authorization")
	if len(headers) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing authorization token")
	}
	if !s.robot.ValidToken(strings.TrimPrefix(headers[0], "Bearer ")) {
		return nil, status.Error(codes.Unauthenticated, "invalid authorization token")
	}
	return handler(ctx, req)
}

// reply encodes body, or converts err into a status.
func (s *Server) reply(method string, body any, err error) (*structpb.Struct, error) {
	if err != nil {
		s.logger.Debug("request rejected", "method", method, "error", err)
		return nil, endpoint.ToStatus(err)
	}
	if body == nil {
		return &structpb.Struct{}, nil
	}
	out, err := endpoint.Encode(body)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func decode(in *structpb.Struct, v any) error {
	if err := endpoint.Decode(in, v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

// Authenticate issues a session token.
func (s *Server) Authenticate(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req endpoint.AuthenticateRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	token, err := s.robot.Authenticate(req.Username, req.Password)
	return s.reply(endpoint.MethodAuthenticate, endpoint.AuthenticateResponse{Token: token}, err)
}

// AcquireLease grants the body lease.
func (s *Server) AcquireLease(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req endpoint.AcquireLeaseRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	lease, err := s.robot.AcquireLease(req.Holder, req.MustAcquire)
	return s.reply(endpoint.MethodAcquireLease, endpoint.LeaseResponse{Lease: lease}, err)
}

// RetainLease renews the lease.
func (s *Server) RetainLease(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req endpoint.LeaseRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	lease, err := s.robot.RetainLease(req.Lease)
	return s.reply(endpoint.MethodRetainLease, endpoint.LeaseResponse{Lease: lease}, err)
}

// ReturnLease releases the lease.
func (s *Server) ReturnLease(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req endpoint.LeaseRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.reply(endpoint.MethodReturnLease, nil, s.robot.ReturnLease(req.Lease))
}

// RegisterEstop installs a software estop.
func (s *Server) RegisterEstop(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req endpoint.RegisterEstopRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	reg, err := s.robot.RegisterEstop(req.Name, time.Duration(req.TimeoutMs)*time.Millisecond)
	return s.reply(endpoint.MethodRegisterEstop, endpoint.EstopResponse{Registration: reg}, err)
}

// EstopCheckIn keeps an estop registration alive.
func (s *Server) EstopCheckIn(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req endpoint.EstopCheckInRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.reply(endpoint.MethodEstopCheckIn, nil, s.robot.EstopCheckIn(req.Registration))
}

// GetRobotState returns a fresh snapshot.
func (s *Server) GetRobotState(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap, err := s.robot.State()
	if err != nil {
		return s.reply(endpoint.MethodGetRobotState, nil, err)
	}
	return s.reply(endpoint.MethodGetRobotState, endpoint.RobotStateResponse{State: *snap}, nil)
}

// RobotCommand executes one command.
func (s *Server) RobotCommand(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req endpoint.RobotCommandRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.reply(endpoint.MethodRobotCommand, nil, s.robot.Command(req.Request))
}

// PowerCommand switches motor power.
func (s *Server) PowerCommand(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req endpoint.PowerCommandRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.reply(endpoint.MethodPowerCommand, nil, s.robot.SetPower(req.Lease, req.On))
}

// RobotTime reads the robot clock.
func (s *Server) RobotTime(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	now, err := s.robot.Time()
	return s.reply(endpoint.MethodRobotTime, endpoint.RobotTimeResponse{Time: now}, err)
}

// Robot exposes the simulated robot, e.g. for the status command.
func (s *Server) Robot() *robotsim.Robot {
	return s.robot
}

var _ RobotServiceServer = (*Server)(nil)

// LogState logs the robot state once.
func (s *Server) LogState() {
	snap, err := s.robot.State()
	if err != nil {
		s.logger.Warn("failed to read robot state", "error", err)
		return
	}
	level, _ := snap.SoftwareEstop()
	s.logger.Info("Robot state",
		"power", snap.Power,
		"battery", snap.BatteryPercent,
		"estop", level,
		"lease_holder", s.robot.LeaseHolder())
}
