package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/spot-teleop/pkg/types"
)

// ClientConfig configures the gRPC robot client.
type ClientConfig struct {
	Address     string
	ClientName  string        // lease holder name reported to the robot
	CallTimeout time.Duration // per-RPC deadline
	KeepAlive   time.Duration // transport keepalive ping interval
}

// GRPCClient implements Endpoint, Clock and Authenticator over gRPC.
type GRPCClient struct {
	conn        *grpc.ClientConn
	name        string
	callTimeout time.Duration
	logger      *slog.Logger

	mu    sync.RWMutex
	token string
}

// NewGRPCClient creates a client for cfg.Address. extra options are appended
// after the defaults, so tests can swap the dialer.
func NewGRPCClient(cfg ClientConfig, extra ...grpc.DialOption) (*GRPCClient, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	c := &GRPCClient{
		name:        cfg.ClientName,
		callTimeout: cfg.CallTimeout,
		logger:      slog.With("component", "endpoint", "address", cfg.Address),
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepAlive,
			Timeout:             cfg.CallTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithUnaryInterceptor(c.attachToken),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial robot %s: %w", cfg.Address, err)
	}
	c.conn = conn
	return c, nil
}

// Close releases the connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) attachToken(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

// invoke runs one RPC under the per-call timeout and decodes the reply into resp.
func (c *GRPCClient) invoke(ctx context.Context, method string, d domain, in proto.Message, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	out := &structpb.Struct{}
	start := time.Now()
	err := c.conn.Invoke(ctx, FullMethod(method), in, out)
	if err != nil {
		c.logger.Debug("rpc failed", "method", method, "duration", time.Since(start), "error", err)
		return fromStatus(method, d, err)
	}
	if resp == nil {
		return nil
	}
	return Decode(out, resp)
}

func (c *GRPCClient) invokeBody(ctx context.Context, method string, d domain, body, resp any) error {
	in, err := Encode(body)
	if err != nil {
		return err
	}
	return c.invoke(ctx, method, d, in, resp)
}

// Authenticate exchanges credentials for a session token used on later calls.
func (c *GRPCClient) Authenticate(ctx context.Context, username, password string) error {
	var resp AuthenticateResponse
	if err := c.invokeBody(ctx, MethodAuthenticate, domainGeneral, AuthenticateRequest{Username: username, Password: password}, &resp); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	c.logger.Info("Authenticated", "user", username)
	return nil
}

func (c *GRPCClient) AcquireLease(ctx context.Context, mustAcquire bool) (types.Lease, error) {
	var resp LeaseResponse
	err := c.invokeBody(ctx, MethodAcquireLease, domainLease, AcquireLeaseRequest{Holder: c.name, MustAcquire: mustAcquire}, &resp)
	return resp.Lease, err
}

func (c *GRPCClient) RetainLease(ctx context.Context, lease types.Lease) (types.Lease, error) {
	var resp LeaseResponse
	err := c.invokeBody(ctx, MethodRetainLease, domainLease, LeaseRequest{Lease: lease}, &resp)
	return resp.Lease, err
}

func (c *GRPCClient) ReturnLease(ctx context.Context, lease types.Lease) error {
	return c.invokeBody(ctx, MethodReturnLease, domainLease, LeaseRequest{Lease: lease}, nil)
}

func (c *GRPCClient) RegisterEstop(ctx context.Context, name string, timeout time.Duration) (types.EstopRegistration, error) {
	var resp EstopResponse
	err := c.invokeBody(ctx, MethodRegisterEstop, domainEstop, RegisterEstopRequest{Name: name, TimeoutMs: timeout.Milliseconds()}, &resp)
	return resp.Registration, err
}

func (c *GRPCClient) EstopCheckIn(ctx context.Context, reg types.EstopRegistration) error {
	return c.invokeBody(ctx, MethodEstopCheckIn, domainEstop, EstopCheckInRequest{Registration: reg}, nil)
}

func (c *GRPCClient) GetRobotState(ctx context.Context) (*types.StateSnapshot, error) {
	var resp RobotStateResponse
	if err := c.invoke(ctx, MethodGetRobotState, domainGeneral, &emptypb.Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp.State, nil
}

func (c *GRPCClient) SubmitCommand(ctx context.Context, req types.CommandRequest) error {
	return c.invokeBody(ctx, MethodRobotCommand, domainGeneral, RobotCommandRequest{Request: req}, nil)
}

func (c *GRPCClient) SetPower(ctx context.Context, lease types.Lease, on bool) error {
	return c.invokeBody(ctx, MethodPowerCommand, domainGeneral, PowerCommandRequest{Lease: lease, On: on}, nil)
}

// RobotTime reads the robot clock.
func (c *GRPCClient) RobotTime(ctx context.Context) (time.Time, error) {
	var resp RobotTimeResponse
	if err := c.invoke(ctx, MethodRobotTime, domainGeneral, &emptypb.Empty{}, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.Time, nil
}

var (
	_ Endpoint      = (*GRPCClient)(nil)
	_ Clock         = (*GRPCClient)(nil)
	_ Authenticator = (*GRPCClient)(nil)
)
