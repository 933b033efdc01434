package endpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/spot-teleop/pkg/types"
)

// ServiceName is the gRPC service exposing the robot surface.
const ServiceName = "robot.v1.RobotService"

// RPC method names on ServiceName.
const (
	MethodAuthenticate  = "Authenticate"
	MethodAcquireLease  = "AcquireLease"
	MethodRetainLease   = "RetainLease"
	MethodReturnLease   = "ReturnLease"
	MethodRegisterEstop = "RegisterEstop"
	MethodEstopCheckIn  = "EstopCheckIn"
	MethodGetRobotState = "GetRobotState"
	MethodRobotCommand  = "RobotCommand"
	MethodPowerCommand  = "PowerCommand"
	MethodRobotTime     = "RobotTime"
)

// FullMethod returns the gRPC path for method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Request and response bodies. They travel as google.protobuf.Struct values.

type AuthenticateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthenticateResponse struct {
	Token string `json:"token"`
}

type AcquireLeaseRequest struct {
	Holder      string `json:"holder"`
	MustAcquire bool   `json:"must_acquire"`
}

type LeaseRequest struct {
	Lease types.Lease `json:"lease"`
}

type LeaseResponse struct {
	Lease types.Lease `json:"lease"`
}

type RegisterEstopRequest struct {
	Name      string `json:"name"`
	TimeoutMs int64  `json:"timeout_ms"`
}

type EstopResponse struct {
	Registration types.EstopRegistration `json:"registration"`
}

type EstopCheckInRequest struct {
	Registration types.EstopRegistration `json:"registration"`
}

type RobotStateResponse struct {
	State types.StateSnapshot `json:"state"`
}

type RobotCommandRequest struct {
	Request types.CommandRequest `json:"request"`
}

type PowerCommandRequest struct {
	Lease types.Lease `json:"lease"`
	On    bool        `json:"on"`
}

type RobotTimeResponse struct {
	Time time.Time `json:"time"`
}

// Encode converts a body into a protobuf Struct via its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("failed to build struct for %T: %w", v, err)
	}
	return out, nil
}

// Decode fills v from a protobuf Struct.
func Decode(in *structpb.Struct, v any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal struct: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to unmarshal into %T: %w", v, err)
	}
	return nil
}
