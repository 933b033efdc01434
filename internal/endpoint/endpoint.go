// Package endpoint defines the remote robot surface consumed by a teleop
// session, the error taxonomy shared by every transport, and the gRPC binding.
package endpoint

import (
	"context"
	"time"

	"github.com/ChuLiYu/spot-teleop/pkg/types"
)

// Endpoint is the robot surface a session drives. Implementations return
// errors classified with the sentinels in errors.go.
type Endpoint interface {
	// AcquireLease claims exclusive control. With mustAcquire, a lease held by
	// another client is an ErrAuthorization failure rather than a forced take.
	AcquireLease(ctx context.Context, mustAcquire bool) (types.Lease, error)

	// RetainLease renews the lease and returns the current token.
	RetainLease(ctx context.Context, lease types.Lease) (types.Lease, error)

	// ReturnLease gives control back to the robot.
	ReturnLease(ctx context.Context, lease types.Lease) error

	// RegisterEstop registers a software estop that must check in within timeout.
	RegisterEstop(ctx context.Context, name string, timeout time.Duration) (types.EstopRegistration, error)

	// EstopCheckIn keeps the registration alive.
	EstopCheckIn(ctx context.Context, reg types.EstopRegistration) error

	// GetRobotState fetches a fresh snapshot.
	GetRobotState(ctx context.Context) (*types.StateSnapshot, error)

	// SubmitCommand issues one robot command.
	SubmitCommand(ctx context.Context, req types.CommandRequest) error

	// SetPower requests motor power on or off.
	SetPower(ctx context.Context, lease types.Lease, on bool) error
}

// Clock exposes the robot's clock for time synchronization.
type Clock interface {
	RobotTime(ctx context.Context) (time.Time, error)
}

// Authenticator logs a client in before any other call.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) error
}
