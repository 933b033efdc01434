package endpoint

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrTransient marks network and timeout failures. Heartbeat cadence
	// retries these; individual commands are not retried.
	ErrTransient = errors.New("transient rpc failure")
	// ErrResponse marks a request the robot received and rejected.
	ErrResponse = errors.New("robot rejected request")
	// ErrAuthorization marks a lease that was denied, lost or not held.
	ErrAuthorization = errors.New("authorization error")
	// ErrEstop marks a rejected estop registration or check-in.
	ErrEstop = errors.New("estop error")
)

// Error is a classified endpoint failure.
type Error struct {
	Op   string // endpoint operation, e.g. "RetainLease"
	Kind error  // one of the sentinels above
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Transient wraps err as a transient failure of op.
func Transient(op string, err error) error {
	return &Error{Op: op, Kind: ErrTransient, Err: err}
}

// Rejected reports a robot-side rejection of op.
func Rejected(op, reason string) error {
	return &Error{Op: op, Kind: ErrResponse, Err: errors.New(reason)}
}

// Unauthorized reports a lease failure of op.
func Unauthorized(op, reason string) error {
	return &Error{Op: op, Kind: ErrAuthorization, Err: errors.New(reason)}
}

// EstopRejected reports an estop failure of op.
func EstopRejected(op, reason string) error {
	return &Error{Op: op, Kind: ErrEstop, Err: errors.New(reason)}
}

// IsRPCClass reports whether err belongs to the recoverable RPC taxonomy.
// Anything else is treated as a fatal internal error by callers.
func IsRPCClass(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrResponse) ||
		errors.Is(err, ErrAuthorization) ||
		errors.Is(err, ErrEstop)
}

// domain selects how FailedPrecondition is classified for a method.
type domain int

const (
	domainGeneral domain = iota
	domainLease
	domainEstop
)

// fromStatus classifies a gRPC error returned by op.
func fromStatus(op string, d domain, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(op, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return Transient(op, err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Canceled:
		return Transient(op, errors.New(st.Message()))
	case codes.PermissionDenied, codes.Unauthenticated:
		return Unauthorized(op, st.Message())
	case codes.FailedPrecondition:
		switch d {
		case domainLease:
			return Unauthorized(op, st.Message())
		case domainEstop:
			return EstopRejected(op, st.Message())
		}
		return Rejected(op, st.Message())
	default:
		return Rejected(op, st.Message())
	}
}

// ToStatus converts a classified error into a gRPC status for servers.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case errors.Is(err, ErrTransient):
		return status.Error(codes.Unavailable, msg)
	case errors.Is(err, ErrAuthorization):
		return status.Error(codes.PermissionDenied, msg)
	case errors.Is(err, ErrEstop), errors.Is(err, ErrResponse):
		return status.Error(codes.FailedPrecondition, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}
