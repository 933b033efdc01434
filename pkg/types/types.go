// Package types defines the domain model shared by the teleop session, the
// endpoint transports and the simulator.
package types

import (
	"fmt"
	"time"
)

// Intent is a discrete operator request, e.g. "move_forward".
type Intent string

// Registered operator intents.
const (
	IntentStop              Intent = "stop"
	IntentQuit              Intent = "quit"
	IntentToggleTimeSync    Intent = "toggle_time_sync"
	IntentToggleEstop       Intent = "toggle_estop"
	IntentToggleLease       Intent = "toggle_lease"
	IntentTogglePower       Intent = "toggle_power"
	IntentSelfRight         Intent = "self_right"
	IntentBatteryChangePose Intent = "battery_change_pose"
	IntentSit               Intent = "sit"
	IntentStand             Intent = "stand"
	IntentMoveForward       Intent = "move_forward"
	IntentMoveBackward      Intent = "move_backward"
	IntentStrafeLeft        Intent = "strafe_left"
	IntentStrafeRight       Intent = "strafe_right"
	IntentTurnLeft          Intent = "turn_left"
	IntentTurnRight         Intent = "turn_right"
	IntentCircle            Intent = "circle"
	IntentArmReady          Intent = "arm_ready"
	IntentArmStow           Intent = "arm_stow"
	IntentWiggle            Intent = "wiggle"
	IntentSway              Intent = "sway"
	IntentReturnToOrigin    Intent = "return_to_origin"
)

// SessionState is the aggregate state of a teleop session.
type SessionState string

const (
	SessionDisarmed     SessionState = "disarmed"      // not started, or shutdown completed
	SessionArmed        SessionState = "armed"         // lease held, heartbeats running
	SessionFault        SessionState = "fault"         // unrecoverable heartbeat or command error
	SessionShuttingDown SessionState = "shutting_down" // shutdown in progress
)

// LeaseState tracks the authorization handle.
type LeaseState string

const (
	LeaseUnacquired LeaseState = "unacquired"
	LeaseAcquired   LeaseState = "acquired"
	LeaseReleased   LeaseState = "released"
	LeaseError      LeaseState = "error"
)

// Lease is the endpoint-issued token granting exclusive control.
type Lease struct {
	Resource string `json:"resource"`
	Sequence int64  `json:"sequence"`
	Holder   string `json:"holder"`
}

// IsZero reports whether the lease carries no token.
func (l Lease) IsZero() bool {
	return l.Resource == "" && l.Sequence == 0 && l.Holder == ""
}

func (l Lease) String() string {
	return fmt.Sprintf("%s:%d", l.Resource, l.Sequence)
}

// EstopState tracks this session's software estop registration.
type EstopState string

const (
	EstopUnregistered EstopState = "unregistered"
	EstopArmed        EstopState = "armed"
	EstopStopped      EstopState = "stopped"
	EstopError        EstopState = "error"
)

// EstopRegistration identifies an estop endpoint registered on the robot.
type EstopRegistration struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Timeout time.Duration `json:"timeout"`
}

// PowerState is the robot's motor power state.
type PowerState string

const (
	PowerUnknown     PowerState = "unknown"
	PowerOff         PowerState = "off"
	PowerOn          PowerState = "on"
	PowerPoweringOn  PowerState = "powering_on"
	PowerPoweringOff PowerState = "powering_off"
	PowerError       PowerState = "error"
)

// EstopType distinguishes software estops from physical ones.
type EstopType string

const (
	EstopTypeSoftware EstopType = "software"
	EstopTypeHardware EstopType = "hardware"
)

// EstopLevel is the level reported by the robot for one estop.
type EstopLevel string

const (
	EstopLevelUnknown     EstopLevel = "unknown"
	EstopLevelEstopped    EstopLevel = "estopped"
	EstopLevelNotEstopped EstopLevel = "not_estopped"
)

// EstopStatus is one entry of the robot's estop report.
type EstopStatus struct {
	Name  string     `json:"name"`
	Type  EstopType  `json:"type"`
	Level EstopLevel `json:"level"`
}

// StateSnapshot is a point-in-time capture of robot state. Treat as immutable.
type StateSnapshot struct {
	Power          PowerState    `json:"power"`
	Estops         []EstopStatus `json:"estops"`
	BatteryPercent float64       `json:"battery_percent"`
	CapturedAt     time.Time     `json:"captured_at"`
}

// SoftwareEstop returns the first software estop level in the snapshot.
func (s *StateSnapshot) SoftwareEstop() (EstopLevel, bool) {
	if s == nil {
		return EstopLevelUnknown, false
	}
	for _, e := range s.Estops {
		if e.Type == EstopTypeSoftware {
			return e.Level, true
		}
	}
	return EstopLevelUnknown, false
}

// Age reports how old the snapshot is relative to now.
func (s *StateSnapshot) Age(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	return now.Sub(s.CapturedAt)
}

// CommandKind names the robot command payload.
type CommandKind string

const (
	CommandStop              CommandKind = "stop"
	CommandSelfRight         CommandKind = "self_right"
	CommandBatteryChangePose CommandKind = "battery_change_pose"
	CommandSit               CommandKind = "sit"
	CommandStand             CommandKind = "stand"
	CommandVelocity          CommandKind = "velocity"
	CommandPose              CommandKind = "pose"
	CommandTrajectory        CommandKind = "trajectory"
	CommandArmStow           CommandKind = "arm_stow"
	CommandArmReady          CommandKind = "arm_ready"
	CommandSafePowerOff      CommandKind = "safe_power_off"
)

// Velocity is a body-frame velocity in m/s and rad/s.
type Velocity struct {
	VX   float64 `json:"v_x"`
	VY   float64 `json:"v_y"`
	VRot float64 `json:"v_rot"`
}

// Orientation is a body orientation relative to the footprint, in radians.
type Orientation struct {
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
}

// Goal is an SE2 trajectory target in the named frame.
type Goal struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`
	Frame   string  `json:"frame"`
}

// Command is one robot command payload. Only the field matching Kind is set.
type Command struct {
	Kind        CommandKind  `json:"kind"`
	Velocity    *Velocity    `json:"velocity,omitempty"`
	Orientation *Orientation `json:"orientation,omitempty"`
	Goal        *Goal        `json:"goal,omitempty"`
	// DirectionHint is used by battery_change_pose ("right" or "left").
	DirectionHint string `json:"direction_hint,omitempty"`
}

// IsMotion reports whether the command moves the robot.
func (c Command) IsMotion() bool {
	return c.Kind != CommandStop
}

// CommandRequest is one outbound directive. Created per dispatch, never reused.
type CommandRequest struct {
	Lease     Lease      `json:"lease"`
	Command   Command    `json:"command"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Frame names used for trajectory goals.
const (
	FrameOdom = "odom"
)
