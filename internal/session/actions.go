package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/spot-teleop/internal/choreo"
	"github.com/ChuLiYu/spot-teleop/pkg/types"
)

// MsgPowerUnknown is reported when power cannot be toggled without state.
const MsgPowerUnknown = "Could not toggle power because power state is unknown"

func (c *Controller) registerIntents() {
	m := c.cfg.Motion
	d := c.dispatcher

	d.Register(types.IntentStop, "stop", c.command(types.StopCommand(), 0))
	d.Register(types.IntentQuit, "quit", c.quit)
	d.Register(types.IntentToggleTimeSync, "toggle time sync", c.toggleTimeSync)
	d.Register(types.IntentToggleEstop, "toggle estop", c.toggleEstop)
	d.Register(types.IntentToggleLease, "toggle lease", c.toggleLease)
	d.Register(types.IntentTogglePower, "toggle power", c.togglePower)
	d.Register(types.IntentSelfRight, "self_right", c.command(types.SelfRightCommand(), 0))
	d.Register(types.IntentBatteryChangePose, "battery_change_pose", c.command(types.BatteryChangePoseCommand("right"), 0))
	d.Register(types.IntentSit, "sit", c.command(types.SitCommand(), 0))
	d.Register(types.IntentStand, "stand", c.command(types.StandCommand(), 0))

	d.Register(types.IntentMoveForward, "move_forward", c.velocity(m.BaseSpeed, 0, 0, m.VelocityDuration))
	d.Register(types.IntentMoveBackward, "move_backward", c.velocity(-m.BaseSpeed, 0, 0, m.VelocityDuration))
	d.Register(types.IntentStrafeLeft, "strafe_left", c.velocity(0, m.BaseSpeed, 0, m.VelocityDuration))
	d.Register(types.IntentStrafeRight, "strafe_right", c.velocity(0, -m.BaseSpeed, 0, m.VelocityDuration))
	d.Register(types.IntentTurnLeft, "turn_left", c.velocity(0, 0, m.BaseAngular, m.VelocityDuration))
	d.Register(types.IntentTurnRight, "turn_right", c.velocity(0, 0, -m.BaseAngular, m.VelocityDuration))
	d.Register(types.IntentCircle, "circle_move", c.velocity(m.BaseSpeed/2, 0, 3*m.BaseAngular, m.CircleDuration))

	d.Register(types.IntentArmReady, "unstow", c.command(types.ArmReadyCommand(), 0))
	d.Register(types.IntentArmStow, "stow", c.command(types.ArmStowCommand(), 0))
	d.Register(types.IntentWiggle, "wiggle", c.poseSequence(choreo.Wiggle()))
	d.Register(types.IntentSway, "sway", c.poseSequence(choreo.Sway()))
	d.Register(types.IntentReturnToOrigin, "return_to_origin",
		c.command(types.TrajectoryCommand(0, 0, 0, types.FrameOdom), m.TrajectoryDuration))
}

// command sends one fixed command. ttl of zero means no expiry.
func (c *Controller) command(cmd types.Command, ttl time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		return c.submit(ctx, cmd, ttl)
	}
}

func (c *Controller) velocity(vx, vy, vrot float64, ttl time.Duration) func(context.Context) error {
	return c.command(types.VelocityCommand(vx, vy, vrot), ttl)
}

// poseSequence plays seq step by step on the calling goroutine. Intents
// queued meanwhile wait; only context cancellation cuts it short.
func (c *Controller) poseSequence(seq choreo.Sequence) func(context.Context) error {
	return func(ctx context.Context) error {
		for i, step := range seq {
			if err := c.submit(ctx, types.PoseCommand(step.Orientation), step.Hold); err != nil {
				return err
			}
			if err := c.sleep(ctx, step.Hold); err != nil {
				c.logger.Info("Pose sequence interrupted", "step", i, "of", len(seq), "reason", err)
				return nil
			}
		}
		return nil
	}
}

// quit sits the robot down and asks the run loop to exit. The exit is
// requested even if the sit command fails.
func (c *Controller) quit(ctx context.Context) error {
	err := c.submit(ctx, types.SitCommand(), 0)
	c.RequestExit()
	return err
}

// toggleTimeSync stops or restarts the clock-sync keeper of an armed
// session.
func (c *Controller) toggleTimeSync(ctx context.Context) error {
	if c.timeSync == nil {
		c.messages.Message("Time sync: (none)")
		return nil
	}
	c.mu.Lock()
	armed, bg := c.state == types.SessionArmed, c.bgCtx
	c.mu.Unlock()
	if !armed || bg == nil || bg.Err() != nil {
		return ErrNotArmed
	}
	if c.timeSync.Running() {
		return c.timeSync.Stop()
	}
	return c.timeSync.Start(bg)
}

// toggleEstop arms the software estop, or stops its check-ins. Disarming
// sends no stop command.
func (c *Controller) toggleEstop(ctx context.Context) error {
	if !c.cfg.Estop.Enabled {
		c.messages.Message("Estop is not configured for this session")
		return nil
	}
	if _, err := c.guard(); errors.Is(err, ErrNotArmed) {
		return err
	}
	if c.estopHB.IsAlive() {
		return c.disarmEstop()
	}
	return c.armEstop(ctx)
}

// toggleLease returns the lease, or acquires it again. If the return fails
// the lease is still ours, so retention resumes.
func (c *Controller) toggleLease(ctx context.Context) error {
	c.mu.Lock()
	if c.state != types.SessionArmed {
		c.mu.Unlock()
		return ErrNotArmed
	}
	lease, held := c.lease, c.leaseState == types.LeaseAcquired
	c.mu.Unlock()

	if held {
		if err := c.leaseHB.Stop(); err != nil {
			return err
		}
		if err := c.ep.ReturnLease(ctx, lease); err != nil {
			c.logger.Warn("Failed to return lease, keeping it", "lease", lease.String(), "error", err)
			if hbErr := c.startLeaseHeartbeat(); hbErr != nil {
				return errors.Join(err, hbErr)
			}
			return err
		}
		c.mu.Lock()
		c.leaseState = types.LeaseReleased
		c.mu.Unlock()
		c.logger.Info("Lease returned", "lease", lease.String())
		return nil
	}

	acquired, err := c.ep.AcquireLease(ctx, true)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lease = acquired
	c.leaseState = types.LeaseAcquired
	c.mu.Unlock()
	c.logger.Info("Lease acquired", "lease", acquired.String())
	return c.startLeaseHeartbeat()
}

// togglePower powers on when the last snapshot says off, and safely powers
// off otherwise.
func (c *Controller) togglePower(ctx context.Context) error {
	snap, ok := c.poller.Latest()
	if !ok || snap.Power == types.PowerUnknown || snap.Power == "" {
		c.messages.Message(MsgPowerUnknown)
		return nil
	}

	if snap.Power == types.PowerOff {
		c.cmdGate.RLock()
		defer c.cmdGate.RUnlock()
		lease, err := c.guard()
		if err != nil {
			return err
		}
		if err := c.ep.SetPower(ctx, lease, true); err != nil {
			return fmt.Errorf("powering-on: %w", err)
		}
		return nil
	}
	if err := c.submit(ctx, types.SafePowerOffCommand(), 0); err != nil {
		return fmt.Errorf("powering-off: %w", err)
	}
	return nil
}
