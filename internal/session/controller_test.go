package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/spot-teleop/internal/dispatch"
	"github.com/ChuLiYu/spot-teleop/internal/endpoint"
	"github.com/ChuLiYu/spot-teleop/pkg/types"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Lease.RetainInterval = 20 * time.Millisecond
	cfg.Estop.Timeout = 90 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.FinalCommandTimeout = time.Second
	return cfg
}

func newTestController(t *testing.T, ep endpoint.Endpoint, cfg Config, opts ...Option) (*Controller, *dispatch.MessageLog) {
	t.Helper()
	msgs := dispatch.NewMessageLog(10, nil)
	c, err := New(ep, cfg, append([]Option{WithMessageSink(msgs)}, opts...)...)
	require.NoError(t, err)
	return c, msgs
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not shut down")
	}
}

func TestNew_RejectsEstopIntervalNotShorterThanTimeout(t *testing.T) {
	cfg := DefaultConfig()
	assert.LessOrEqual(t, cfg.Estop.CheckInInterval(), 3*time.Second)

	cfg.Estop.Interval = cfg.Estop.Timeout
	_, err := New(newRecordingEndpoint(), cfg)
	assert.Error(t, err)
}

func TestController_NoCommandsOutsideArmed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ep := newRecordingEndpoint()
	c, msgs := newTestController(t, ep, testConfig())
	ctx := context.Background()

	require.NoError(t, c.Dispatch(ctx, types.IntentMoveForward))
	assert.Zero(t, ep.Calls("SubmitCommand"), "no commands before start")
	assert.Contains(t, msgs.Messages()[0], "Failed move_forward")

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, types.SessionArmed, c.State())
	require.NoError(t, c.Dispatch(ctx, types.IntentStand))
	assert.Equal(t, 1, ep.Calls("SubmitCommand"))

	require.NoError(t, c.Shutdown(ctx))
	after := ep.Calls("SubmitCommand")

	require.NoError(t, c.Dispatch(ctx, types.IntentMoveForward))
	require.NoError(t, c.Dispatch(ctx, types.IntentWiggle))
	assert.Equal(t, after, ep.Calls("SubmitCommand"), "no commands after shutdown")
	assert.Equal(t, types.SessionDisarmed, c.State())
}

func TestController_UnrecognizedIntent(t *testing.T) {
	ep := newRecordingEndpoint()
	c, msgs := newTestController(t, ep, testConfig())

	require.NoError(t, c.Dispatch(context.Background(), "dance_the_tango"))

	assert.Equal(t, []string{`Unrecognized command: "dance_the_tango"`}, msgs.Messages())
	assert.Zero(t, ep.TotalCalls())
}

func TestController_ShutdownTwice(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ep := newRecordingEndpoint()
	c, _ := newTestController(t, ep, testConfig())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	require.NoError(t, c.Shutdown(ctx))
	require.NoError(t, c.Shutdown(ctx))

	assert.Equal(t, 1, ep.Calls("ReturnLease"))
	assert.Equal(t, []types.CommandKind{types.CommandSit}, ep.CommandKinds())
	_, leaseState := c.Lease()
	assert.Equal(t, types.LeaseReleased, leaseState)
	_, estopState := c.Estop()
	assert.Equal(t, types.EstopStopped, estopState)
}

func TestController_ShutdownWithoutStart(t *testing.T) {
	ep := newRecordingEndpoint()
	c, _ := newTestController(t, ep, testConfig())

	require.NoError(t, c.Shutdown(context.Background()))
	waitDone(t, c)
	assert.Zero(t, ep.TotalCalls())
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestController_StartFailsWithoutLease(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ep := newRecordingEndpoint()
	ep.acquireErr = endpoint.Unauthorized("AcquireLease", "resource body already claimed")
	c, _ := newTestController(t, ep, testConfig())

	err := c.Start(context.Background())
	require.ErrorIs(t, err, endpoint.ErrAuthorization)

	waitDone(t, c)
	assert.Equal(t, types.SessionDisarmed, c.State())
	assert.Zero(t, ep.Calls("ReturnLease"))
	assert.Zero(t, ep.Calls("RegisterEstop"))
	assert.Zero(t, ep.Calls("SubmitCommand"))
}

func TestController_EstopFailuresFaultAndShutDownOnce(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"transient", endpoint.Transient("EstopCheckIn", errors.New("connection refused")), endpoint.ErrTransient},
		{"rejected", endpoint.EstopRejected("EstopCheckIn", "registration unknown"), endpoint.ErrEstop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

			cfg := testConfig()
			cfg.Estop.Timeout = 300 * time.Millisecond
			ep := newRecordingEndpoint()
			ep.checkInErr = tt.err

			var mu sync.Mutex
			var faultedAt time.Time
			states := &stateLog{}
			hook := func(from, to types.SessionState) {
				states.hook(from, to)
				if to == types.SessionFault {
					mu.Lock()
					faultedAt = time.Now()
					mu.Unlock()
				}
			}
			c, _ := newTestController(t, ep, cfg, WithStateHook(hook))

			started := time.Now()
			require.NoError(t, c.Start(context.Background()))
			waitDone(t, c)

			assert.Contains(t, states.States(), types.SessionFault)
			assert.Equal(t, types.SessionDisarmed, c.State())
			assert.GreaterOrEqual(t, ep.Calls("EstopCheckIn"), 3)
			assert.ErrorIs(t, c.Err(), tt.kind)

			mu.Lock()
			took := faultedAt.Sub(started)
			mu.Unlock()
			assert.LessOrEqual(t, took, 4*cfg.Estop.CheckInInterval(), "three missed check-ins fault within four intervals")

			kinds := ep.CommandKinds()
			require.NotEmpty(t, kinds)
			assert.Equal(t, types.CommandSafePowerOff, kinds[len(kinds)-1])

			// a later shutdown is a no-op
			require.NoError(t, c.Shutdown(context.Background()))
			assert.Equal(t, 1, ep.Calls("ReturnLease"))
		})
	}
}

func TestController_CheckInFailuresReported(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ep := newRecordingEndpoint()
	down := endpoint.Transient("EstopCheckIn", errors.New("connection refused"))
	ep.checkInErrs = []error{down, down}
	c, msgs := newTestController(t, ep, testConfig())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	require.Eventually(t, func() bool { return len(msgs.Messages()) >= 2 }, time.Second, 5*time.Millisecond)
	got := msgs.Messages()
	assert.True(t, strings.HasPrefix(got[0], "Estop check-in failed (1/3): "), got[0])
	assert.Contains(t, got[0], "connection refused")
	assert.True(t, strings.HasPrefix(got[1], "Estop check-in failed (2/3): "), got[1])

	// the streak recovers before it turns fatal
	require.Eventually(t, func() bool { return ep.Calls("EstopCheckIn") > 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.SessionArmed, c.State())
	assert.NoError(t, c.Err())

	require.NoError(t, c.Shutdown(ctx))
}

func TestController_ToggleEstop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.Estop.ArmOnStart = false
	ep := newRecordingEndpoint()
	c, _ := newTestController(t, ep, cfg)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	assert.Zero(t, ep.Calls("RegisterEstop"))

	require.NoError(t, c.Dispatch(ctx, types.IntentToggleEstop))
	assert.Equal(t, 1, ep.Calls("RegisterEstop"))
	reg, st := c.Estop()
	assert.Equal(t, types.EstopArmed, st)
	assert.Equal(t, "GNClient", reg.Name)
	require.Eventually(t, func() bool { return ep.Calls("EstopCheckIn") > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Dispatch(ctx, types.IntentToggleEstop))
	reg, st = c.Estop()
	assert.Equal(t, types.EstopUnregistered, st)
	assert.Empty(t, reg.ID)
	assert.Equal(t, 1, ep.Calls("RegisterEstop"))
	assert.NotContains(t, ep.CommandKinds(), types.CommandStop)

	require.NoError(t, c.Shutdown(ctx))
}

func TestController_ToggleEstopDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Estop.Enabled = false
	ep := newRecordingEndpoint()
	c, msgs := newTestController(t, ep, cfg)

	require.NoError(t, c.Dispatch(context.Background(), types.IntentToggleEstop))
	assert.Zero(t, ep.TotalCalls())
	assert.Len(t, msgs.Messages(), 1)
}

func TestController_MoveForwardIsTimeBounded(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ep := newRecordingEndpoint()
	c, _ := newTestController(t, ep, testConfig(), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Shutdown(ctx)

	require.NoError(t, c.Dispatch(ctx, types.IntentMoveForward))

	cmds := ep.Commands()
	require.Len(t, cmds, 1)
	req := cmds[0]
	require.NotNil(t, req.Command.Velocity)
	assert.Equal(t, types.Velocity{VX: 1.0}, *req.Command.Velocity)
	assert.Equal(t, now, req.IssuedAt)
	require.NotNil(t, req.ExpiresAt)
	assert.Equal(t, now.Add(500*time.Millisecond), *req.ExpiresAt)
	assert.Equal(t, "body", req.Lease.Resource)
}

func TestController_CommandTimesOnRobotClock(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ts := &fakeTimeSync{skew: 2 * time.Second}
	ep := newRecordingEndpoint()
	c, _ := newTestController(t, ep, testConfig(), WithClock(func() time.Time { return now }), WithTimeSync(ts))
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	require.NoError(t, c.Dispatch(ctx, types.IntentMoveForward))
	require.NoError(t, c.Shutdown(ctx))

	cmds := ep.Commands()
	require.Len(t, cmds, 2)
	move := cmds[0]
	assert.Equal(t, now.Add(2*time.Second), move.IssuedAt)
	require.NotNil(t, move.ExpiresAt)
	assert.Equal(t, now.Add(2500*time.Millisecond), *move.ExpiresAt)

	sit := cmds[1]
	assert.Equal(t, types.CommandSit, sit.Command.Kind)
	assert.Equal(t, now.Add(2*time.Second), sit.IssuedAt)
}

func TestController_FaultWaitsForCommandInFlight(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ep := newRecordingEndpoint()
	hold := make(chan struct{})
	ep.commandHold = hold
	c, _ := newTestController(t, ep, testConfig())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	dispatched := make(chan error, 1)
	go func() { dispatched <- c.Dispatch(ctx, types.IntentStand) }()
	require.Eventually(t, func() bool { return ep.Calls("SubmitCommand") == 1 }, time.Second, time.Millisecond)

	faulted := make(chan struct{})
	go func() {
		c.Fault(errors.New("estop keepalive failed"))
		close(faulted)
	}()
	assert.Never(t, func() bool { return c.State() == types.SessionFault }, 50*time.Millisecond, 5*time.Millisecond,
		"fault waits for the command in flight")

	close(hold)
	require.NoError(t, <-dispatched)
	<-faulted
	waitDone(t, c)

	require.NoError(t, c.Dispatch(ctx, types.IntentMoveForward))
	assert.Equal(t, []types.CommandKind{types.CommandStand, types.CommandSafePowerOff}, ep.CommandKinds())
}

func TestController_MotionIntents(t *testing.T) {
	ep := newRecordingEndpoint()
	c, _ := newTestController(t, ep, testConfig())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Shutdown(ctx)

	tests := []struct {
		intent types.Intent
		want   types.Command
		ttl    time.Duration
	}{
		{types.IntentMoveBackward, types.VelocityCommand(-1.0, 0, 0), 500 * time.Millisecond},
		{types.IntentStrafeLeft, types.VelocityCommand(0, 1.0, 0), 500 * time.Millisecond},
		{types.IntentTurnRight, types.VelocityCommand(0, 0, -0.8), 500 * time.Millisecond},
		{types.IntentCircle, types.VelocityCommand(0.5, 0, 3*0.8), 2 * time.Second},
		{types.IntentReturnToOrigin, types.TrajectoryCommand(0, 0, 0, types.FrameOdom), 20 * time.Second},
		{types.IntentBatteryChangePose, types.BatteryChangePoseCommand("right"), 0},
		{types.IntentArmStow, types.ArmStowCommand(), 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.intent), func(t *testing.T) {
			before := len(ep.Commands())
			require.NoError(t, c.Dispatch(ctx, tt.intent))

			cmds := ep.Commands()
			require.Len(t, cmds, before+1)
			req := cmds[before]
			assert.Equal(t, tt.want, req.Command)
			if tt.ttl == 0 {
				assert.Nil(t, req.ExpiresAt)
				return
			}
			require.NotNil(t, req.ExpiresAt)
			assert.Equal(t, tt.ttl, req.ExpiresAt.Sub(req.IssuedAt))
		})
	}
}

func TestController_TogglePowerUnknown(t *testing.T) {
	ep := newRecordingEndpoint()
	ep.stateErr = endpoint.Transient("GetRobotState", errors.New("timeout"))
	c, msgs := newTestController(t, ep, testConfig())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Shutdown(ctx)

	require.NoError(t, c.Dispatch(ctx, types.IntentTogglePower))

	assert.Equal(t, []string{MsgPowerUnknown}, msgs.Messages())
	assert.Zero(t, ep.Calls("SetPower"))
	assert.Zero(t, ep.Calls("SubmitCommand"))
}

func TestController_TogglePower(t *testing.T) {
	ep := newRecordingEndpoint()
	ep.snapshot = &types.StateSnapshot{Power: types.PowerOff}
	c, _ := newTestController(t, ep, testConfig())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Shutdown(ctx)

	require.Eventually(t, func() bool {
		_, ok := c.LatestState()
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Dispatch(ctx, types.IntentTogglePower))
	assert.Equal(t, []bool{true}, ep.PowerRequests())

	ep.set(func(e *recordingEndpoint) { e.snapshot = &types.StateSnapshot{Power: types.PowerOn} })
	require.Eventually(t, func() bool {
		snap, _ := c.LatestState()
		return snap.Power == types.PowerOn
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Dispatch(ctx, types.IntentTogglePower))
	assert.Equal(t, []types.CommandKind{types.CommandSafePowerOff}, ep.CommandKinds())
}

func TestController_ToggleLease(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ep := newRecordingEndpoint()
	c, msgs := newTestController(t, ep, testConfig())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	require.NoError(t, c.Dispatch(ctx, types.IntentToggleLease))
	_, st := c.Lease()
	assert.Equal(t, types.LeaseReleased, st)
	assert.Equal(t, 1, ep.Calls("ReturnLease"))

	require.NoError(t, c.Dispatch(ctx, types.IntentStand))
	assert.Zero(t, ep.Calls("SubmitCommand"))
	assert.Contains(t, msgs.Messages()[len(msgs.Messages())-1], "lease is not held")

	require.NoError(t, c.Dispatch(ctx, types.IntentToggleLease))
	lease, st := c.Lease()
	assert.Equal(t, types.LeaseAcquired, st)
	assert.Equal(t, int64(2), lease.Sequence)

	require.NoError(t, c.Dispatch(ctx, types.IntentStand))
	assert.Equal(t, 1, ep.Calls("SubmitCommand"))

	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, 2, ep.Calls("ReturnLease"))
}

func TestController_ToggleLeaseReturnFailureKeepsLease(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ep := newRecordingEndpoint()
	ep.returnErr = endpoint.Rejected("ReturnLease", "lease service unavailable")
	c, msgs := newTestController(t, ep, testConfig())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	require.NoError(t, c.Dispatch(ctx, types.IntentToggleLease))
	require.NotEmpty(t, msgs.Messages())
	assert.Contains(t, msgs.Messages()[0], "Failed toggle lease")

	_, st := c.Lease()
	assert.Equal(t, types.LeaseAcquired, st)
	assert.Equal(t, "Lease body:1 THREAD:RUNNING", c.Status()[0])
	retained := ep.Calls("RetainLease")
	require.Eventually(t, func() bool { return ep.Calls("RetainLease") > retained }, time.Second, 5*time.Millisecond,
		"retention resumes")

	require.NoError(t, c.Dispatch(ctx, types.IntentStand))
	assert.Equal(t, 1, ep.Calls("SubmitCommand"))

	ep.set(func(e *recordingEndpoint) { e.returnErr = nil })
	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, 2, ep.Calls("ReturnLease"))
	_, st = c.Lease()
	assert.Equal(t, types.LeaseReleased, st)
}

func TestController_PoseSequence(t *testing.T) {
	var slept time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept += d
		return nil
	}
	ep := newRecordingEndpoint()
	c, _ := newTestController(t, ep, testConfig(), WithSleep(sleep))
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Shutdown(ctx)

	require.NoError(t, c.Dispatch(ctx, types.IntentWiggle))

	cmds := ep.Commands()
	require.Len(t, cmds, 80)
	for _, req := range cmds {
		assert.Equal(t, types.CommandPose, req.Command.Kind)
		require.NotNil(t, req.ExpiresAt)
		assert.Equal(t, 62500*time.Microsecond, req.ExpiresAt.Sub(req.IssuedAt))
	}
	assert.Equal(t, 5*time.Second, slept)
}

func TestController_PoseSequenceCancelled(t *testing.T) {
	steps := 0
	sleep := func(context.Context, time.Duration) error {
		steps++
		if steps == 3 {
			return context.Canceled
		}
		return nil
	}
	ep := newRecordingEndpoint()
	c, _ := newTestController(t, ep, testConfig(), WithSleep(sleep))
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Shutdown(ctx)

	require.NoError(t, c.Dispatch(ctx, types.IntentSway))
	assert.Len(t, ep.Commands(), 3)
	assert.Equal(t, types.SessionArmed, c.State())
}

func TestController_PoseSequenceStopsOnRejection(t *testing.T) {
	ep := newRecordingEndpoint()
	ep.commandErr = endpoint.Rejected("SubmitCommand", "motor power is off")
	c, msgs := newTestController(t, ep, testConfig(), WithSleep(func(context.Context, time.Duration) error { return nil }))
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Shutdown(ctx)

	require.NoError(t, c.Dispatch(ctx, types.IntentSway))
	assert.Len(t, ep.Commands(), 1)
	assert.Contains(t, msgs.Messages()[0], "Failed sway")
}

func TestController_RunQuit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ep := newRecordingEndpoint()
	c, _ := newTestController(t, ep, testConfig())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	intents := make(chan types.Intent, 3)
	intents <- types.IntentStand
	intents <- types.IntentQuit
	intents <- types.IntentMoveForward

	require.NoError(t, c.Run(ctx, intents))
	assert.True(t, c.ExitRequested())
	assert.Equal(t, types.SessionShuttingDown, c.State())
	assert.Equal(t, []types.CommandKind{types.CommandStand, types.CommandSit}, ep.CommandKinds())
	assert.Len(t, intents, 1, "intents after quit stay queued")

	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, types.SessionDisarmed, c.State())
}

func TestController_FatalActionFaults(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ep := newRecordingEndpoint()
	c, _ := newTestController(t, ep, testConfig())
	c.dispatcher.Register("explode", "explode", func(context.Context) error {
		return errors.New("index out of range")
	})
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	intents := make(chan types.Intent, 1)
	intents <- "explode"
	err := c.Run(ctx, intents)

	var fatal *dispatch.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, types.Intent("explode"), fatal.Intent)

	waitDone(t, c)
	assert.ErrorAs(t, c.Err(), &fatal)
	assert.Equal(t, []types.CommandKind{types.CommandSafePowerOff}, ep.CommandKinds())
	assert.Equal(t, 1, ep.Calls("ReturnLease"))
}

func TestController_ToggleTimeSync(t *testing.T) {
	ts := &fakeTimeSync{}
	ep := newRecordingEndpoint()
	c, _ := newTestController(t, ep, testConfig(), WithTimeSync(ts))
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	assert.True(t, ts.Running(), "started with the session")

	require.NoError(t, c.Dispatch(ctx, types.IntentToggleTimeSync))
	assert.False(t, ts.Running())
	require.NoError(t, c.Dispatch(ctx, types.IntentToggleTimeSync))
	assert.True(t, ts.Running())

	require.NoError(t, c.Shutdown(ctx))
	assert.False(t, ts.Running())
	assert.Equal(t, 2, ts.starts)
}

func TestController_ToggleTimeSyncOutsideArmed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ts := &fakeTimeSync{}
	ep := newRecordingEndpoint()
	c, msgs := newTestController(t, ep, testConfig(), WithTimeSync(ts))
	ctx := context.Background()

	require.NoError(t, c.Dispatch(ctx, types.IntentToggleTimeSync))
	assert.Zero(t, ts.Starts(), "no keeper before start")
	require.Len(t, msgs.Messages(), 1)
	assert.Contains(t, msgs.Messages()[0], "session is not armed")

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Shutdown(ctx))
	started := ts.Starts()

	require.NoError(t, c.Dispatch(ctx, types.IntentToggleTimeSync))
	assert.Equal(t, started, ts.Starts(), "no keeper after shutdown")
	assert.False(t, ts.Running())
}

func TestController_ToggleTimeSyncWithoutKeeper(t *testing.T) {
	c, msgs := newTestController(t, newRecordingEndpoint(), testConfig())

	require.NoError(t, c.Dispatch(context.Background(), types.IntentToggleTimeSync))
	assert.Equal(t, []string{"Time sync: (none)"}, msgs.Messages())
}

func TestController_Status(t *testing.T) {
	ep := newRecordingEndpoint()
	ep.snapshot = &types.StateSnapshot{
		Power: types.PowerOn,
		Estops: []types.EstopStatus{
			{Name: "hardware", Type: types.EstopTypeHardware, Level: types.EstopLevelNotEstopped},
			{Name: "GNClient", Type: types.EstopTypeSoftware, Level: types.EstopLevelNotEstopped},
		},
	}
	c, _ := newTestController(t, ep, testConfig())
	ctx := context.Background()

	assert.Equal(t, []string{
		"Lease RETURNED THREAD:STOPPED",
		"Estop ?? (thread: STOPPED)",
		"",
		"Time sync: (none)",
	}, c.Status())

	require.NoError(t, c.Start(ctx))
	require.Eventually(t, func() bool {
		_, ok := c.LatestState()
		return ok
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{
		"Lease body:1 THREAD:RUNNING",
		"Estop NOT_ESTOPPED (thread: RUNNING)",
		"Power: ON",
		"Time sync: (none)",
	}, c.Status())

	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, "Lease RETURNED THREAD:STOPPED", c.Status()[0])
}

func TestController_IntentsRegistered(t *testing.T) {
	c, _ := newTestController(t, newRecordingEndpoint(), testConfig())

	intents := c.Intents()
	assert.Len(t, intents, 22)
	assert.Equal(t, types.IntentStop, intents[0])
	assert.Contains(t, intents, types.IntentReturnToOrigin)
}
