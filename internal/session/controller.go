// ============================================================================
// spot-teleop session controller
// ============================================================================
//
// Package: internal/session
// File: controller.go
// Purpose: own the lease, the software estop and the state poller for one
// teleop session, and run the safety shutdown sequence.
//
// Background goroutines:
//   1. lease heartbeat - RetainLease every Lease.RetainInterval
//   2. estop heartbeat - EstopCheckIn every Estop.Timeout/3
//   3. state poller   - GetRobotState every PollInterval
//   4. time sync      - optional clock skew keeper
//
// Lifecycle:
//   DISARMED --Start--> ARMED --RequestExit--> SHUTTING_DOWN --Shutdown--> DISARMED
//                         |
//                         +--Fault--> FAULT --(automatic Shutdown)--> DISARMED
//
// Shutdown order:
//   1. final safety command while the lease is held (sit, or safe power off
//      after a fault), best effort
//   2. stop estop check-ins (the registration is left to lapse)
//   3. stop lease retention
//   4. return the lease
//   5. stop the poller and time sync
//
// ============================================================================

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/spot-teleop/internal/dispatch"
	"github.com/ChuLiYu/spot-teleop/internal/endpoint"
	"github.com/ChuLiYu/spot-teleop/internal/heartbeat"
	"github.com/ChuLiYu/spot-teleop/internal/metrics"
	"github.com/ChuLiYu/spot-teleop/internal/poller"
	"github.com/ChuLiYu/spot-teleop/pkg/types"
)

var (
	// ErrNotArmed rejects robot actions outside the ARMED state.
	ErrNotArmed = fmt.Errorf("session is not armed: %w", endpoint.ErrAuthorization)
	// ErrLeaseNotHeld rejects robot actions while the lease is released.
	ErrLeaseNotHeld = fmt.Errorf("lease is not held: %w", endpoint.ErrAuthorization)
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session already started")
)

// TimeSync is a clock synchronization keeper the session can toggle.
// RobotNow converts local times into the robot's clock for command expiry.
type TimeSync interface {
	Start(ctx context.Context) error
	Stop() error
	Running() bool
	Status() string
	RobotNow(local time.Time) time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the time source used for command expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSleep replaces the wait between pose sequence steps.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// WithMessageSink receives operator messages. Defaults to a MessageLog.
func WithMessageSink(sink dispatch.MessageSink) Option {
	return func(c *Controller) { c.messages = sink }
}

// WithMetrics instruments the session and its components.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTimeSync attaches a clock-sync keeper. Command times are stamped on
// the robot clock through its skew estimate.
func WithTimeSync(ts TimeSync) Option {
	return func(c *Controller) {
		if ts == nil {
			return
		}
		c.timeSync = ts
		c.toRobot = ts.RobotNow
	}
}

// WithStateHook observes every session state transition. It runs with the
// controller lock held and must not call back into the controller.
func WithStateHook(hook func(from, to types.SessionState)) Option {
	return func(c *Controller) { c.stateHook = hook }
}

// WithHeartbeatOptions applies extra options to both supervisors.
func WithHeartbeatOptions(opts ...heartbeat.Option) Option {
	return func(c *Controller) { c.hbOpts = append(c.hbOpts, opts...) }
}

// Controller drives one teleop session.
type Controller struct {
	ep        endpoint.Endpoint
	cfg       Config
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	messages  dispatch.MessageSink
	metrics   *metrics.Collector
	timeSync  TimeSync
	toRobot   func(time.Time) time.Time
	hbOpts    []heartbeat.Option
	stateHook func(from, to types.SessionState)
	logger    *slog.Logger

	dispatcher *dispatch.Dispatcher
	leaseHB    *heartbeat.Supervisor
	estopHB    *heartbeat.Supervisor
	poller     *poller.Poller

	// cmdGate is held shared while a robot command is in flight and
	// exclusively to leave ARMED, so no command is sent after that.
	cmdGate sync.RWMutex

	mu              sync.Mutex
	state           types.SessionState
	started         bool
	exitRequested   bool
	shutdownStarted bool
	faultErr        error
	lease           types.Lease
	leaseState      types.LeaseState
	estopReg        types.EstopRegistration
	estopState      types.EstopState
	bgCtx           context.Context
	bgCancel        context.CancelFunc
	done            chan struct{}
}

// New builds a disarmed controller. The estop cadence is validated here.
func New(ep endpoint.Endpoint, cfg Config, opts ...Option) (*Controller, error) {
	if ep == nil {
		return nil, errors.New("session: nil endpoint")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		ep:         ep,
		cfg:        cfg,
		now:        time.Now,
		toRobot:    func(t time.Time) time.Time { return t },
		sleep:      sleepContext,
		logger:     slog.With("component", "session"),
		state:      types.SessionDisarmed,
		leaseState: types.LeaseUnacquired,
		estopState: types.EstopUnregistered,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.messages == nil {
		c.messages = dispatch.NewMessageLog(dispatch.DefaultMessageHistory, nil)
	}

	hbOpts := append([]heartbeat.Option{heartbeat.WithMetrics(c.metrics)}, c.hbOpts...)
	c.leaseHB = heartbeat.New("lease", hbOpts...)
	c.estopHB = heartbeat.New("estop", append(hbOpts, heartbeat.WithWarnOnStop())...)
	c.poller = poller.New(poller.WithMetrics(c.metrics))
	c.dispatcher = dispatch.New(c.messages, dispatch.WithMetrics(c.metrics))
	c.registerIntents()
	c.metrics.SetSessionState(types.SessionDisarmed)
	return c, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// setStateLocked records a transition. Caller holds mu.
func (c *Controller) setStateLocked(s types.SessionState) {
	if c.state == s {
		return
	}
	c.logger.Info("Session state changed", "from", c.state, "to", s)
	if c.stateHook != nil {
		c.stateHook(c.state, s)
	}
	c.state = s
	c.metrics.SetSessionState(s)
}

// Start acquires the lease and starts the background loops. On failure the
// session stays DISARMED and anything already started is torn down.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.shutdownStarted {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.bgCtx, c.bgCancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()

	lease, err := c.ep.AcquireLease(ctx, true)
	if err != nil {
		c.abortStart()
		return fmt.Errorf("failed to acquire lease: %w", err)
	}

	c.mu.Lock()
	c.lease = lease
	c.leaseState = types.LeaseAcquired
	c.setStateLocked(types.SessionArmed)
	c.mu.Unlock()
	c.logger.Info("Lease acquired", "lease", lease.String())

	if err := c.startLeaseHeartbeat(); err != nil {
		c.abortStart()
		return err
	}

	if c.cfg.Estop.Enabled && c.cfg.Estop.ArmOnStart {
		if err := c.armEstop(ctx); err != nil {
			c.abortStart()
			return fmt.Errorf("failed to arm estop: %w", err)
		}
	}

	if err := c.poller.Start(c.background(), c.ep.GetRobotState, c.cfg.PollInterval); err != nil {
		c.abortStart()
		return fmt.Errorf("failed to start state poller: %w", err)
	}

	if c.timeSync != nil && !c.timeSync.Running() {
		if err := c.timeSync.Start(c.background()); err != nil {
			c.logger.Warn("Time sync did not start", "error", err)
		}
	}
	return nil
}

// background is the context of the session's long-running loops.
func (c *Controller) background() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bgCtx
}

// abortStart unwinds a failed Start.
func (c *Controller) abortStart() {
	if err := c.Shutdown(context.Background()); err != nil {
		c.logger.Warn("Cleanup after failed start reported errors", "error", err)
	}
}

func (c *Controller) startLeaseHeartbeat() error {
	return c.leaseHB.Start(c.background(), c.retainLease, c.cfg.Lease.RetainInterval, c.reportCheckIn("Lease", c.leaseHB), func(err error) {
		c.mu.Lock()
		c.leaseState = types.LeaseError
		c.mu.Unlock()
		c.Fault(fmt.Errorf("lease keepalive failed: %w", err))
	})
}

// reportCheckIn tells the operator about each failed check-in before the
// streak turns fatal.
func (c *Controller) reportCheckIn(what string, hb *heartbeat.Supervisor) heartbeat.FailureFunc {
	return func(err error, n int) {
		c.messages.Message(fmt.Sprintf("%s check-in failed (%d/%d): %v", what, n, hb.MaxConsecutiveFailures(), err))
	}
}

func (c *Controller) retainLease(ctx context.Context) error {
	c.mu.Lock()
	lease, held := c.lease, c.leaseState == types.LeaseAcquired
	c.mu.Unlock()
	if !held {
		return ErrLeaseNotHeld
	}

	renewed, err := c.ep.RetainLease(ctx, lease)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.lease == lease && !renewed.IsZero() {
		c.lease = renewed
	}
	c.mu.Unlock()
	return nil
}

// armEstop registers the software estop and starts its check-ins.
func (c *Controller) armEstop(ctx context.Context) error {
	reg, err := c.ep.RegisterEstop(ctx, c.cfg.Estop.Name, c.cfg.Estop.Timeout)
	if err != nil {
		c.mu.Lock()
		c.estopState = types.EstopError
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.estopReg = reg
	c.estopState = types.EstopArmed
	c.mu.Unlock()

	checkIn := func(ctx context.Context) error {
		return c.ep.EstopCheckIn(ctx, reg)
	}
	err = c.estopHB.Start(c.background(), checkIn, c.cfg.Estop.CheckInInterval(), c.reportCheckIn("Estop", c.estopHB), func(err error) {
		c.mu.Lock()
		c.estopState = types.EstopError
		c.mu.Unlock()
		c.Fault(fmt.Errorf("estop keepalive failed: %w", err))
	})
	if err != nil {
		return err
	}
	c.logger.Info("Estop armed", "name", reg.Name, "timeout", reg.Timeout, "interval", c.cfg.Estop.CheckInInterval())
	return nil
}

// disarmEstop stops check-ins and forgets the registration. The robot is
// not commanded to stop; its watchdog takes over once the timeout lapses.
func (c *Controller) disarmEstop() error {
	err := c.estopHB.Stop()
	c.mu.Lock()
	c.estopReg = types.EstopRegistration{}
	c.estopState = types.EstopUnregistered
	c.mu.Unlock()
	return err
}

// Fault moves an active session to FAULT and shuts it down once, in the
// background. Later faults are ignored.
func (c *Controller) Fault(err error) {
	c.cmdGate.Lock()
	c.mu.Lock()
	if c.shutdownStarted || c.state == types.SessionFault || !c.started {
		c.mu.Unlock()
		c.cmdGate.Unlock()
		c.logger.Debug("Ignoring fault on inactive session", "error", err)
		return
	}
	c.faultErr = err
	c.setStateLocked(types.SessionFault)
	c.mu.Unlock()
	c.cmdGate.Unlock()

	c.logger.Error("Session fault, shutting down", "error", err)
	go func() {
		if err := c.Shutdown(context.Background()); err != nil {
			c.logger.Error("Shutdown after fault reported errors", "error", err)
		}
	}()
}

// RequestExit marks an armed session as leaving. Run returns after the
// current intent.
func (c *Controller) RequestExit() {
	c.cmdGate.Lock()
	defer c.cmdGate.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exitRequested = true
	if c.state == types.SessionArmed {
		c.setStateLocked(types.SessionShuttingDown)
	}
}

// ExitRequested reports whether RequestExit was called.
func (c *Controller) ExitRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitRequested
}

// Shutdown releases control of the robot as gracefully as possible. It is
// idempotent; concurrent callers wait for the first one to finish.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.cmdGate.Lock()
	c.mu.Lock()
	if c.shutdownStarted {
		c.mu.Unlock()
		c.cmdGate.Unlock()
		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.shutdownStarted = true
	if !c.started {
		c.setStateLocked(types.SessionDisarmed)
		close(c.done)
		c.mu.Unlock()
		c.cmdGate.Unlock()
		return nil
	}
	faulted := c.state == types.SessionFault
	lease, held := c.lease, c.leaseState == types.LeaseAcquired
	estopArmed := c.estopState == types.EstopArmed
	c.setStateLocked(types.SessionShuttingDown)
	c.mu.Unlock()
	c.cmdGate.Unlock()

	c.logger.Info("Shutting down session", "faulted", faulted)
	// Cleanup RPCs run even if the caller's context is already cancelled.
	rpcCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FinalCommandTimeout)
	defer cancel()

	var errs []error

	// 1. final safety command
	if held {
		cmd := types.SitCommand()
		if faulted {
			cmd = types.SafePowerOffCommand()
		}
		req := types.CommandRequest{Lease: lease, Command: cmd, IssuedAt: c.toRobot(c.now())}
		if err := c.ep.SubmitCommand(rpcCtx, req); err != nil {
			c.logger.Warn("Final safety command failed", "command", cmd.Kind, "error", err)
		}
	}

	// 2. estop check-ins, without deregistering
	if err := c.estopHB.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop estop keepalive: %w", err))
	}
	if estopArmed {
		c.mu.Lock()
		c.estopState = types.EstopStopped
		c.mu.Unlock()
	}

	// 3. lease retention
	if err := c.leaseHB.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop lease keepalive: %w", err))
	}

	// 4. return the lease
	if held {
		if err := c.ep.ReturnLease(rpcCtx, lease); err != nil {
			c.logger.Warn("Failed to return lease", "lease", lease.String(), "error", err)
			errs = append(errs, fmt.Errorf("failed to return lease: %w", err))
		}
		c.mu.Lock()
		c.leaseState = types.LeaseReleased
		c.mu.Unlock()
	}

	// 5. poller and time sync
	if err := c.poller.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop state poller: %w", err))
	}
	if c.timeSync != nil && c.timeSync.Running() {
		if err := c.timeSync.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop time sync: %w", err))
		}
	}

	c.mu.Lock()
	if c.bgCancel != nil {
		c.bgCancel()
	}
	c.setStateLocked(types.SessionDisarmed)
	close(c.done)
	c.mu.Unlock()

	c.logger.Info("Session shut down")
	return errors.Join(errs...)
}

// Done is closed when Shutdown completes.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Err returns the cause of a fault, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faultErr
}

// State returns the session state.
func (c *Controller) State() types.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Lease returns the current lease token and its state.
func (c *Controller) Lease() (types.Lease, types.LeaseState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lease, c.leaseState
}

// Estop returns the current registration and its state.
func (c *Controller) Estop() (types.EstopRegistration, types.EstopState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estopReg, c.estopState
}

// LatestState returns the poller's most recent snapshot.
func (c *Controller) LatestState() (*types.StateSnapshot, bool) {
	return c.poller.Latest()
}

// Intents lists the registered intents.
func (c *Controller) Intents() []types.Intent {
	return c.dispatcher.Registered()
}

// Dispatch executes one intent. A fatal action error faults the session and
// is returned.
func (c *Controller) Dispatch(ctx context.Context, intent types.Intent) error {
	if err := c.dispatcher.Dispatch(ctx, intent); err != nil {
		c.Fault(err)
		return err
	}
	return nil
}

// Run dispatches intents until the channel closes, ctx is cancelled, the
// operator quits, or the session faults. It returns the fault cause, if any.
func (c *Controller) Run(ctx context.Context, intents <-chan types.Intent) error {
	for {
		select {
		case <-ctx.Done():
			return c.Err()
		case <-c.done:
			return c.Err()
		case intent, ok := <-intents:
			if !ok {
				return c.Err()
			}
			if err := c.Dispatch(ctx, intent); err != nil {
				return err
			}
			if c.ExitRequested() {
				return c.Err()
			}
		}
	}
}

// guard returns the lease for a robot action, or why none may be sent.
func (c *Controller) guard() (types.Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != types.SessionArmed {
		return types.Lease{}, ErrNotArmed
	}
	if c.leaseState != types.LeaseAcquired {
		return types.Lease{}, ErrLeaseNotHeld
	}
	return c.lease, nil
}

// submit sends cmd, expiring after ttl when ttl > 0. Times are on the
// robot clock.
func (c *Controller) submit(ctx context.Context, cmd types.Command, ttl time.Duration) error {
	c.cmdGate.RLock()
	defer c.cmdGate.RUnlock()
	lease, err := c.guard()
	if err != nil {
		return err
	}
	now := c.toRobot(c.now())
	req := types.CommandRequest{Lease: lease, Command: cmd, IssuedAt: now}
	if ttl > 0 {
		expires := now.Add(ttl)
		req.ExpiresAt = &expires
	}
	return c.ep.SubmitCommand(ctx, req)
}
