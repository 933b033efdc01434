// Package robotsim provides an in-memory legged robot that honors the lease,
// estop and power rules a real robot enforces. It backs the simulate command
// and the test suites.
package robotsim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/spot-teleop/internal/endpoint"
	"github.com/ChuLiYu/spot-teleop/pkg/types"
)

// Config tunes the simulated robot.
type Config struct {
	LeaseResource string        // defaults to "body"
	LeaseTTL      time.Duration // lease lapses without RetainLease for this long
	Credentials   map[string]string
	ClockSkew     time.Duration // offset of the robot clock from ours
	Battery       float64
	Now           func() time.Time
}

type estopEntry struct {
	reg         types.EstopRegistration
	lastCheckIn time.Time
	lapsed      bool
}

// Robot is the simulated machine. All methods are safe for concurrent use.
type Robot struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time
	log *slog.Logger

	lease      types.Lease
	lastRetain time.Time
	returned   bool
	seq        int64

	estops map[string]*estopEntry
	power  types.PowerState

	commands []types.CommandRequest
	tokens   map[string]string
	calls    map[string]int
	faults   map[string][]error
}

// New creates a powered-off robot with no lease holder and no estop.
func New(cfg Config) *Robot {
	if cfg.LeaseResource == "" {
		cfg.LeaseResource = "body"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 6 * time.Second
	}
	if cfg.Battery == 0 {
		cfg.Battery = 87.5
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Robot{
		cfg:    cfg,
		now:    now,
		log:    slog.With("component", "robotsim"),
		estops: make(map[string]*estopEntry),
		power:  types.PowerOff,
		tokens: make(map[string]string),
		calls:  make(map[string]int),
		faults: make(map[string][]error),
	}
}

// FailNext queues errors returned by the next calls to method, one per call.
func (r *Robot) FailNext(method string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[method] = append(r.faults[method], errs...)
}

// Calls reports how many times method was invoked.
func (r *Robot) Calls(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

// Commands returns every accepted command, oldest first.
func (r *Robot) Commands() []types.CommandRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.CommandRequest, len(r.commands))
	copy(out, r.commands)
	return out
}

// Power reports the current motor power state.
func (r *Robot) Power() types.PowerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshLocked()
	return r.power
}

// Estopped reports whether a registered software estop has lapsed.
func (r *Robot) Estopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshLocked()
	return r.estoppedLocked()
}

// LeaseHolder returns the active holder, or "" when the lease is free.
func (r *Robot) LeaseHolder() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.leaseActiveLocked() {
		return ""
	}
	return r.lease.Holder
}

// begin counts the call and pops a queued fault. Caller holds mu.
func (r *Robot) begin(method string) error {
	r.calls[method]++
	r.refreshLocked()
	if q := r.faults[method]; len(q) > 0 {
		r.faults[method] = q[1:]
		return q[0]
	}
	return nil
}

// refreshLocked applies the estop watchdog: a registration that missed its
// check-in window estops the robot and cuts motor power.
func (r *Robot) refreshLocked() {
	now := r.now()
	for _, e := range r.estops {
		if !e.lapsed && now.Sub(e.lastCheckIn) > e.reg.Timeout {
			e.lapsed = true
			r.log.Warn("Estop check-in lapsed, stopping robot", "estop", e.reg.Name, "timeout", e.reg.Timeout)
		}
	}
	if r.estoppedLocked() {
		r.power = types.PowerOff
	}
}

func (r *Robot) estoppedLocked() bool {
	for _, e := range r.estops {
		if e.lapsed {
			return true
		}
	}
	return false
}

func (r *Robot) leaseActiveLocked() bool {
	return r.lease.Holder != "" && !r.returned && r.now().Sub(r.lastRetain) <= r.cfg.LeaseTTL
}

func (r *Robot) checkLeaseLocked(op string, l types.Lease) error {
	if !r.leaseActiveLocked() {
		return endpoint.Unauthorized(op, "no active lease on "+r.cfg.LeaseResource)
	}
	if l != r.lease {
		return endpoint.Unauthorized(op, fmt.Sprintf("stale lease %s, current is %s", l, r.lease))
	}
	return nil
}

// Authenticate checks credentials and issues a token.
func (r *Robot) Authenticate(username, password string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(endpoint.MethodAuthenticate); err != nil {
		return "", err
	}
	if len(r.cfg.Credentials) > 0 {
		if want, ok := r.cfg.Credentials[username]; !ok || want != password {
			return "", endpoint.Unauthorized(endpoint.MethodAuthenticate, "invalid credentials")
		}
	}
	token := uuid.NewString()
	r.tokens[token] = username
	return token, nil
}

// ValidToken reports whether token was issued by Authenticate.
func (r *Robot) ValidToken(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tokens[token]
	return ok
}

// AcquireLease grants the lease to holder. A lease actively held by someone
// else is refused when mustAcquire is set and taken otherwise.
func (r *Robot) AcquireLease(holder string, mustAcquire bool) (types.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(endpoint.MethodAcquireLease); err != nil {
		return types.Lease{}, err
	}
	if r.leaseActiveLocked() && r.lease.Holder != holder && mustAcquire {
		return types.Lease{}, endpoint.Unauthorized(endpoint.MethodAcquireLease,
			fmt.Sprintf("resource %s already claimed by %s", r.cfg.LeaseResource, r.lease.Holder))
	}
	r.seq++
	r.lease = types.Lease{Resource: r.cfg.LeaseResource, Sequence: r.seq, Holder: holder}
	r.lastRetain = r.now()
	r.returned = false
	r.log.Info("Lease acquired", "holder", holder, "lease", r.lease.String())
	return r.lease, nil
}

// RetainLease renews an active lease.
func (r *Robot) RetainLease(l types.Lease) (types.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(endpoint.MethodRetainLease); err != nil {
		return types.Lease{}, err
	}
	if err := r.checkLeaseLocked(endpoint.MethodRetainLease, l); err != nil {
		return types.Lease{}, err
	}
	r.lastRetain = r.now()
	return r.lease, nil
}

// ReturnLease frees the lease.
func (r *Robot) ReturnLease(l types.Lease) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(endpoint.MethodReturnLease); err != nil {
		return err
	}
	if err := r.checkLeaseLocked(endpoint.MethodReturnLease, l); err != nil {
		return err
	}
	r.returned = true
	r.log.Info("Lease returned", "holder", l.Holder)
	return nil
}

// RegisterEstop installs name as the robot's sole software estop.
func (r *Robot) RegisterEstop(name string, timeout time.Duration) (types.EstopRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(endpoint.MethodRegisterEstop); err != nil {
		return types.EstopRegistration{}, err
	}
	if timeout <= 0 {
		return types.EstopRegistration{}, endpoint.EstopRejected(endpoint.MethodRegisterEstop, "timeout must be positive")
	}
	reg := types.EstopRegistration{ID: uuid.NewString(), Name: name, Timeout: timeout}
	r.estops = map[string]*estopEntry{reg.ID: {reg: reg, lastCheckIn: r.now()}}
	return reg, nil
}

// EstopCheckIn keeps a registration alive.
func (r *Robot) EstopCheckIn(reg types.EstopRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(endpoint.MethodEstopCheckIn); err != nil {
		return err
	}
	e, ok := r.estops[reg.ID]
	if !ok {
		return endpoint.EstopRejected(endpoint.MethodEstopCheckIn, "unknown estop endpoint "+reg.Name)
	}
	if e.lapsed {
		return endpoint.EstopRejected(endpoint.MethodEstopCheckIn, "estop "+reg.Name+" timed out")
	}
	e.lastCheckIn = r.now()
	return nil
}

// State captures a snapshot.
func (r *Robot) State() (*types.StateSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(endpoint.MethodGetRobotState); err != nil {
		return nil, err
	}
	estops := []types.EstopStatus{{Name: "hardware_estop", Type: types.EstopTypeHardware, Level: types.EstopLevelNotEstopped}}
	for _, e := range r.estops {
		level := types.EstopLevelNotEstopped
		if e.lapsed {
			level = types.EstopLevelEstopped
		}
		estops = append(estops, types.EstopStatus{Name: e.reg.Name, Type: types.EstopTypeSoftware, Level: level})
	}
	return &types.StateSnapshot{
		Power:          r.power,
		Estops:         estops,
		BatteryPercent: r.cfg.Battery,
		CapturedAt:     r.now(),
	}, nil
}

// Command validates and records one command.
func (r *Robot) Command(req types.CommandRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(endpoint.MethodRobotCommand); err != nil {
		return err
	}
	if err := r.checkLeaseLocked(endpoint.MethodRobotCommand, req.Lease); err != nil {
		return err
	}
	// Expiry is judged on the robot clock.
	if req.ExpiresAt != nil && !req.ExpiresAt.After(r.now().Add(r.cfg.ClockSkew)) {
		return endpoint.Rejected(endpoint.MethodRobotCommand, "command already expired")
	}
	switch req.Command.Kind {
	case types.CommandStop:
	case types.CommandSafePowerOff:
		r.power = types.PowerOff
	default:
		if r.estoppedLocked() {
			return endpoint.Rejected(endpoint.MethodRobotCommand, "robot is estopped")
		}
		if r.power != types.PowerOn {
			return endpoint.Rejected(endpoint.MethodRobotCommand, "motor power is off")
		}
	}
	r.commands = append(r.commands, req)
	return nil
}

// SetPower switches motor power.
func (r *Robot) SetPower(l types.Lease, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(endpoint.MethodPowerCommand); err != nil {
		return err
	}
	if err := r.checkLeaseLocked(endpoint.MethodPowerCommand, l); err != nil {
		return err
	}
	if !on {
		r.power = types.PowerOff
		return nil
	}
	if len(r.estops) == 0 {
		return endpoint.Rejected(endpoint.MethodPowerCommand, "no software estop registered")
	}
	if r.estoppedLocked() {
		return endpoint.Rejected(endpoint.MethodPowerCommand, "robot is estopped")
	}
	r.power = types.PowerOn
	return nil
}

// Time reads the robot clock.
func (r *Robot) Time() (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(endpoint.MethodRobotTime); err != nil {
		return time.Time{}, err
	}
	return r.now().Add(r.cfg.ClockSkew), nil
}

// Client returns an endpoint view of the robot for the named lease holder.
func (r *Robot) Client(name string) *Client {
	return &Client{robot: r, name: name}
}

// Client adapts Robot to endpoint.Endpoint for one holder.
type Client struct {
	robot *Robot
	name  string
}

func (c *Client) Authenticate(_ context.Context, username, password string) error {
	_, err := c.robot.Authenticate(username, password)
	return err
}

func (c *Client) AcquireLease(_ context.Context, mustAcquire bool) (types.Lease, error) {
	return c.robot.AcquireLease(c.name, mustAcquire)
}

func (c *Client) RetainLease(_ context.Context, l types.Lease) (types.Lease, error) {
	return c.robot.RetainLease(l)
}

func (c *Client) ReturnLease(_ context.Context, l types.Lease) error {
	return c.robot.ReturnLease(l)
}

func (c *Client) RegisterEstop(_ context.Context, name string, timeout time.Duration) (types.EstopRegistration, error) {
	return c.robot.RegisterEstop(name, timeout)
}

func (c *Client) EstopCheckIn(_ context.Context, reg types.EstopRegistration) error {
	return c.robot.EstopCheckIn(reg)
}

func (c *Client) GetRobotState(_ context.Context) (*types.StateSnapshot, error) {
	return c.robot.State()
}

func (c *Client) SubmitCommand(_ context.Context, req types.CommandRequest) error {
	return c.robot.Command(req)
}

func (c *Client) SetPower(_ context.Context, l types.Lease, on bool) error {
	return c.robot.SetPower(l, on)
}

func (c *Client) RobotTime(_ context.Context) (time.Time, error) {
	return c.robot.Time()
}

var (
	_ endpoint.Endpoint      = (*Client)(nil)
	_ endpoint.Clock         = (*Client)(nil)
	_ endpoint.Authenticator = (*Client)(nil)
)
