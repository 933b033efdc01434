package session

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/spot-teleop/internal/endpoint"
	"github.com/ChuLiYu/spot-teleop/pkg/types"
)

// recordingEndpoint is an endpoint.Endpoint that records every call and
// returns whatever the test configured.
type recordingEndpoint struct {
	mu       sync.Mutex
	calls    map[string]int
	commands []types.CommandRequest
	power    []bool
	regs     []types.EstopRegistration

	acquireErr error
	returnErr  error
	checkInErr error
	// checkInErrs are returned once each before checkInErr.
	checkInErrs []error
	commandErr  error
	// commandHold, when set, keeps SubmitCommand in flight until closed.
	commandHold chan struct{}
	snapshot    *types.StateSnapshot
	stateErr    error
	seq         int64
}

var _ endpoint.Endpoint = (*recordingEndpoint)(nil)

func newRecordingEndpoint() *recordingEndpoint {
	return &recordingEndpoint{calls: make(map[string]int)}
}

func (e *recordingEndpoint) record(method string) {
	e.calls[method]++
}

func (e *recordingEndpoint) Calls(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[method]
}

func (e *recordingEndpoint) TotalCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		n += c
	}
	return n
}

func (e *recordingEndpoint) Commands() []types.CommandRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.CommandRequest(nil), e.commands...)
}

func (e *recordingEndpoint) CommandKinds() []types.CommandKind {
	var kinds []types.CommandKind
	for _, c := range e.Commands() {
		kinds = append(kinds, c.Command.Kind)
	}
	return kinds
}

func (e *recordingEndpoint) PowerRequests() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.power...)
}

func (e *recordingEndpoint) set(fn func(e *recordingEndpoint)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

func (e *recordingEndpoint) AcquireLease(_ context.Context, _ bool) (types.Lease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("AcquireLease")
	if e.acquireErr != nil {
		return types.Lease{}, e.acquireErr
	}
	e.seq++
	return types.Lease{Resource: "body", Sequence: e.seq, Holder: "test"}, nil
}

func (e *recordingEndpoint) RetainLease(_ context.Context, l types.Lease) (types.Lease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("RetainLease")
	return l, nil
}

func (e *recordingEndpoint) ReturnLease(_ context.Context, _ types.Lease) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("ReturnLease")
	return e.returnErr
}

func (e *recordingEndpoint) RegisterEstop(_ context.Context, name string, timeout time.Duration) (types.EstopRegistration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("RegisterEstop")
	reg := types.EstopRegistration{ID: "estop-1", Name: name, Timeout: timeout}
	e.regs = append(e.regs, reg)
	return reg, nil
}

func (e *recordingEndpoint) EstopCheckIn(_ context.Context, _ types.EstopRegistration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("EstopCheckIn")
	if len(e.checkInErrs) > 0 {
		err := e.checkInErrs[0]
		e.checkInErrs = e.checkInErrs[1:]
		return err
	}
	return e.checkInErr
}

func (e *recordingEndpoint) GetRobotState(_ context.Context) (*types.StateSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("GetRobotState")
	return e.snapshot, e.stateErr
}

func (e *recordingEndpoint) SubmitCommand(_ context.Context, req types.CommandRequest) error {
	e.mu.Lock()
	e.record("SubmitCommand")
	e.commands = append(e.commands, req)
	err, hold := e.commandErr, e.commandHold
	e.mu.Unlock()
	if hold != nil {
		<-hold
	}
	return err
}

func (e *recordingEndpoint) SetPower(_ context.Context, _ types.Lease, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("SetPower")
	e.power = append(e.power, on)
	return nil
}

// stateLog collects state transitions from WithStateHook.
type stateLog struct {
	mu   sync.Mutex
	seen []types.SessionState
}

func (l *stateLog) hook(_, to types.SessionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, to)
}

func (l *stateLog) States() []types.SessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.SessionState(nil), l.seen...)
}

// fakeTimeSync records toggles and reports a fixed robot clock skew.
type fakeTimeSync struct {
	mu      sync.Mutex
	running bool
	starts  int
	stops   int
	skew    time.Duration
}

func (f *fakeTimeSync) RobotNow(local time.Time) time.Time {
	return local.Add(f.skew)
}

func (f *fakeTimeSync) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeTimeSync) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.starts++
	return nil
}

func (f *fakeTimeSync) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
	return nil
}

func (f *fakeTimeSync) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTimeSync) Status() string {
	if f.Running() {
		return "Time sync: RUNNING offset=0s"
	}
	return "Time sync: STOPPED"
}
