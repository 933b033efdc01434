// Package dispatch maps operator intents to session actions and isolates
// their failures: robot-side errors become operator messages, anything else
// is escalated to the caller.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ChuLiYu/spot-teleop/internal/endpoint"
	"github.com/ChuLiYu/spot-teleop/internal/metrics"
	"github.com/ChuLiYu/spot-teleop/pkg/types"
)

// Action executes one intent.
type Action func(ctx context.Context) error

// MessageSink receives operator-facing messages.
type MessageSink interface {
	Message(msg string)
}

// FatalError is an action failure outside the RPC error taxonomy. The
// session treats it as a fault.
type FatalError struct {
	Intent types.Intent
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error executing %s: %v", e.Intent, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

type entry struct {
	description string
	action      Action
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records dispatch outcomes on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

// Dispatcher runs registered actions one at a time.
type Dispatcher struct {
	mu      sync.Mutex
	actions map[types.Intent]entry
	order   []types.Intent
	sink    MessageSink
	metrics *metrics.Collector
	logger  *slog.Logger
}

// New creates a dispatcher reporting to sink.
func New(sink MessageSink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		actions: make(map[types.Intent]entry),
		sink:    sink,
		logger:  slog.With("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds intent to action. description completes "Failed <description>".
func (d *Dispatcher) Register(intent types.Intent, description string, action Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.actions[intent]; !exists {
		d.order = append(d.order, intent)
	}
	d.actions[intent] = entry{description: description, action: action}
}

// Registered lists intents in registration order.
func (d *Dispatcher) Registered() []types.Intent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.Intent(nil), d.order...)
}

// Dispatch executes intent. Unknown intents and RPC-class failures are
// reported to the sink and return nil; any other failure, including a panic,
// is returned as a *FatalError.
func (d *Dispatcher) Dispatch(ctx context.Context, intent types.Intent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.actions[intent]
	if !ok {
		d.sink.Message(fmt.Sprintf("Unrecognized command: %q", string(intent)))
		d.metrics.RecordCommand(intent, metrics.ResultUnrecognized, 0)
		return nil
	}

	start := time.Now()
	err := run(ctx, e.action)
	took := time.Since(start)

	switch {
	case err == nil:
		d.metrics.RecordCommand(intent, metrics.ResultOK, took)
		d.logger.Debug("Intent executed", "intent", intent, "duration", took)
		return nil
	case endpoint.IsRPCClass(err):
		d.metrics.RecordCommand(intent, metrics.ResultFailed, took)
		d.sink.Message(fmt.Sprintf("Failed %s: %v", e.description, err))
		return nil
	default:
		d.metrics.RecordCommand(intent, metrics.ResultFatal, took)
		d.logger.Error("Intent failed fatally", "intent", intent, "error", err)
		return &FatalError{Intent: intent, Err: err}
	}
}

func run(ctx context.Context, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return action(ctx)
}
