// Package heartbeat runs the periodic check-ins that keep a lease or a
// software estop alive on the robot.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/spot-teleop/internal/endpoint"
	"github.com/ChuLiYu/spot-teleop/internal/metrics"
)

var (
	// ErrStopTimeout is returned by Stop when the loop did not exit in time.
	ErrStopTimeout = errors.New("heartbeat loop did not stop in time")
	// ErrIntervalTooLong rejects a check-in cadence that cannot beat its timeout.
	ErrIntervalTooLong = errors.New("check-in interval must be shorter than timeout")
	// ErrInvalidInterval rejects non-positive intervals.
	ErrInvalidInterval = errors.New("check-in interval must be positive")
)

// Defaults.
const (
	DefaultMaxConsecutiveFailures = 3
	DefaultStopTimeout            = 2 * time.Second
)

// CheckInFunc performs one check-in.
type CheckInFunc func(ctx context.Context) error

// FailureFunc observes a recoverable check-in failure.
type FailureFunc func(err error, consecutive int)

// FatalFunc receives the error that stopped the loop. It runs on the loop
// goroutine after the loop is marked dead, so it may call Stop.
type FatalFunc func(err error)

// IntervalFor returns the check-in cadence used for a watchdog timeout.
func IntervalFor(timeout time.Duration) time.Duration {
	return timeout / 3
}

// ValidateInterval checks that interval can keep a timeout-bound watchdog alive.
func ValidateInterval(interval, timeout time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	if interval >= timeout {
		return fmt.Errorf("%w: interval %s, timeout %s", ErrIntervalTooLong, interval, timeout)
	}
	return nil
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithMaxConsecutiveFailures sets how many failures in a row are fatal.
func WithMaxConsecutiveFailures(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxFailures = n
		}
	}
}

// WithCheckInTimeout bounds a single check-in. It is clamped to the interval.
func WithCheckInTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.checkInTimeout = d }
}

// WithStopTimeout bounds how long Stop waits for the loop.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// WithWarnOnStop logs Stop at WARN. Used for the estop, where stopping
// check-ins hands safety back to the robot's watchdog.
func WithWarnOnStop() Option {
	return func(s *Supervisor) { s.warnOnStop = true }
}

// WithMetrics records failures on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Supervisor) { s.metrics = c }
}

// loopState belongs to one Start call.
type loopState struct {
	stopCh chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

// Supervisor runs one periodic check-in loop.
type Supervisor struct {
	name           string
	maxFailures    int
	checkInTimeout time.Duration
	stopTimeout    time.Duration
	warnOnStop     bool
	metrics        *metrics.Collector
	logger         *slog.Logger

	mu          sync.Mutex
	run         *loopState
	failures    int
	lastSuccess time.Time
}

// New creates a stopped supervisor.
func New(name string, opts ...Option) *Supervisor {
	s := &Supervisor{
		name:        name,
		maxFailures: DefaultMaxConsecutiveFailures,
		stopTimeout: DefaultStopTimeout,
		logger:      slog.With("component", "heartbeat", "supervisor", name),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the supervisor name.
func (s *Supervisor) Name() string {
	return s.name
}

// Start begins checking in every interval, starting immediately. A running
// loop is stopped first.
func (s *Supervisor) Start(ctx context.Context, checkIn CheckInFunc, interval time.Duration, onFailure FailureFunc, onFatal FatalFunc) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	if checkIn == nil {
		return fmt.Errorf("heartbeat %s: nil check-in", s.name)
	}
	if s.IsAlive() {
		if err := s.Stop(); err != nil {
			return fmt.Errorf("failed to restart heartbeat %s: %w", s.name, err)
		}
	}

	timeout := s.checkInTimeout
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	if timeout >= s.stopTimeout {
		timeout = s.stopTimeout / 2
	}

	loopCtx, cancel := context.WithCancel(ctx)
	st := &loopState{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	s.mu.Lock()
	s.run = st
	s.failures = 0
	s.mu.Unlock()

	s.logger.Info("Heartbeat started", "interval", interval, "checkin_timeout", timeout)
	go s.loop(loopCtx, st, checkIn, interval, timeout, onFailure, onFatal)
	return nil
}

func (s *Supervisor) loop(ctx context.Context, st *loopState, checkIn CheckInFunc, interval, timeout time.Duration, onFailure FailureFunc, onFatal FatalFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fatal, stopped := s.beat(ctx, checkIn, timeout, onFailure)
		if stopped {
			s.finish(st)
			return
		}
		if fatal != nil {
			s.finish(st)
			s.metrics.RecordHeartbeatFatal(s.name)
			s.logger.Error("Heartbeat failed permanently", "error", fatal)
			if onFatal != nil {
				onFatal(fatal)
			}
			return
		}

		select {
		case <-st.stopCh:
			s.finish(st)
			return
		case <-ctx.Done():
			s.finish(st)
			return
		case <-ticker.C:
		}
	}
}

// beat runs one check-in. stopped reports that the loop was cancelled while
// the check-in was in flight; its result is then ignored.
func (s *Supervisor) beat(ctx context.Context, checkIn CheckInFunc, timeout time.Duration, onFailure FailureFunc) (fatal error, stopped bool) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	err := s.call(cctx, checkIn)
	deadline := errors.Is(cctx.Err(), context.DeadlineExceeded)
	cancel()

	if ctx.Err() != nil {
		return nil, true
	}
	if err == nil {
		s.mu.Lock()
		s.failures = 0
		s.lastSuccess = time.Now()
		s.mu.Unlock()
		return nil, false
	}
	if deadline && !endpoint.IsRPCClass(err) {
		err = endpoint.Transient(s.name, err)
	}
	if !endpoint.IsRPCClass(err) {
		return fmt.Errorf("heartbeat %s: %w", s.name, err), false
	}

	s.mu.Lock()
	s.failures++
	n := s.failures
	s.mu.Unlock()

	s.metrics.RecordHeartbeatFailure(s.name)
	s.logger.Warn("Check-in failed", "error", err, "consecutive", n)
	if onFailure != nil {
		onFailure(err, n)
	}
	if n >= s.maxFailures {
		return fmt.Errorf("heartbeat %s: %d consecutive failures: %w", s.name, n, err), false
	}
	return nil, false
}

// call runs checkIn and turns a panic into an error.
func (s *Supervisor) call(ctx context.Context, checkIn CheckInFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check-in panicked: %v", r)
		}
	}()
	return checkIn(ctx)
}

// finish marks st dead. The loop owns st.done.
func (s *Supervisor) finish(st *loopState) {
	s.mu.Lock()
	if s.run == st {
		s.run = nil
	}
	s.mu.Unlock()
	st.cancel()
	close(st.done)
}

// Stop halts the loop and waits for it to exit, at most the stop timeout.
// Calling Stop on a stopped supervisor is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	st := s.run
	if st == nil {
		s.mu.Unlock()
		return nil
	}
	s.run = nil
	close(st.stopCh)
	st.cancel()
	s.mu.Unlock()

	if s.warnOnStop {
		s.logger.Warn("Stopping heartbeat, robot watchdog will no longer be fed")
	} else {
		s.logger.Info("Stopping heartbeat")
	}

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()
	select {
	case <-st.done:
		return nil
	case <-timer.C:
		s.logger.Error("Heartbeat loop did not exit", "timeout", s.stopTimeout)
		return ErrStopTimeout
	}
}

// IsAlive reports whether the loop is running.
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// MaxConsecutiveFailures returns the streak length that stops the loop.
func (s *Supervisor) MaxConsecutiveFailures() int {
	return s.maxFailures
}

// ConsecutiveFailures returns the current failure streak.
func (s *Supervisor) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// LastSuccess returns the time of the last successful check-in.
func (s *Supervisor) LastSuccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSuccess
}
