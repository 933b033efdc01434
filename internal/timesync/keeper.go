// Package timesync estimates the offset between the local clock and the
// robot's clock. The estimate is best effort: the session keeps driving when
// it is unavailable.
package timesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/spot-teleop/internal/endpoint"
	"github.com/ChuLiYu/spot-teleop/internal/heartbeat"
	"github.com/ChuLiYu/spot-teleop/internal/metrics"
)

// DefaultInterval is the cadence of skew updates.
const DefaultInterval = time.Minute

// window is how many recent round trips are kept for the estimate.
const window = 5

// ErrNotSynced is returned by WaitForSync when no estimate arrived in time.
var ErrNotSynced = errors.New("robot clock skew undetermined")

// sample is one round trip to the robot clock.
type sample struct {
	rtt  time.Duration
	skew time.Duration
}

// Keeper periodically samples the robot clock.
type Keeper struct {
	clock    endpoint.Clock
	interval time.Duration
	now      func() time.Time
	metrics  *metrics.Collector
	hb       *heartbeat.Supervisor
	logger   *slog.Logger

	mu      sync.Mutex
	samples []sample
	lastErr error
	synced  chan struct{}
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithInterval sets the update cadence.
func WithInterval(d time.Duration) Option {
	return func(k *Keeper) {
		if d > 0 {
			k.interval = d
		}
	}
}

// WithClock replaces the local time source.
func WithClock(now func() time.Time) Option {
	return func(k *Keeper) { k.now = now }
}

// WithMetrics exports the estimate on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(k *Keeper) { k.metrics = c }
}

// New creates a stopped keeper sampling clock.
func New(clock endpoint.Clock, opts ...Option) *Keeper {
	k := &Keeper{
		clock:    clock,
		interval: DefaultInterval,
		now:      time.Now,
		logger:   slog.With("component", "timesync"),
		synced:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.hb = heartbeat.New("timesync", heartbeat.WithMetrics(k.metrics))
	return k
}

// Start begins sampling, the first round trip immediately.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	k.lastErr = nil
	k.mu.Unlock()
	return k.hb.Start(ctx, k.update, k.interval, nil, func(err error) {
		k.mu.Lock()
		k.lastErr = err
		k.mu.Unlock()
	})
}

// Stop halts sampling. The last estimate is kept.
func (k *Keeper) Stop() error {
	return k.hb.Stop()
}

// Running reports whether the sampling loop is alive.
func (k *Keeper) Running() bool {
	return k.hb.IsAlive()
}

func (k *Keeper) update(ctx context.Context) error {
	sent := k.now()
	robot, err := k.clock.RobotTime(ctx)
	if err != nil {
		return err
	}
	received := k.now()

	rtt := received.Sub(sent)
	midpoint := sent.Add(rtt / 2)
	s := sample{rtt: rtt, skew: robot.Sub(midpoint)}

	k.mu.Lock()
	k.samples = append(k.samples, s)
	if len(k.samples) > window {
		k.samples = k.samples[len(k.samples)-window:]
	}
	first := len(k.samples) == 1
	k.mu.Unlock()

	skew, _ := k.Skew()
	k.metrics.SetClockSkew(skew)
	if first {
		close(k.synced)
		k.logger.Info("Robot clock synced", "skew", skew, "rtt", rtt)
	} else {
		k.logger.Debug("Robot clock sampled", "skew", skew, "rtt", rtt)
	}
	return nil
}

// Skew returns robot time minus local time, taken from the recent round trip
// with the smallest latency. ok is false before the first sample.
func (k *Keeper) Skew() (time.Duration, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.samples) == 0 {
		return 0, false
	}
	best := k.samples[0]
	for _, s := range k.samples[1:] {
		if s.rtt < best.rtt {
			best = s
		}
	}
	return best.skew, true
}

// RobotNow converts a local time to robot time.
func (k *Keeper) RobotNow(local time.Time) time.Time {
	skew, _ := k.Skew()
	return local.Add(skew)
}

// WaitForSync blocks until the first estimate or ctx ends.
func (k *Keeper) WaitForSync(ctx context.Context) error {
	select {
	case <-k.synced:
		return nil
	case <-ctx.Done():
		k.mu.Lock()
		err := k.lastErr
		k.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNotSynced, err)
		}
		return fmt.Errorf("%w: %w", ErrNotSynced, ctx.Err())
	}
}

// Status renders the operator status line.
func (k *Keeper) Status() string {
	state := "RUNNING"
	if !k.Running() {
		state = "STOPPED"
		k.mu.Lock()
		err := k.lastErr
		k.mu.Unlock()
		if err != nil {
			state = fmt.Sprintf("%s Exception: %v", state, err)
		}
	}
	skew, ok := k.Skew()
	if !ok {
		return fmt.Sprintf("Time sync: %s (Skew undetermined)", state)
	}
	return fmt.Sprintf("Time sync: %s offset=%s", state, skew)
}
