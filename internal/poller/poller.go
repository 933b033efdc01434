// Package poller keeps the most recent robot state snapshot available without
// blocking readers.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/spot-teleop/internal/metrics"
	"github.com/ChuLiYu/spot-teleop/pkg/types"
)

// DefaultInterval is the fetch cadence.
const DefaultInterval = 200 * time.Millisecond

// ErrStopTimeout is returned by Stop when the loop did not exit in time.
var ErrStopTimeout = errors.New("state poller did not stop in time")

// FetchFunc retrieves one snapshot.
type FetchFunc func(ctx context.Context) (*types.StateSnapshot, error)

// Option configures a Poller.
type Option func(*Poller)

// WithStopTimeout bounds how long Stop waits.
func WithStopTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.stopTimeout = d
		}
	}
}

// WithMetrics counts fetches on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Poller) { p.metrics = c }
}

// Poller fetches robot state periodically and publishes it atomically.
type Poller struct {
	latest      atomic.Pointer[types.StateSnapshot]
	failures    atomic.Int64
	stopTimeout time.Duration
	metrics     *metrics.Collector
	logger      *slog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	running bool
}

// New creates an idle poller.
func New(opts ...Option) *Poller {
	p := &Poller{
		stopTimeout: 2 * time.Second,
		logger:      slog.With("component", "poller"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins fetching every interval, the first fetch immediately.
func (p *Poller) Start(ctx context.Context, fetch FetchFunc, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	p.cancel = cancel
	p.running = true

	go p.loop(loopCtx, fetch, interval, p.stopCh, p.done)
	return nil
}

func (p *Poller) loop(ctx context.Context, fetch FetchFunc, interval time.Duration, stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.fetchOnce(ctx, fetch, stopCh)

		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) fetchOnce(ctx context.Context, fetch FetchFunc, stopCh chan struct{}) {
	snap, err := fetch(ctx)

	// A result that lands after Stop is dropped.
	select {
	case <-stopCh:
		return
	default:
	}
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		n := p.failures.Add(1)
		p.metrics.RecordStatePoll(false)
		p.logger.Warn("Failed to fetch robot state", "error", err, "failures", n)
		return
	}
	if snap == nil {
		return
	}
	p.metrics.RecordStatePoll(true)
	p.latest.Store(snap)
}

// Latest returns the most recent snapshot, and false before the first success.
func (p *Poller) Latest() (*types.StateSnapshot, bool) {
	snap := p.latest.Load()
	return snap, snap != nil
}

// Failures returns how many fetches have failed.
func (p *Poller) Failures() int64 {
	return p.failures.Load()
}

// Stop halts further fetches. Safe to call repeatedly.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.cancel()
	done := p.done
	p.mu.Unlock()

	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		p.logger.Info("State poller stopped")
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}
