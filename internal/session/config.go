package session

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/spot-teleop/internal/heartbeat"
	"github.com/ChuLiYu/spot-teleop/internal/poller"
)

// LeaseConfig tunes the lease keepalive.
type LeaseConfig struct {
	RetainInterval time.Duration `yaml:"retain_interval"`
}

// EstopConfig tunes the software estop.
type EstopConfig struct {
	Enabled    bool          `yaml:"enabled"`
	ArmOnStart bool          `yaml:"arm_on_start"`
	Name       string        `yaml:"name"`
	Timeout    time.Duration `yaml:"timeout"`
	// Interval is the check-in cadence; zero means Timeout/3.
	Interval time.Duration `yaml:"interval"`
}

// CheckInInterval returns the effective check-in cadence.
func (e EstopConfig) CheckInInterval() time.Duration {
	if e.Interval > 0 {
		return e.Interval
	}
	return heartbeat.IntervalFor(e.Timeout)
}

// MotionConfig holds speeds and command lifetimes.
type MotionConfig struct {
	BaseSpeed          float64       `yaml:"base_speed"`   // m/s
	BaseAngular        float64       `yaml:"base_angular"` // rad/s
	VelocityDuration   time.Duration `yaml:"velocity_duration"`
	CircleDuration     time.Duration `yaml:"circle_duration"`
	TrajectoryDuration time.Duration `yaml:"trajectory_duration"`
}

// Config configures a Controller.
type Config struct {
	Lease        LeaseConfig   `yaml:"lease"`
	Estop        EstopConfig   `yaml:"estop"`
	Motion       MotionConfig  `yaml:"motion"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// FinalCommandTimeout bounds the safety command sent during shutdown.
	FinalCommandTimeout time.Duration `yaml:"final_command_timeout"`
}

// DefaultConfig returns the stock teleop settings.
func DefaultConfig() Config {
	return Config{
		Lease: LeaseConfig{RetainInterval: 2 * time.Second},
		Estop: EstopConfig{
			Enabled:    true,
			ArmOnStart: true,
			Name:       "GNClient",
			Timeout:    9 * time.Second,
		},
		Motion: MotionConfig{
			BaseSpeed:          1.0,
			BaseAngular:        0.8,
			VelocityDuration:   500 * time.Millisecond,
			CircleDuration:     2 * time.Second,
			TrajectoryDuration: 20 * time.Second,
		},
		PollInterval:        poller.DefaultInterval,
		FinalCommandTimeout: 2 * time.Second,
	}
}

// Validate checks the settings a session cannot run without.
func (c Config) Validate() error {
	if c.Lease.RetainInterval <= 0 {
		return fmt.Errorf("lease retain interval must be positive, got %s", c.Lease.RetainInterval)
	}
	if c.Estop.Enabled {
		if c.Estop.Timeout <= 0 {
			return fmt.Errorf("estop timeout must be positive, got %s", c.Estop.Timeout)
		}
		if err := heartbeat.ValidateInterval(c.Estop.CheckInInterval(), c.Estop.Timeout); err != nil {
			return fmt.Errorf("invalid estop cadence: %w", err)
		}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	return nil
}
