package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/spot-teleop/internal/intake"
	"github.com/ChuLiYu/spot-teleop/internal/session"
	"github.com/ChuLiYu/spot-teleop/internal/timesync"
)

// Environment overrides.
const (
	envUsername = "SPOT_TELEOP_USERNAME"
	envPassword = "SPOT_TELEOP_PASSWORD"
	envMainKey  = "MAIN_KEY"
)

// Config represents the complete configuration file.
type Config struct {
	Robot struct {
		Address     string        `yaml:"address"`
		ClientName  string        `yaml:"client_name"`
		Username    string        `yaml:"username"`
		Password    string        `yaml:"password"`
		CallTimeout time.Duration `yaml:"call_timeout"`
		KeepAlive   time.Duration `yaml:"keepalive"`
	} `yaml:"robot"`

	Session session.Config `yaml:"session"`

	TimeSync struct {
		Enabled     bool          `yaml:"enabled"`
		Interval    time.Duration `yaml:"interval"`
		WaitTimeout time.Duration `yaml:"wait_timeout"`
	} `yaml:"time_sync"`

	Simulator struct {
		Listen   string        `yaml:"listen"`
		LeaseTTL time.Duration `yaml:"lease_ttl"`
		Battery  float64       `yaml:"battery"`
		// LogInterval is how often the simulator logs its state.
		LogInterval time.Duration `yaml:"log_interval"`
	} `yaml:"simulator"`

	Intake intake.Config `yaml:"intake"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		File string `yaml:"file"`
	} `yaml:"log"`
}

// DefaultConfig returns the settings used for anything the file leaves out.
func DefaultConfig() *Config {
	var cfg Config
	cfg.Robot.Address = "localhost:50051"
	cfg.Robot.ClientName = "WASDClient"
	cfg.Robot.CallTimeout = 2 * time.Second
	cfg.Robot.KeepAlive = 30 * time.Second
	cfg.Session = session.DefaultConfig()
	cfg.TimeSync.Enabled = true
	cfg.TimeSync.Interval = timesync.DefaultInterval
	cfg.TimeSync.WaitTimeout = 3 * time.Second
	cfg.Simulator.Listen = ":50051"
	cfg.Simulator.LeaseTTL = 6 * time.Second
	cfg.Simulator.Battery = 87.5
	cfg.Simulator.LogInterval = 5 * time.Second
	cfg.Intake = intake.DefaultConfig()
	cfg.Metrics.Port = 9090
	cfg.Log.File = "teleop.log"
	return &cfg
}

// loadConfig reads path over the defaults and applies environment overrides.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(envUsername); v != "" {
		c.Robot.Username = v
	}
	if v := getenv(envPassword); v != "" {
		c.Robot.Password = v
	}
	if v := getenv(envMainKey); v != "" {
		c.Intake.Key = v
	}
}

// Validate checks the sections every command relies on.
func (c *Config) Validate() error {
	if c.Robot.Address == "" {
		return fmt.Errorf("robot address is required")
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if c.TimeSync.Enabled && c.TimeSync.Interval <= 0 {
		return fmt.Errorf("time sync interval must be positive, got %s", c.TimeSync.Interval)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics port out of range: %d", c.Metrics.Port)
	}
	return nil
}
