package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ChuLiYu/spot-teleop/internal/dispatch"
	"github.com/ChuLiYu/spot-teleop/internal/endpoint"
	"github.com/ChuLiYu/spot-teleop/internal/intake"
	"github.com/ChuLiYu/spot-teleop/internal/metrics"
	"github.com/ChuLiYu/spot-teleop/internal/session"
	"github.com/ChuLiYu/spot-teleop/internal/timesync"
	"github.com/ChuLiYu/spot-teleop/pkg/types"
)

const (
	statusRefresh   = 250 * time.Millisecond
	shutdownTimeout = 10 * time.Second
)

// robotClient is what drive needs from a robot connection.
type robotClient interface {
	endpoint.Endpoint
	endpoint.Clock
}

func buildDriveCommand() *cobra.Command {
	var intakeURL, address string

	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Start an interactive teleop session",
		Long: `Take the lease, arm the software estop and drive the robot from the
keyboard, or from an intake action stream with --intake-url.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logs, err := prepare(cmd)
			if err != nil {
				return err
			}
			defer logs.Close()
			if address != "" {
				cfg.Robot.Address = address
			}
			return runDrive(cmd.Context(), cfg, logs, intakeURL)
		},
	}

	cmd.Flags().StringVar(&intakeURL, "intake-url", "", "read keys from an intake /actions stream instead of stdin")
	cmd.Flags().StringVar(&address, "address", "", "robot address, overrides robot.address")
	return cmd
}

// runDrive connects to the robot and drives until quit, signal or fault.
func runDrive(ctx context.Context, cfg *Config, logs *logging, intakeURL string) error {
	client, err := endpoint.NewGRPCClient(endpoint.ClientConfig{
		Address:     cfg.Robot.Address,
		ClientName:  fmt.Sprintf("%s-%s", cfg.Robot.ClientName, uuid.NewString()[:8]),
		CallTimeout: cfg.Robot.CallTimeout,
		KeepAlive:   cfg.Robot.KeepAlive,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Authenticate(ctx, cfg.Robot.Username, cfg.Robot.Password); err != nil {
		return fmt.Errorf("failed to communicate with robot: %w", err)
	}

	collector, stopMetrics := startMetrics(cfg)
	defer stopMetrics()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var out io.Writer = os.Stdout
	keys := make(chan rune, 64)
	if intakeURL != "" {
		go func() {
			defer close(keys)
			if err := intake.Follow(ctx, nil, intakeURL, keys); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("Action stream ended", "error", err)
			}
		}()
	} else {
		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			state, err := term.MakeRaw(fd)
			if err != nil {
				return fmt.Errorf("failed to enter raw terminal mode: %w", err)
			}
			defer term.Restore(fd, state)
			out = crlfWriter{os.Stdout}
		}
		go func() {
			defer close(keys)
			if err := readKeys(ctx, os.Stdin, keys); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("Keyboard input ended", "error", err)
			}
		}()
	}

	return driveSession(ctx, cfg, client, keys, out, collector, logs.MuteConsole, cancel)
}

// driveSession runs one session over ep with keys as input. The session is
// shut down on every return path; a fault is returned as an error.
func driveSession(ctx context.Context, cfg *Config, ep robotClient, keys <-chan rune, out io.Writer,
	collector *metrics.Collector, muteConsole func(bool), interrupt func()) error {
	opts := []session.Option{
		session.WithMetrics(collector),
		session.WithMessageSink(dispatch.NewMessageLog(dispatch.DefaultMessageHistory, out)),
	}

	if cfg.TimeSync.Enabled {
		keeper := timesync.New(ep, timesync.WithInterval(cfg.TimeSync.Interval), timesync.WithMetrics(collector))
		if err := keeper.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("failed to start time sync: %w", err)
		}
		defer keeper.Stop()
		waitCtx, cancel := context.WithTimeout(ctx, cfg.TimeSync.WaitTimeout)
		if err := keeper.WaitForSync(waitCtx); err != nil {
			slog.Warn("Driving without a clock estimate", "error", err)
		}
		cancel()
		opts = append(opts, session.WithTimeSync(keeper))
	}

	ctrl, err := session.New(ep, cfg.Session, opts...)
	if err != nil {
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to initialize robot communication: %w", err)
	}

	muteConsole(true)
	intents := make(chan types.Intent)
	go translate(ctx, keys, intents, interrupt)
	statusDone := make(chan struct{})
	go func() {
		defer close(statusDone)
		printStatus(ctx, ctrl, out)
	}()

	runErr := ctrl.Run(ctx, intents)

	interrupt()
	<-statusDone
	muteConsole(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Shutdown reported errors", "error", err)
	}

	if fault := ctrl.Err(); fault != nil {
		return fmt.Errorf("session faulted: %w", fault)
	}
	return runErr
}

// printStatus redraws the status block whenever it changes.
func printStatus(ctx context.Context, ctrl *session.Controller, out io.Writer) {
	ticker := time.NewTicker(statusRefresh)
	defer ticker.Stop()

	var last []string
	for {
		if lines := ctrl.Status(); !slices.Equal(lines, last) {
			fmt.Fprintln(out, strings.Join(slices.DeleteFunc(slices.Clone(lines), func(s string) bool { return s == "" }), " | "))
			last = lines
		}
		select {
		case <-ctx.Done():
			return
		case <-ctrl.Done():
			return
		case <-ticker.C:
		}
	}
}

// crlfWriter restores line starts on a raw terminal.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}
