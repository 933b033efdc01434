package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/spot-teleop/internal/endpoint"
	"github.com/ChuLiYu/spot-teleop/internal/intake"
	"github.com/ChuLiYu/spot-teleop/internal/robotsim"
	"github.com/ChuLiYu/spot-teleop/internal/server"
)

func buildSimulateCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve a simulated robot over gRPC",
		Long:  "Run an in-memory robot with lease, estop and power semantics that drive can connect to.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logs, err := prepare(cmd)
			if err != nil {
				return err
			}
			defer logs.Close()
			if listen != "" {
				cfg.Simulator.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSimulator(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides simulator.listen")
	return cmd
}

func newSimulatedRobot(cfg *Config) *robotsim.Robot {
	simCfg := robotsim.Config{
		LeaseTTL: cfg.Simulator.LeaseTTL,
		Battery:  cfg.Simulator.Battery,
	}
	if cfg.Robot.Username != "" {
		simCfg.Credentials = map[string]string{cfg.Robot.Username: cfg.Robot.Password}
	}
	return robotsim.New(simCfg)
}

// runSimulator serves the simulated robot until ctx ends.
func runSimulator(ctx context.Context, cfg *Config) error {
	lis, err := net.Listen("tcp", cfg.Simulator.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Simulator.Listen, err)
	}

	srv := server.NewServer(newSimulatedRobot(cfg), true)
	gs := server.NewGRPCServer(srv)
	_, stopMetrics := startMetrics(cfg)
	defer stopMetrics()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Simulated robot listening", "addr", lis.Addr().String())
		if err := gs.Serve(lis); err != nil {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		every := cfg.Simulator.LogInterval
		if every <= 0 {
			every = 5 * time.Second
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				gs.GracefulStop()
				return nil
			case <-ticker.C:
				srv.LogState()
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Simulated robot stopped")
	return nil
}

func buildServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP action intake",
		Long:  "Accept remote operator actions over HTTP and stream them to drive --intake-url.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logs, err := prepare(cmd)
			if err != nil {
				return err
			}
			defer logs.Close()
			if addr != "" {
				cfg.Intake.Addr = addr
			}
			if cfg.Intake.Key == "" {
				slog.Warn("MAIN_KEY is not set, /actions and /kill are locked")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runIntake(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides intake.addr")
	return cmd
}

func runIntake(ctx context.Context, cfg *Config) error {
	collector, stopMetrics := startMetrics(cfg)
	defer stopMetrics()

	srv := intake.NewServer(cfg.Intake, intake.WithMetrics(collector))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	return g.Wait()
}

func buildStatusCommand() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show robot status",
		Long:  "Connect without taking the lease and print power, battery, estops and clock offset.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logs, err := prepare(cmd)
			if err != nil {
				return err
			}
			defer logs.Close()
			if address != "" {
				cfg.Robot.Address = address
			}

			client, err := endpoint.NewGRPCClient(endpoint.ClientConfig{
				Address:     cfg.Robot.Address,
				ClientName:  cfg.Robot.ClientName,
				CallTimeout: cfg.Robot.CallTimeout,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 3*cfg.Robot.CallTimeout)
			defer cancel()
			if err := client.Authenticate(ctx, cfg.Robot.Username, cfg.Robot.Password); err != nil {
				return fmt.Errorf("failed to communicate with robot: %w", err)
			}
			return showStatus(ctx, cmd.OutOrStdout(), cfg.Robot.Address, client)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "robot address, overrides robot.address")
	return cmd
}

// showStatus prints one robot state report.
func showStatus(ctx context.Context, out io.Writer, address string, r robotClient) error {
	snap, err := r.GetRobotState(ctx)
	if err != nil {
		return fmt.Errorf("failed to read robot state: %w", err)
	}

	fmt.Fprintln(out, "Robot Status")
	fmt.Fprintf(out, "  ├─ Address:  %s\n", address)
	fmt.Fprintf(out, "  ├─ Power:    %s\n", snap.Power)
	fmt.Fprintf(out, "  ├─ Battery:  %.1f%%\n", snap.BatteryPercent)
	for _, e := range snap.Estops {
		fmt.Fprintf(out, "  ├─ Estop:    %s (%s) %s\n", e.Name, e.Type, e.Level)
	}

	sent := time.Now()
	robotNow, err := r.RobotTime(ctx)
	if err != nil {
		fmt.Fprintf(out, "  └─ Clock:    unavailable (%v)\n", err)
		return nil
	}
	rtt := time.Since(sent)
	skew := robotNow.Sub(sent.Add(rtt / 2))
	fmt.Fprintf(out, "  └─ Clock:    offset=%s rtt=%s\n", skew.Round(time.Millisecond), rtt.Round(time.Microsecond))
	return nil
}
