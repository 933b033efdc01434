// ============================================================================
// spot-teleop CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra commands wiring the session, the simulator and the intake
//
// Command Structure:
//   spot-teleop                    # Root command
//   ├── drive                      # Interactive teleop session
//   │   ├── --intake-url          # Read keys from an intake stream
//   │   └── --address             # Override robot.address
//   ├── simulate                   # Serve a simulated robot over gRPC
//   ├── serve                      # Run the HTTP action intake
//   ├── status                     # Print live robot state
//   ├── --config, -c              # Config file (default: configs/default.yaml)
//   ├── --verbose, -v             # Debug logging on the console
//   └── --version
//
// Configuration:
//   YAML (configs/default.yaml) read over built-in defaults, then
//   SPOT_TELEOP_USERNAME, SPOT_TELEOP_PASSWORD and MAIN_KEY from the
//   environment.
//
// drive Command:
//   1. Authenticate and start the clock-sync keeper
//   2. Start the session: lease, estop, state poller
//   3. Dispatch keys until quit (TAB), Ctrl-C, SIGINT/SIGTERM or a fault
//   4. Shut the session down on every exit path
//   A faulted session exits with status 1.
//
// Logging:
//   Debug JSON to log.file (teleop.log), plus a console handler that is
//   muted while the drive loop owns the terminal.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/spot-teleop/internal/metrics"
)

var (
	configFile string
	verbose    bool
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spot-teleop",
		Short: "spot-teleop: keyboard teleoperation for a legged robot",
		Long: `spot-teleop keeps a robot safely leased and estop-armed while an operator
drives it with single-key commands:
- lease and software estop keepalives
- asynchronous robot state polling
- time-bounded motion commands
- an ordered safety shutdown`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging on the console")

	rootCmd.AddCommand(buildDriveCommand())
	rootCmd.AddCommand(buildSimulateCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// prepare loads the config and installs logging for a command.
func prepare(cmd *cobra.Command) (*Config, *logging, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logs, err := setupLogging(cfg.Log.File, verbose, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	slog.Debug("Config loaded", "path", configFile, "command", cmd.Name())
	return cfg, logs, nil
}

// startMetrics serves /metrics when enabled. The collector is nil otherwise.
func startMetrics(cfg *Config) (*metrics.Collector, func()) {
	if !cfg.Metrics.Enabled {
		return nil, func() {}
	}
	collector := metrics.NewCollector()
	srv := metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port))
	go func() {
		slog.Info("Starting metrics server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server error", "error", err)
		}
	}()
	return collector, func() { _ = srv.Close() }
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context) int {
	root := BuildCLI()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
