package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/spot-teleop/internal/dispatch"
	"github.com/ChuLiYu/spot-teleop/internal/endpoint"
	"github.com/ChuLiYu/spot-teleop/internal/robotsim"
	"github.com/ChuLiYu/spot-teleop/internal/session"
	"github.com/ChuLiYu/spot-teleop/pkg/types"
)

// script is the routine the demo drives through.
var script = []types.Intent{
	types.IntentTogglePower,
	types.IntentStand,
	types.IntentMoveForward,
	types.IntentTurnLeft,
	types.IntentWiggle,
	types.IntentStrafeRight,
	types.IntentSit,
}

func main() {
	mode := "run"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}
	if mode != "run" && mode != "fault" {
		fmt.Println("Usage: go run cmd/demo/main.go [run|fault]")
		os.Exit(1)
	}

	robot := robotsim.New(robotsim.Config{})
	cfg := session.DefaultConfig()
	cfg.PollInterval = 100 * time.Millisecond

	ctrl, err := session.New(robot.Client("demo"), cfg,
		session.WithMessageSink(dispatch.NewMessageLog(dispatch.DefaultMessageHistory, os.Stdout)))
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	fmt.Printf("✓ Session started (mode: %s)\n", mode)

	// Power toggling needs a first state snapshot.
	time.Sleep(300 * time.Millisecond)
	printStatus(ctrl)

	if mode == "fault" {
		fmt.Println("\n⚠️  Cutting the estop link...")
		robot.FailNext(endpoint.MethodEstopCheckIn, errors.New("radio link lost"))
	}

	for _, intent := range script {
		select {
		case <-ctx.Done():
		case <-ctrl.Done():
		default:
			fmt.Printf("→ %s\n", intent)
			if err := ctrl.Dispatch(ctx, intent); err != nil {
				fmt.Printf("✗ %v\n", err)
			}
			time.Sleep(400 * time.Millisecond)
			continue
		}
		break
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("✗ Shutdown reported: %v\n", err)
	}

	fmt.Printf("\n📊 Robot after shutdown:\n")
	fmt.Printf("  Power:        %s\n", robot.Power())
	fmt.Printf("  Lease holder: %q\n", robot.LeaseHolder())
	fmt.Printf("  Commands:     %d accepted\n", len(robot.Commands()))
	if fault := ctrl.Err(); fault != nil {
		fmt.Printf("  Fault:        %v\n", fault)
		os.Exit(1)
	}
	fmt.Println("✓ Demo completed")
}

func printStatus(ctrl *session.Controller) {
	fmt.Printf("\n📊 Session status:\n")
	for _, line := range ctrl.Status() {
		if line != "" {
			fmt.Printf("  %s\n", line)
		}
	}
	fmt.Println()
}
