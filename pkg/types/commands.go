package types

// StopCommand halts all motion.
func StopCommand() Command {
	return Command{Kind: CommandStop}
}

// SelfRightCommand asks the robot to roll upright.
func SelfRightCommand() Command {
	return Command{Kind: CommandSelfRight}
}

// BatteryChangePoseCommand rolls the robot onto its side for battery access.
func BatteryChangePoseCommand(hint string) Command {
	if hint == "" {
		hint = "right"
	}
	return Command{Kind: CommandBatteryChangePose, DirectionHint: hint}
}

// SitCommand lowers the body to the ground.
func SitCommand() Command {
	return Command{Kind: CommandSit}
}

// StandCommand stands with the default body orientation.
func StandCommand() Command {
	return Command{Kind: CommandStand}
}

// VelocityCommand drives the base at the given body velocity.
func VelocityCommand(vx, vy, vrot float64) Command {
	return Command{Kind: CommandVelocity, Velocity: &Velocity{VX: vx, VY: vy, VRot: vrot}}
}

// PoseCommand stands with the body rotated relative to the footprint.
func PoseCommand(o Orientation) Command {
	return Command{Kind: CommandPose, Orientation: &o}
}

// TrajectoryCommand walks to an SE2 goal in the named frame.
func TrajectoryCommand(x, y, heading float64, frame string) Command {
	return Command{Kind: CommandTrajectory, Goal: &Goal{X: x, Y: y, Heading: heading, Frame: frame}}
}

// ArmStowCommand stows the arm.
func ArmStowCommand() Command {
	return Command{Kind: CommandArmStow}
}

// ArmReadyCommand unstows the arm.
func ArmReadyCommand() Command {
	return Command{Kind: CommandArmReady}
}

// SafePowerOffCommand sits the robot down and then cuts motor power.
func SafePowerOffCommand() Command {
	return Command{Kind: CommandSafePowerOff}
}
