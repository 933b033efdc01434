package session

import (
	"fmt"
	"strings"

	"github.com/ChuLiYu/spot-teleop/pkg/types"
)

// Status returns the operator status lines: lease, estop, power and time
// sync, in that order. The power line is empty while power is unknown.
func (c *Controller) Status() []string {
	snap, _ := c.poller.Latest()
	return []string{
		c.leaseStatus(),
		c.estopStatus(snap),
		powerStatus(snap),
		c.timeSyncStatus(),
	}
}

func (c *Controller) leaseStatus() string {
	lease, state := c.Lease()
	if state != types.LeaseAcquired {
		return "Lease RETURNED THREAD:STOPPED"
	}
	alive := "STOPPED"
	if c.leaseHB.IsAlive() {
		alive = "RUNNING"
	}
	return fmt.Sprintf("Lease %s THREAD:%s", lease, alive)
}

func (c *Controller) estopStatus(snap *types.StateSnapshot) string {
	thread := "NOT ESTOP"
	if c.cfg.Estop.Enabled {
		thread = "STOPPED"
		if c.estopHB.IsAlive() {
			thread = "RUNNING"
		}
	}
	level := "??"
	if l, ok := snap.SoftwareEstop(); ok {
		level = strings.ToUpper(string(l))
	}
	return fmt.Sprintf("Estop %s (thread: %s)", level, thread)
}

func powerStatus(snap *types.StateSnapshot) string {
	if snap == nil || snap.Power == "" || snap.Power == types.PowerUnknown {
		return ""
	}
	return "Power: " + strings.ToUpper(string(snap.Power))
}

func (c *Controller) timeSyncStatus() string {
	if c.timeSync == nil {
		return "Time sync: (none)"
	}
	return c.timeSync.Status()
}
