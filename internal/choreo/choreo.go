// Package choreo generates the body-pose sequences played by the wiggle and
// sway intents. A sequence sweeps a normalized phase x from -1 to 1 and back.
package choreo

import (
	"math"
	"time"

	"github.com/ChuLiYu/spot-teleop/pkg/types"
)

// Step is one pose held for Hold before the next is sent.
type Step struct {
	Orientation types.Orientation
	Hold        time.Duration
}

// Sequence is an ordered list of poses.
type Sequence []Step

// Duration is the total hold time of the sequence.
func (s Sequence) Duration() time.Duration {
	var total time.Duration
	for _, st := range s {
		total += st.Hold
	}
	return total
}

// sweep returns phase indices 0..n-1 followed by n..1.
func sweep(n int) []int {
	out := make([]int, 0, 2*n)
	for i := 0; i < n; i++ {
		out = append(out, i)
	}
	for i := n; i > 0; i-- {
		out = append(out, i)
	}
	return out
}

func build(points int, hold time.Duration, pose func(x float64) types.Orientation) Sequence {
	seq := make(Sequence, 0, 2*points)
	for _, t := range sweep(points) {
		x := 2.0*float64(t)/float64(points) - 1
		seq = append(seq, Step{Orientation: pose(x), Hold: hold})
	}
	return seq
}

// Wiggle is a fast yaw sweep of ±30° with a high-frequency pitch oscillation:
// 80 steps of 62.5ms.
func Wiggle() Sequence {
	return build(40, 62500*time.Microsecond, func(x float64) types.Orientation {
		return types.Orientation{
			Yaw:   x * math.Pi / 6,
			Pitch: -math.Sin(20*x) * math.Pi / 6,
		}
	})
}

// Sway is a slow yaw sweep of ±30° with one pitch period: 40 steps of 250ms.
func Sway() Sequence {
	return build(20, 250*time.Millisecond, func(x float64) types.Orientation {
		return types.Orientation{
			Yaw:   degrees(x * 30),
			Pitch: degrees(-math.Sin(math.Pi*x) * 30),
		}
	})
}

func degrees(d float64) float64 {
	return d * math.Pi / 180
}
