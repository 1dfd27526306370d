// Package scaling computes step-scaling intervals for a percentage metric.
package scaling

import "math"

// Step is one interval of a step scaling policy. Lower and Upper are
// absolute metric values; nil means unbounded on that side. Change is the
// percent change in capacity applied when the metric falls into the
// interval, and PctAfter illustrates the metric value expected afterwards.
type Step struct {
	Target   int
	Lower    *int
	Upper    *int
	Change   int
	PctAfter int
}

// PercentSteps builds scaling steps so that the further the metric is from
// target, the more instances are added or removed, and the busy percentage
// settles around target if nothing else changes. It returns 2*steps
// intervals covering 0..100, scale-in intervals first.
func PercentSteps(target, steps int) []Step {
	// An example number of instances to illustrate the "after" situation.
	const n = 100.0

	pct := float64(target)
	result := make([]Step, 0, steps*2)

	stepSize := pct / float64(steps)
	for i := steps; i >= 1; i-- {
		lower := round(pct - float64(i)*stepSize)
		upper := round(pct - float64(i-1)*stepSize)
		change := round((float64(upper)/pct - 1) * 100)
		step := Step{
			Target:   target,
			Upper:    intPtr(upper),
			Change:   change,
			PctAfter: pctAfter(n, upper, change),
		}
		if lower > 0 {
			step.Lower = intPtr(lower)
		}
		result = append(result, step)
	}

	stepSize = (100 - pct) / float64(steps)
	for i := 1; i <= steps; i++ {
		lower := round(pct + float64(i-1)*stepSize)
		upper := round(pct + float64(i)*stepSize)
		change := round((float64(upper)/pct - 1) * 100)
		step := Step{
			Target:   target,
			Lower:    intPtr(lower),
			Change:   change,
			PctAfter: pctAfter(n, upper, change),
		}
		if upper < 100 {
			step.Upper = intPtr(upper)
		}
		result = append(result, step)
	}

	return result
}

func pctAfter(n float64, upper, change int) int {
	return round((n * float64(upper) * 0.01) / (n + n*float64(change)*0.01) * 100)
}

// round rounds half up, matching the scaling table operators are used to.
func round(v float64) int {
	return int(math.Floor(v + 0.5))
}

func intPtr(v int) *int {
	return &v
}
