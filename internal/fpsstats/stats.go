// Package fpsstats computes frame-rate statistics from frame timestamps.
package fpsstats

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum allowed FPS standard deviation as a fraction of mean FPS.
	// Example: 30 FPS mean → stable if stddev < 4.5 FPS
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum allowed mean jitter as a fraction of expected interval.
	// Example: 30 FPS (33ms interval) → stable if jitter < 6.6ms
	jitterStabilityThreshold = 0.20
)

// Stats contains frame-rate statistics over a window.
type Stats struct {
	Frames   int
	Duration time.Duration

	FPSMean   float64
	FPSStdDev float64
	FPSMin    float64
	FPSMax    float64

	// Jitter is the deviation of each inter-frame interval from the
	// expected interval, in seconds.
	JitterMean   float64
	JitterStdDev float64
	JitterMax    float64

	// Stable: FPS stddev < 15% of mean and mean jitter < 20% of the expected interval.
	Stable bool
}

// Calculate computes statistics from frame timestamps collected over window.
//
// Mean FPS is frames/window. Instantaneous FPS, min/max and stddev come from
// consecutive intervals; windows with fewer than two frames report the mean
// only and are never stable.
func Calculate(frameTimes []time.Time, window time.Duration) Stats {
	n := len(frameTimes)
	stats := Stats{Frames: n, Duration: window}
	if n == 0 || window <= 0 {
		return stats
	}

	stats.FPSMean = float64(n) / window.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		if interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}
	if len(instantaneous) == 0 {
		return stats
	}

	stats.FPSMin, stats.FPSMax = instantaneous[0], instantaneous[0]
	var sumSquares float64
	for _, fps := range instantaneous {
		stats.FPSMin = math.Min(stats.FPSMin, fps)
		stats.FPSMax = math.Max(stats.FPSMax, fps)
		diff := fps - stats.FPSMean
		sumSquares += diff * diff
	}
	stats.FPSStdDev = math.Sqrt(sumSquares / float64(len(instantaneous)))

	expectedInterval := 1.0 / stats.FPSMean
	jitters := make([]float64, 0, n-1)
	var jitterSum float64
	for i := 1; i < n; i++ {
		j := math.Abs(frameTimes[i].Sub(frameTimes[i-1]).Seconds() - expectedInterval)
		jitters = append(jitters, j)
		jitterSum += j
		stats.JitterMax = math.Max(stats.JitterMax, j)
	}
	stats.JitterMean = jitterSum / float64(len(jitters))

	var jitterSquares float64
	for _, j := range jitters {
		diff := j - stats.JitterMean
		jitterSquares += diff * diff
	}
	stats.JitterStdDev = math.Sqrt(jitterSquares / float64(len(jitters)))

	stats.Stable = stats.FPSStdDev < stats.FPSMean*fpsStabilityThreshold &&
		stats.JitterMean < expectedInterval*jitterStabilityThreshold

	return stats
}
