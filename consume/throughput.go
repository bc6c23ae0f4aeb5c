package consume

import (
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/internal/fpsstats"
)

// Report is one throughput measurement.
type Report struct {
	Frames  uint64
	Elapsed time.Duration
	// FPS is Frames / Elapsed.
	FPS        float64
	FPSStdDev  float64
	JitterMean time.Duration
	Stable     bool
	At         time.Time
}

// Throughput counts processed frames since windowStart. It is owned by the
// consumption loop and not safe for concurrent use.
type Throughput struct {
	frameCount  uint64
	windowStart time.Time
	times       []time.Time
}

// NewThroughput starts a window at now.
func NewThroughput(now time.Time) *Throughput {
	return &Throughput{windowStart: now}
}

// Add records a processed frame.
func (t *Throughput) Add(at time.Time) {
	t.frameCount++
	t.times = append(t.times, at)
}

// Count returns the frames counted in the current window.
func (t *Throughput) Count() uint64 { return t.frameCount }

// Due reports whether interval has elapsed since the window started.
func (t *Throughput) Due(now time.Time, interval time.Duration) bool {
	return now.Sub(t.windowStart) >= interval
}

// Report computes the window's rate and starts a new window at now.
func (t *Throughput) Report(now time.Time) Report {
	elapsed := now.Sub(t.windowStart)
	r := Report{Frames: t.frameCount, Elapsed: elapsed, At: now}
	if elapsed > 0 {
		r.FPS = float64(t.frameCount) / elapsed.Seconds()
		s := fpsstats.Calculate(t.times, elapsed)
		r.FPSStdDev = s.FPSStdDev
		r.JitterMean = time.Duration(s.JitterMean * float64(time.Second))
		r.Stable = s.Stable
	}

	t.frameCount = 0
	t.windowStart = now
	t.times = t.times[:0]
	return r
}
