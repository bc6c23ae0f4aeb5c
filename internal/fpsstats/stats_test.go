package fpsstats

import (
	"math"
	"testing"
	"testing/quick"
	"time"
)

func evenlySpaced(n int, interval time.Duration) []time.Time {
	start := time.Now()
	times := make([]time.Time, n)
	for i := range times {
		times[i] = start.Add(time.Duration(i) * interval)
	}
	return times
}

func TestCalculateEmpty(t *testing.T) {
	s := Calculate(nil, time.Second)
	if s.Frames != 0 || s.FPSMean != 0 || s.Stable {
		t.Errorf("Calculate(nil) = %+v, want zero stats", s)
	}
	if s := Calculate(evenlySpaced(3, time.Millisecond), 0); s.FPSMean != 0 {
		t.Errorf("zero window produced FPSMean %v", s.FPSMean)
	}
}

func TestCalculateSingleFrame(t *testing.T) {
	s := Calculate(evenlySpaced(1, 0), time.Second)
	if s.FPSMean != 1 {
		t.Errorf("FPSMean = %v, want 1", s.FPSMean)
	}
	if s.Stable {
		t.Error("a single frame cannot be stable")
	}
}

func TestCalculateSteadyStream(t *testing.T) {
	// 30 frames at 33.33ms over 1s
	interval := time.Second / 30
	s := Calculate(evenlySpaced(30, interval), time.Second)

	if math.Abs(s.FPSMean-30) > 0.01 {
		t.Errorf("FPSMean = %.2f, want 30", s.FPSMean)
	}
	if math.Abs(s.FPSMin-30) > 0.1 || math.Abs(s.FPSMax-30) > 0.1 {
		t.Errorf("FPS range = [%.2f, %.2f], want ~30", s.FPSMin, s.FPSMax)
	}
	if !s.Stable {
		t.Errorf("steady stream reported unstable: %+v", s)
	}
}

func TestCalculateBurstyStream(t *testing.T) {
	start := time.Now()
	var times []time.Time
	// Bursts of 5 frames 1ms apart, every 200ms.
	for burst := 0; burst < 5; burst++ {
		for i := 0; i < 5; i++ {
			times = append(times, start.Add(time.Duration(burst)*200*time.Millisecond+time.Duration(i)*time.Millisecond))
		}
	}
	s := Calculate(times, time.Second)
	if s.Stable {
		t.Errorf("bursty stream reported stable: %+v", s)
	}
	if s.FPSMax < 500 {
		t.Errorf("FPSMax = %.1f, want burst rate ~1000", s.FPSMax)
	}
}

// TestMinMeanMaxProperty: for evenly spaced frames, min ≤ max and the
// instantaneous rate matches 1/interval.
func TestMinMeanMaxProperty(t *testing.T) {
	f := func(n uint8, ms uint8) bool {
		frames := int(n%50) + 2
		interval := time.Duration(int(ms)%100+1) * time.Millisecond
		s := Calculate(evenlySpaced(frames, interval), time.Duration(frames)*interval)
		want := 1 / interval.Seconds()
		return s.FPSMin <= s.FPSMax && math.Abs(s.FPSMin-want) < want*0.01
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 100}); err != nil {
		t.Error(err)
	}
}
