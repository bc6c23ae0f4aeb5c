// Package inference defines the detection result model and the engines the
// consumption loop runs on every frame.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/frame"
)

// ErrInference marks every engine failure.
var ErrInference = errors.New("inference: engine failure")

// Box is an axis-aligned bounding box in pixel coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width of the box (0 if degenerate).
func (b Box) Width() float64 { return max(0, b.X2-b.X1) }

// Height of the box (0 if degenerate).
func (b Box) Height() float64 { return max(0, b.Y2-b.Y1) }

// Detection is one labelled object.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"` // [0, 1]
	Box        Box     `json:"box"`
}

func (d Detection) String() string {
	return fmt.Sprintf("%s %.2f [%.0f,%.0f,%.0f,%.0f]", d.Label, d.Confidence, d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
}

// Result is the ordered detection list for one frame.
type Result struct {
	FrameSeq   uint64
	Detections []Detection
	// Latency is the wall time of the Infer call.
	Latency time.Duration
	// Model identifies the engine/model that produced the result.
	Model string
}

// Filter returns a copy of r keeping detections with confidence >= minConfidence.
func (r Result) Filter(minConfidence float64) Result {
	if minConfidence <= 0 {
		return r
	}
	out := r
	out.Detections = make([]Detection, 0, len(r.Detections))
	for _, d := range r.Detections {
		if d.Confidence >= minConfidence {
			out.Detections = append(out.Detections, d)
		}
	}
	return out
}

// Top returns the n most confident detections, highest first. Ties keep
// their original order.
func (r Result) Top(n int) []Detection {
	sorted := make([]Detection, len(r.Detections))
	copy(sorted, r.Detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})
	if n >= 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// Engine runs object detection on a frame.
//
// Infer may be slow; the consumption loop's cadence is bounded by it.
// Failures wrap ErrInference and only skip the frame.
type Engine interface {
	Infer(ctx context.Context, f *frame.Frame) (Result, error)
	Close() error
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, f *frame.Frame) (Result, error)

func (fn EngineFunc) Infer(ctx context.Context, f *frame.Frame) (Result, error) { return fn(ctx, f) }

func (fn EngineFunc) Close() error { return nil }

// Nop returns no detections. It lets the pipeline run without a model.
type Nop struct{}

func (Nop) Infer(_ context.Context, f *frame.Frame) (Result, error) {
	return Result{FrameSeq: f.Seq, Model: "none"}, nil
}

func (Nop) Close() error { return nil }

func clamp01(v float64) float64 {
	return min(1, max(0, v))
}
