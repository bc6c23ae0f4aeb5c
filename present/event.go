package present

import (
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/framebus"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/inference"
)

// Event is the JSON form of a bus message, without the image.
type Event struct {
	Type       string                `json:"type"`
	Seq        uint64                `json:"seq"`
	Source     string                `json:"source,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
	Width      int                   `json:"width"`
	Height     int                   `json:"height"`
	FPS        float64               `json:"fps"`
	Model      string                `json:"model,omitempty"`
	LatencyMS  float64               `json:"latency_ms"`
	Detections []inference.Detection `json:"detections"`
}

// NewEvent builds the "detections" event for msg.
func NewEvent(msg framebus.Message) Event {
	dets := msg.Detections
	if dets == nil {
		dets = []inference.Detection{}
	}
	return Event{
		Type:       "detections",
		Seq:        msg.Seq,
		Source:     msg.Source,
		Timestamp:  msg.Timestamp,
		Width:      msg.Width,
		Height:     msg.Height,
		FPS:        msg.FPS,
		Model:      msg.Model,
		LatencyMS:  float64(msg.Latency.Microseconds()) / 1000,
		Detections: dets,
	}
}
