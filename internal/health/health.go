// Package health serves liveness, readiness and Prometheus metrics for the
// service.
package health

import (
	"fmt"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/consume"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/framebuffer"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/inference"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/ingest"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/present"
)

// Status values, ordered by severity.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// StaleFrameThreshold marks the buffer stale while a producer is connected.
const StaleFrameThreshold = 5 * time.Second

// Snapshot gathers the component stats at one instant. Optional components
// are nil when not configured.
type Snapshot struct {
	InstanceID string
	Running    bool
	Uptime     time.Duration

	Ingest  ingest.Stats
	Buffer  framebuffer.Stats
	Consume consume.Stats

	Inference *inference.ProcessStats
	Broadcast *present.BroadcastStats
	MQTT      *present.MQTTStats
	// WebSocketClients is -1 when the websocket preview is disabled.
	WebSocketClients int
}

// Source provides snapshots. core.Service implements it.
type Source interface {
	Snapshot() Snapshot
}

// Report is the readiness body.
type Report struct {
	Status        string   `json:"status"`
	Reasons       []string `json:"reasons,omitempty"`
	InstanceID    string   `json:"instance_id"`
	UptimeSeconds int64    `json:"uptime_seconds"`

	IngestState      string  `json:"ingest_state"`
	IngestConnected  bool    `json:"ingest_connected"`
	Source           string  `json:"source"`
	FramesPublished  uint64  `json:"frames_published"`
	DecodeFailures   uint64  `json:"decode_failures"`
	FrameAgeMS       int64   `json:"frame_age_ms"`
	FramesProcessed  uint64  `json:"frames_processed"`
	ConsumerFPS      float64 `json:"consumer_fps"`
	InferenceRunning *bool   `json:"inference_running,omitempty"`
	MQTTConnected    *bool   `json:"mqtt_connected,omitempty"`
	WebSocketClients *int    `json:"websocket_clients,omitempty"`
}

// Evaluate derives the health status from s.
//
//   - unhealthy: the service is not running.
//   - degraded: no producer connected, frames stale while connected, or the
//     MQTT broker unreachable.
func Evaluate(s Snapshot) Report {
	r := Report{
		Status:          StatusHealthy,
		InstanceID:      s.InstanceID,
		UptimeSeconds:   int64(s.Uptime.Seconds()),
		IngestState:     s.Ingest.State.String(),
		IngestConnected: s.Ingest.IsConnected,
		Source:          s.Ingest.SourceStream,
		FramesPublished: s.Ingest.FramesPublished,
		DecodeFailures:  s.Ingest.DecodeFailures,
		FrameAgeMS:      s.Buffer.Age().Milliseconds(),
		FramesProcessed: s.Consume.Processed,
		ConsumerFPS:     s.Consume.LastFPS,
	}
	if s.Inference != nil {
		running := s.Inference.Running
		r.InferenceRunning = &running
	}
	if s.MQTT != nil {
		connected := s.MQTT.Connected
		r.MQTTConnected = &connected
	}
	if s.WebSocketClients >= 0 {
		clients := s.WebSocketClients
		r.WebSocketClients = &clients
	}

	if !s.Running {
		r.Status = StatusUnhealthy
		r.Reasons = append(r.Reasons, "service not running")
		return r
	}

	if !s.Ingest.IsConnected {
		r.Reasons = append(r.Reasons, fmt.Sprintf("ingest %s", s.Ingest.State))
	} else if s.Buffer.Published > 0 && s.Buffer.Age() > StaleFrameThreshold {
		r.Reasons = append(r.Reasons, fmt.Sprintf("no frame for %s", s.Buffer.Age().Round(time.Second)))
	}
	if s.MQTT != nil && !s.MQTT.Connected {
		r.Reasons = append(r.Reasons, "mqtt disconnected")
	}
	if len(r.Reasons) > 0 {
		r.Status = StatusDegraded
	}
	return r
}
