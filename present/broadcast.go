package present

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/disintegration/imaging"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/frame"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/framebus"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/inference"
)

// BroadcastConfig controls how annotated frames are encoded for the bus.
type BroadcastConfig struct {
	// JPEGQuality in [1, 100]. Default 80.
	JPEGQuality int
	// MaxWidth downscales wider frames before encoding (0 = never).
	MaxWidth int
}

// Broadcast is the Sink feeding a framebus. The frame is JPEG-encoded once
// and shared by every subscriber (websocket clients, MQTT, snapshots).
type Broadcast struct {
	cfg BroadcastConfig
	bus *framebus.Bus

	fpsBits  atomic.Uint64
	encoded  atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64
}

// BroadcastStats is a snapshot of Broadcast counters.
type BroadcastStats struct {
	Encoded  uint64
	Skipped  uint64
	Failures uint64
	Bus      framebus.BusStats
}

// NewBroadcast creates a Broadcast that owns a new bus.
func NewBroadcast(cfg BroadcastConfig) *Broadcast {
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 80
	}
	return &Broadcast{cfg: cfg, bus: framebus.New()}
}

// Bus returns the bus subscribers attach to.
func (b *Broadcast) Bus() *framebus.Bus { return b.bus }

// SetFPS records the consumer throughput carried in subsequent messages.
func (b *Broadcast) SetFPS(fps float64) {
	b.fpsBits.Store(math.Float64bits(fps))
}

func (b *Broadcast) fps() float64 {
	return math.Float64frombits(b.fpsBits.Load())
}

// Show encodes f and publishes it. Nothing is encoded while the bus has no
// subscribers.
func (b *Broadcast) Show(_ context.Context, f *frame.Frame, res inference.Result) (bool, error) {
	if b.bus.Len() == 0 {
		b.skipped.Add(1)
		return false, nil
	}

	jpeg, err := b.encode(f)
	if err != nil {
		b.failures.Add(1)
		return false, err
	}
	b.encoded.Add(1)

	b.bus.Publish(framebus.Message{
		Seq:        f.Seq,
		Source:     f.Source,
		Timestamp:  f.ReceivedAt,
		Width:      f.Width,
		Height:     f.Height,
		JPEG:       jpeg,
		Detections: res.Detections,
		Model:      res.Model,
		Latency:    res.Latency,
		FPS:        b.fps(),
	})
	return false, nil
}

func (b *Broadcast) encode(f *frame.Frame) ([]byte, error) {
	var img image.Image = f.Image()
	if b.cfg.MaxWidth > 0 && f.Width > b.cfg.MaxWidth {
		img = imaging.Resize(img, b.cfg.MaxWidth, 0, imaging.Linear)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(b.cfg.JPEGQuality)); err != nil {
		return nil, fmt.Errorf("present: encode frame %d: %w", f.Seq, err)
	}
	return buf.Bytes(), nil
}

// Stats returns a snapshot of encoder and bus counters.
func (b *Broadcast) Stats() BroadcastStats {
	return BroadcastStats{
		Encoded:  b.encoded.Load(),
		Skipped:  b.skipped.Load(),
		Failures: b.failures.Load(),
		Bus:      b.bus.Stats(),
	}
}

// Close closes the bus, waking every DropOld subscriber.
func (b *Broadcast) Close() error {
	stats := b.bus.Stats()
	slog.Info("present: broadcast closed",
		"encoded", b.encoded.Load(),
		"published", stats.TotalPublished,
		"drop_rate", framebus.CalculateDropRate(stats),
	)
	return b.bus.Close()
}
