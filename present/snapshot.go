package present

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/frame"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/inference"
)

// SnapshotConfig configures periodic snapshots of annotated frames.
type SnapshotConfig struct {
	Dir string
	// Interval between saved frames (0 = every frame).
	Interval time.Duration
	// Format is "jpg" or "png". Default "jpg".
	Format      string
	JPEGQuality int
}

// Snapshotter saves an annotated frame to disk at most once per Interval.
type Snapshotter struct {
	cfg SnapshotConfig
	now func() time.Time

	mu       sync.Mutex
	lastSave time.Time

	saved  atomic.Uint64
	failed atomic.Uint64
}

// SnapshotStats is a snapshot of saver counters.
type SnapshotStats struct {
	Saved  uint64
	Failed uint64
	Dir    string
}

// NewSnapshotter creates the output directory and returns a saver.
func NewSnapshotter(cfg SnapshotConfig) (*Snapshotter, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("present: snapshot dir is required")
	}
	cfg.Format = strings.ToLower(cfg.Format)
	switch cfg.Format {
	case "", "jpeg":
		cfg.Format = "jpg"
	case "jpg", "png":
	default:
		return nil, fmt.Errorf("present: unsupported snapshot format %q", cfg.Format)
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 90
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("present: create snapshot dir: %w", err)
	}

	slog.Info("present: snapshots enabled", "dir", cfg.Dir, "interval", cfg.Interval, "format", cfg.Format)
	return &Snapshotter{cfg: cfg, now: time.Now}, nil
}

// Show saves f when the interval has elapsed. A failed write is counted and
// returned; it never asks the loop to quit.
func (s *Snapshotter) Show(_ context.Context, f *frame.Frame, _ inference.Result) (bool, error) {
	now := s.now()

	s.mu.Lock()
	if !s.lastSave.IsZero() && now.Sub(s.lastSave) < s.cfg.Interval {
		s.mu.Unlock()
		return false, nil
	}
	s.lastSave = now
	s.mu.Unlock()

	name := fmt.Sprintf("frame_%06d_%s.%s", f.Seq, now.Format("20060102_150405.000"), s.cfg.Format)
	path := filepath.Join(s.cfg.Dir, name)

	if err := imaging.Save(f.Image(), path, imaging.JPEGQuality(s.cfg.JPEGQuality)); err != nil {
		s.failed.Add(1)
		return false, fmt.Errorf("present: save snapshot %s: %w", name, err)
	}
	s.saved.Add(1)
	slog.Debug("present: snapshot saved", "path", path, "seq", f.Seq)
	return false, nil
}

// Stats returns a snapshot of saver counters.
func (s *Snapshotter) Stats() SnapshotStats {
	return SnapshotStats{Saved: s.saved.Load(), Failed: s.failed.Load(), Dir: s.cfg.Dir}
}

func (s *Snapshotter) Close() error {
	slog.Info("present: snapshots stopped", "saved", s.saved.Load(), "failed", s.failed.Load())
	return nil
}
