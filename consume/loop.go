// Package consume runs the consumption loop: it polls the frame buffer on a
// fixed cadence, runs inference on the newest frame, annotates it and hands
// it to the presentation sink.
//
// The loop is not event-driven. Each tick reads the buffer once; an empty
// buffer or a frame already processed skips the tick. Inference or sink
// failures are logged and skip only that frame.
package consume

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/annotate"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/frame"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/inference"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/ingest"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/present"
)

// ErrQuitRequested is returned by Run when the sink asked to stop.
var ErrQuitRequested = errors.New("consume: quit requested")

// Source is where the loop reads frames from. Read must return a private
// copy and never block.
type Source interface {
	Read() (*frame.Frame, bool)
}

// Config controls the loop cadence and what is drawn.
type Config struct {
	PollInterval   time.Duration
	ReportInterval time.Duration
	// TopDetections is how many detections are logged per report.
	TopDetections int
	// MinConfidence drops weaker detections before annotation.
	MinConfidence float64
	Annotate      bool
	Overlay       annotate.Options
}

// DefaultConfig polls every 10ms and reports every second.
func DefaultConfig() Config {
	return Config{
		PollInterval:   10 * time.Millisecond,
		ReportInterval: time.Second,
		TopDetections:  5,
		Annotate:       true,
		Overlay:        annotate.DefaultOptions(),
	}
}

// Stats is a snapshot of loop counters.
type Stats struct {
	Processed         uint64
	InferenceFailures uint64
	SinkFailures      uint64
	// StaleTicks found the same frame as the previous tick.
	StaleTicks uint64
	EmptyTicks uint64
	Reports    uint64
	LastFPS    float64
}

// Option configures a Loop.
type Option func(*Loop)

// WithReporter registers fn to receive every throughput report.
func WithReporter(fn func(Report)) Option {
	return func(l *Loop) { l.reporters = append(l.reporters, fn) }
}

// Loop is the consumption loop.
type Loop struct {
	cfg       Config
	src       Source
	engine    inference.Engine
	sink      present.Sink
	reporters []func(Report)

	lastSeq    uint64
	hasLast    bool
	lastResult inference.Result

	processed         atomic.Uint64
	inferenceFailures atomic.Uint64
	sinkFailures      atomic.Uint64
	staleTicks        atomic.Uint64
	emptyTicks        atomic.Uint64
	reports           atomic.Uint64
	lastFPSBits       atomic.Uint64
}

// New creates a loop. Zero durations take the defaults.
func New(cfg Config, src Source, engine inference.Engine, sink present.Sink, opts ...Option) *Loop {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = def.ReportInterval
	}
	if engine == nil {
		engine = inference.Nop{}
	}
	if sink == nil {
		sink = present.Log{}
	}
	l := &Loop{cfg: cfg, src: src, engine: engine, sink: sink}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run polls until ctx is done (returns nil) or the sink requests quit
// (returns ErrQuitRequested). Run must not be called concurrently.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("consume: loop started",
		"poll_interval", l.cfg.PollInterval,
		"report_interval", l.cfg.ReportInterval,
	)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	tp := NewThroughput(time.Now())
	for {
		select {
		case <-ctx.Done():
			l.logSummary()
			return nil
		case <-ticker.C:
		}

		quit := l.tick(ctx, tp)

		if now := time.Now(); tp.Due(now, l.cfg.ReportInterval) {
			l.report(tp.Report(now))
		}

		if quit {
			slog.Info("consume: quit requested by sink")
			l.logSummary()
			return ErrQuitRequested
		}
	}
}

func (l *Loop) tick(ctx context.Context, tp *Throughput) bool {
	f, ok := l.src.Read()
	if !ok {
		l.emptyTicks.Add(1)
		return false
	}
	if l.hasLast && f.Seq == l.lastSeq {
		l.staleTicks.Add(1)
		return false
	}
	l.lastSeq, l.hasLast = f.Seq, true

	res, err := l.engine.Infer(ctx, f)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		l.inferenceFailures.Add(1)
		slog.Warn("consume: inference failed",
			"seq", f.Seq,
			"trace_id", f.TraceID,
			"kind", ingest.KindInferenceFailure.String(),
			"failures", l.inferenceFailures.Load(),
			"error", err,
		)
		return false
	}
	res = res.Filter(l.cfg.MinConfidence)
	l.lastResult = res

	if l.cfg.Annotate {
		opts := l.cfg.Overlay
		opts.FPS = l.lastFPS()
		annotate.Draw(f, res, opts)
	}

	quit, err := l.sink.Show(ctx, f, res)
	if err != nil {
		l.sinkFailures.Add(1)
		slog.Warn("consume: presentation failed",
			"seq", f.Seq,
			"trace_id", f.TraceID,
			"failures", l.sinkFailures.Load(),
			"error", err,
		)
	}

	l.processed.Add(1)
	tp.Add(time.Now())
	return quit
}

func (l *Loop) report(r Report) {
	l.reports.Add(1)
	l.lastFPSBits.Store(math.Float64bits(r.FPS))

	slog.Info("consume: throughput",
		"frames", r.Frames,
		"elapsed", r.Elapsed.Round(time.Millisecond),
		"fps", r.FPS,
		"fps_stddev", r.FPSStdDev,
		"jitter_mean", r.JitterMean,
		"stable", r.Stable,
	)

	if l.cfg.TopDetections > 0 && len(l.lastResult.Detections) > 0 {
		for i, d := range l.lastResult.Top(l.cfg.TopDetections) {
			slog.Info("consume: detection",
				"rank", i+1,
				"seq", l.lastResult.FrameSeq,
				"label", d.Label,
				"confidence", d.Confidence,
				"box", d.Box,
			)
		}
	}

	for _, fn := range l.reporters {
		fn(r)
	}
}

func (l *Loop) lastFPS() float64 {
	return math.Float64frombits(l.lastFPSBits.Load())
}

// Stats returns a snapshot of loop counters. Safe to call concurrently with Run.
func (l *Loop) Stats() Stats {
	return Stats{
		Processed:         l.processed.Load(),
		InferenceFailures: l.inferenceFailures.Load(),
		SinkFailures:      l.sinkFailures.Load(),
		StaleTicks:        l.staleTicks.Load(),
		EmptyTicks:        l.emptyTicks.Load(),
		Reports:           l.reports.Load(),
		LastFPS:           l.lastFPS(),
	}
}

func (l *Loop) logSummary() {
	s := l.Stats()
	slog.Info("consume: loop stopped",
		"processed", s.Processed,
		"inference_failures", s.InferenceFailures,
		"sink_failures", s.SinkFailures,
		"empty_ticks", s.EmptyTicks,
		"stale_ticks", s.StaleTicks,
	)
}
