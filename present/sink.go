// Package present shows annotated frames: local window, live websocket
// preview, MQTT detection events and periodic snapshots.
//
// Every presenter implements Sink. The consumption loop calls Show once per
// processed frame with a private, already annotated copy.
package present

import (
	"context"
	"errors"
	"log/slog"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/frame"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/inference"
)

// Sink receives annotated frames.
type Sink interface {
	// Show presents f. quit is true when the operator asked to stop
	// (e.g., 'q' in the preview window).
	Show(ctx context.Context, f *frame.Frame, res inference.Result) (quit bool, err error)
	Close() error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, f *frame.Frame, res inference.Result) (bool, error)

func (fn SinkFunc) Show(ctx context.Context, f *frame.Frame, res inference.Result) (bool, error) {
	return fn(ctx, f, res)
}

func (fn SinkFunc) Close() error { return nil }

// Multi fans Show out to several sinks. It quits if any sink quits and
// joins their errors.
type Multi []Sink

func (m Multi) Show(ctx context.Context, f *frame.Frame, res inference.Result) (bool, error) {
	var (
		quit bool
		errs []error
	)
	for _, s := range m {
		q, err := s.Show(ctx, f, res)
		quit = quit || q
		if err != nil {
			errs = append(errs, err)
		}
	}
	return quit, errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes each frame's detections at debug level. It is the headless
// default when no other presenter is configured.
type Log struct{}

func (Log) Show(_ context.Context, f *frame.Frame, res inference.Result) (bool, error) {
	slog.Debug("present: frame",
		"seq", f.Seq,
		"trace_id", f.TraceID,
		"resolution", f.Resolution(),
		"detections", len(res.Detections),
	)
	return false, nil
}

func (Log) Close() error { return nil }
