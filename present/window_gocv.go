//go:build gocv

package present

import (
	"context"
	"fmt"

	"gocv.io/x/gocv"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/frame"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/inference"
)

// Window shows frames in an OpenCV HighGUI window. Pressing 'q' quits.
//
// HighGUI must be driven from one OS thread; the consumption loop is the
// only caller of Show.
type Window struct {
	win *gocv.Window
	bgr gocv.Mat
}

// NewWindow opens a window titled name.
func NewWindow(name string) (Sink, error) {
	return &Window{win: gocv.NewWindow(name), bgr: gocv.NewMat()}, nil
}

func (w *Window) Show(_ context.Context, f *frame.Frame, _ inference.Result) (bool, error) {
	rgba, err := gocv.ImageToMatRGBA(f.Image())
	if err != nil {
		return false, fmt.Errorf("present: window convert frame %d: %w", f.Seq, err)
	}
	defer rgba.Close()

	gocv.CvtColor(rgba, &w.bgr, gocv.ColorRGBAToBGR)
	w.win.IMShow(w.bgr)

	key := w.win.WaitKey(1)
	return key == 'q' || key == 'Q', nil
}

func (w *Window) Close() error {
	w.bgr.Close()
	return w.win.Close()
}
