//go:build !gocv

package present

import "errors"

// ErrNoWindow is returned by NewWindow in builds without the gocv tag.
var ErrNoWindow = errors.New("present: window display requires a build with -tags gocv")

// NewWindow is unavailable without OpenCV.
func NewWindow(name string) (Sink, error) {
	return nil, ErrNoWindow
}
