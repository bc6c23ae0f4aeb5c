// Package frame defines the decoded video frame shared between the ingestion
// and consumption loops.
package frame

import (
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
)

// Channels is the number of bytes per pixel in Pix (R, G, B, A).
const Channels = 4

// Frame is a decoded image raster with ingestion metadata.
//
// IMMUTABILITY CONTRACT:
//   - Once handed to a framebuffer, Pix MUST NOT be modified.
//   - Consumers work on a Clone() (the buffer's Read does this for them).
type Frame struct {
	// Seq is the monotonic sequence number assigned by the receiver.
	Seq uint64
	// TraceID uniquely identifies the frame for log correlation.
	TraceID string
	// Source identifies the ingestion source (e.g., "tcp://0.0.0.0:5555").
	Source string
	// ReceivedAt is when the payload finished arriving.
	ReceivedAt time.Time

	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Stride is the number of bytes between vertically adjacent pixels.
	Stride int
	// Pix holds the NRGBA raster, one byte per channel.
	Pix []byte
}

// FromImage copies img into a new Frame in NRGBA layout. The copy is always
// made, so img may be reused by the caller afterwards.
func FromImage(img image.Image) *Frame {
	nrgba := imaging.Clone(img)
	b := nrgba.Bounds()
	return &Frame{
		Width:  b.Dx(),
		Height: b.Dy(),
		Stride: nrgba.Stride,
		Pix:    nrgba.Pix,
	}
}

// Clone returns a deep copy of f.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	if f.Pix != nil {
		c.Pix = make([]byte, len(f.Pix))
		copy(c.Pix, f.Pix)
	}
	return &c
}

// Image returns an *image.NRGBA view over Pix without copying.
// Drawing on the returned image modifies the frame.
func (f *Frame) Image() *image.NRGBA {
	return &image.NRGBA{
		Pix:    f.Pix,
		Stride: f.Stride,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Resolution formats the frame size as "WxH".
func (f *Frame) Resolution() string {
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}
