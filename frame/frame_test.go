package frame_test

import (
	"image"
	"image/color"
	"testing"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/frame"
)

func TestFromImageCopiesPixels(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 3, 2))
	src.Set(1, 1, color.RGBA{R: 200, G: 10, B: 20, A: 255})

	f := frame.FromImage(src)
	if f.Width != 3 || f.Height != 2 {
		t.Fatalf("size = %dx%d, want 3x2", f.Width, f.Height)
	}
	if len(f.Pix) != 3*2*frame.Channels {
		t.Fatalf("len(Pix) = %d, want %d", len(f.Pix), 3*2*frame.Channels)
	}

	got := f.Image().NRGBAAt(1, 1)
	if got.R != 200 || got.G != 10 || got.B != 20 || got.A != 255 {
		t.Errorf("pixel (1,1) = %+v, want {200 10 20 255}", got)
	}

	// Mutating the source must not leak into the frame.
	src.Set(1, 1, color.RGBA{})
	if f.Image().NRGBAAt(1, 1).R != 200 {
		t.Error("FromImage() shares memory with the source image")
	}
}

func TestFromImageNonZeroOrigin(t *testing.T) {
	src := image.NewNRGBA(image.Rect(10, 10, 14, 12))
	f := frame.FromImage(src)
	if f.Width != 4 || f.Height != 2 {
		t.Fatalf("size = %dx%d, want 4x2", f.Width, f.Height)
	}
	if f.Image().Bounds().Min != (image.Point{}) {
		t.Errorf("Image() bounds = %v, want origin at 0,0", f.Image().Bounds())
	}
}

func TestCloneIsDeep(t *testing.T) {
	f := &frame.Frame{Seq: 7, TraceID: "abc", Width: 1, Height: 1, Stride: 4, Pix: []byte{1, 2, 3, 4}}
	c := f.Clone()

	c.Pix[0] = 99
	if f.Pix[0] != 1 {
		t.Fatal("Clone() shares Pix with the original")
	}
	if c.Seq != 7 || c.TraceID != "abc" {
		t.Errorf("Clone() lost metadata: %+v", c)
	}
	if (*frame.Frame)(nil).Clone() != nil {
		t.Error("nil.Clone() should be nil")
	}
	if f.Resolution() != "1x1" {
		t.Errorf("Resolution() = %q, want 1x1", f.Resolution())
	}
}
