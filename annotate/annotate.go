// Package annotate draws detection boxes, captions and an FPS overlay onto
// a frame.
package annotate

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/frame"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/inference"
)

// Options controls what Draw renders.
type Options struct {
	BoxColor  color.NRGBA
	TextColor color.NRGBA
	// Thickness of box edges in pixels.
	Thickness int
	// Captions draws "label 0.87" above each box.
	Captions bool
	// FPS, when > 0, is rendered in the top-left corner.
	FPS float64
}

// DefaultOptions draws green boxes with black-on-green captions.
func DefaultOptions() Options {
	return Options{
		BoxColor:  color.NRGBA{G: 255, A: 255},
		TextColor: color.NRGBA{A: 255},
		Thickness: 2,
		Captions:  true,
	}
}

var face = basicfont.Face7x13

// Draw renders res onto f in place. f must be a private copy.
func Draw(f *frame.Frame, res inference.Result, opts Options) {
	if f == nil || f.Width == 0 || f.Height == 0 {
		return
	}
	if opts.Thickness <= 0 {
		opts.Thickness = 1
	}
	img := f.Image()

	for _, d := range res.Detections {
		r := image.Rect(int(d.Box.X1), int(d.Box.Y1), int(d.Box.X2), int(d.Box.Y2)).Intersect(img.Rect)
		if r.Empty() {
			continue
		}
		strokeRect(img, r, opts.BoxColor, opts.Thickness)
		if opts.Captions {
			caption(img, r.Min.X, r.Min.Y, fmt.Sprintf("%s %.2f", d.Label, d.Confidence), opts.TextColor, opts.BoxColor)
		}
	}

	if opts.FPS > 0 {
		caption(img, 4, face.Height+6, fmt.Sprintf("FPS: %.2f", opts.FPS), opts.TextColor, opts.BoxColor)
	}
}

func strokeRect(img draw.Image, r image.Rectangle, c color.Color, t int) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t), // top
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y), // bottom
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y), // left
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y), // right
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

// caption draws text on a filled background whose bottom-left corner is at
// (x, y), clamped into the image.
func caption(img *image.NRGBA, x, y int, text string, fg, bg color.Color) {
	width := font.MeasureString(face, text).Ceil()
	height := face.Height + 2

	if y-height < img.Rect.Min.Y {
		y = img.Rect.Min.Y + height
	}
	if x+width > img.Rect.Max.X {
		x = max(img.Rect.Min.X, img.Rect.Max.X-width)
	}

	box := image.Rect(x, y-height, x+width, y).Intersect(img.Rect)
	draw.Draw(img, box, image.NewUniform(bg), image.Point{}, draw.Src)

	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(fg),
		Face: face,
		Dot:  fixed.P(x, y-face.Descent-1),
	}
	d.DrawString(text)
}
