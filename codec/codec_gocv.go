//go:build gocv

package codec

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

func init() {
	Register("gocv", func() (Codec, error) { return &OpenCV{}, nil })
}

// OpenCV decodes payloads with OpenCV's imdecode.
type OpenCV struct{}

func (c *OpenCV) Decode(payload []byte) (image.Image, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	mat, err := gocv.IMDecode(payload, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	defer mat.Close()

	if mat.Empty() {
		return nil, fmt.Errorf("%w: imdecode returned an empty matrix", ErrDecode)
	}
	img, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return img, nil
}

func (c *OpenCV) Name() string { return "gocv" }

func (c *OpenCV) Close() error { return nil }
