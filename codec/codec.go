// Package codec turns received payloads (compressed images) into rasters.
//
// Codecs are registered by name so the service can select one from
// configuration. The default "imaging" codec is pure Go; "gocv" and
// "gstreamer" are compiled in with the gocv and gst build tags.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
)

// Default is the codec used when none is configured.
const Default = "imaging"

// ErrDecode marks every decode failure. Callers classify with errors.Is.
var ErrDecode = errors.New("codec: decode failure")

// Codec decodes a compressed image payload.
//
// Implementations must be safe for use by a single goroutine; the ingestion
// loop never calls Decode concurrently.
type Codec interface {
	// Decode returns the decoded image or an error wrapping ErrDecode.
	Decode(payload []byte) (image.Image, error)
	// Name identifies the codec in logs.
	Name() string
	// Close releases native resources, if any.
	Close() error
}

// Factory builds a codec instance.
type Factory func() (Codec, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a codec available under name. Registering the same name
// twice replaces the earlier factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New builds the codec registered under name. An empty name selects Default.
func New(name string) (Codec, error) {
	if name == "" {
		name = Default
	}
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec: unknown codec %q (available: %v)", name, Names())
	}
	return f()
}

// Names lists the registered codecs in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(Default, func() (Codec, error) { return NewImaging(), nil })
}

// Imaging decodes JPEG, PNG, GIF, BMP and TIFF payloads in pure Go.
type Imaging struct {
	autoOrient bool
}

// NewImaging returns the pure Go codec. EXIF orientation is applied so
// phone cameras sending rotated JPEGs produce upright frames.
func NewImaging() *Imaging {
	return &Imaging{autoOrient: true}
}

func (c *Imaging) Decode(payload []byte) (image.Image, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	img, err := imaging.Decode(bytes.NewReader(payload), imaging.AutoOrientation(c.autoOrient))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return img, nil
}

func (c *Imaging) Name() string { return Default }

func (c *Imaging) Close() error { return nil }

// Func adapts a plain decode function to Codec.
type Func func(payload []byte) (image.Image, error)

func (f Func) Decode(payload []byte) (image.Image, error) { return f(payload) }

func (f Func) Name() string { return "func" }

func (f Func) Close() error { return nil }
