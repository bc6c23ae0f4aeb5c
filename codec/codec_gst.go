//go:build gst

package codec

import (
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// gstPipeline decodes one JPEG per buffer and emits RGBA samples.
const gstPipeline = "appsrc name=src is-live=true format=time do-timestamp=true caps=image/jpeg " +
	"! jpegparse ! jpegdec ! videoconvert ! video/x-raw,format=RGBA " +
	"! appsink name=sink sync=false max-buffers=1 drop=false"

// gstPullTimeout bounds how long Decode waits for the pipeline to emit a sample.
const gstPullTimeout = 2 * time.Second

func init() {
	Register("gstreamer", func() (Codec, error) { return NewGStreamer() })
}

// GStreamer decodes payloads by pushing them through an appsrc → jpegdec →
// appsink pipeline. It allows hardware JPEG decoders to be swapped in via the
// GStreamer registry without touching the service.
type GStreamer struct {
	pipeline *gst.Pipeline
	src      *app.Source
	sink     *app.Sink
}

// NewGStreamer builds the pipeline and sets it to PLAYING.
func NewGStreamer() (*GStreamer, error) {
	// Safe to call multiple times
	gst.Init(nil)

	pipeline, err := gst.NewPipelineFromString(gstPipeline)
	if err != nil {
		return nil, fmt.Errorf("codec: create gstreamer pipeline: %w", err)
	}

	srcElem, err := pipeline.GetElementByName("src")
	if err != nil {
		return nil, fmt.Errorf("codec: appsrc not found: %w", err)
	}
	sinkElem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return nil, fmt.Errorf("codec: appsink not found: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("codec: start gstreamer pipeline: %w", err)
	}

	slog.Debug("codec: gstreamer pipeline started", "pipeline", gstPipeline)

	return &GStreamer{
		pipeline: pipeline,
		src:      app.SrcFromElement(srcElem),
		sink:     app.SinkFromElement(sinkElem),
	}, nil
}

func (c *GStreamer) Decode(payload []byte) (image.Image, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	if ret := c.src.PushBuffer(gst.NewBufferFromBytes(payload)); ret != gst.FlowOK {
		return nil, fmt.Errorf("%w: push buffer: %s", ErrDecode, ret.String())
	}

	sample := c.sink.TryPullSample(gstPullTimeout)
	if sample == nil {
		return nil, fmt.Errorf("%w: no sample within %v", ErrDecode, gstPullTimeout)
	}

	width, height, err := sampleSize(sample)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, fmt.Errorf("%w: sample without buffer", ErrDecode)
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) < width*height*4 {
		buffer.Unmap()
		return nil, fmt.Errorf("%w: short buffer %d for %dx%d", ErrDecode, len(data), width, height)
	}

	// Copy pixel data (GStreamer will reuse buffer)
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	copy(img.Pix, data[:width*height*4])
	buffer.Unmap()

	return img, nil
}

func sampleSize(sample *gst.Sample) (int, int, error) {
	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, fmt.Errorf("sample without caps")
	}
	st := caps.GetStructureAt(0)
	w, err := st.GetValue("width")
	if err != nil {
		return 0, 0, fmt.Errorf("caps width: %w", err)
	}
	h, err := st.GetValue("height")
	if err != nil {
		return 0, 0, fmt.Errorf("caps height: %w", err)
	}
	width, okW := w.(int)
	height, okH := h.(int)
	if !okW || !okH || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid caps size %v x %v", w, h)
	}
	return width, height, nil
}

func (c *GStreamer) Name() string { return "gstreamer" }

// Close sends EOS and tears the pipeline down.
func (c *GStreamer) Close() error {
	c.src.EndStream()
	if err := c.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("codec: stop gstreamer pipeline: %w", err)
	}
	return nil
}
