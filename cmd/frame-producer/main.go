// Command frame-producer sends JPEG frames to frame-ingest using the
// length-prefixed wire format. Frames are synthetic (a moving box) or read
// from a directory of images.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/framing"
)

// maxDatagramPayload is the largest payload that fits one UDP datagram.
const maxDatagramPayload = 65507 - framing.HeaderSize

type options struct {
	transport string
	addr      string
	dir       string
	fps       float64
	count     int
	width     int
	height    int
	quality   int
	retry     time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.transport, "transport", "tcp", "Transport (tcp|udp)")
	flag.StringVar(&o.addr, "addr", "127.0.0.1:5555", "frame-ingest address")
	flag.StringVar(&o.dir, "dir", "", "Directory of images to send in a loop (synthetic frames when empty)")
	flag.Float64Var(&o.fps, "fps", 15, "Frames per second")
	flag.IntVar(&o.count, "count", 0, "Frames to send (0 = until interrupted)")
	flag.IntVar(&o.width, "width", 640, "Synthetic frame width")
	flag.IntVar(&o.height, "height", 480, "Synthetic frame height")
	flag.IntVar(&o.quality, "quality", 80, "JPEG quality")
	flag.DurationVar(&o.retry, "retry", 2*time.Second, "Delay before reconnecting")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := newSource(o)
	if err != nil {
		slog.Error("producer: invalid source", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, o, src); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("producer: stopped", "error", err)
		os.Exit(1)
	}
}

// run sends frames, reconnecting after o.retry whenever the connection fails.
func run(ctx context.Context, o options, src source) error {
	var sent, bytesSent uint64
	defer func() {
		slog.Info("producer: summary", "frames", sent, "bytes", humanize.Bytes(bytesSent))
	}()

	interval := time.Duration(float64(time.Second) / o.fps)
	for {
		conn, err := (&net.Dialer{Timeout: 5 * time.Second}).DialContext(ctx, o.transport, o.addr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("producer: connect failed, retrying", "addr", o.addr, "retry_in", o.retry, "error", err)
			if !sleep(ctx, o.retry) {
				return ctx.Err()
			}
			continue
		}
		slog.Info("producer: connected", "transport", o.transport, "addr", conn.RemoteAddr().String())

		err = stream(ctx, o, src, conn, interval, &sent, &bytesSent)
		conn.Close()
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("producer: connection lost, reconnecting", "retry_in", o.retry, "error", err)
		if !sleep(ctx, o.retry) {
			return ctx.Err()
		}
	}
}

// stream returns nil when count frames were sent.
func stream(ctx context.Context, o options, src source, conn net.Conn, interval time.Duration, sent, bytesSent *uint64) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if o.count > 0 && int(*sent) >= o.count {
			return nil
		}

		payload, err := src.next()
		if err != nil {
			return err
		}

		if o.transport == "udp" && len(payload) > maxDatagramPayload {
			slog.Warn("producer: frame too large for one datagram, skipping",
				"size", humanize.Bytes(uint64(len(payload))),
				"limit", humanize.Bytes(maxDatagramPayload),
			)
		} else {
			if _, err := conn.Write(framing.Encode(payload)); err != nil {
				return err
			}
			*sent++
			*bytesSent += uint64(len(payload) + framing.HeaderSize)
			slog.Debug("producer: frame sent", "n", *sent, "bytes", len(payload))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type source interface {
	next() ([]byte, error)
}

func newSource(o options) (source, error) {
	if o.fps <= 0 {
		return nil, fmt.Errorf("fps must be > 0")
	}
	if o.transport != "tcp" && o.transport != "udp" {
		return nil, fmt.Errorf("transport %q must be tcp or udp", o.transport)
	}
	if o.dir == "" {
		return &synthetic{width: o.width, height: o.height, quality: o.quality}, nil
	}
	return newDirSource(o.dir, o.quality)
}

// synthetic renders a box moving across a dark background.
type synthetic struct {
	width, height, quality int
	n                      int
}

func (s *synthetic) next() ([]byte, error) {
	s.n++
	bg := imaging.New(s.width, s.height, color.NRGBA{R: 30, G: 30, B: 40, A: 255})
	size := max(8, s.height/5)
	x := (s.n * 8) % max(1, s.width-size)
	y := (s.height - size) / 2
	box := imaging.New(size, size, color.NRGBA{R: 230, G: 120, B: 20, A: 255})
	img := imaging.Paste(bg, box, image.Pt(x, y))
	return encodeJPEG(img, s.quality)
}

// dirSource cycles through the images in a directory. JPEG files are sent
// as-is; other formats are re-encoded.
type dirSource struct {
	files   []string
	quality int
	i       int
}

func newDirSource(dir string, quality int) (*dirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tif", ".tiff":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	sort.Strings(files)
	slog.Info("producer: sending images", "dir", dir, "files", len(files))
	return &dirSource{files: files, quality: quality}, nil
}

func (d *dirSource) next() ([]byte, error) {
	path := d.files[d.i%len(d.files)]
	d.i++

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return os.ReadFile(path)
	}
	img, err := imaging.Open(path)
	if err != nil {
		return nil, err
	}
	return encodeJPEG(img, d.quality)
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
