package framing_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"testing/quick"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/framing"
)

// oneByteReader returns at most one byte per Read, simulating TCP segmentation.
type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestEncodeHeaderIsBigEndian(t *testing.T) {
	got := framing.Encode([]byte("hello"))
	want := []byte{0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode() = %v, want %v", got, want)
	}
}

// TestRoundTripProperty: for any payload, framing then reading yields the
// same payload, even when the transport delivers one byte at a time.
func TestRoundTripProperty(t *testing.T) {
	f := func(payload []byte) bool {
		var buf bytes.Buffer
		if err := framing.WriteFrame(&buf, payload); err != nil {
			return false
		}
		got, err := framing.NewReader(oneByteReader{&buf}, 0).Next()
		if err != nil {
			return false
		}
		return bytes.Equal(got, payload)
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 200}); err != nil {
		t.Error(err)
	}
}

func TestReaderSequence(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{0xAB}, 4096)}
	for _, p := range payloads {
		if err := framing.WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame() failed: %v", err)
		}
	}

	r := framing.NewReader(&buf, 0)
	for i, want := range payloads {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next() #%d failed: %v", i, err)
		}
		if got == nil {
			t.Fatalf("Next() #%d returned nil payload", i)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Next() #%d = %d bytes, want %d", i, len(got), len(want))
		}
	}

	if _, err := r.Next(); !errors.Is(err, framing.ErrEndOfStream) {
		t.Fatalf("Next() after last message: err = %v, want ErrEndOfStream", err)
	}
}

func TestReaderEndOfStream(t *testing.T) {
	tests := []struct {
		name       string
		input      []byte
		unexpected bool
	}{
		{"empty stream", nil, false},
		{"partial header", []byte{0, 0}, true},
		{"partial payload", append([]byte{0, 0, 0, 10}, []byte("abc")...), true},
		{"header only", []byte{0, 0, 0, 3}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := framing.NewReader(bytes.NewReader(tt.input), 0).Next()
			if !errors.Is(err, framing.ErrEndOfStream) {
				t.Fatalf("err = %v, want ErrEndOfStream", err)
			}
			if got := errors.Is(err, io.ErrUnexpectedEOF); got != tt.unexpected {
				t.Errorf("errors.Is(err, io.ErrUnexpectedEOF) = %v, want %v", got, tt.unexpected)
			}
		})
	}
}

func TestReaderRejectsOversizedLength(t *testing.T) {
	input := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	_, err := framing.NewReader(bytes.NewReader(input), 1024).Next()
	if !errors.Is(err, framing.ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
	if !errors.Is(err, framing.ErrMalformedHeader) {
		t.Fatalf("ErrFrameTooLarge must match ErrMalformedHeader, got %v", err)
	}
}

func TestReadExactTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	if err := server.SetReadDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline() failed: %v", err)
	}
	_, err := framing.ReadExact(server, 4)
	if !errors.Is(err, framing.ErrReceiveTimeout) {
		t.Fatalf("err = %v, want ErrReceiveTimeout", err)
	}
}

func TestDecodeHeader(t *testing.T) {
	if _, err := framing.DecodeHeader([]byte{1, 2, 3}); !errors.Is(err, framing.ErrMalformedHeader) {
		t.Fatalf("short header: err = %v, want ErrMalformedHeader", err)
	}
	n, err := framing.DecodeHeader([]byte{0, 0, 1, 0, 99})
	if err != nil {
		t.Fatalf("DecodeHeader() failed: %v", err)
	}
	if n != 256 {
		t.Errorf("DecodeHeader() = %d, want 256", n)
	}
}

func TestParseDatagram(t *testing.T) {
	tests := []struct {
		name    string
		pkt     []byte
		want    []byte
		wantErr bool
	}{
		{"exact", framing.Encode([]byte("jpeg")), []byte("jpeg"), false},
		{"trailing bytes ignored", append(framing.Encode([]byte("ab")), 'x', 'y'), []byte("ab"), false},
		{"zero length", []byte{0, 0, 0, 0}, []byte{}, false},
		{"too short", []byte{0, 0, 1}, nil, true},
		{"length beyond packet", []byte{0, 0, 0, 9, 'a', 'b'}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := framing.ParseDatagram(tt.pkt)
			if tt.wantErr {
				if !errors.Is(err, framing.ErrMalformedHeader) {
					t.Fatalf("err = %v, want ErrMalformedHeader", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDatagram() failed: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("ParseDatagram() = %q, want %q", got, tt.want)
			}
		})
	}
}
