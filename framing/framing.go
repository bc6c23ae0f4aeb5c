// Package framing implements the length-prefixed wire format shared by the
// stream (TCP) and datagram (UDP) transports.
//
// A message is a 4-byte big-endian unsigned payload length followed by exactly
// that many payload bytes:
//
//	+--------+--------+--------+--------+=====================+
//	|        length (uint32, BE)        |  payload (length B) |
//	+--------+--------+--------+--------+=====================+
//
// On a stream, messages are concatenated back to back. On a datagram socket
// each packet carries exactly one message.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	// HeaderSize is the size of the length prefix in bytes.
	HeaderSize = 4

	// DefaultMaxPayload bounds the declared payload length (16 MiB).
	// A header above this is treated as malformed rather than allocated.
	DefaultMaxPayload = 16 << 20
)

// ByteOrder is the byte order of the length prefix.
var ByteOrder = binary.BigEndian

var (
	// ErrMalformedHeader is returned when a length prefix cannot be decoded.
	ErrMalformedHeader = errors.New("framing: malformed header")

	// ErrFrameTooLarge is returned when the declared length exceeds the
	// configured maximum. It matches ErrMalformedHeader under errors.Is.
	ErrFrameTooLarge = fmt.Errorf("%w: payload length exceeds limit", ErrMalformedHeader)

	// ErrEndOfStream is returned when the peer closes the stream, either
	// cleanly between messages or in the middle of one.
	ErrEndOfStream = errors.New("framing: end of stream")

	// ErrReceiveTimeout is returned when a read deadline expires.
	ErrReceiveTimeout = errors.New("framing: receive timeout")
)

// Encode returns header+payload as a single buffer.
func Encode(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	ByteOrder.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// WriteFrame writes one framed message to w in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return ErrFrameTooLarge
	}
	if _, err := w.Write(Encode(payload)); err != nil {
		return fmt.Errorf("framing: write: %w", err)
	}
	return nil
}

// DecodeHeader decodes the payload length from the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (uint32, error) {
	if len(b) < HeaderSize {
		return 0, fmt.Errorf("%w: got %d bytes, need %d", ErrMalformedHeader, len(b), HeaderSize)
	}
	return ByteOrder.Uint32(b[:HeaderSize]), nil
}

// ReadExact reads exactly n bytes from r, looping over partial reads.
//
// Errors:
//   - ErrEndOfStream if the stream ends before n bytes were read (wrapping
//     io.ErrUnexpectedEOF when it ended mid-buffer)
//   - ErrReceiveTimeout if r reports a net.Error timeout
//   - any other read error, wrapped
func ReadExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r io.Reader, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err == nil {
			continue
		}
		if read == len(buf) {
			// Data and error on the same call: the buffer is complete,
			// the error resurfaces on the next read.
			return nil
		}
		return classifyReadError(err, read)
	}
	return nil
}

func classifyReadError(err error, read int) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if read == 0 {
			return ErrEndOfStream
		}
		return fmt.Errorf("%w: %w after %d bytes", ErrEndOfStream, io.ErrUnexpectedEOF, read)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrReceiveTimeout, err)
	}
	return fmt.Errorf("framing: read: %w", err)
}

// Reader reads consecutive framed messages from a byte stream.
type Reader struct {
	r          io.Reader
	maxPayload uint32
	header     [HeaderSize]byte
}

// NewReader returns a Reader over r. A maxPayload of 0 selects DefaultMaxPayload.
func NewReader(r io.Reader, maxPayload uint32) *Reader {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Reader{r: r, maxPayload: maxPayload}
}

// Next reads the next message and returns its payload.
//
// A zero-length message yields an empty, non-nil payload. The returned slice
// is owned by the caller.
func (fr *Reader) Next() ([]byte, error) {
	if err := readFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}
	length, _ := DecodeHeader(fr.header[:])
	if length > fr.maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, fr.maxPayload)
	}
	payload := make([]byte, length)
	if err := readFull(fr.r, payload); err != nil {
		if errors.Is(err, ErrEndOfStream) && !errors.Is(err, io.ErrUnexpectedEOF) {
			// The header arrived, so a close here is always mid-message.
			return nil, fmt.Errorf("%w: %w in payload", ErrEndOfStream, io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return payload, nil
}
