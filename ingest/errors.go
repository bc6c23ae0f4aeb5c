package ingest

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/codec"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/framing"
)

// ErrorKind classifies failures for logging and telemetry.
//
// Transport kinds (BindError through MalformedHeader on a stream) restart
// the connection state machine. Frame kinds (DecodeFailure, MalformedHeader
// on a datagram, InferenceFailure) skip the frame.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindBind
	KindAcceptTimeout
	KindReceiveTimeout
	KindEndOfStream
	KindConnectionReset
	KindBrokenPipe
	KindMalformedHeader
	KindDecodeFailure
	KindInferenceFailure

	numKinds
)

// Kinds lists every error kind, in declaration order.
func Kinds() []ErrorKind {
	kinds := make([]ErrorKind, 0, numKinds)
	for k := KindUnknown; k < numKinds; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// String returns the snake_case kind name used in logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case KindBind:
		return "bind_error"
	case KindAcceptTimeout:
		return "accept_timeout"
	case KindReceiveTimeout:
		return "receive_timeout"
	case KindEndOfStream:
		return "end_of_stream"
	case KindConnectionReset:
		return "connection_reset"
	case KindBrokenPipe:
		return "broken_pipe"
	case KindMalformedHeader:
		return "malformed_header"
	case KindDecodeFailure:
		return "decode_failure"
	case KindInferenceFailure:
		return "inference_failure"
	default:
		return "unknown"
	}
}

// Transport reports whether the kind tears down a stream connection.
func (k ErrorKind) Transport() bool {
	switch k {
	case KindBind, KindAcceptTimeout, KindReceiveTimeout, KindEndOfStream,
		KindConnectionReset, KindBrokenPipe, KindMalformedHeader:
		return true
	default:
		return false
	}
}

// Error is a classified receiver failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ingest: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Classify maps an error to its kind. An *Error keeps its own kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}

	switch {
	case errors.Is(err, framing.ErrMalformedHeader):
		return KindMalformedHeader
	case errors.Is(err, framing.ErrEndOfStream):
		return KindEndOfStream
	case errors.Is(err, framing.ErrReceiveTimeout):
		return KindReceiveTimeout
	case errors.Is(err, codec.ErrDecode):
		return KindDecodeFailure
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED):
		return KindConnectionReset
	case errors.Is(err, syscall.EPIPE):
		return KindBrokenPipe
	case errors.Is(err, syscall.EADDRINUSE), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EADDRNOTAVAIL):
		return KindBind
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindReceiveTimeout
	}
	return KindUnknown
}
