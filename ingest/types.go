package ingest

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/frame"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/framing"
)

// Transport selects the socket type.
type Transport string

const (
	// TransportTCP accepts one stream client at a time.
	TransportTCP Transport = "tcp"
	// TransportUDP reads one message per datagram.
	TransportUDP Transport = "udp"
)

// Default ports per transport.
const (
	DefaultTCPPort = 5555
	DefaultUDPPort = 5000
)

// State is the connection state owned by the receiver.
type State int32

const (
	// StateIdle: no socket is open.
	StateIdle State = iota
	// StateListening: bound and waiting for a client (TCP only).
	StateListening
	// StateConnected: a client was accepted (TCP only).
	StateConnected
	// StateReceiving: messages are being read.
	StateReceiving
	// StateFailed: the last attempt failed; a retry is pending.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateReceiving:
		return "receiving"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FrameSink receives decoded frames. Publish must not block.
// framebuffer.Buffer satisfies it.
type FrameSink interface {
	Publish(f *frame.Frame)
}

// Config configures a Receiver.
type Config struct {
	// Transport is "tcp" or "udp".
	Transport Transport
	// Host is the interface to bind (e.g., "0.0.0.0").
	Host string
	// Port to bind. 0 picks a free port on first bind and keeps it across
	// reconnects.
	Port int

	// AcceptTimeout bounds a single accept (TCP).
	AcceptTimeout time.Duration
	// ReceiveTimeout bounds each socket read.
	ReceiveTimeout time.Duration
	// ReconnectDelay is the back-off between failed attempts.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps exponential back-off. Zero or equal to
	// ReconnectDelay gives a fixed delay.
	MaxReconnectDelay time.Duration

	// ReceiveBufferSize is the kernel socket receive buffer (UDP), in bytes.
	ReceiveBufferSize int
	// MaxPayload bounds the declared payload length.
	MaxPayload uint32

	// SourceStream labels frames and logs (e.g., "phone-1").
	SourceStream string
}

// DefaultConfig returns the TCP defaults: 0.0.0.0:5555, 10s accept and
// receive timeouts, 5s fixed back-off.
func DefaultConfig() Config {
	return Config{
		Transport:         TransportTCP,
		Host:              "0.0.0.0",
		Port:              DefaultTCPPort,
		AcceptTimeout:     10 * time.Second,
		ReceiveTimeout:    10 * time.Second,
		ReconnectDelay:    5 * time.Second,
		ReceiveBufferSize: 64 * 1024,
		MaxPayload:        framing.DefaultMaxPayload,
	}
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// validate fills zero-valued optional fields and rejects invalid ones.
func (c *Config) validate() error {
	switch c.Transport {
	case TransportTCP, TransportUDP:
	case "":
		c.Transport = TransportTCP
	default:
		return fmt.Errorf("ingest: invalid transport %q (must be tcp or udp)", c.Transport)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("ingest: invalid port %d", c.Port)
	}
	if c.Transport == TransportTCP && c.AcceptTimeout <= 0 {
		return fmt.Errorf("ingest: accept timeout must be positive, got %v", c.AcceptTimeout)
	}
	if c.ReceiveTimeout <= 0 {
		return fmt.Errorf("ingest: receive timeout must be positive, got %v", c.ReceiveTimeout)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("ingest: reconnect delay must be positive, got %v", c.ReconnectDelay)
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = c.ReconnectDelay
	}
	if c.ReceiveBufferSize < 0 {
		return fmt.Errorf("ingest: invalid receive buffer size %d", c.ReceiveBufferSize)
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = framing.DefaultMaxPayload
	}
	if c.SourceStream == "" {
		c.SourceStream = string(c.Transport) + "://" + c.Address()
	}
	return nil
}

// Stats contains receiver statistics.
type Stats struct {
	// State is the current connection state.
	State State
	// Transport in use.
	Transport Transport
	// Addr is the bound address, empty until the first bind.
	Addr string
	// SourceStream label.
	SourceStream string

	// MessagesReceived counts complete messages (payload + header).
	MessagesReceived uint64
	// FramesPublished counts frames decoded and handed to the sink.
	FramesPublished uint64
	// DecodeFailures counts payloads the codec rejected.
	DecodeFailures uint64
	// MalformedPackets counts datagrams dropped for a bad header.
	MalformedPackets uint64
	// BytesRead counts wire bytes of complete messages.
	BytesRead uint64

	// Connections counts accepted clients (TCP) or binds (UDP).
	Connections uint64
	// Reconnects counts retries that waited for back-off. Re-binds after an
	// accept timeout are not included.
	Reconnects uint64

	// FPSReal is FramesPublished over uptime.
	FPSReal float64
	// LatencyMS is the time since the last published frame.
	LatencyMS int64
	// Uptime since Run started.
	Uptime time.Duration
	// IsConnected reports State == StateReceiving.
	IsConnected bool

	// Errors counts failures per kind.
	Errors map[ErrorKind]uint64
}
