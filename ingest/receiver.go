package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/codec"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/frame"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/ingest/internal/reconnect"
)

// stopTimeout bounds how long Stop waits for the receive goroutine.
const stopTimeout = 3 * time.Second

// Option customizes a Receiver.
type Option func(*Receiver)

// WithStateHook registers fn to be called on every state change, on the
// receiver's goroutine. fn must not block.
func WithStateHook(fn func(from, to State)) Option {
	return func(r *Receiver) { r.onState = fn }
}

// Receiver owns the listening/bound socket and runs the ingestion loop.
type Receiver struct {
	cfg   Config
	codec codec.Codec
	sink  FrameSink

	onState func(from, to State)
	state   atomic.Int32

	// Bound address; the configured port 0 is replaced after the first bind.
	addrMu   sync.RWMutex
	bindAddr string
	addr     net.Addr

	// Lifecycle (Start/Stop)
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	reconnectCfg   reconnect.Config
	reconnectState *reconnect.State

	// rebind is set when the last TCP session ended in an accept timeout.
	// Owned by the Run goroutine.
	rebind bool

	// Statistics (atomic for thread-safety)
	seq              atomic.Uint64
	messagesReceived atomic.Uint64
	framesPublished  atomic.Uint64
	decodeFailures   atomic.Uint64
	malformedPackets atomic.Uint64
	bytesRead        atomic.Uint64
	connections      atomic.Uint64
	errorCounts      [numKinds]atomic.Uint64
	startedAt        atomic.Int64 // unix nanos
	lastFrameAt      atomic.Int64 // unix nanos
}

// NewReceiver validates cfg and returns a receiver publishing into sink.
//
// Fail-fast validation: transport, port range, positive timeouts and
// back-off delay. dec and sink must not be nil.
func NewReceiver(cfg Config, dec codec.Codec, sink FrameSink, opts ...Option) (*Receiver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if dec == nil {
		return nil, fmt.Errorf("ingest: codec is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("ingest: frame sink is required")
	}

	r := &Receiver{
		cfg:      cfg,
		codec:    dec,
		sink:     sink,
		bindAddr: cfg.Address(),
		reconnectCfg: reconnect.Config{
			RetryDelay:    cfg.ReconnectDelay,
			MaxRetryDelay: cfg.MaxReconnectDelay,
		},
		reconnectState: &reconnect.State{},
	}
	for _, opt := range opts {
		opt(r)
	}

	slog.Info("ingest: receiver created",
		"transport", cfg.Transport,
		"address", cfg.Address(),
		"accept_timeout", cfg.AcceptTimeout,
		"receive_timeout", cfg.ReceiveTimeout,
		"reconnect_delay", cfg.ReconnectDelay,
		"codec", dec.Name(),
		"source", cfg.SourceStream,
	)
	return r, nil
}

// Run receives frames until ctx is cancelled. Transport failures restart
// the connection after the back-off delay; Run only returns early when the
// receiver is already running. Cancellation returns nil.
func (r *Receiver) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("ingest: receiver already running")
	}
	defer r.running.Store(false)

	r.startedAt.Store(time.Now().UnixNano())

	session := r.streamSession
	if r.cfg.Transport == TransportUDP {
		session = r.datagramSession
	}

	err := reconnect.Run(ctx, session, r.reconnectCfg, r.reconnectState)
	r.setState(StateIdle)

	r.logSummary()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Start runs the receiver on a new goroutine.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return fmt.Errorf("ingest: receiver already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go func() {
		defer close(done)
		if err := r.Run(runCtx); err != nil {
			slog.Error("ingest: receiver stopped with error", "error", err)
		}
	}()
	return nil
}

// Stop cancels a receiver started with Start and waits up to 3 seconds for
// it to close its sockets.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		slog.Debug("ingest: receiver not started, nothing to stop")
		return nil
	}

	slog.Info("ingest: stopping receiver")
	r.cancel()

	var err error
	select {
	case <-r.done:
		slog.Debug("ingest: receiver stopped cleanly")
	case <-time.After(stopTimeout):
		slog.Warn("ingest: stop timeout exceeded, receiver goroutine may still be running")
		err = fmt.Errorf("ingest: stop timeout after %v", stopTimeout)
	}

	r.cancel = nil
	r.done = nil
	return err
}

// State returns the current connection state.
func (r *Receiver) State() State {
	return State(r.state.Load())
}

// Addr returns the bound local address, or nil before the first bind.
func (r *Receiver) Addr() net.Addr {
	r.addrMu.RLock()
	defer r.addrMu.RUnlock()
	return r.addr
}

// Stats returns current receiver statistics.
func (r *Receiver) Stats() Stats {
	published := r.framesPublished.Load()

	var uptime time.Duration
	var fpsReal float64
	if started := r.startedAt.Load(); started != 0 {
		uptime = time.Since(time.Unix(0, started))
		if uptime > 0 {
			fpsReal = float64(published) / uptime.Seconds()
		}
	}

	var latencyMS int64
	if last := r.lastFrameAt.Load(); last != 0 {
		latencyMS = time.Since(time.Unix(0, last)).Milliseconds()
	}

	errs := make(map[ErrorKind]uint64, numKinds)
	for k := KindUnknown; k < numKinds; k++ {
		errs[k] = r.errorCounts[k].Load()
	}

	var addr string
	if a := r.Addr(); a != nil {
		addr = a.String()
	}

	state := r.State()
	return Stats{
		State:            state,
		Transport:        r.cfg.Transport,
		Addr:             addr,
		SourceStream:     r.cfg.SourceStream,
		MessagesReceived: r.messagesReceived.Load(),
		FramesPublished:  published,
		DecodeFailures:   r.decodeFailures.Load(),
		MalformedPackets: r.malformedPackets.Load(),
		BytesRead:        r.bytesRead.Load(),
		Connections:      r.connections.Load(),
		Reconnects:       r.reconnectState.Reconnects.Load(),
		FPSReal:          fpsReal,
		LatencyMS:        latencyMS,
		Uptime:           uptime,
		IsConnected:      state == StateReceiving,
		Errors:           errs,
	}
}

func (r *Receiver) setState(to State) {
	from := State(r.state.Swap(int32(to)))
	if from == to {
		return
	}
	slog.Debug("ingest: state change", "from", from.String(), "to", to.String())
	if r.onState != nil {
		r.onState(from, to)
	}
}

// setAddr records the bound address. With a configured port of 0, the
// kernel-assigned port is kept so reconnects re-bind the same port.
func (r *Receiver) setAddr(a net.Addr) {
	r.addrMu.Lock()
	defer r.addrMu.Unlock()
	r.addr = a
	if r.cfg.Port == 0 {
		if _, port, err := net.SplitHostPort(a.String()); err == nil {
			r.bindAddr = net.JoinHostPort(r.cfg.Host, port)
		}
	}
}

func (r *Receiver) listenAddress() string {
	r.addrMu.RLock()
	defer r.addrMu.RUnlock()
	return r.bindAddr
}

// fail records a transport failure and moves to Failed.
func (r *Receiver) fail(err error) error {
	kind := Classify(err)
	r.errorCounts[kind].Add(1)
	r.setState(StateFailed)

	level := slog.LevelWarn
	if kind == KindAcceptTimeout {
		level = slog.LevelDebug
	}
	slog.Log(context.Background(), level, "ingest: connection failed",
		"kind", kind.String(),
		"error", err,
		"transport", r.cfg.Transport,
		"messages_received", r.messagesReceived.Load(),
		"reconnects", r.reconnectState.Reconnects.Load(),
	)
	return err
}

// handlePayload decodes one message and publishes the frame. Decode
// failures are counted and logged; they never affect the connection.
func (r *Receiver) handlePayload(payload []byte) {
	receivedAt := time.Now()
	r.messagesReceived.Add(1)
	r.bytesRead.Add(uint64(len(payload)) + 4)

	img, err := r.codec.Decode(payload)
	if err != nil {
		r.decodeFailures.Add(1)
		r.errorCounts[KindDecodeFailure].Add(1)
		slog.Warn("ingest: decode failed, skipping frame",
			"kind", KindDecodeFailure.String(),
			"error", err,
			"payload_bytes", len(payload),
		)
		return
	}

	f := frame.FromImage(img)
	f.Seq = r.seq.Add(1)
	f.TraceID = uuid.New().String()
	f.Source = r.cfg.SourceStream
	f.ReceivedAt = receivedAt

	r.sink.Publish(f)
	r.framesPublished.Add(1)
	r.lastFrameAt.Store(receivedAt.UnixNano())

	slog.Debug("ingest: frame published",
		"seq", f.Seq,
		"trace_id", f.TraceID,
		"resolution", f.Resolution(),
		"payload_bytes", len(payload),
	)
}

func (r *Receiver) logSummary() {
	var uptime time.Duration
	if started := r.startedAt.Load(); started != 0 {
		uptime = time.Since(time.Unix(0, started))
	}
	slog.Info("ingest: receiver stopped",
		"frames_published", r.framesPublished.Load(),
		"decode_failures", r.decodeFailures.Load(),
		"bytes_read", humanize.Bytes(r.bytesRead.Load()),
		"connections", r.connections.Load(),
		"reconnects", r.reconnectState.Reconnects.Load(),
		"uptime", uptime.Round(time.Millisecond).String(),
	)
}
