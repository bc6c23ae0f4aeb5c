// Package core wires the ingestion loop, the frame buffer, the consumption
// loop and the presenters into one service.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/codec"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/consume"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/framebuffer"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/inference"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/ingest"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/internal/health"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/present"
)

var (
	// ErrShutdownTimeout is returned by Run when a loop did not exit within
	// the configured shutdown timeout.
	ErrShutdownTimeout = errors.New("core: shutdown timed out")

	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("core: service is already running")
)

// Option customizes a Service.
type Option func(*Service)

// WithEngine replaces the configured inference engine.
func WithEngine(e inference.Engine) Option {
	return func(s *Service) { s.engine = e }
}

// WithSink adds a presentation sink.
func WithSink(sink present.Sink) Option {
	return func(s *Service) { s.extraSinks = append(s.extraSinks, sink) }
}

// WithCodec replaces the configured codec.
func WithCodec(c codec.Codec) Option {
	return func(s *Service) { s.codec = c }
}

// Service wires the ingestion loop, frame buffer, consumption loop and
// presenters, and owns their lifecycle.
type Service struct {
	cfg *config.Config

	codec    codec.Codec
	buffer   *framebuffer.Buffer
	receiver *ingest.Receiver
	engine   inference.Engine
	process  *inference.Process
	loop     *consume.Loop

	sinks      present.Multi
	extraSinks []present.Sink
	broadcast  *present.Broadcast
	hub        *present.WebSocketHub
	mqtt       *present.MQTTPublisher
	http       *health.Server

	mu      sync.RWMutex
	running bool
	started time.Time
}

// New builds a Service from a validated configuration (see config.Load).
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{cfg: cfg, buffer: framebuffer.New()}
	for _, opt := range opts {
		opt(s)
	}

	if s.codec == nil {
		c, err := codec.New(cfg.Ingest.Codec)
		if err != nil {
			return nil, err
		}
		s.codec = c
	}

	receiver, err := ingest.NewReceiver(ingestConfig(cfg.Ingest), s.codec, s.buffer,
		ingest.WithStateHook(func(from, to ingest.State) {
			slog.Debug("core: ingest state", "from", from.String(), "to", to.String())
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to create receiver: %w", err)
	}
	s.receiver = receiver

	if s.engine == nil {
		if err := s.initEngine(); err != nil {
			return nil, err
		}
	}

	if err := s.initPresenters(); err != nil {
		s.closeAll()
		return nil, err
	}

	var loopOpts []consume.Option
	if s.broadcast != nil {
		loopOpts = append(loopOpts, consume.WithReporter(func(r consume.Report) {
			s.broadcast.SetFPS(r.FPS)
		}))
	}
	s.loop = consume.New(consumeConfig(cfg.Consume), s.buffer, s.engine, s.sinks, loopOpts...)

	if cfg.HTTP.Addr != "" {
		s.http = health.NewServer(cfg.HTTP.Addr, s)
		if s.hub != nil {
			s.http.Handle(cfg.Present.WebSocket.Path, s.hub)
		}
	}

	slog.Info("core: service created",
		"instance_id", cfg.InstanceID,
		"transport", cfg.Ingest.Transport,
		"codec", s.codec.Name(),
		"sinks", len(s.sinks),
	)
	return s, nil
}

func (s *Service) initEngine() error {
	inf := s.cfg.Inference
	if len(inf.Command) == 0 {
		slog.Info("core: no inference command configured, running without a model")
		s.engine = inference.Nop{}
		return nil
	}
	p, err := inference.NewProcess(inference.ProcessConfig{
		Command: inf.Command,
		Env:     inf.Env,
		Timeout: inf.Timeout,
		Model:   inf.Model,
	})
	if err != nil {
		return fmt.Errorf("failed to create inference engine: %w", err)
	}
	s.process = p
	s.engine = p
	return nil
}

func (s *Service) initPresenters() error {
	pc := s.cfg.Present

	if pc.Window.Enabled {
		w, err := present.NewWindow(pc.Window.Name)
		if err != nil {
			return err
		}
		s.sinks = append(s.sinks, w)
	}

	if pc.WebSocket.Enabled || pc.MQTT.Enabled {
		s.broadcast = present.NewBroadcast(present.BroadcastConfig{
			JPEGQuality: pc.Broadcast.JPEGQuality,
			MaxWidth:    pc.Broadcast.MaxWidth,
		})
		s.sinks = append(s.sinks, s.broadcast)
	}
	if pc.WebSocket.Enabled {
		s.hub = present.NewWebSocketHub(s.broadcast.Bus())
	}
	if pc.MQTT.Enabled {
		p, err := present.NewMQTTPublisher(present.MQTTConfig{
			Broker:   pc.MQTT.Broker,
			ClientID: pc.MQTT.ClientID,
			Topic:    pc.MQTT.Topic,
			QoS:      pc.MQTT.QoS,
		}, s.broadcast.Bus())
		if err != nil {
			return err
		}
		s.mqtt = p
	}

	if pc.Snapshot.Enabled {
		snap, err := present.NewSnapshotter(present.SnapshotConfig{
			Dir:      pc.Snapshot.Dir,
			Interval: pc.Snapshot.Interval,
			Format:   pc.Snapshot.Format,
		})
		if err != nil {
			return err
		}
		s.sinks = append(s.sinks, snap)
	}

	s.sinks = append(s.sinks, s.extraSinks...)
	if len(s.sinks) == 0 {
		s.sinks = present.Multi{present.Log{}}
	}
	return nil
}

// Run starts both loops and blocks until ctx is cancelled, the sink
// requests quit, or the receiver gives up. Both loops are then joined
// within the shutdown timeout; on overrun Run returns ErrShutdownTimeout
// without waiting further. Components are closed before Run returns.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if s.http != nil {
		if err := s.http.Start(); err != nil {
			s.closeAll()
			return err
		}
	}

	var bg sync.WaitGroup
	if s.mqtt != nil {
		if err := s.mqtt.Connect(); err != nil {
			slog.Warn("core: mqtt unavailable, detections will not be published", "error", err)
		}
		bg.Add(1)
		go func() {
			defer bg.Done()
			s.mqtt.Run(ctx)
		}()
	}

	slog.Info("core: service starting", "instance_id", s.cfg.InstanceID)

	ingestDone := make(chan error, 1)
	consumeDone := make(chan error, 1)
	go func() { ingestDone <- s.receiver.Run(ctx) }()
	go func() { consumeDone <- s.loop.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("core: shutdown requested")
	case err := <-consumeDone:
		consumeDone = nil
		if errors.Is(err, consume.ErrQuitRequested) {
			slog.Info("core: quit requested, shutting down")
		} else if err != nil {
			runErr = err
		}
	case err := <-ingestDone:
		ingestDone = nil
		if err != nil {
			slog.Error("core: receiver stopped", "error", err)
			runErr = err
		}
	}
	cancel()

	if err := s.join(ingestDone, consumeDone); err != nil {
		s.closeAll()
		return err
	}
	bg.Wait()

	s.closeAll()

	slog.Info("core: service stopped", "uptime", time.Since(s.started).Round(time.Millisecond))
	return runErr
}

// join waits for the loops still running (non-nil channels).
func (s *Service) join(ingestDone, consumeDone <-chan error) error {
	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()

	for ingestDone != nil || consumeDone != nil {
		select {
		case <-ingestDone:
			ingestDone = nil
		case <-consumeDone:
			consumeDone = nil
		case <-timer.C:
			slog.Warn("core: shutdown timeout exceeded",
				"timeout", s.cfg.ShutdownTimeout,
				"ingest_running", ingestDone != nil,
				"consume_running", consumeDone != nil,
			)
			return ErrShutdownTimeout
		}
	}
	return nil
}

// closeAll releases components in dependency order: publishers before the
// bus they read, the engine last.
func (s *Service) closeAll() {
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.http.Shutdown(ctx); err != nil {
			slog.Warn("core: http shutdown", "error", err)
		}
		cancel()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.mqtt != nil {
		s.mqtt.Close()
	}
	if err := s.sinks.Close(); err != nil {
		slog.Warn("core: closing sinks", "error", err)
	}
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			slog.Warn("core: closing inference engine", "error", err)
		}
	}
	if s.codec != nil {
		s.codec.Close()
	}
}

// Buffer returns the frame buffer shared by both loops.
func (s *Service) Buffer() *framebuffer.Buffer { return s.buffer }

// Receiver returns the ingestion receiver.
func (s *Service) Receiver() *ingest.Receiver { return s.receiver }

// Loop returns the consumption loop.
func (s *Service) Loop() *consume.Loop { return s.loop }

// HTTPAddr returns the bound health server address, empty when disabled or
// not started.
func (s *Service) HTTPAddr() string {
	if s.http == nil {
		return ""
	}
	return s.http.Addr()
}

// Snapshot implements health.Source.
func (s *Service) Snapshot() health.Snapshot {
	s.mu.RLock()
	running := s.running
	started := s.started
	s.mu.RUnlock()

	snap := health.Snapshot{
		InstanceID:       s.cfg.InstanceID,
		Running:          running,
		Ingest:           s.receiver.Stats(),
		Buffer:           s.buffer.Stats(),
		Consume:          s.loop.Stats(),
		WebSocketClients: -1,
	}
	if running {
		snap.Uptime = time.Since(started)
	}
	if s.process != nil {
		ps := s.process.Stats()
		snap.Inference = &ps
	}
	if s.broadcast != nil {
		bs := s.broadcast.Stats()
		snap.Broadcast = &bs
	}
	if s.mqtt != nil {
		ms := s.mqtt.Stats()
		snap.MQTT = &ms
	}
	if s.hub != nil {
		snap.WebSocketClients = s.hub.Clients()
	}
	return snap
}

// Health returns the evaluated health report.
func (s *Service) Health() health.Report {
	return health.Evaluate(s.Snapshot())
}

func ingestConfig(c config.IngestConfig) ingest.Config {
	return ingest.Config{
		Transport:         ingest.Transport(c.Transport),
		Host:              c.Host,
		Port:              c.Port,
		AcceptTimeout:     c.AcceptTimeout,
		ReceiveTimeout:    c.ReceiveTimeout,
		ReconnectDelay:    c.ReconnectDelay,
		MaxReconnectDelay: c.MaxReconnectDelay,
		ReceiveBufferSize: c.ReceiveBufferSize,
		MaxPayload:        c.MaxPayload,
		SourceStream:      c.SourceStream,
	}
}

func consumeConfig(c config.ConsumeConfig) consume.Config {
	cfg := consume.DefaultConfig()
	cfg.PollInterval = c.PollInterval
	cfg.ReportInterval = c.ReportInterval
	cfg.TopDetections = c.TopDetections
	cfg.MinConfidence = c.MinConfidence
	if c.Annotate != nil {
		cfg.Annotate = *c.Annotate
	}
	return cfg
}
