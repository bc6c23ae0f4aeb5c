package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/codec"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/ingest"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

const maxPayloadLimit = 256 << 20

// DefaultPort returns the bind port used when none is configured.
func DefaultPort(transport string) int {
	if transport == string(ingest.TransportUDP) {
		return ingest.DefaultUDPPort
	}
	return ingest.DefaultTCPPort
}

// Validate checks the configuration and fills defaults for zero values
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "frame-ingest"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be >= 0")
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	if err := validateLog(&cfg.Log); err != nil {
		return err
	}
	if err := validateIngest(&cfg.Ingest); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if err := validateConsume(&cfg.Consume); err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	if cfg.Inference.Timeout < 0 {
		return fmt.Errorf("inference.timeout must be >= 0")
	}
	if err := validatePresent(&cfg.Present, cfg.InstanceID); err != nil {
		return fmt.Errorf("present: %w", err)
	}
	if cfg.Present.WebSocket.Enabled && cfg.HTTP.Addr == "" {
		return fmt.Errorf("present.websocket requires http.addr")
	}

	return nil
}

func validateLog(l *LogConfig) error {
	l.Level = strings.ToLower(l.Level)
	switch l.Level {
	case "":
		l.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", l.Level)
	}

	l.Format = strings.ToLower(l.Format)
	switch l.Format {
	case "":
		l.Format = "json"
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q must be json or text", l.Format)
	}
	return nil
}

func validateIngest(c *IngestConfig) error {
	c.Transport = strings.ToLower(c.Transport)
	switch c.Transport {
	case "":
		c.Transport = "tcp"
	case "tcp", "udp":
	default:
		return fmt.Errorf("transport %q must be tcp or udp", c.Transport)
	}

	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Port == 0 {
		c.Port = DefaultPort(c.Transport)
	}
	if c.Codec == "" {
		c.Codec = codec.Default
	}
	if names := codec.Names(); !slices.Contains(names, c.Codec) {
		return fmt.Errorf("codec %q not available in this build (available: %s)", c.Codec, strings.Join(names, ", "))
	}

	durations := []struct {
		name string
		v    *time.Duration
		def  time.Duration
	}{
		{"accept_timeout", &c.AcceptTimeout, 10 * time.Second},
		{"receive_timeout", &c.ReceiveTimeout, 10 * time.Second},
		{"reconnect_delay", &c.ReconnectDelay, 5 * time.Second},
	}
	for _, d := range durations {
		if *d.v < 0 {
			return fmt.Errorf("%s must be >= 0", d.name)
		}
		if *d.v == 0 {
			*d.v = d.def
		}
	}
	if c.MaxReconnectDelay != 0 && c.MaxReconnectDelay < c.ReconnectDelay {
		return fmt.Errorf("max_reconnect_delay (%v) < reconnect_delay (%v)", c.MaxReconnectDelay, c.ReconnectDelay)
	}

	if c.ReceiveBufferSize < 0 {
		return fmt.Errorf("receive_buffer_size must be >= 0")
	}
	if c.ReceiveBufferSize == 0 {
		c.ReceiveBufferSize = 64 * 1024
	}
	if c.MaxPayload > maxPayloadLimit {
		return fmt.Errorf("max_payload %d exceeds %d", c.MaxPayload, maxPayloadLimit)
	}
	return nil
}

func validateConsume(c *ConsumeConfig) error {
	if c.PollInterval < 0 || c.ReportInterval < 0 {
		return fmt.Errorf("intervals must be >= 0")
	}
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.ReportInterval == 0 {
		c.ReportInterval = time.Second
	}
	if c.TopDetections < 0 {
		return fmt.Errorf("top_detections must be >= 0")
	}
	if c.TopDetections == 0 {
		c.TopDetections = 5
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min_confidence %.2f must be in [0, 1]", c.MinConfidence)
	}
	if c.Annotate == nil {
		annotate := true
		c.Annotate = &annotate
	}
	return nil
}

func validatePresent(p *PresentConfig, instanceID string) error {
	if p.Window.Name == "" {
		p.Window.Name = "frame-ingest"
	}

	if p.Broadcast.JPEGQuality < 0 || p.Broadcast.JPEGQuality > 100 {
		return fmt.Errorf("broadcast.jpeg_quality must be in [0, 100]")
	}
	if p.Broadcast.JPEGQuality == 0 {
		p.Broadcast.JPEGQuality = 80
	}
	if p.Broadcast.MaxWidth < 0 {
		return fmt.Errorf("broadcast.max_width must be >= 0")
	}

	if p.WebSocket.Path == "" {
		p.WebSocket.Path = "/ws"
	}
	if !strings.HasPrefix(p.WebSocket.Path, "/") {
		return fmt.Errorf("websocket.path %q must start with /", p.WebSocket.Path)
	}

	if p.MQTT.Enabled {
		if p.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if p.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if p.MQTT.ClientID == "" {
			p.MQTT.ClientID = instanceID
		}
		if p.MQTT.Topic == "" {
			p.MQTT.Topic = fmt.Sprintf("care/frames/%s", instanceID)
		}
	}

	if p.Snapshot.Enabled {
		if p.Snapshot.Dir == "" {
			return fmt.Errorf("snapshot.dir is required")
		}
		if p.Snapshot.Interval < 0 {
			return fmt.Errorf("snapshot.interval must be >= 0")
		}
		switch strings.ToLower(p.Snapshot.Format) {
		case "", "jpg", "jpeg", "png":
		default:
			return fmt.Errorf("snapshot.format %q must be jpg or png", p.Snapshot.Format)
		}
	}
	return nil
}
