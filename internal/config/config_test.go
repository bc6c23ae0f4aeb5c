package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.InstanceID != "frame-ingest" {
		t.Errorf("InstanceID = %q", cfg.InstanceID)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 5s", cfg.ShutdownTimeout)
	}
	in := cfg.Ingest
	if in.Transport != "tcp" || in.Host != "0.0.0.0" || in.Port != 5555 || in.Codec != "imaging" {
		t.Errorf("ingest = %+v", in)
	}
	if in.AcceptTimeout != 10*time.Second || in.ReceiveTimeout != 10*time.Second || in.ReconnectDelay != 5*time.Second {
		t.Errorf("ingest timeouts = %v/%v/%v", in.AcceptTimeout, in.ReceiveTimeout, in.ReconnectDelay)
	}
	if in.ReceiveBufferSize != 64*1024 {
		t.Errorf("ReceiveBufferSize = %d", in.ReceiveBufferSize)
	}
	if cfg.Consume.PollInterval != 10*time.Millisecond || cfg.Consume.ReportInterval != time.Second {
		t.Errorf("consume = %+v", cfg.Consume)
	}
	if cfg.Consume.Annotate == nil || !*cfg.Consume.Annotate {
		t.Error("Annotate should default to true")
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestUDPDefaultPort(t *testing.T) {
	cfg, err := Parse([]byte("ingest:\n  transport: UDP\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ingest.Transport != "udp" || cfg.Ingest.Port != 5000 {
		t.Errorf("ingest = %s:%d, want udp:5000", cfg.Ingest.Transport, cfg.Ingest.Port)
	}
}

func TestLoad(t *testing.T) {
	yaml := `
instance_id: room-101
shutdown_timeout: 3s
log:
  level: debug
ingest:
  transport: tcp
  host: 127.0.0.1
  port: 6000
  receive_timeout: 2s
  reconnect_delay: 1s
  max_reconnect_delay: 8s
consume:
  poll_interval: 5ms
  min_confidence: 0.4
  annotate: false
inference:
  command: ["python3", "detector.py"]
  model: yolo11n
  timeout: 3s
present:
  websocket:
    enabled: true
  mqtt:
    enabled: true
    broker: tcp://localhost:1883
  snapshot:
    enabled: true
    dir: /tmp/snaps
    interval: 30s
http:
  addr: ":8080"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.ShutdownTimeout != 3*time.Second || cfg.Log.Level != "debug" {
		t.Errorf("top-level = %v %q", cfg.ShutdownTimeout, cfg.Log.Level)
	}
	if cfg.Ingest.Port != 6000 || cfg.Ingest.ReceiveTimeout != 2*time.Second || cfg.Ingest.MaxReconnectDelay != 8*time.Second {
		t.Errorf("ingest = %+v", cfg.Ingest)
	}
	if cfg.Ingest.AcceptTimeout != 10*time.Second {
		t.Errorf("AcceptTimeout default not applied: %v", cfg.Ingest.AcceptTimeout)
	}
	if cfg.Consume.PollInterval != 5*time.Millisecond || *cfg.Consume.Annotate {
		t.Errorf("consume = %+v", cfg.Consume)
	}
	if len(cfg.Inference.Command) != 2 || cfg.Inference.Model != "yolo11n" {
		t.Errorf("inference = %+v", cfg.Inference)
	}
	if cfg.Present.WebSocket.Path != "/ws" {
		t.Errorf("websocket path = %q", cfg.Present.WebSocket.Path)
	}
	if cfg.Present.MQTT.Topic != "care/frames/room-101" || cfg.Present.MQTT.ClientID != "room-101" {
		t.Errorf("mqtt = %+v", cfg.Present.MQTT)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() of missing file succeeded")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad instance id", "instance_id: Room_1", "instance_id"},
		{"bad transport", "ingest:\n  transport: sctp", "transport"},
		{"bad port", "ingest:\n  port: 70000", "port"},
		{"negative timeout", "ingest:\n  receive_timeout: -1s", "receive_timeout"},
		{"max below delay", "ingest:\n  reconnect_delay: 5s\n  max_reconnect_delay: 1s", "max_reconnect_delay"},
		{"confidence", "consume:\n  min_confidence: 1.5", "min_confidence"},
		{"log level", "log:\n  level: verbose", "log.level"},
		{"mqtt without broker", "present:\n  mqtt:\n    enabled: true", "mqtt.broker"},
		{"snapshot without dir", "present:\n  snapshot:\n    enabled: true", "snapshot.dir"},
		{"websocket without http", "present:\n  websocket:\n    enabled: true", "http.addr"},
		{"unknown codec", "ingest:\n  codec: gst", "codec"},
		{"malformed yaml", "ingest: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
