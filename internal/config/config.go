package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete frame-ingest configuration
type Config struct {
	InstanceID      string          `yaml:"instance_id"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"` // bounded join of both loops (default: 5s)
	Log             LogConfig       `yaml:"log"`
	Ingest          IngestConfig    `yaml:"ingest"`
	Consume         ConsumeConfig   `yaml:"consume"`
	Inference       InferenceConfig `yaml:"inference"`
	Present         PresentConfig   `yaml:"present"`
	HTTP            HTTPConfig      `yaml:"http"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// IngestConfig contains receiver settings
type IngestConfig struct {
	Transport         string        `yaml:"transport"` // tcp, udp
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Codec             string        `yaml:"codec"` // imaging, gocv, gstreamer
	AcceptTimeout     time.Duration `yaml:"accept_timeout"`
	ReceiveTimeout    time.Duration `yaml:"receive_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	ReceiveBufferSize int           `yaml:"receive_buffer_size"` // bytes (udp)
	MaxPayload        uint32        `yaml:"max_payload"`         // bytes
	SourceStream      string        `yaml:"source_stream"`
}

// ConsumeConfig contains consumption loop settings
type ConsumeConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	ReportInterval time.Duration `yaml:"report_interval"`
	TopDetections  int           `yaml:"top_detections"`
	MinConfidence  float64       `yaml:"min_confidence"`
	Annotate       *bool         `yaml:"annotate,omitempty"` // default true
}

// InferenceConfig selects the engine. An empty command runs without a model.
type InferenceConfig struct {
	Command []string      `yaml:"command"`
	Env     []string      `yaml:"env"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// PresentConfig contains presentation sinks
type PresentConfig struct {
	Window    WindowConfig    `yaml:"window"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
}

// WindowConfig enables the local preview (requires a gocv build)
type WindowConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
}

// BroadcastConfig controls JPEG encoding for websocket and MQTT subscribers
type BroadcastConfig struct {
	JPEGQuality int `yaml:"jpeg_quality"`
	MaxWidth    int `yaml:"max_width"`
}

// WebSocketConfig enables the live preview endpoint on the HTTP server
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// SnapshotConfig contains periodic snapshot settings
type SnapshotConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
	Format   string        `yaml:"format"` // jpg, png
}

// HTTPConfig contains the health/metrics server settings. Empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied
func Default() *Config {
	var cfg Config
	if err := Validate(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not validate: %v", err))
	}
	return &cfg
}
