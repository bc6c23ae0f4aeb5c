package present

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/framebus"
)

// MQTTConfig configures detection event publishing.
type MQTTConfig struct {
	Broker   string // e.g., "tcp://localhost:1883"
	ClientID string
	// Topic prefix. Events go to "<Topic>/detections".
	Topic          string
	QoS            byte
	Retained       bool
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	// Queue is the subscription channel capacity (DropNew).
	Queue int
}

func (c *MQTTConfig) setDefaults() {
	if c.ClientID == "" {
		c.ClientID = "frame-ingest"
	}
	if c.Topic == "" {
		c.Topic = "frame-ingest"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	if c.Queue <= 0 {
		c.Queue = 8
	}
}

// mqttClient is the subset of mqtt.Client the publisher uses.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher forwards bus messages to an MQTT broker as JSON events.
// The JPEG is not sent.
type MQTTPublisher struct {
	cfg    MQTTConfig
	client mqttClient
	bus    *framebus.Bus
	ch     chan framebus.Message
	subID  string

	connected atomic.Bool
	published atomic.Uint64
	errors    atomic.Uint64
}

// MQTTStats is a snapshot of publisher counters.
type MQTTStats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

// NewMQTTPublisher creates a publisher subscribed to bus. Call Connect then Run.
func NewMQTTPublisher(cfg MQTTConfig, bus *framebus.Bus) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("present: mqtt broker is required")
	}
	cfg.setDefaults()

	p := &MQTTPublisher{cfg: cfg}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.connected.Store(true)
		slog.Info("present: mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.connected.Store(false)
		slog.Warn("present: mqtt connection lost", "broker", cfg.Broker, "error", err)
	})

	if err := p.attach(mqtt.NewClient(opts), bus); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *MQTTPublisher) attach(client mqttClient, bus *framebus.Bus) error {
	p.client = client
	p.bus = bus
	p.ch = make(chan framebus.Message, p.cfg.Queue)
	p.subID = "mqtt:" + p.cfg.ClientID
	if err := bus.Subscribe(p.subID, p.ch); err != nil {
		return fmt.Errorf("present: mqtt subscribe: %w", err)
	}
	return nil
}

// Connect starts the connection. With connect-retry enabled the client keeps
// trying in the background, so a timeout here is logged and not fatal.
func (p *MQTTPublisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(p.cfg.ConnectTimeout) {
		slog.Warn("present: mqtt connect still pending, retrying in background", "broker", p.cfg.Broker)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("present: mqtt connect %s: %w", p.cfg.Broker, err)
	}
	return nil
}

// Topic returns the detections topic.
func (p *MQTTPublisher) Topic() string {
	return p.cfg.Topic + "/detections"
}

// Run publishes messages until ctx is done.
func (p *MQTTPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.ch:
			if err := p.publish(msg); err != nil {
				p.errors.Add(1)
				slog.Debug("present: mqtt publish failed", "seq", msg.Seq, "error", err)
				continue
			}
			p.published.Add(1)
		}
	}
}

func (p *MQTTPublisher) publish(msg framebus.Message) error {
	payload, err := json.Marshal(NewEvent(msg))
	if err != nil {
		return err
	}
	token := p.client.Publish(p.Topic(), p.cfg.QoS, p.cfg.Retained, payload)
	if !token.WaitTimeout(p.cfg.PublishTimeout) {
		return fmt.Errorf("publish timeout after %v", p.cfg.PublishTimeout)
	}
	return token.Error()
}

// Stats returns a snapshot of publisher counters.
func (p *MQTTPublisher) Stats() MQTTStats {
	return MQTTStats{
		Connected: p.connected.Load(),
		Published: p.published.Load(),
		Errors:    p.errors.Load(),
	}
}

// Close unsubscribes from the bus and disconnects.
func (p *MQTTPublisher) Close() error {
	if err := p.bus.Unsubscribe(p.subID); err != nil && !errors.Is(err, framebus.ErrBusClosed) {
		slog.Debug("present: mqtt unsubscribe", "error", err)
	}
	p.client.Disconnect(250)
	p.connected.Store(false)
	return nil
}
