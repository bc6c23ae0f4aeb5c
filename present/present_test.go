package present

import (
	"context"
	"encoding/json"
	"errors"
	"image/color"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/frame"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/framebus"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/inference"
)

func testFrame(seq uint64, w, h int) *frame.Frame {
	f := &frame.Frame{Seq: seq, Width: w, Height: h, Stride: w * frame.Channels, Pix: make([]byte, w*h*frame.Channels)}
	img := f.Image()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	f.ReceivedAt = time.Now()
	return f
}

var person = inference.Result{
	Model:      "test",
	Detections: []inference.Detection{{Label: "person", Confidence: 0.9, Box: inference.Box{X1: 1, Y1: 2, X2: 10, Y2: 20}}},
}

func TestMultiQuitAndErrors(t *testing.T) {
	var calls int
	ok := SinkFunc(func(context.Context, *frame.Frame, inference.Result) (bool, error) {
		calls++
		return false, nil
	})
	quitter := SinkFunc(func(context.Context, *frame.Frame, inference.Result) (bool, error) {
		calls++
		return true, nil
	})
	boom := errors.New("boom")
	failing := SinkFunc(func(context.Context, *frame.Frame, inference.Result) (bool, error) {
		calls++
		return false, boom
	})

	m := Multi{ok, quitter, failing, Log{}}
	quit, err := m.Show(context.Background(), testFrame(1, 4, 4), person)
	if !quit {
		t.Error("Multi.Show() quit = false, want true when any sink quits")
	}
	if !errors.Is(err, boom) {
		t.Errorf("Multi.Show() err = %v, want boom", err)
	}
	if calls != 3 {
		t.Errorf("sinks called %d times, want 3 (a failing sink does not stop the others)", calls)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Multi.Close() = %v", err)
	}
}

func TestBroadcastSkipsWithoutSubscribers(t *testing.T) {
	b := NewBroadcast(BroadcastConfig{})
	defer b.Close()

	if _, err := b.Show(context.Background(), testFrame(1, 8, 8), person); err != nil {
		t.Fatalf("Show() failed: %v", err)
	}
	if s := b.Stats(); s.Encoded != 0 || s.Skipped != 1 {
		t.Errorf("stats = %+v, want 0 encoded / 1 skipped", s)
	}
}

func TestBroadcastPublishesJPEG(t *testing.T) {
	b := NewBroadcast(BroadcastConfig{MaxWidth: 16})
	defer b.Close()
	live, err := b.Bus().SubscribeLatest("test")
	if err != nil {
		t.Fatal(err)
	}
	b.SetFPS(12.5)

	if _, err := b.Show(context.Background(), testFrame(7, 32, 16), person); err != nil {
		t.Fatalf("Show() failed: %v", err)
	}

	msg, ok := live.TryReceive()
	if !ok {
		t.Fatal("no message published")
	}
	if msg.Seq != 7 || msg.FPS != 12.5 || msg.Model != "test" || len(msg.Detections) != 1 {
		t.Errorf("message = seq %d fps %v model %q dets %d", msg.Seq, msg.FPS, msg.Model, len(msg.Detections))
	}
	// Width and Height describe the original frame, matching detection coordinates.
	if msg.Width != 32 || msg.Height != 16 {
		t.Errorf("message size = %dx%d, want 32x16", msg.Width, msg.Height)
	}
	if len(msg.JPEG) < 2 || msg.JPEG[0] != 0xFF || msg.JPEG[1] != 0xD8 {
		t.Error("payload is not a JPEG")
	}
}

func TestNewEventJSON(t *testing.T) {
	ev := NewEvent(framebus.Message{Seq: 3, Latency: 1500 * time.Microsecond})
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, want := range []string{`"type":"detections"`, `"seq":3`, `"latency_ms":1.5`, `"detections":[]`} {
		if !strings.Contains(s, want) {
			t.Errorf("event JSON %s missing %s", s, want)
		}
	}
}

func TestWebSocketHubStreamsLatest(t *testing.T) {
	bus := framebus.New()
	defer bus.Close()
	hub := NewWebSocketHub(bus)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?client_id=viewer"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(framebus.Message{Seq: 11, JPEG: []byte{0xFF, 0xD8, 0xFF, 0xD9}, Detections: person.Detections})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() failed: %v", err)
	}
	if ev.Seq != 11 || len(ev.Detections) != 1 || ev.Detections[0].Label != "person" {
		t.Errorf("event = %+v", ev)
	}
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() failed: %v", err)
	}
	if kind != websocket.BinaryMessage || len(data) != 4 {
		t.Errorf("image message = type %d len %d, want binary len 4", kind, len(data))
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for bus.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not removed after client left")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSnapshotterInterval(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSnapshotter(SnapshotConfig{Dir: filepath.Join(dir, "snaps"), Interval: time.Minute, Format: "png"})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return now }

	ctx := context.Background()
	s.Show(ctx, testFrame(1, 4, 4), person)
	s.Show(ctx, testFrame(2, 4, 4), person) // within interval
	now = now.Add(2 * time.Minute)
	s.Show(ctx, testFrame(3, 4, 4), person)

	if got := s.Stats().Saved; got != 2 {
		t.Errorf("Saved = %d, want 2", got)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "snaps"))
	if len(entries) != 2 {
		t.Fatalf("files = %d, want 2", len(entries))
	}
	if name := entries[0].Name(); name != "frame_000001_20240102_030405.000.png" {
		t.Errorf("file name = %q", name)
	}
}

func TestSnapshotterRejectsFormat(t *testing.T) {
	if _, err := NewSnapshotter(SnapshotConfig{Dir: t.TempDir(), Format: "bmp"}); err == nil {
		t.Error("NewSnapshotter(bmp) succeeded, want error")
	}
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeClient struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	fail     error
	closed   bool
}

func (c *fakeClient) Connect() mqtt.Token { return newToken(nil) }

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return newToken(c.fail)
	}
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	return newToken(nil)
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func TestMQTTPublisherForwardsEvents(t *testing.T) {
	bus := framebus.New()
	defer bus.Close()

	p := &MQTTPublisher{cfg: MQTTConfig{Broker: "tcp://test:1883", Topic: "care/room1"}}
	p.cfg.setDefaults()
	client := &fakeClient{}
	if err := p.attach(client, bus); err != nil {
		t.Fatal(err)
	}
	if err := p.Connect(); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	bus.Publish(framebus.Message{Seq: 5, JPEG: []byte{1, 2, 3}, Detections: person.Detections})

	deadline := time.Now().Add(2 * time.Second)
	for client.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no MQTT publish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if client.topics[0] != "care/room1/detections" {
		t.Errorf("topic = %q", client.topics[0])
	}
	var ev Event
	if err := json.Unmarshal(client.payloads[0], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Seq != 5 || len(ev.Detections) != 1 {
		t.Errorf("event = %+v", ev)
	}
	if strings.Contains(string(client.payloads[0]), "jpeg") {
		t.Error("payload should not carry the image")
	}
	if s := p.Stats(); s.Published != 1 || s.Errors != 0 {
		t.Errorf("stats = %+v", s)
	}

	p.Close()
	if !client.closed || bus.Len() != 0 {
		t.Error("Close() did not disconnect and unsubscribe")
	}
}

func TestMQTTPublisherCountsErrors(t *testing.T) {
	bus := framebus.New()
	defer bus.Close()

	p := &MQTTPublisher{cfg: MQTTConfig{Broker: "tcp://test:1883"}}
	p.cfg.setDefaults()
	client := &fakeClient{fail: errors.New("not connected")}
	p.attach(client, bus)

	if err := p.publish(framebus.Message{Seq: 1}); err == nil {
		t.Error("publish() succeeded with failing client")
	}
}

func TestNewMQTTPublisherRequiresBroker(t *testing.T) {
	bus := framebus.New()
	defer bus.Close()
	if _, err := NewMQTTPublisher(MQTTConfig{}, bus); err == nil {
		t.Error("NewMQTTPublisher() without broker succeeded")
	}
}
