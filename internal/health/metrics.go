package health

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/ingest"
)

const namespace = "frame_ingest"

func desc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

// collector exposes a Snapshot as const metrics on every scrape. Counters
// live in the components; nothing is double-counted here.
type collector struct {
	src Source

	up     *prometheus.Desc
	uptime *prometheus.Desc

	messages    *prometheus.Desc
	published   *prometheus.Desc
	decodeFail  *prometheus.Desc
	malformed   *prometheus.Desc
	bytesRead   *prometheus.Desc
	connections *prometheus.Desc
	reconnects  *prometheus.Desc
	errors      *prometheus.Desc
	state       *prometheus.Desc

	overwritten *prometheus.Desc
	frameAge    *prometheus.Desc

	processed   *prometheus.Desc
	inferFail   *prometheus.Desc
	sinkFail    *prometheus.Desc
	consumerFPS *prometheus.Desc

	inferRequests *prometheus.Desc
	inferRestarts *prometheus.Desc
	inferLatency  *prometheus.Desc

	busPublished *prometheus.Desc
	busDropped   *prometheus.Desc
	mqttSent     *prometheus.Desc
	mqttErrors   *prometheus.Desc
	wsClients    *prometheus.Desc
}

func newCollector(src Source) *collector {
	return &collector{
		src:    src,
		up:     desc("", "up", "1 while the service is running."),
		uptime: desc("", "uptime_seconds", "Seconds since the service started."),

		messages:    desc("ingest", "messages_received_total", "Complete length-prefixed messages received."),
		published:   desc("ingest", "frames_published_total", "Frames decoded and published to the buffer."),
		decodeFail:  desc("ingest", "decode_failures_total", "Payloads the codec rejected."),
		malformed:   desc("ingest", "malformed_packets_total", "Datagrams dropped for a malformed header."),
		bytesRead:   desc("ingest", "bytes_read_total", "Wire bytes of complete messages."),
		connections: desc("ingest", "connections_total", "Accepted connections (tcp) or binds (udp)."),
		reconnects:  desc("ingest", "reconnects_total", "Scheduled reconnect attempts."),
		errors:      desc("ingest", "errors_total", "Ingestion failures by kind.", "kind"),
		state:       desc("ingest", "state", "Current connection state (1 for the active state).", "state"),

		overwritten: desc("buffer", "overwritten_total", "Frames replaced before the consumer read them."),
		frameAge:    desc("buffer", "frame_age_seconds", "Age of the buffered frame."),

		processed:   desc("consume", "frames_processed_total", "Frames run through inference and presentation."),
		inferFail:   desc("consume", "inference_failures_total", "Frames skipped because inference failed."),
		sinkFail:    desc("consume", "sink_failures_total", "Frames the presentation sink failed to show."),
		consumerFPS: desc("consume", "fps", "Consumer throughput at the last report."),

		inferRequests: desc("inference", "requests_total", "Requests sent to the inference process."),
		inferRestarts: desc("inference", "restarts_total", "Inference process restarts."),
		inferLatency:  desc("inference", "latency_ms", "Average inference latency."),

		busPublished: desc("broadcast", "published_total", "Annotated frames published to subscribers."),
		busDropped:   desc("broadcast", "dropped_total", "Messages dropped across subscribers."),
		mqttSent:     desc("mqtt", "published_total", "Detection events published to the broker."),
		mqttErrors:   desc("mqtt", "errors_total", "Detection events the broker did not acknowledge."),
		wsClients:    desc("websocket", "clients", "Connected websocket preview clients."),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.up, c.uptime,
		c.messages, c.published, c.decodeFail, c.malformed, c.bytesRead,
		c.connections, c.reconnects, c.errors, c.state,
		c.overwritten, c.frameAge,
		c.processed, c.inferFail, c.sinkFail, c.consumerFPS,
		c.inferRequests, c.inferRestarts, c.inferLatency,
		c.busPublished, c.busDropped, c.mqttSent, c.mqttErrors, c.wsClients,
	} {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Snapshot()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	up := 0.0
	if s.Running {
		up = 1
	}
	gauge(c.up, up)
	gauge(c.uptime, s.Uptime.Seconds())

	in := s.Ingest
	counter(c.messages, in.MessagesReceived)
	counter(c.published, in.FramesPublished)
	counter(c.decodeFail, in.DecodeFailures)
	counter(c.malformed, in.MalformedPackets)
	counter(c.bytesRead, in.BytesRead)
	counter(c.connections, in.Connections)
	counter(c.reconnects, in.Reconnects)
	for _, kind := range ingest.Kinds() {
		counter(c.errors, in.Errors[kind], kind.String())
	}
	for _, st := range []ingest.State{ingest.StateIdle, ingest.StateListening, ingest.StateConnected, ingest.StateReceiving, ingest.StateFailed} {
		v := 0.0
		if st == in.State {
			v = 1
		}
		gauge(c.state, v, st.String())
	}

	counter(c.overwritten, s.Buffer.Overwritten)
	gauge(c.frameAge, s.Buffer.Age().Seconds())

	counter(c.processed, s.Consume.Processed)
	counter(c.inferFail, s.Consume.InferenceFailures)
	counter(c.sinkFail, s.Consume.SinkFailures)
	gauge(c.consumerFPS, s.Consume.LastFPS)

	if p := s.Inference; p != nil {
		counter(c.inferRequests, p.Requests)
		counter(c.inferRestarts, p.Restarts)
		gauge(c.inferLatency, p.AvgLatencyMS)
	}
	if b := s.Broadcast; b != nil {
		counter(c.busPublished, b.Bus.TotalPublished)
		counter(c.busDropped, b.Bus.TotalDropped)
	}
	if m := s.MQTT; m != nil {
		counter(c.mqttSent, m.Published)
		counter(c.mqttErrors, m.Errors)
	}
	if s.WebSocketClients >= 0 {
		gauge(c.wsClients, float64(s.WebSocketClients))
	}
}
