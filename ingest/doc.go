// Package ingest receives length-prefixed compressed frames over TCP or UDP,
// decodes them and publishes the result to a single-slot frame buffer.
//
// Two variants share the same receive → decode → publish pipeline:
//
//   - TCP: one client at a time. The receiver binds, accepts with a timeout,
//     reads messages until the connection fails, then closes every socket
//     and starts over after a fixed back-off delay.
//   - UDP: the receiver binds once and every datagram carries one message.
//     Malformed packets are dropped without touching the socket.
//
// Connection state machine (TCP):
//
//	Idle ──bind──▶ Listening ──accept──▶ Connected ──▶ Receiving
//	  ▲               │ accept timeout / bind error       │ EOF, reset,
//	  │               ▼                                   │ timeout, bad header
//	  └──back-off── Failed ◀──────────────────────────────┘
//
// Accept timeouts skip the back-off and re-bind immediately. The state
// machine only runs on the receiver's goroutine; State() may be read from
// any goroutine.
//
// Frame-level failures (undecodable payloads, malformed datagrams) are
// logged and skipped, they never tear down a connection.
//
// Usage:
//
//	buf := framebuffer.New()
//	dec, _ := codec.New("imaging")
//	r, err := ingest.NewReceiver(ingest.DefaultConfig(), dec, buf)
//	if err != nil {
//	    return err
//	}
//	go r.Run(ctx)
package ingest
