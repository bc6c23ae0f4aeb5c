package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/framing"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/ingest/internal/reconnect"
)

var errAcceptTimeout = errors.New("no client within accept timeout")

// streamSession runs one pass of the TCP state machine:
// Idle → Listening → Connected → Receiving → Failed.
//
// The listener is closed as soon as a client is accepted (one client at a
// time) and the connection is closed on every exit path.
func (r *Receiver) streamSession(ctx context.Context) error {
	r.setState(StateIdle)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", r.listenAddress())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.fail(newError(KindBind, "listen", err))
	}
	r.setAddr(ln.Addr())
	r.setState(StateListening)

	level := slog.LevelInfo
	if r.rebind {
		level = slog.LevelDebug
	}
	slog.Log(ctx, level, "ingest: listening", "address", ln.Addr().String(), "accept_timeout", r.cfg.AcceptTimeout)

	conn, err := r.accept(ctx, ln)
	ln.Close()
	r.rebind = false
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if Classify(err) == KindAcceptTimeout {
			r.rebind = true
			return reconnect.Immediate(r.fail(err))
		}
		return r.fail(err)
	}
	defer conn.Close()

	r.connections.Add(1)
	r.reconnectState.Reset()
	r.setState(StateConnected)

	slog.Info("ingest: client connected", "remote", conn.RemoteAddr().String())

	// Closing the connection on cancel unblocks a pending Read immediately.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r.setState(StateReceiving)
	err = r.receiveStream(conn)
	conn.Close()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	slog.Info("ingest: client disconnected", "remote", conn.RemoteAddr().String())
	return r.fail(err)
}

// accept waits for one client, bounded by AcceptTimeout and ctx.
func (r *Receiver) accept(ctx context.Context, ln net.Listener) (net.Conn, error) {
	if dl, ok := ln.(interface{ SetDeadline(time.Time) error }); ok {
		if err := dl.SetDeadline(time.Now().Add(r.cfg.AcceptTimeout)); err != nil {
			return nil, newError(KindBind, "accept", err)
		}
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, newError(KindAcceptTimeout, "accept", errAcceptTimeout)
		}
		return nil, newError(Classify(err), "accept", err)
	}
	return conn, nil
}

// receiveStream reads messages until the connection fails. Decode failures
// are handled per frame; any returned error is a transport failure.
func (r *Receiver) receiveStream(conn net.Conn) error {
	reader := framing.NewReader(&deadlineReader{conn: conn, timeout: r.cfg.ReceiveTimeout}, r.cfg.MaxPayload)
	for {
		payload, err := reader.Next()
		if err != nil {
			return newError(Classify(err), "receive", err)
		}
		r.handlePayload(payload)
	}
}

// deadlineReader arms a fresh read deadline before every Read, so the
// timeout bounds inactivity rather than total message time.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	return d.conn.Read(p)
}
