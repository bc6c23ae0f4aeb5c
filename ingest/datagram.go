package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/framing"
)

// maxDatagram is the largest UDP payload a single read must hold.
const maxDatagram = 64 * 1024

// datagramSession binds once and reads one message per packet until the
// socket fails. Read timeouts are idle periods, not failures: datagram
// sockets have no session to re-establish.
func (r *Receiver) datagramSession(ctx context.Context) error {
	r.setState(StateIdle)

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", r.listenAddress())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.fail(newError(KindBind, "listen", err))
	}
	defer pc.Close()

	if udp, ok := pc.(*net.UDPConn); ok && r.cfg.ReceiveBufferSize > 0 {
		if err := udp.SetReadBuffer(r.cfg.ReceiveBufferSize); err != nil {
			slog.Warn("ingest: failed to set socket receive buffer",
				"error", err,
				"size", r.cfg.ReceiveBufferSize,
			)
		}
	}

	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()

	r.setAddr(pc.LocalAddr())
	r.connections.Add(1)
	r.reconnectState.Reset()
	r.setState(StateReceiving)

	slog.Info("ingest: bound datagram socket",
		"address", pc.LocalAddr().String(),
		"receive_buffer", r.cfg.ReceiveBufferSize,
	)

	buf := make([]byte, maxDatagram)
	for {
		if err := pc.SetReadDeadline(time.Now().Add(r.cfg.ReceiveTimeout)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return r.fail(newError(Classify(err), "receive", err))
		}

		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				r.errorCounts[KindReceiveTimeout].Add(1)
				slog.Debug("ingest: no datagram within receive timeout", "timeout", r.cfg.ReceiveTimeout)
				continue
			}
			return r.fail(newError(Classify(err), "receive", err))
		}

		payload, err := framing.ParseDatagram(buf[:n])
		if err == nil && uint64(len(payload)) > uint64(r.cfg.MaxPayload) {
			err = framing.ErrFrameTooLarge
		}
		if err != nil {
			r.malformedPackets.Add(1)
			r.errorCounts[KindMalformedHeader].Add(1)
			slog.Warn("ingest: dropping malformed datagram",
				"kind", KindMalformedHeader.String(),
				"error", err,
				"from", from.String(),
				"packet_bytes", n,
			)
			continue
		}

		// buf is reused; Decode finishes with payload before the next read.
		r.handlePayload(payload)
	}
}
