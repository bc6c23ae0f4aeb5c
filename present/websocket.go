package present

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/framebus"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPongWait     = 60 * time.Second
)

// WebSocketHub serves the live preview. Each client gets a DropOld
// subscription so a slow browser only ever sees the latest frame.
//
// Per message the client receives a JSON Event (text) followed by the
// annotated JPEG (binary).
type WebSocketHub struct {
	bus      *framebus.Bus
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*websocket.Conn
	closed bool

	nextID atomic.Uint64
	sent   atomic.Uint64
}

// NewWebSocketHub creates a hub subscribing to bus.
func NewWebSocketHub(bus *framebus.Bus) *WebSocketHub {
	return &WebSocketHub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*websocket.Conn),
	}
}

// ServeHTTP upgrades the connection and streams until the client leaves
// or the hub is closed.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("present: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	id := r.URL.Query().Get("client_id")
	if id == "" {
		id = fmt.Sprintf("ws-%d", h.nextID.Add(1))
	}

	live, err := h.bus.SubscribeLatest(id)
	if err != nil {
		slog.Warn("present: websocket subscribe failed", "client_id", id, "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		return
	}
	defer h.bus.Unsubscribe(id)

	if !h.register(id, conn) {
		return
	}
	defer h.unregister(id)

	slog.Info("present: websocket client connected", "client_id", id, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.readLoop(conn, cancel)

	for {
		msg, ok := live.Receive(ctx)
		if !ok {
			break
		}
		if err := h.write(conn, msg); err != nil {
			slog.Debug("present: websocket write failed", "client_id", id, "error", err)
			break
		}
		h.sent.Add(1)
	}
	slog.Info("present: websocket client disconnected", "client_id", id)
}

// readLoop discards client messages; its only job is noticing the close.
func (h *WebSocketHub) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}

func (h *WebSocketHub) write(conn *websocket.Conn, msg framebus.Message) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(NewEvent(msg)); err != nil {
		return err
	}
	if len(msg.JPEG) == 0 {
		return nil
	}
	return conn.WriteMessage(websocket.BinaryMessage, msg.JPEG)
}

func (h *WebSocketHub) register(id string, conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[id] = conn
	return true
}

func (h *WebSocketHub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}

// Clients returns the number of connected clients.
func (h *WebSocketHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Sent returns the number of messages written to clients.
func (h *WebSocketHub) Sent() uint64 { return h.sent.Load() }

// Close disconnects every client. Handlers return once their read loop
// notices the closed socket.
func (h *WebSocketHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for id, conn := range h.conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		delete(h.conns, id)
	}
	return nil
}
