package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"triones-go-home/internal/coordinator"
)

const (
	wsClientBuffer = 64
	wsWriteTimeout = 10 * time.Second
)

// WSHub streams device state to WebSocket clients. A client joins with a
// full snapshot and then receives typed deltas in the order the coordinator
// emitted them. Publishing never blocks: a client whose buffer is full is
// dropped and has to reconnect for a fresh snapshot.
type WSHub struct {
	logger   *slog.Logger
	snapshot func() []coordinator.DeviceState

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool

	// write pumps
	wg sync.WaitGroup
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates a hub. snapshot supplies the device list for joins and
// structural changes.
func NewWSHub(logger *slog.Logger, snapshot func() []coordinator.DeviceState) *WSHub {
	return &WSHub{
		logger:   logger,
		snapshot: snapshot,
		clients:  make(map[*wsClient]struct{}),
	}
}

// Publish forwards one coordinator event to every client.
func (h *WSHub) Publish(ev coordinator.Event) {
	msg, ok := wsMessageFor(ev, h.snapshot)
	if !ok {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal", "type", ev.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("ws client evicted (too slow)")
		}
	}
}

// join queues the initial snapshot and adds c. Holding mu across both
// keeps any concurrent Publish after the snapshot. Returns false once the
// hub is stopped.
func (h *WSHub) join(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	data, err := json.Marshal(wsSnapshot{Type: wsTypeSnapshot, Devices: h.snapshot()})
	if err != nil {
		h.logger.Error("ws marshal snapshot", "err", err)
		return false
	}
	c.send <- data
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	h.logger.Debug("ws client connected", "total", len(h.clients))
	return true
}

func (h *WSHub) leave(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.logger.Debug("ws client disconnected", "total", len(h.clients))
}

// Len returns the number of connected clients.
func (h *WSHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stop disconnects every client and waits for their writers to finish.
// Safe to call more than once.
func (h *WSHub) Stop() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// writePump drains c.send until the hub closes it, then closes the socket.
func (h *WSHub) writePump(c *wsClient) {
	defer h.wg.Done()
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			h.leave(c)
			c.conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Without allowed origins nhooyr enforces same-origin.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.allowedOrigins})
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	c := &wsClient{conn: conn, send: make(chan []byte, wsClientBuffer)}
	if !s.wsHub.join(c) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	go s.wsHub.writePump(c)

	// The stream is one-way. CloseRead handles control frames and ends ctx
	// when the peer goes away or the write pump closes the socket.
	ctx := conn.CloseRead(context.Background())
	<-ctx.Done()
	s.wsHub.leave(c)
}
