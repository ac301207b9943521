// Package wsstream fans muxer output out to websocket clients.
//
// Every event is wire-encoded once and sent as one binary message per client.
// Each client has a bounded queue; when it is full the new message is dropped
// for that client only (a slow viewer never stalls the muxer). The last
// descriptor is replayed to every client on connect so late joiners can
// demux the framesets that follow.
package wsstream

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	rgbdmux "github.com/e7canasta/orion-rgbd"
	"github.com/e7canasta/orion-rgbd/wire"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	// ErrHubClosed is returned when publishing to a closed hub.
	ErrHubClosed = errors.New("wsstream: hub closed")
)

// ClientStats tracks delivery for one client.
type ClientStats struct {
	ID      string
	Remote  string
	Sent    uint64
	Dropped uint64
}

// Stats describes the hub.
type Stats struct {
	Published uint64
	Clients   []ClientStats
}

type client struct {
	id     string
	remote string
	conn   *websocket.Conn
	send   chan []byte

	sent    uint64
	dropped uint64
}

// Hub is an http.Handler that upgrades requests and fans events out.
type Hub struct {
	upgrader websocket.Upgrader
	buffer   int

	mu         sync.RWMutex
	clients    map[string]*client
	descriptor []byte
	closed     bool

	published uint64
}

// NewHub creates a hub with a per-client queue of buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		buffer:  buffer,
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the connection and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("wsstream: failed to upgrade to websocket", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		remote: r.RemoteAddr,
		conn:   conn,
		send:   make(chan []byte, h.buffer),
	}
	if err := h.register(c); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	slog.Info("wsstream: client connected", "id", c.id, "remote", c.remote)
	go h.writePump(c)
	go h.readPump(c)
}

// register adds c and queues the current descriptor for it.
func (h *Hub) register(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	if h.descriptor != nil {
		c.send <- h.descriptor
	}
	h.clients[c.id] = c
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	slog.Info("wsstream: client disconnected",
		"id", c.id,
		"remote", c.remote,
		"sent", atomic.LoadUint64(&c.sent),
		"dropped", atomic.LoadUint64(&c.dropped),
	)
}

// Publish encodes ev and distributes it to every client.
func (h *Hub) Publish(ev rgbdmux.Event) error {
	data, err := wire.EncodeEvent(ev)
	if err != nil {
		return err
	}

	if ev.Kind == rgbdmux.EventDescriptor {
		h.mu.Lock()
		h.descriptor = data
		h.mu.Unlock()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrHubClosed
	}

	atomic.AddUint64(&h.published, 1)
	for _, c := range h.clients {
		// Non-blocking send
		select {
		case c.send <- data:
			atomic.AddUint64(&c.sent, 1)
		default:
			atomic.AddUint64(&c.dropped, 1)
			slog.Debug("wsstream: dropping message, client queue full",
				"id", c.id,
				"kind", ev.Kind.String(),
			)
		}
	}
	return nil
}

// Stats returns hub statistics.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := Stats{Published: atomic.LoadUint64(&h.published)}
	for _, c := range h.clients {
		st.Clients = append(st.Clients, ClientStats{
			ID:      c.id,
			Remote:  c.remote,
			Sent:    atomic.LoadUint64(&c.sent),
			Dropped: atomic.LoadUint64(&c.dropped),
		})
	}
	return st
}

// Close disconnects every client. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
}

// writePump drains the client queue. A closed queue ends the connection.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				slog.Debug("wsstream: write failed", "id", c.id, "error", err)
				h.unregister(c)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("wsstream: read error", "id", c.id, "error", err)
			}
			return
		}
	}
}
