package api

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ctrlpark/ctrlpark/internal/metrics"
	"github.com/ctrlpark/ctrlpark/internal/monitor"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 10
	sendBuffer     = 64
)

// Message types sent over the slot feed.
const (
	MessageTypeSlotChange = "slot_change"
	MessageTypePing       = "ping"
	MessageTypePong       = "pong"
)

// Message is a slot feed frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

var clientIDCounter atomic.Uint64

// Hub fans slot changes out to websocket clients. It implements
// monitor.Publisher; a slow client drops frames rather than blocking the
// state machine.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	logger  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger.With().Str("component", "slot-feed").Logger(),
	}
}

// Publish implements monitor.Publisher.
func (h *Hub) Publish(c monitor.Change) {
	msg := Message{Type: MessageTypeSlotChange, Data: c}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.clients {
		if cl.driver != "" && cl.driver != c.Driver {
			continue
		}
		select {
		case cl.send <- msg:
		default:
			h.logger.Debug().Uint64("client", cl.id).Msg("Client send buffer full, dropping frame")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// send queues msg for a single client. It reports false once the client
// has been removed, since its send channel is closed by then.
func (h *Hub) send(cl *client, msg Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[cl]; !ok {
		return false
	}
	select {
	case cl.send <- msg:
		return true
	default:
		return false
	}
}

// Close disconnects every client. Clients registering later are closed
// straight away.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for cl := range h.clients {
		delete(h.clients, cl)
		close(cl.send)
	}
	metrics.WebSocketClients.Set(0)
}

func (h *Hub) register(cl *client) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(cl.send)
		return
	}
	h.clients[cl] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(n))
	h.logger.Info().Uint64("client", cl.id).Str("driver", cl.driver).Int("total_clients", n).Msg("Slot feed client connected")
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(n))
	h.logger.Info().Uint64("client", cl.id).Int("total_clients", n).Msg("Slot feed client disconnected")
}

// client is one websocket connection. An empty driver receives every change.
type client struct {
	id     uint64
	hub    *Hub
	conn   *websocket.Conn
	driver string
	send   chan Message
}

func newClient(hub *Hub, conn *websocket.Conn, driver string) *client {
	return &client{
		id:     clientIDCounter.Add(1),
		hub:    hub,
		conn:   conn,
		driver: driver,
		send:   make(chan Message, sendBuffer),
	}
}

func (c *client) start() {
	c.hub.register(c)
	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Uint64("client", c.id).Msg("Unexpected websocket close")
			}
			return
		}
		if msg.Type == MessageTypePing {
			c.hub.send(c, Message{Type: MessageTypePong})
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
