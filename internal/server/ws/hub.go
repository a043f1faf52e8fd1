// Package ws streams order progress events to WebSocket clients. Each client
// attaches to one order id and receives a connection_ack, a snapshot of the
// order, then every live event published for it on the signal bus.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/swaprouter/internal/domain"
	"github.com/alanyoungcy/swaprouter/internal/notify"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// SnapshotSource returns the current view of an order.
type SnapshotSource interface {
	Snapshot(orderID string) (domain.OrderSnapshot, error)
}

type client struct {
	hub     *Hub
	orderID string
	conn    *websocket.Conn
	send    chan []byte
}

type routedMsg struct {
	orderID string
	closing bool
	data    []byte
}

// Hub fans bus messages for order:<id> out to the clients attached to that
// order. Registration, delivery and removal all run on the Run loop.
type Hub struct {
	bus       domain.SignalBus
	snapshots SnapshotSource
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan routedMsg

	mu      sync.RWMutex
	clients map[string]map[*client]bool
	running bool
}

// NewHub creates a Hub. allowedOrigins restricts the Origin header; empty
// allows every origin.
func NewHub(bus domain.SignalBus, snapshots SnapshotSource, allowedOrigins []string, logger *slog.Logger) *Hub {
	return &Hub{
		bus:       bus,
		snapshots: snapshots,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger:     logger.With(slog.String("component", "ws")),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan routedMsg, 256),
		clients:    make(map[string]map[*client]bool),
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run subscribes to every order channel and serves clients until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	msgs, err := h.bus.Subscribe(ctx, notify.OrderChannelPattern)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()
	h.logger.InfoContext(ctx, "ws hub started", slog.String("channel", notify.OrderChannelPattern))

	go h.forward(ctx, msgs)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = make(map[string]map[*client]bool)
			h.running = false
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.attach(c)

		case c := <-h.unregister:
			h.detach(c)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// forward turns bus messages into routed messages for the Run loop.
func (h *Hub) forward(ctx context.Context, msgs <-chan domain.BusMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			orderID, ok := notify.OrderIDFromChannel(m.Channel)
			if !ok {
				continue
			}
			var head struct {
				Type domain.EventType `json:"type"`
			}
			_ = json.Unmarshal(m.Payload, &head)
			select {
			case h.broadcast <- routedMsg{orderID: orderID, closing: head.Type == domain.EventStreamClosed, data: m.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// attach sends the ack and snapshot before the client can see live events.
// Unknown orders get an error event and the connection is closed.
func (h *Hub) attach(c *client) {
	c.enqueue(h.envelope(domain.EventConnectionAck, c.orderID, "", nil))

	snap, err := h.snapshots.Snapshot(c.orderID)
	if err != nil {
		data := map[string]string{"code": domain.ErrorCode(err), "error": "order not found"}
		if !errors.Is(err, domain.ErrNotFound) {
			data["error"] = err.Error()
		}
		c.enqueue(h.envelope(domain.EventError, c.orderID, "", data))
		close(c.send)
		return
	}
	c.enqueue(h.envelope(domain.EventSnapshot, c.orderID, snap.Stage, snap))

	h.mu.Lock()
	set := h.clients[c.orderID]
	if set == nil {
		set = make(map[*client]bool)
		h.clients[c.orderID] = set
	}
	set[c] = true
	h.mu.Unlock()
	h.logger.Debug("client attached",
		slog.String("order_id", c.orderID),
		slog.Int("clients", h.ClientCount()),
	)
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.orderID]
	if !set[c] {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.orderID)
	}
	close(c.send)
}

func (h *Hub) deliver(msg routedMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[msg.orderID]
	for c := range set {
		if !c.enqueue(msg.data) {
			h.logger.Warn("dropping event for slow client", slog.String("order_id", msg.orderID))
		}
		if msg.closing {
			close(c.send)
		}
	}
	if msg.closing {
		delete(h.clients, msg.orderID)
	}
}

func (h *Hub) envelope(typ domain.EventType, orderID string, stage domain.Stage, data any) []byte {
	b, err := json.Marshal(domain.OrderEvent{
		Type:      typ,
		OrderID:   orderID,
		Stage:     stage,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		h.logger.Error("marshal ws envelope", slog.String("error", err.Error()))
		return nil
	}
	return b
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// HandleOrderStream upgrades the request and attaches the client to the
// order in the {id} path segment.
// GET /ws/orders/{id}
func (h *Hub) HandleOrderStream(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	if orderID == "" {
		http.Error(w, `{"error":"missing order id"}`, http.StatusBadRequest)
		return
	}
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		http.Error(w, `{"error":"event stream unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:     h,
		orderID: orderID,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
	}

	go c.writePump()
	select {
	case h.register <- c:
		go c.readPump()
	case <-r.Context().Done():
		close(c.send)
	}
}

// enqueue never blocks; false means the buffer was full.
func (c *client) enqueue(data []byte) bool {
	if data == nil {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// readPump discards client frames and unregisters on disconnect.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-time.After(writeWait):
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// writePump writes queued events as text frames and pings periodically. A
// closed send channel ends the stream with a close frame.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
