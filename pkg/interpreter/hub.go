package interpreter

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/NotCoffee418/dlt645_meter/pkg/types"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	// gorilla connections allow one concurrent writer
	writeMu sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Hub broadcasts meter events to websocket clients. It is a meter.Sink and an
// http.Handler for the /ws endpoint.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader
	// latest yields the current values sent to a client when it connects
	latest func() []types.MeterEvent

	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

// NewHub returns a hub that greets new clients with the events from latest.
// latest may be nil.
func NewHub(logger *zap.Logger, latest func() []types.MeterEvent) *Hub {
	return &Hub{
		logger: logger,
		latest: latest,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // LAN-only API
			},
		},
		clients: make(map[*websocket.Conn]*client),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := h.add(conn)
	h.logger.Debug("websocket client connected", zap.String("remote", r.RemoteAddr))
	if err := h.greet(c); err != nil {
		h.logger.Debug("dropping websocket client", zap.Error(err))
		h.remove(conn)
		return
	}

	// Inbound messages are ignored; reading drives pong and close handling.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(conn)
			return
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) *client {
	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

// greet sends the current value of every quantity to a new client.
func (h *Hub) greet(c *client) error {
	if h.latest == nil {
		return nil
	}
	for _, ev := range h.latest() {
		data := EventToJsonBytes(ev)
		if data == nil {
			continue
		}
		if err := c.write(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		conn.Close()
	}
}

func (h *Hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends every event as its own text message to all clients. Clients
// that fail a write are dropped.
func (h *Hub) Publish(events []types.MeterEvent) {
	clients := h.snapshot()
	if len(clients) == 0 {
		return
	}

	messages := make([][]byte, 0, len(events))
	for _, ev := range events {
		if data := EventToJsonBytes(ev); data != nil {
			messages = append(messages, data)
		}
	}

	for _, c := range clients {
		for _, msg := range messages {
			if err := c.write(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("dropping websocket client", zap.Error(err))
				h.remove(c.conn)
				break
			}
		}
	}
}

// Run pings clients until ctx ends, then closes them. Listeners use the pings
// to tell an idle meter from a dead connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, c := range h.snapshot() {
				_ = c.write(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				h.remove(c.conn)
			}
			return
		case <-ticker.C:
			for _, c := range h.snapshot() {
				if err := c.write(websocket.PingMessage, nil); err != nil {
					h.remove(c.conn)
				}
			}
		}
	}
}
