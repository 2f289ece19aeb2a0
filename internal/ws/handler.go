package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Overlay clients are served from other origins (device previews, dev tools)
		return true
	},
}

// Handler upgrades requests to WebSocket result streams
type Handler struct {
	hub *ResultsHub
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *ResultsHub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP handles WebSocket upgrade requests on /ws/results
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Warnf("[WS] Upgrade error: %v", err)
		return
	}

	h.hub.log.Infof("[WS] New connection from %s", r.RemoteAddr)
	c := h.hub.register(conn)
	go h.writePump(c)
	go h.readPump(c)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// writePump is the only writer on the connection. It sends queued results
// and pings until the client is closed.
func (h *Handler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readPump detects disconnection and unregisters the client
func (h *Handler) readPump(c *client) {
	defer func() {
		h.hub.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.log.Warnf("[WS] Read error: %v", err)
			}
			return
		}
	}
}
