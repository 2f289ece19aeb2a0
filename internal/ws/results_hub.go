package ws

import (
	"encoding/json"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"

	"keydot/internal/pipeline"
)

const sendBuffer = 8

// client is one connection. Only its write pump writes to conn.
type client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
}

// enqueue never blocks. A full queue loses its oldest message, since every
// message carries a complete snapshot.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// ResultsHub manages WebSocket connections for real-time result streaming.
// It is an OverlayProvider: stale sequences are dropped.
type ResultsHub struct {
	log         logs.Log
	frameWidth  int
	frameHeight int

	clients map[*client]bool
	mu      sync.RWMutex

	lastSeq uint64
	lastMsg []byte
	stateMu sync.Mutex
}

// NewResultsHub creates a new results hub
func NewResultsHub(log logs.Log, frameWidth, frameHeight int) *ResultsHub {
	return &ResultsHub{
		log:         log,
		frameWidth:  frameWidth,
		frameHeight: frameHeight,
		clients:     make(map[*client]bool),
	}
}

// register adds a connection and queues the latest results for it. stateMu
// is held so the client sees no broadcast before the cached message.
func (h *ResultsHub) register(conn *websocket.Conn) *client {
	c := newClient(conn)

	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Infof("[WS] Client registered (total: %d)", total)

	if h.lastMsg != nil {
		c.enqueue(h.lastMsg)
	}
	return c
}

// unregister removes a connection
func (h *ResultsHub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.log.Infof("[WS] Client unregistered (remaining: %d)", len(h.clients))
	}
}

// ClientCount returns the number of connected clients
func (h *ResultsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// UpdateResults implements pipeline.OverlayProvider. It only queues; the
// per-client write pumps do the network writes.
func (h *ResultsHub) UpdateResults(seq uint64, snapshot pipeline.Snapshot) {
	data, err := json.Marshal(NewResultsMessage(snapshot, h.frameWidth, h.frameHeight))
	if err != nil {
		h.log.Errorf("[WS] Error marshaling results message: %v", err)
		return
	}

	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if seq < h.lastSeq {
		return
	}
	h.lastSeq = seq
	h.lastMsg = data
	h.broadcast(data)
}

// CurrentSequence implements pipeline.OverlayProvider
func (h *ResultsHub) CurrentSequence() uint64 {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.lastSeq
}

// broadcast queues a message for every client without waiting on any of them
func (h *ResultsHub) broadcast(message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(message)
	}
}

var _ pipeline.OverlayProvider = (*ResultsHub)(nil)
