package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/andresmejia3/facetrace/internal/logger"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	broadcastQueue = 256
	clientQueue    = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is pushed to every websocket client while runs are in progress.
type Event struct {
	Type      string `json:"type"` // match, face_lost, finished, failed
	RunID     string `json:"run_id"`
	Frame     int    `json:"frame,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Faces     int    `json:"faces,omitempty"`
	Matches   int    `json:"matches,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Hub fans events out to the connected websocket clients.
// Broadcast never blocks: events are queued per client and a viewer that
// cannot keep up is disconnected.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	stopOnce   sync.Once
	mutex      sync.RWMutex
	logger     *logger.Logger
}

// client is one viewer. Only its writePump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, send: make(chan []byte, clientQueue)}
}

func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Discard()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, broadcastQueue),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     log,
	}
}

// Run serves register, unregister and broadcast requests until Stop.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("Client connected. Total: %d", n)

		case c := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("Client disconnected. Total: %d", n)

		case message := <-h.broadcast:
			h.mutex.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					h.logger.Warning("Dropping slow websocket client")
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mutex.Unlock()

		case <-h.done:
			h.mutex.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mutex.Unlock()
			return
		}
	}
}

// Stop disconnects all clients and ends Run. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Register adds c. It reports false once the hub is stopped.
func (h *Hub) Register(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues the event for every client. The event is dropped when the
// queue is full or the hub is stopped.
func (h *Hub) Broadcast(ev Event) {
	message, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to encode event: %v", err)
		return
	}
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warning("Event queue full, dropping %s event for run %s", ev.Type, ev.RunID)
	}
}

func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// writePump sends queued events and keepalive pings until the hub closes
// c.send or a write fails.
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
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

// handleWebsocket registers a viewer. Clients only listen; anything they send
// is discarded.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	connection, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade error: %v", err)
		return
	}
	connection.SetReadLimit(512)
	connection.SetReadDeadline(time.Now().Add(pongWait))
	connection.SetPongHandler(func(string) error {
		connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c := newClient(connection)
	if !s.hub.Register(c) {
		connection.Close()
		return
	}
	defer s.hub.Unregister(c)
	go c.writePump()

	for {
		if _, _, err := connection.ReadMessage(); err != nil {
			s.log.Debug("Viewer disconnected: %v", err)
			return
		}
	}
}
