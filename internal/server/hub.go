package server

import (
	"encoding/json"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/ecoreservices/bulkboard/internal/logging"
)

// Frame is one message pushed to websocket clients.
type Frame struct {
	Type      string `json:"type"`
	Tool      string `json:"tool,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Completed int    `json:"completed,omitempty"`
	Total     int    `json:"total,omitempty"`
	Error     string `json:"error,omitempty"`
	Tools     []Tool `json:"tools,omitempty"`
}

// Hub fans batch progress out to every connected websocket client. All
// client bookkeeping happens on the hub goroutine; handlers only talk to it
// through channels.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	log        *slog.Logger
}

// NewHub creates a Hub. Call Start before registering clients.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
		log:        logging.Component("hub"),
	}
}

// Start runs the hub loop until Stop.
func (h *Hub) Start() {
	go func() {
		for {
			select {
			case conn := <-h.register:
				h.clients[conn] = true
				h.log.Debug("websocket client connected", "clients", len(h.clients))

			case conn := <-h.unregister:
				if _, ok := h.clients[conn]; ok {
					delete(h.clients, conn)
					conn.Close()
				}
				h.log.Debug("websocket client disconnected", "clients", len(h.clients))

			case message := <-h.broadcast:
				for conn := range h.clients {
					if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
						h.log.Debug("dropping unreachable websocket client", "error", err)
						conn.Close()
						delete(h.clients, conn)
					}
				}

			case <-h.stop:
				for conn := range h.clients {
					conn.Close()
				}
				h.clients = map[*websocket.Conn]bool{}
				return
			}
		}
	}()
}

// Stop closes every client and ends the hub loop.
func (h *Hub) Stop() {
	close(h.stop)
}

// Register hands a client to the hub loop.
func (h *Hub) Register(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.stop:
		conn.Close()
	}
}

// Unregister detaches and closes a client.
func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.stop:
	}
}

// Broadcast sends a frame to all clients. Frames are best effort: when the
// hub cannot keep up the frame is dropped, never blocking the sender.
func (h *Hub) Broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.log.Warn("cannot marshal websocket frame", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.stop:
	default:
		h.log.Debug("websocket broadcast buffer full, dropping frame", "type", f.Type)
	}
}

// BroadcastBatchProgress pushes a live completion count for a running batch.
func (h *Hub) BroadcastBatchProgress(tool, sessionID string, completed, total int) {
	h.Broadcast(Frame{
		Type:      "batch_progress",
		Tool:      tool,
		SessionID: sessionID,
		Completed: completed,
		Total:     total,
	})
}

// BroadcastBatchDone announces a finished background batch, successful or not.
func (h *Hub) BroadcastBatchDone(tool, sessionID string, completed int, err error) {
	f := Frame{
		Type:      "batch_complete",
		Tool:      tool,
		SessionID: sessionID,
		Completed: completed,
	}
	if err != nil {
		f.Type = "batch_failed"
		f.Error = err.Error()
	}
	h.Broadcast(f)
}
