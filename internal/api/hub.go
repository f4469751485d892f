package api

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"labguard/internal/service"
)

// Hub fans fired alerts out to connected security dashboards.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastAlert satisfies service.Broadcaster. Messages are dropped when no
// dashboard is listening; the alert itself is already persisted.
func (h *Hub) BroadcastAlert(p service.AlertPayload) {
	event := map[string]interface{}{
		"action": "alert.fired",
		"data":   p,
	}
	msg, _ := json.Marshal(event)
	select {
	case h.broadcast <- msg:
	case <-h.stop:
	default:
	}
}

func (h *Hub) Stop() {
	close(h.stop)
}
