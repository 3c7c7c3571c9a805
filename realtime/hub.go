package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/logger"
)

const (
	EventPreview         = "preview"
	EventUploadReady     = "upload.ready"
	EventJobUpdate       = "job.update"
	EventIdentityChanged = "identity.changed"
	EventQuotaChanged    = "quota.changed"
	EventNotice          = "notice"
)

// Event represents a message sent to websocket clients
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to every connected websocket client
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

// NewHub accepts websocket connections from allowedOrigins, or from any
// origin when the list is empty or contains "*".
func NewHub(allowedOrigins []string, log *zap.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		log:        logger.OrNop(log),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Run serves registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.log.Warn("realtime: dropping slow client")
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues an event of the given type for all clients.
func (h *Hub) Publish(eventType string, data interface{}) {
	h.Broadcast(Event{Type: eventType, Data: data, Timestamp: time.Now().UnixMilli()})
}

func (h *Hub) Broadcast(event Event) {
	encoded, err := json.Marshal(event)
	if err != nil {
		h.log.Error("realtime: failed to marshal event", zap.String("type", event.Type), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- encoded:
	default:
		h.log.Warn("realtime: dropping event, broadcast channel full", zap.String("type", event.Type))
	}
}

// Notify sends a user-facing notice.
func (h *Hub) Notify(message string) {
	h.Publish(EventNotice, map[string]string{"message": message})
}

// ServeWS upgrades the connection and registers a client
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("realtime: websocket upgrade error", zap.Error(err))
		return
	}
	client := &Client{conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- client:
	case <-r.Context().Done():
		conn.Close()
		return
	}

	// writer
	go func() {
		for msg := range client.send {
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
		client.conn.Close()
	}()

	// reader (just consume pings/close)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.unregister <- client:
	case <-r.Context().Done():
	}
}
