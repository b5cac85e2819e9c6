package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/trade-engine/internal/metrics"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// outbound is a serialized message and the user it is addressed to; an
// empty user reaches every client.
type outbound struct {
	userID string
	data   []byte
}

// WSHub manages WebSocket connections. Each connection belongs to the user
// named by its X-User-ID header; anonymous connections only receive
// broadcasts.
type WSHub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan outbound
	register   chan client
	unregister chan *websocket.Conn
	mu         sync.Mutex
	logger     *slog.Logger
}

type client struct {
	conn   *websocket.Conn
	userID string
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan outbound, 256),
		register:   make(chan client),
		unregister: make(chan *websocket.Conn),
		logger:     logger,
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every connection.
func (h *WSHub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.userID
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.logger.Info("ws client connected", "user_id", c.userID, "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, owner := range h.clients {
				if msg.userID != "" && owner != msg.userID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Notify queues event for userID's connections, or for everyone when userID
// is empty.
func (h *WSHub) Notify(userID, event string, payload any) {
	data, err := json.Marshal(WSMessage{Type: event, UserID: userID, Data: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		h.logger.Warn("ws message encode failed", "type", event, "error", err)
		return
	}
	select {
	case h.broadcast <- outbound{userID: userID, data: data}:
	default:
		// Drop if buffer full to avoid blocking settlement.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}

	h.register <- client{conn: conn, userID: userID}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies. WriteControl is
	// safe alongside the hub's writer.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.Lock()
			_, ok := h.clients[conn]
			h.mu.Unlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
