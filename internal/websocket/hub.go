package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/fanyifanyi/fanyifanyi/internal/auth"
	"github.com/fanyifanyi/fanyifanyi/internal/logger"
	"github.com/fanyifanyi/fanyifanyi/internal/middleware"
	"github.com/fanyifanyi/fanyifanyi/internal/updater"
	"github.com/gorilla/websocket"
)

type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	client string
	topics map[string]bool // opt-in topics, e.g. update_progress
	topMu  sync.Mutex
}

type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	auth       *auth.Service
	origins    map[string]bool

	// Greeting, if set, is sent to every client right after it connects.
	Greeting func() *Message
}

func NewHub(authService *auth.Service, port int, origins []string) *Hub {
	allowed := map[string]bool{
		fmt.Sprintf("http://localhost:%d", port): true,
		fmt.Sprintf("http://127.0.0.1:%d", port): true,
	}
	for _, o := range origins {
		allowed[o] = true
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		auth:       authService,
		origins:    allowed,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
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
			logger.WS("connected", client.client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			logger.WS("disconnected", client.client)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop signals the Hub.Run goroutine to exit and disconnects all clients.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for every client. It drops the message instead of
// blocking when the queue is full.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Failed to marshal broadcast message: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		logger.Warn("WebSocket broadcast queue full, dropping %s", msg.Type)
	}
}

// BroadcastToTopic sends a message only to clients subscribed to the given topic.
func (h *Hub) BroadcastToTopic(topic string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Failed to marshal topic broadcast: %v", err)
		return
	}
	h.mu.Lock()
	for client := range h.clients {
		client.topMu.Lock()
		subscribed := client.topics[topic]
		client.topMu.Unlock()
		if !subscribed {
			continue
		}
		select {
		case client.send <- data:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
	h.mu.Unlock()
}

// Publish forwards controller events. Progress goes only to clients that
// subscribed to it; status and success events go to everyone.
func (h *Hub) Publish(ev updater.Event) {
	var payload any
	switch {
	case ev.Snapshot != nil:
		payload = ev.Snapshot
	case ev.Startup != nil:
		payload = ev.Startup
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Failed to marshal %s event: %v", ev.Type, err)
		return
	}

	msg := Message{Type: ev.Type, Payload: raw}
	if ev.Type == updater.EventProgress {
		h.BroadcastToTopic(updater.EventProgress, msg)
		return
	}
	h.Broadcast(msg)
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	// Authenticate via Authorization header or cookie (no query params)
	tokenStr := middleware.BearerToken(r)
	if tokenStr == "" {
		if cookie, err := r.Cookie(middleware.TokenCookie); err == nil {
			tokenStr = cookie.Value
		}
	}

	clientName := ""
	if tokenStr != "" {
		if claims, err := h.auth.ValidateToken(tokenStr); err == nil {
			clientName = claims.Client
		}
	}
	if clientName == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			origin := req.Header.Get("Origin")
			if origin == "" {
				return true // Allow non-browser clients
			}
			return h.origins[origin]
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		client: clientName,
		topics: make(map[string]bool),
	}

	if h.Greeting != nil {
		if msg := h.Greeting(); msg != nil {
			if data, err := json.Marshal(msg); err == nil {
				client.send <- data
			}
		}
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var msg struct {
			Type  string `json:"type"`
			Topic string `json:"topic"`
		}
		if json.Unmarshal(data, &msg) != nil || msg.Topic == "" {
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.topMu.Lock()
			c.topics[msg.Topic] = true
			c.topMu.Unlock()
		case "unsubscribe":
			c.topMu.Lock()
			delete(c.topics, msg.Topic)
			c.topMu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			break
		}
	}
}
