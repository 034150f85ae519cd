package signaling

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options tunes connection and hub timing. Zero fields fall back to defaults.
type Options struct {
	ReadLimit       int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingInterval    time.Duration
	HubPingInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:       65536,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingInterval:    54 * time.Second,
		HubPingInterval: 30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ReadLimit <= 0 {
		o.ReadLimit = def.ReadLimit
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = def.PongTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.HubPingInterval <= 0 {
		o.HubPingInterval = def.HubPingInterval
	}
	return o
}

type Client struct {
	ID     string          `json:"id"`
	RoomID string          `json:"roomId"`
	Conn   *websocket.Conn `json:"-"`
	Send   chan Message    `json:"-"`

	Connected bool      `json:"connected"`
	LastPing  time.Time `json:"lastPing"`

	opts      Options
	mu        sync.RWMutex
	closeOnce sync.Once
	closed    atomic.Bool
	logger    *zap.Logger

	OnMessage    func(*Client, Message)
	OnDisconnect func(*Client)
}

type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	opts       Options
	mu         sync.RWMutex
	logger     *zap.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func NewHub(opts Options, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		opts:       opts.withDefaults(),
		logger:     logger,
	}
}

func (h *Hub) Run() {
	ticker := time.NewTicker(h.opts.HubPingInterval)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()

			h.logger.Info("Client registered", zap.String("clientID", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				client.closeSend()
			}
			h.mu.Unlock()

			h.logger.Info("Client unregistered", zap.String("clientID", client.ID))

		case <-ticker.C:
			h.pingClients()
		}
	}
}

func (h *Hub) pingClients() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	pingMessage := Message{
		Type:      MessageTypePing,
		Timestamp: time.Now(),
	}

	for _, client := range clients {
		select {
		case client.Send <- pingMessage:
			client.mu.Lock()
			client.LastPing = time.Now()
			client.mu.Unlock()
		default:
			// Buffer full — hand off to the hub loop instead of sending on
			// h.unregister from here, which would deadlock the loop that
			// called us.
			go func(c *Client) {
				h.unregister <- c
			}(client)
		}
	}
}

func (h *Hub) RegisterClient(client *Client) {
	h.register <- client
}

func (h *Hub) UnregisterClient(client *Client) {
	h.unregister <- client
}

// Send delivers a message to a single connection by id. No-op when the
// connection is not held by this instance.
func (h *Hub) Send(clientID string, message Message) {
	h.mu.RLock()
	client, exists := h.clients[clientID]
	h.mu.RUnlock()

	if !exists {
		return
	}
	message.To = clientID
	client.SendMessage(message)
}

// JoinRoom enrolls a connection into a room's broadcast group.
func (h *Hub) JoinRoom(clientID, roomID string) {
	h.mu.RLock()
	client, exists := h.clients[clientID]
	h.mu.RUnlock()

	if !exists {
		return
	}
	client.mu.Lock()
	client.RoomID = roomID
	client.mu.Unlock()
}

// BroadcastToRoom sends a message to every connection enrolled in a room,
// optionally excluding one connection id.
func (h *Hub) BroadcastToRoom(roomID string, message Message, excludeClientID string) {
	for _, client := range h.GetClientsByRoom(roomID) {
		if client.ID == excludeClientID {
			continue
		}
		client.SendMessage(message)
	}
}

func (h *Hub) GetClient(clientID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, exists := h.clients[clientID]
	return client, exists
}

func (h *Hub) GetClientsByRoom(roomID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0)
	for _, client := range h.clients {
		client.mu.RLock()
		inRoom := client.RoomID == roomID
		client.mu.RUnlock()
		if inRoom {
			clients = append(clients, client)
		}
	}
	return clients
}

func NewClient(id string, conn *websocket.Conn, opts Options, logger *zap.Logger) *Client {
	return &Client{
		ID:        id,
		Conn:      conn,
		Send:      make(chan Message, 256),
		Connected: true,
		LastPing:  time.Now(),
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.Send)
	})
}

func (c *Client) ReadPump() {
	defer func() {
		if c.OnDisconnect != nil {
			c.OnDisconnect(c)
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.opts.ReadLimit)
	c.Conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		return nil
	})

	for {
		var message Message
		err := c.Conn.ReadJSON(&message)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error",
					zap.String("clientID", c.ID),
					zap.Error(err),
				)
			}
			break
		}

		message.From = c.ID
		message.Timestamp = time.Now()

		if c.OnMessage != nil {
			c.OnMessage(c, message)
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				c.logger.Error("Failed to write message",
					zap.String("clientID", c.ID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) SendMessage(message Message) {
	if c.closed.Load() {
		return
	}
	select {
	case c.Send <- message:
	default:
		c.logger.Warn("Client send channel full, dropping message",
			zap.String("clientID", c.ID),
		)
	}
}

func (c *Client) SendError(code int, msg string) {
	errorMsg := ErrorMessage{
		Code:    code,
		Message: msg,
	}

	data, err := json.Marshal(errorMsg)
	if err != nil {
		c.logger.Error("Failed to marshal error message", zap.Error(err))
		return
	}

	message := Message{
		Type:      MessageTypeError,
		Data:      data,
		Timestamp: time.Now(),
	}

	c.SendMessage(message)
}

// HandleWebSocket upgrades an HTTP request into a broker connection. Each
// connection gets an opaque id; the connection carries no identity beyond it.
func HandleWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request, onConnect func(*Client)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "Failed to upgrade connection", http.StatusBadRequest)
		return
	}

	client := NewClient(uuid.NewString(), conn, hub.opts, hub.logger)

	hub.RegisterClient(client)

	if onConnect != nil {
		onConnect(client)
	}

	go client.WritePump()
	go client.ReadPump()
}
