package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/telemetry"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 16 << 10
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TokenValidator resolves a bearer token to a user id.
type TokenValidator func(token string) (userID string, err error)

// Client is one WebSocket connection. It may be in several rooms at once.
type Client struct {
	id        string
	UserID    string
	UserAgent string
	Country   string
	hub       *Hub
	conn      *websocket.Conn
	send      chan WSMessage
	done      chan struct{}
	rooms     map[string]struct{} // owned by readPump
	logger    *zap.Logger
}

// ID implements chat.Conn.
func (c *Client) ID() string { return c.id }

// Send implements chat.Conn. It never blocks; a full buffer drops the message.
func (c *Client) Send(event string, payload any) bool {
	var data []byte
	switch v := payload.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			c.logger.Warn("encode outbound event", zap.String("event", event), zap.Error(err))
			return false
		}
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
		return true
	default:
		return false
	}
}

// ServeWs upgrades the request and runs the connection until it closes.
// The token comes from the token query parameter, the token cookie or a bearer header.
func (h *Hub) ServeWs(validate TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.shuttingDown() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "server shutting down"})
			return
		}
		userID, ok := h.identify(c, validate)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid or missing token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			id:        uuid.NewString(),
			UserID:    userID,
			UserAgent: c.Request.UserAgent(),
			Country:   strings.TrimSpace(c.GetHeader(h.cfg.GeoHeader)),
			hub:       h,
			conn:      conn,
			send:      make(chan WSMessage, sendBuffer),
			done:      make(chan struct{}),
			rooms:     make(map[string]struct{}),
			logger:    h.logger,
		}
		if !h.track(client) {
			_ = conn.Close()
			return
		}
		telemetry.AddConnections(1)
		h.logger.Debug("client connected", zap.String("conn_id", client.id), zap.String("user_id", userID))
		go client.writePump()
		client.readPump()
	}
}

func (h *Hub) identify(c *gin.Context, validate TokenValidator) (string, bool) {
	token := c.Query("token")
	if token == "" {
		token, _ = c.Cookie("token")
	}
	if token == "" {
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		if h.cfg.AllowGuests {
			return "guest-" + uuid.NewString(), true
		}
		return "", false
	}
	userID, err := validate(token)
	if err != nil || userID == "" {
		return "", false
	}
	return userID, true
}

func (c *Client) readPump() {
	defer func() {
		close(c.done)
		c.hub.disconnect(c)
		_ = c.conn.Close()
		telemetry.AddConnections(-1)
		c.hub.untrack(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.dispatch(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
