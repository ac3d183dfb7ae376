// Package realtime serves the WebSocket side of the relay: it maps connection events to
// chat rooms and viewer presence.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/chat"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/presence"
)

// Client and server event names.
const (
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventChatMessage = "chat-message"
	EventChatHistory = "chat-history"
	EventViewerCount = "viewer-count"
	EventError       = "error"
)

// Presence is the viewer tracking the hub drives.
type Presence interface {
	Join(ctx context.Context, streamID, userID, userAgent string, geo presence.Geo) (int, error)
	Leave(ctx context.Context, streamID, userID string) (int, error)
}

// Config tunes the hub.
type Config struct {
	AllowGuests bool
	GeoHeader   string
	OpTimeout   time.Duration // bound on one client event, presence and chat included
}

// Hub dispatches client events to the chat relay and presence tracker.
type Hub struct {
	relay    *chat.Relay
	presence Presence
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	clients  map[*Client]struct{}
	closing  bool
	sessions sync.WaitGroup // one per tracked client, done after its disconnect leaves
}

// NewHub creates a WebSocket hub.
func NewHub(relay *chat.Relay, p Presence, cfg Config, logger *zap.Logger) *Hub {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	return &Hub{relay: relay, presence: p, cfg: cfg, logger: logger, clients: make(map[*Client]struct{})}
}

func (h *Hub) shuttingDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

// track registers a connected client; it refuses once Shutdown has started.
func (h *Hub) track(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.clients[c] = struct{}{}
	h.sessions.Add(1)
	return true
}

func (h *Hub) untrack(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	h.sessions.Done()
}

// Shutdown closes every client connection and waits until each has left its rooms, so
// viewer counts and sessions are released before the presence tracker stops. New
// connections are refused from the first call.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.logger.Info("websocket clients drained", zap.Int("clients", len(clients)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type chatPayload struct {
	RoomID   string `json:"roomId"`
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
}

type historyPayload struct {
	RoomID   string               `json:"roomId"`
	Messages []models.ChatMessage `json:"messages"`
}

type errorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// roomID accepts {"roomId": "..."} or a bare JSON string.
func roomID(data json.RawMessage) string {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err == nil && p.RoomID != "" {
		return strings.TrimSpace(p.RoomID)
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return ""
}

func (h *Hub) dispatch(c *Client, msg WSMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.OpTimeout)
	defer cancel()

	switch msg.Event {
	case EventJoinRoom:
		h.joinRoom(ctx, c, roomID(msg.Data))
	case EventLeaveRoom:
		id := roomID(msg.Data)
		if err := h.leaveRoom(ctx, c, id); err != nil {
			h.sendError(c, msg.Event, "could not leave room")
		}
	case EventChatMessage:
		var p chatPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return
		}
		h.chatMessage(ctx, c, p)
	default:
		h.logger.Debug("ignoring unknown event", zap.String("event", msg.Event), zap.String("conn_id", c.id))
	}
}

func (h *Hub) joinRoom(ctx context.Context, c *Client, id string) {
	if id == "" {
		h.sendError(c, EventJoinRoom, "roomId required")
		return
	}

	history, err := h.relay.JoinRoom(ctx, id, c)
	if err != nil {
		h.logger.Warn("join room", zap.String("room_id", id), zap.String("conn_id", c.id), zap.Error(err))
		h.sendError(c, EventJoinRoom, "could not join room")
		return
	}

	if _, joined := c.rooms[id]; !joined {
		if _, err := h.presence.Join(ctx, id, c.UserID, c.UserAgent, presence.Geo{Country: c.Country}); err != nil {
			h.relay.LeaveRoom(id, c)
			h.sendError(c, EventJoinRoom, "could not join room")
			return
		}
		c.rooms[id] = struct{}{}
	}
	c.Send(EventChatHistory, historyPayload{RoomID: id, Messages: history})
}

// leaveRoom ends the viewer session first; chat membership goes only once that committed,
// so a failed leave can be retried.
func (h *Hub) leaveRoom(ctx context.Context, c *Client, id string) error {
	if _, joined := c.rooms[id]; !joined {
		return nil
	}
	if _, err := h.presence.Leave(ctx, id, c.UserID); err != nil {
		return err
	}
	delete(c.rooms, id)
	h.relay.LeaveRoom(id, c)
	return nil
}

func (h *Hub) chatMessage(ctx context.Context, c *Client, p chatPayload) {
	_, err := h.relay.SendMessage(ctx, p.RoomID, c.UserID, c.id, p.Text)
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrRoomNotJoined):
		h.sendError(c, EventChatMessage, "join the room first")
	default:
		h.logger.Warn("send chat message", zap.String("room_id", p.RoomID), zap.String("conn_id", c.id), zap.Error(err))
		h.sendError(c, EventChatMessage, "message not delivered")
	}
}

// disconnect leaves every room the client joined, the same way an explicit leave does.
// The connection is gone, so chat membership is dropped even when presence fails.
func (h *Hub) disconnect(c *Client) {
	for id := range c.rooms {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.OpTimeout)
		if err := h.leaveRoom(ctx, c, id); err != nil {
			h.logger.Warn("leave on disconnect", zap.String("room_id", id), zap.String("user_id", c.UserID), zap.Error(err))
			delete(c.rooms, id)
			h.relay.LeaveRoom(id, c)
		}
		cancel()
	}
	h.logger.Debug("client disconnected", zap.String("conn_id", c.id))
}

// NotifyViewers broadcasts the stream's viewer count to its room.
func (h *Hub) NotifyViewers(streamID string, viewers int) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.OpTimeout)
	defer cancel()
	payload := map[string]any{"roomId": streamID, "viewers": viewers}
	if err := h.relay.Broadcast(ctx, streamID, EventViewerCount, payload, ""); err != nil {
		h.logger.Warn("broadcast viewer count", zap.String("stream_id", streamID), zap.Error(err))
	}
}

// CloseRoom ends the room for a finished stream. Members keep their presence session
// until they leave or disconnect.
func (h *Hub) CloseRoom(streamID string) {
	h.relay.CloseRoom(streamID)
}

func (h *Hub) sendError(c *Client, event, message string) {
	c.Send(EventError, errorPayload{Event: event, Message: message})
}
