// Package chat relays chat messages between the connections watching a stream and keeps
// a bounded recent history per room.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/telemetry"
)

// Event names delivered to room members.
const (
	EventNewMessage = "new-message"
	EventRoomClosed = "room-closed"
)

// ErrRoomNotJoined is returned when a connection sends to a room it is not a member of.
var ErrRoomNotJoined = errors.New("connection has not joined the room")

// Conn is a member connection. Send must not block; it reports false when the message
// was dropped.
type Conn interface {
	ID() string
	Send(event string, payload any) bool
}

// HistoryStore is the bounded per-room message log.
type HistoryStore interface {
	Append(ctx context.Context, msg *models.ChatMessage) error
	Recent(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error)
}

// Envelope is a room event crossing relay instances.
type Envelope struct {
	Event       string          `json:"event"`
	Data        json.RawMessage `json:"data"`
	ExcludeConn string          `json:"excludeConn,omitempty"`
}

// Publisher fans a room event out to every relay instance, this one included.
type Publisher interface {
	Publish(ctx context.Context, roomID string, env Envelope) error
}

// Subscriber delivers a room's published events until cancel is called.
type Subscriber interface {
	Subscribe(ctx context.Context, roomID string, fn func(Envelope)) (cancel func(), err error)
}

// Config tunes the relay.
type Config struct {
	BackfillLimit int
	MaxMessageLen int // in runes; longer messages are dropped
	StoreTimeout  time.Duration
}

type room struct {
	members map[string]Conn
	sendMu  sync.Mutex
	cancel  func()
}

// Relay fans chat out per room.
type Relay struct {
	history HistoryStore
	pub     Publisher
	sub     Subscriber
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.RWMutex
	rooms map[string]*room
}

// NewRelay creates a relay. pub and sub may be nil for a single instance.
func NewRelay(history HistoryStore, pub Publisher, sub Subscriber, cfg Config, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BackfillLimit <= 0 {
		cfg.BackfillLimit = 50
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = 500
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	return &Relay{
		history: history,
		pub:     pub,
		sub:     sub,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		rooms:   make(map[string]*room),
	}
}

// JoinRoom adds conn to the room and returns the most recent history, oldest first.
// If the history cannot be read the join is undone.
func (r *Relay) JoinRoom(ctx context.Context, roomID string, conn Conn) ([]models.ChatMessage, error) {
	ctx, span := telemetry.StartSpan(ctx, "chat.join_room", attribute.String("room_id", roomID))
	msgs, err := r.joinRoom(ctx, roomID, conn)
	telemetry.EndSpan(span, err)
	return msgs, err
}

func (r *Relay) joinRoom(ctx context.Context, roomID string, conn Conn) ([]models.ChatMessage, error) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[string]Conn)}
		r.rooms[roomID] = rm
		telemetry.SetRooms(len(r.rooms))
	}
	_, already := rm.members[conn.ID()]
	rm.members[conn.ID()] = conn
	r.mu.Unlock()

	if !ok && r.sub != nil {
		if err := r.subscribe(ctx, roomID, rm); err != nil {
			r.LeaveRoom(roomID, conn)
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	msgs, err := r.history.Recent(ctx, roomID, r.cfg.BackfillLimit)
	if err != nil {
		if !already {
			r.LeaveRoom(roomID, conn)
		}
		return nil, fmt.Errorf("load history: %w", err)
	}
	r.logger.Debug("connection joined room", zap.String("room_id", roomID), zap.String("conn_id", conn.ID()))
	return msgs, nil
}

func (r *Relay) subscribe(ctx context.Context, roomID string, rm *room) error {
	cancel, err := r.sub.Subscribe(ctx, roomID, func(env Envelope) {
		r.deliver(roomID, env.Event, env.Data, env.ExcludeConn)
	})
	if err != nil {
		return fmt.Errorf("subscribe room: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[roomID] != rm {
		// Room was released while subscribing.
		cancel()
		return nil
	}
	rm.cancel = cancel
	return nil
}

// SendMessage stores a message from senderID and delivers it to every other member.
// Blank or oversized text is dropped without error and yields a nil message.
// senderConnID, when set, must be a member of the room and is excluded from delivery.
func (r *Relay) SendMessage(ctx context.Context, roomID, senderID, senderConnID, text string) (*models.ChatMessage, error) {
	if strings.TrimSpace(text) == "" || utf8.RuneCountInString(text) > r.cfg.MaxMessageLen {
		return nil, nil
	}

	r.mu.RLock()
	rm := r.rooms[roomID]
	member := false
	if rm != nil {
		_, member = rm.members[senderConnID]
	}
	r.mu.RUnlock()
	if senderConnID != "" && !member {
		return nil, ErrRoomNotJoined
	}

	ctx, span := telemetry.StartSpan(ctx, "chat.send_message", attribute.String("room_id", roomID))
	msg, err := r.send(ctx, rm, roomID, senderID, senderConnID, text)
	telemetry.EndSpan(span, err)
	return msg, err
}

func (r *Relay) send(ctx context.Context, rm *room, roomID, senderID, senderConnID, text string) (*models.ChatMessage, error) {
	if rm != nil {
		rm.sendMu.Lock()
		defer rm.sendMu.Unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	msg := &models.ChatMessage{
		SenderID:  senderID,
		RoomID:    roomID,
		Text:      text,
		Timestamp: r.now().UnixMilli(),
	}
	if err := r.history.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}
	telemetry.ChatMessage()

	if err := r.publish(ctx, roomID, EventNewMessage, msg, senderConnID); err != nil {
		return nil, err
	}
	return msg, nil
}

// Broadcast sends an event to every member of the room except exclude.
func (r *Relay) Broadcast(ctx context.Context, roomID, event string, payload any, exclude string) error {
	return r.publish(ctx, roomID, event, payload, exclude)
}

func (r *Relay) publish(ctx context.Context, roomID, event string, payload any, exclude string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if r.pub != nil {
		err := r.pub.Publish(ctx, roomID, Envelope{Event: event, Data: data, ExcludeConn: exclude})
		if err == nil {
			return nil
		}
		r.logger.Warn("room publish failed; delivering locally", zap.String("room_id", roomID), zap.String("event", event), zap.Error(err))
	}
	r.deliver(roomID, event, data, exclude)
	return nil
}

func (r *Relay) deliver(roomID, event string, data json.RawMessage, exclude string) {
	r.mu.RLock()
	rm := r.rooms[roomID]
	var targets []Conn
	if rm != nil {
		targets = make([]Conn, 0, len(rm.members))
		for id, c := range rm.members {
			if id != exclude {
				targets = append(targets, c)
			}
		}
	}
	r.mu.RUnlock()

	dropped := 0
	for _, c := range targets {
		if !c.Send(event, data) {
			dropped++
		}
	}
	if dropped > 0 {
		telemetry.ChatDropped(dropped)
		r.logger.Debug("deliveries dropped", zap.String("room_id", roomID), zap.String("event", event), zap.Int("dropped", dropped))
	}
}

// LeaveRoom removes conn from the room. It reports whether conn was a member.
func (r *Relay) LeaveRoom(roomID string, conn Conn) bool {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, member := rm.members[conn.ID()]; !member {
		r.mu.Unlock()
		return false
	}
	delete(rm.members, conn.ID())
	var cancel func()
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		cancel = rm.cancel
		telemetry.SetRooms(len(r.rooms))
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// CloseRoom drops every member of the room and tells them so. History is kept.
// It returns the number of members dropped.
func (r *Relay) CloseRoom(roomID string) int {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if ok {
		delete(r.rooms, roomID)
		telemetry.SetRooms(len(r.rooms))
	}
	r.mu.Unlock()
	if !ok {
		return 0
	}
	if rm.cancel != nil {
		rm.cancel()
	}
	for _, c := range rm.members {
		c.Send(EventRoomClosed, map[string]string{"roomId": roomID})
	}
	r.logger.Info("room closed", zap.String("room_id", roomID), zap.Int("members", len(rm.members)))
	return len(rm.members)
}

// History returns up to limit recent messages of the room, oldest first.
func (r *Relay) History(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > r.cfg.BackfillLimit {
		limit = r.cfg.BackfillLimit
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	return r.history.Recent(ctx, roomID, limit)
}

// Members returns the number of local members in the room.
func (r *Relay) Members(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rm, ok := r.rooms[roomID]; ok {
		return len(rm.members)
	}
	return 0
}

// Close releases every room subscription.
func (r *Relay) Close() {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*room)
	r.mu.Unlock()
	for _, rm := range rooms {
		if rm.cancel != nil {
			rm.cancel()
		}
	}
	telemetry.SetRooms(0)
}
