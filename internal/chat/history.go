package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
)

// MaxHistory is the most messages kept per room.
const MaxHistory = 100

// RedisHistory keeps each room's recent messages in a capped list, newest first.
type RedisHistory struct {
	rdb    redis.Cmdable
	cap    int
	logger *zap.Logger
}

// NewRedisHistory creates a history store holding at most capacity messages per room.
// Capacities outside 1..MaxHistory are clamped.
func NewRedisHistory(rdb redis.Cmdable, capacity int, logger *zap.Logger) *RedisHistory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 || capacity > MaxHistory {
		capacity = MaxHistory
	}
	return &RedisHistory{rdb: rdb, cap: capacity, logger: logger}
}

func historyKey(roomID string) string {
	return "chat:" + roomID
}

// Append pushes msg to the front of the room's list and trims it to capacity in one
// MULTI/EXEC, so concurrent appends can never leave the list over capacity.
func (h *RedisHistory) Append(ctx context.Context, msg *models.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	key := historyKey(msg.RoomID)
	_, err = h.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, int64(h.cap-1))
		return nil
	})
	return err
}

// Recent returns up to limit of the room's most recent messages, oldest first.
// Entries that fail to decode are skipped.
func (h *RedisHistory) Recent(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	raw, err := h.rdb.LRange(ctx, historyKey(roomID), 0, int64(h.cap-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.ChatMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var m models.ChatMessage
		if err := json.Unmarshal([]byte(raw[i]), &m); err != nil {
			h.logger.Warn("skipping malformed chat entry", zap.String("room_id", roomID), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
