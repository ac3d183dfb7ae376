package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/chat"
)

const (
	channelPrefix = "chat:room:"
	publishTTL    = 5 * time.Second
)

// RedisPubSub carries room events between relay instances over Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for room events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, logger: logger}
}

// Publish sends env to every instance subscribed to the room.
func (r *RedisPubSub) Publish(ctx context.Context, roomID string, env chat.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTTL)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+roomID, body).Err()
}

// Subscribe calls fn for each event published to the room until cancel is called.
// ctx bounds only the subscription handshake.
func (r *RedisPubSub) Subscribe(ctx context.Context, roomID string, fn func(chat.Envelope)) (cancel func(), err error) {
	channel := channelPrefix + roomID
	subCtx, cancelSub := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(subCtx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelSub()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env chat.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("dropping malformed room event", zap.String("channel", channel), zap.Error(err))
					continue
				}
				fn(env)
			}
		}
	}()
	return cancelSub, nil
}
