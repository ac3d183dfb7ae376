package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessions keeps join times in one hash per stream, field userId, value epoch millis.
type RedisSessions struct {
	rdb redis.Cmdable
}

// NewRedisSessions creates a Redis-backed session store.
func NewRedisSessions(rdb redis.Cmdable) *RedisSessions {
	return &RedisSessions{rdb: rdb}
}

func sessionKey(streamID string) string {
	return fmt.Sprintf("stream:%s:viewers", streamID)
}

// JoinedAt returns the recorded join time. A missing or unparsable entry reports ok=false.
func (s *RedisSessions) JoinedAt(ctx context.Context, streamID, userID string) (time.Time, bool, error) {
	v, err := s.rdb.HGet(ctx, sessionKey(streamID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// Record sets the join time, overwriting any earlier one.
func (s *RedisSessions) Record(ctx context.Context, streamID, userID string, at time.Time) error {
	return s.rdb.HSet(ctx, sessionKey(streamID), userID, at.UnixMilli()).Err()
}

// Remove deletes the entry. Removing an absent entry is not an error.
func (s *RedisSessions) Remove(ctx context.Context, streamID, userID string) error {
	return s.rdb.HDel(ctx, sessionKey(streamID), userID).Err()
}

// Count returns the number of open sessions on the stream.
func (s *RedisSessions) Count(ctx context.Context, streamID string) (int64, error) {
	return s.rdb.HLen(ctx, sessionKey(streamID)).Result()
}
