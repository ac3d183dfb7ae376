package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/chat"
)

func TestRedisPubSubRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ps := NewRedisPubSub(rdb, zap.NewNop())

	got := make(chan chat.Envelope, 1)
	cancel, err := ps.Subscribe(ctx, "s1", func(env chat.Envelope) { got <- env })
	require.NoError(t, err)
	defer cancel()

	require.Equal(t, []string{"chat:room:s1"}, mr.PubSubChannels("chat:room:*"))

	want := chat.Envelope{Event: chat.EventNewMessage, Data: json.RawMessage(`{"text":"hi"}`), ExcludeConn: "c1"}
	require.NoError(t, ps.Publish(ctx, "s1", want))

	select {
	case env := <-got:
		require.Equal(t, want.Event, env.Event)
		require.Equal(t, want.ExcludeConn, env.ExcludeConn)
		require.JSONEq(t, string(want.Data), string(env.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}
