package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/analytics"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/streams"
	"github.com/aura-live/backend/pkg/database"
)

func TestTrackerAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.Migrate(ctx, pool, zap.NewNop()))

	repo := streams.NewRepository(pool)
	s := &models.Stream{UserID: "pg-test", StreamKey: uuid.NewString(), Title: "pg"}
	require.NoError(t, repo.Create(ctx, s))
	t.Cleanup(func() { _, _ = pool.Exec(context.Background(), `DELETE FROM streams WHERE id = $1`, s.ID) })

	mr := miniredis.RunT(t)
	sessions := NewRedisSessions(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	clock := &fakeClock{now: epoch}
	tr := NewTracker(NewPgTransactor(pool), sessions, analytics.NewAggregator(nil), Config{StoreTimeout: 5 * time.Second}, nil)
	tr.now = clock.Now
	t.Cleanup(tr.Close)

	_, err = tr.Join(ctx, s.ID, "a", "UA", Geo{Country: "US"})
	require.NoError(t, err)
	n, err := tr.Join(ctx, s.ID, "b", "", Geo{})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	clock.Set(epoch + 10)
	_, err = tr.Leave(ctx, s.ID, "a")
	require.NoError(t, err)
	clock.Set(epoch + 20)
	n, err = tr.Leave(ctx, s.ID, "b")
	require.NoError(t, err)
	require.Equal(t, 0, n)
	n, err = tr.Leave(ctx, s.ID, "b")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	row, err := analytics.NewRepository(pool).Get(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.EqualValues(t, 2, row.TotalViews)
	require.EqualValues(t, 2, row.CompletedSessions)
	require.InDelta(t, 15.0, row.AverageViewTime, 1e-9)
	require.Equal(t, 2, row.PeakViewers)
	require.Equal(t, map[string]int64{"US": 1, "unknown": 1}, row.GeographicData)

	require.NoError(t, tr.GoLive(ctx, s.ID))
	got, err := repo.GetByID(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, got.IsLive)
	require.NotNil(t, got.StartedAt)

	_, err = tr.Join(ctx, uuid.NewString(), "a", "UA", Geo{})
	require.ErrorIs(t, err, streams.ErrNotFound)
}
