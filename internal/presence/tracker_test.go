package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/analytics"
)

const epoch = 1_700_000_000

type fixture struct {
	db       *memDB
	mr       *miniredis.Miniredis
	sessions *RedisSessions
	clock    *fakeClock
	tracker  *Tracker
}

func newFixture(t *testing.T, cfg Config, streamIDs ...string) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		db:       newMemDB(streamIDs...),
		mr:       mr,
		sessions: NewRedisSessions(rdb),
		clock:    &fakeClock{now: epoch},
	}
	f.tracker = NewTracker(f.db, f.sessions, analytics.NewAggregator(nil), cfg, zap.NewNop())
	f.tracker.now = f.clock.Now
	t.Cleanup(f.tracker.Close)
	return f
}

func TestJoinLeaveAverageScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, "s1")

	n, err := f.tracker.Join(ctx, "s1", "a", "UA-1", Geo{Country: "US"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = f.tracker.Join(ctx, "s1", "b", "UA-2", Geo{})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	f.clock.Set(epoch + 10)
	n, err = f.tracker.Leave(ctx, "s1", "a")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	row := f.db.row("s1")
	require.EqualValues(t, 1, row.CompletedSessions)
	require.InDelta(t, 10.0, row.AverageViewTime, 1e-9)

	f.clock.Set(epoch + 20)
	n, err = f.tracker.Leave(ctx, "s1", "b")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	row = f.db.row("s1")
	require.EqualValues(t, 2, row.CompletedSessions)
	require.InDelta(t, 15.0, row.AverageViewTime, 1e-9)
	require.EqualValues(t, 2, row.TotalViews)
	require.Equal(t, 2, row.PeakViewers)
	require.Equal(t, map[string]int64{"US": 1, "unknown": 1}, row.GeographicData)
	require.Equal(t, map[string]int64{"UA-1": 1, "UA-2": 1}, row.DeviceStats)
}

func TestJoinsAndLeavesRestoreViewerCount(t *testing.T) {
	for _, sameUser := range []bool{false, true} {
		t.Run(fmt.Sprintf("sameUser=%t", sameUser), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, Config{}, "s1")
			f.db.streams["s1"].viewers = 3

			const n = 40
			user := func(i int) string {
				if sameUser {
					return "u"
				}
				return fmt.Sprintf("u%d", i)
			}

			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := f.tracker.Join(ctx, "s1", user(i), "ua", Geo{})
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()
			require.Equal(t, 3+n, f.db.viewers("s1"))

			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := f.tracker.Leave(ctx, "s1", user(i))
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()
			require.Equal(t, 3, f.db.viewers("s1"))
			overlaps, _ := f.db.concurrency()
			require.Empty(t, overlaps)

			count, err := f.sessions.Count(ctx, "s1")
			require.NoError(t, err)
			require.Zero(t, count)
		})
	}
}

func TestLeaveWithoutJoinSkipsAnalytics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, "s1")

	_, err := f.tracker.Join(ctx, "s1", "a", "ua", Geo{})
	require.NoError(t, err)
	before := f.db.row("s1")

	n, err := f.tracker.Leave(ctx, "s1", "stranger")
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, before, f.db.row("s1"))

	n, err = f.tracker.Leave(ctx, "s1", "stranger")
	require.NoError(t, err)
	require.Equal(t, 0, n, "viewer count floors at zero")
}

func TestRejoinOverwritesJoinTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, "s1")

	_, err := f.tracker.Join(ctx, "s1", "a", "ua", Geo{})
	require.NoError(t, err)
	f.clock.Set(epoch + 5)
	_, err = f.tracker.Join(ctx, "s1", "a", "ua", Geo{})
	require.NoError(t, err)

	f.clock.Set(epoch + 15)
	_, err = f.tracker.Leave(ctx, "s1", "a")
	require.NoError(t, err)
	require.InDelta(t, 10.0, f.db.row("s1").AverageViewTime, 1e-9)
}

func TestPeakMatchesHighestCommittedCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, "s1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("u%d", i)
			_, err := f.tracker.Join(ctx, "s1", id, "ua", Geo{})
			assert.NoError(t, err)
			if i%3 == 0 {
				_, err = f.tracker.Leave(ctx, "s1", id)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	f.db.mu.Lock()
	maxSeen := f.db.maxSeen["s1"]
	f.db.mu.Unlock()
	require.Equal(t, maxSeen, f.db.row("s1").PeakViewers)
	overlaps, _ := f.db.concurrency()
	require.Empty(t, overlaps)
}

func TestStreamsSerializeAloneAndRunInParallel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, "s1", "s2")
	f.db.delay = 10 * time.Millisecond

	const perStream = 8
	var wg sync.WaitGroup
	for _, stream := range []string{"s1", "s2"} {
		for i := 0; i < perStream; i++ {
			wg.Add(1)
			go func(stream string, i int) {
				defer wg.Done()
				_, err := f.tracker.Join(ctx, stream, fmt.Sprintf("u%d", i), "ua", Geo{})
				assert.NoError(t, err)
			}(stream, i)
		}
	}
	wg.Wait()

	overlaps, maxActive := f.db.concurrency()
	require.Empty(t, overlaps, "two transactions ran at once for one stream")
	require.GreaterOrEqual(t, maxActive, 2, "different streams never ran in parallel")
	require.Equal(t, perStream, f.db.viewers("s1"))
	require.Equal(t, perStream, f.db.viewers("s2"))
}

func TestUpdatePeakNeverLowers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, "s1")
	_, err := f.tracker.Join(ctx, "s1", "a", "ua", Geo{})
	require.NoError(t, err)

	require.NoError(t, f.tracker.UpdatePeak(ctx, "s1", 7))
	require.NoError(t, f.tracker.UpdatePeak(ctx, "s1", 4))
	require.Equal(t, 7, f.db.row("s1").PeakViewers)
}

func TestJoinFailureAppliesNothing(t *testing.T) {
	for _, step := range []string{"increment", "upsert", "commit"} {
		t.Run(step, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, Config{}, "s1")
			f.db.setFail(step)

			_, err := f.tracker.Join(ctx, "s1", "a", "ua", Geo{})
			require.Error(t, err)
			require.Equal(t, 0, f.db.viewers("s1"))
			require.Nil(t, f.db.row("s1"))
			require.Empty(t, f.mr.HGet("stream:s1:viewers", "a"))
		})
	}
}

func TestJoinCommitFailureRestoresEarlierSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, "s1")
	_, err := f.tracker.Join(ctx, "s1", "a", "ua", Geo{})
	require.NoError(t, err)

	f.db.setFail("commit")
	f.clock.Set(epoch + 30)
	_, err = f.tracker.Join(ctx, "s1", "a", "ua", Geo{})
	require.Error(t, err)

	at, ok, err := f.sessions.JoinedAt(ctx, "s1", "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(epoch), at.Unix())
	require.Equal(t, 1, f.db.viewers("s1"))
}

func TestLeaveFailureKeepsSession(t *testing.T) {
	for _, step := range []string{"average", "commit"} {
		t.Run(step, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, Config{}, "s1")
			_, err := f.tracker.Join(ctx, "s1", "a", "ua", Geo{})
			require.NoError(t, err)

			f.db.setFail(step)
			f.clock.Set(epoch + 10)
			_, err = f.tracker.Leave(ctx, "s1", "a")
			require.Error(t, err)

			require.Equal(t, 1, f.db.viewers("s1"))
			require.Zero(t, f.db.row("s1").CompletedSessions)
			_, ok, err := f.sessions.JoinedAt(ctx, "s1", "a")
			require.NoError(t, err)
			require.True(t, ok)

			f.db.setFail("")
			_, err = f.tracker.Leave(ctx, "s1", "a")
			require.NoError(t, err)
			require.InDelta(t, 10.0, f.db.row("s1").AverageViewTime, 1e-9)
		})
	}
}

func TestSessionStoreOutageFailsJoin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{StoreTimeout: time.Second}, "s1")
	f.mr.SetError("ERR connection refused")

	_, err := f.tracker.Join(ctx, "s1", "a", "ua", Geo{})
	require.Error(t, err)
	require.Equal(t, 0, f.db.viewers("s1"))

	f.mr.SetError("")
	n, err := f.tracker.Join(ctx, "s1", "a", "ua", Geo{})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestUnknownStreamFails(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.tracker.Join(context.Background(), "nope", "a", "ua", Geo{})
	require.Error(t, err)
}

func TestViewerChangeHandler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, "s1")

	var mu sync.Mutex
	var seen []int
	f.tracker.SetViewerChangeHandler(func(streamID string, viewers int) {
		assert.Equal(t, "s1", streamID)
		mu.Lock()
		seen = append(seen, viewers)
		mu.Unlock()
	})

	_, _ = f.tracker.Join(ctx, "s1", "a", "ua", Geo{})
	_, _ = f.tracker.Join(ctx, "s1", "b", "ua", Geo{})
	_, _ = f.tracker.Leave(ctx, "s1", "a")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSlowChangeHandlerDoesNotStallStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, "s1")

	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	var mu sync.Mutex
	var seen []int
	f.tracker.SetViewerChangeHandler(func(_ string, viewers int) {
		<-release
		mu.Lock()
		seen = append(seen, viewers)
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_, err := f.tracker.Join(ctx, "s1", fmt.Sprintf("u%d", i), "ua", Geo{})
			assert.NoError(t, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("joins blocked behind the change handler")
	}
	require.Equal(t, 5, f.db.viewers("s1"))

	unblock()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 5
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGoLiveAndEndStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, "s1")

	require.NoError(t, f.tracker.GoLive(ctx, "s1"))
	require.True(t, f.db.streams["s1"].live)
	require.NoError(t, f.tracker.EndStream(ctx, "s1"))
	require.False(t, f.db.streams["s1"].live)
	require.Error(t, f.tracker.GoLive(ctx, "missing"))
}

func TestIdleWorkerIsReaped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{IdleTimeout: 20 * time.Millisecond}, "s1", "s2")

	_, err := f.tracker.Join(ctx, "s1", "a", "ua", Geo{})
	require.NoError(t, err)
	_, err = f.tracker.Join(ctx, "s2", "a", "ua", Geo{})
	require.NoError(t, err)
	require.Equal(t, 2, f.tracker.ActiveStreams())

	require.Eventually(t, func() bool { return f.tracker.ActiveStreams() == 0 }, time.Second, 5*time.Millisecond)

	n, err := f.tracker.Leave(ctx, "s1", "a")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestClosedTrackerRejects(t *testing.T) {
	f := newFixture(t, Config{}, "s1")
	f.tracker.Close()

	_, err := f.tracker.Join(context.Background(), "s1", "a", "ua", Geo{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestCancelledContextIsNotApplied(t *testing.T) {
	f := newFixture(t, Config{}, "s1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.tracker.Join(ctx, "s1", "a", "ua", Geo{})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, f.db.viewers("s1"))
}
