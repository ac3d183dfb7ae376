// Package presence tracks who is watching each stream and keeps the stream's viewer
// count and analytics in step with joins and leaves.
//
// Every mutation for a stream runs on that stream's worker goroutine, one at a time, and
// inside a single relational transaction, so viewer counts, view totals, the running
// average and the peak are never computed from interleaved reads. Different streams are
// handled in parallel.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/analytics"
	"github.com/aura-live/backend/internal/telemetry"
)

// ErrClosed is returned for operations submitted after Close.
var ErrClosed = errors.New("presence tracker closed")

// Geo carries the viewer location resolved by the transport layer.
type Geo struct {
	Country string
}

// StreamCounter is the durable stream record as seen by presence.
type StreamCounter interface {
	IncrementViewers(ctx context.Context, streamID string) (int, error)
	DecrementViewers(ctx context.Context, streamID string) (int, error)
	SetLive(ctx context.Context, streamID string, live bool) error
}

// Stores are the relational stores bound to one transaction.
type Stores struct {
	Streams   StreamCounter
	Analytics analytics.Store
}

// Transactor runs fn in one relational transaction; an error from fn rolls everything back.
type Transactor interface {
	InTx(ctx context.Context, fn func(Stores) error) error
}

// SessionStore holds the join time of every live viewer session.
type SessionStore interface {
	JoinedAt(ctx context.Context, streamID, userID string) (time.Time, bool, error)
	Record(ctx context.Context, streamID, userID string, at time.Time) error
	Remove(ctx context.Context, streamID, userID string) error
}

// ViewerChangeHandler receives the viewer count after committed joins and leaves. It runs
// off the stream workers; a burst of changes may arrive as the latest count only.
type ViewerChangeHandler func(streamID string, viewers int)

// Config tunes the tracker.
type Config struct {
	StoreTimeout time.Duration // bound on a whole join/leave, all store calls included
	IdleTimeout  time.Duration // a stream worker with no work for this long exits
	QueueSize    int
}

// Tracker serializes presence and analytics mutations per stream.
type Tracker struct {
	tx       Transactor
	sessions SessionStore
	agg      *analytics.Aggregator
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	workers  map[string]*streamWorker
	closed   bool
	onChange ViewerChangeHandler
	wg       sync.WaitGroup
	notes    *notifier
}

// NewTracker creates a presence tracker.
func NewTracker(tx Transactor, sessions SessionStore, agg *analytics.Aggregator, cfg Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	t := &Tracker{
		tx:       tx,
		sessions: sessions,
		agg:      agg,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		workers:  make(map[string]*streamWorker),
		notes:    newNotifier(),
	}
	go t.notes.run(t.changeHandler)
	return t
}

// SetViewerChangeHandler sets the callback for viewer count changes (e.g. room broadcasts).
func (t *Tracker) SetViewerChangeHandler(fn ViewerChangeHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Join counts userID as watching streamID and returns the new viewer count.
// On error nothing is applied.
func (t *Tracker) Join(ctx context.Context, streamID, userID, userAgent string, geo Geo) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "presence.join", attribute.String("stream_id", streamID))
	var viewers int
	err := t.submit(ctx, streamID, func(ctx context.Context) error {
		n, err := t.join(ctx, streamID, userID, userAgent, geo)
		viewers = n
		return err
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		telemetry.PresenceError("join")
		t.logger.Warn("viewer join failed", zap.String("stream_id", streamID), zap.String("user_id", userID), zap.Error(err))
		return 0, err
	}
	telemetry.ViewerJoined()
	return viewers, nil
}

// Leave ends userID's session on streamID and returns the new viewer count.
// A leave without a recorded join still decrements the count but skips analytics.
func (t *Tracker) Leave(ctx context.Context, streamID, userID string) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "presence.leave", attribute.String("stream_id", streamID))
	var viewers int
	err := t.submit(ctx, streamID, func(ctx context.Context) error {
		n, err := t.leave(ctx, streamID, userID)
		viewers = n
		return err
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		telemetry.PresenceError("leave")
		t.logger.Warn("viewer leave failed", zap.String("stream_id", streamID), zap.String("user_id", userID), zap.Error(err))
		return 0, err
	}
	telemetry.ViewerLeft()
	return viewers, nil
}

// UpdatePeak raises the stream's peak viewers to current if current is higher.
func (t *Tracker) UpdatePeak(ctx context.Context, streamID string, current int) error {
	return t.submit(ctx, streamID, func(ctx context.Context) error {
		return t.tx.InTx(ctx, func(s Stores) error {
			return t.agg.UpdatePeak(ctx, s.Analytics, streamID, current)
		})
	})
}

// GoLive marks the stream live.
func (t *Tracker) GoLive(ctx context.Context, streamID string) error {
	return t.setLive(ctx, streamID, true)
}

// EndStream marks the stream ended. Its analytics row is kept.
func (t *Tracker) EndStream(ctx context.Context, streamID string) error {
	return t.setLive(ctx, streamID, false)
}

func (t *Tracker) setLive(ctx context.Context, streamID string, live bool) error {
	err := t.submit(ctx, streamID, func(ctx context.Context) error {
		return t.tx.InTx(ctx, func(s Stores) error {
			return s.Streams.SetLive(ctx, streamID, live)
		})
	})
	if err != nil {
		return fmt.Errorf("set live=%t: %w", live, err)
	}
	t.logger.Info("stream live state changed", zap.String("stream_id", streamID), zap.Bool("live", live))
	return nil
}

func (t *Tracker) join(ctx context.Context, streamID, userID, userAgent string, geo Geo) (int, error) {
	now := t.now()
	prev, hadPrev, err := t.sessions.JoinedAt(ctx, streamID, userID)
	if err != nil {
		return 0, fmt.Errorf("read session: %w", err)
	}

	var viewers int
	recorded := false
	err = t.tx.InTx(ctx, func(s Stores) error {
		n, err := s.Streams.IncrementViewers(ctx, streamID)
		if err != nil {
			return fmt.Errorf("increment viewers: %w", err)
		}
		if _, err := t.agg.RecordJoin(ctx, s.Analytics, streamID, userAgent, geo.Country); err != nil {
			return err
		}
		if err := t.agg.UpdatePeak(ctx, s.Analytics, streamID, n); err != nil {
			return err
		}
		// Last step before commit: a failure here still rolls the counters back.
		if err := t.sessions.Record(ctx, streamID, userID, now); err != nil {
			return fmt.Errorf("record session: %w", err)
		}
		recorded = true
		viewers = n
		return nil
	})
	if err != nil {
		if recorded {
			t.restoreSession(ctx, streamID, userID, prev, hadPrev)
		}
		return 0, err
	}
	t.notify(streamID, viewers)
	return viewers, nil
}

func (t *Tracker) leave(ctx context.Context, streamID, userID string) (int, error) {
	now := t.now()
	joinedAt, ok, err := t.sessions.JoinedAt(ctx, streamID, userID)
	if err != nil {
		return 0, fmt.Errorf("read session: %w", err)
	}

	var viewers int
	removed := false
	err = t.tx.InTx(ctx, func(s Stores) error {
		n, err := s.Streams.DecrementViewers(ctx, streamID)
		if err != nil {
			return fmt.Errorf("decrement viewers: %w", err)
		}
		if ok {
			duration := now.Sub(joinedAt).Seconds()
			if err := t.agg.RecordSessionEnd(ctx, s.Analytics, streamID, duration); err != nil {
				return err
			}
		}
		if err := t.sessions.Remove(ctx, streamID, userID); err != nil {
			return fmt.Errorf("remove session: %w", err)
		}
		removed = true
		viewers = n
		return nil
	})
	if err != nil {
		if removed && ok {
			t.restoreSession(ctx, streamID, userID, joinedAt, true)
		}
		return 0, err
	}
	if !ok {
		t.logger.Debug("leave without recorded join", zap.String("stream_id", streamID), zap.String("user_id", userID))
	}
	t.notify(streamID, viewers)
	return viewers, nil
}

// restoreSession undoes a session write whose transaction did not commit.
func (t *Tracker) restoreSession(ctx context.Context, streamID, userID string, at time.Time, existed bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.StoreTimeout)
	defer cancel()
	var err error
	if existed {
		err = t.sessions.Record(ctx, streamID, userID, at)
	} else {
		err = t.sessions.Remove(ctx, streamID, userID)
	}
	if err != nil {
		t.logger.Error("restore viewer session", zap.String("stream_id", streamID), zap.String("user_id", userID), zap.Error(err))
	}
}

func (t *Tracker) notify(streamID string, viewers int) {
	t.notes.post(streamID, viewers)
}

func (t *Tracker) changeHandler() ViewerChangeHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onChange
}
