package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/telemetry"
)

type command struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// streamWorker owns one stream's mutations.
type streamWorker struct {
	streamID string
	cmds     chan command
	quit     chan struct{}
	stopped  chan struct{}
	pending  int // guarded by Tracker.mu; submitted but not yet finished
}

// submit runs fn on the stream's worker and waits for it. Once fn is queued the wait is
// bounded by the worker's StoreTimeout, so a caller never sees a timeout for work that
// went on to commit.
func (t *Tracker) submit(ctx context.Context, streamID string, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	w, ok := t.workers[streamID]
	if !ok {
		w = t.spawn(streamID)
	}
	w.pending++
	t.mu.Unlock()

	c := command{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case w.cmds <- c:
	case <-ctx.Done():
		t.release(w)
		return ctx.Err()
	case <-w.stopped:
		return ErrClosed
	}

	select {
	case err := <-c.done:
		return err
	case <-w.stopped:
		select {
		case err := <-c.done:
			return err
		default:
			return ErrClosed
		}
	}
}

// spawn starts a worker; t.mu must be held.
func (t *Tracker) spawn(streamID string) *streamWorker {
	w := &streamWorker{
		streamID: streamID,
		cmds:     make(chan command, t.cfg.QueueSize),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	t.workers[streamID] = w
	telemetry.SetStreamWorkers(len(t.workers))
	t.wg.Add(1)
	go t.run(w)
	return w
}

func (t *Tracker) run(w *streamWorker) {
	defer t.wg.Done()
	defer close(w.stopped)

	idle := time.NewTimer(t.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case c := <-w.cmds:
			c.done <- t.exec(c)
			t.release(w)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(t.cfg.IdleTimeout)
		case <-idle.C:
			if t.reap(w) {
				t.logger.Debug("stream worker idle; stopped", zap.String("stream_id", w.streamID))
				return
			}
			idle.Reset(t.cfg.IdleTimeout)
		case <-w.quit:
			for {
				select {
				case c := <-w.cmds:
					c.done <- ErrClosed
				default:
					return
				}
			}
		}
	}
}

func (t *Tracker) exec(c command) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, t.cfg.StoreTimeout)
	defer cancel()
	return c.fn(ctx)
}

func (t *Tracker) release(w *streamWorker) {
	t.mu.Lock()
	w.pending--
	t.mu.Unlock()
}

// reap removes an idle worker from the registry. It refuses while work is pending.
func (t *Tracker) reap(w *streamWorker) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w.pending > 0 {
		return false
	}
	if t.workers[w.streamID] == w {
		delete(t.workers, w.streamID)
	}
	telemetry.SetStreamWorkers(len(t.workers))
	return true
}

// ActiveStreams returns the number of running stream workers.
func (t *Tracker) ActiveStreams() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.workers)
}

// Close stops every worker. Queued work that has not started fails with ErrClosed.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for id, w := range t.workers {
		close(w.quit)
		delete(t.workers, id)
	}
	telemetry.SetStreamWorkers(0)
	t.mu.Unlock()
	t.wg.Wait()
	t.notes.stop()
}
