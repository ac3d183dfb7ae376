package presence

import "sync"

// notifier hands viewer counts from stream workers to the change handler on its own
// goroutine. Counts for a stream that is already waiting are coalesced to the latest.
type notifier struct {
	mu      sync.Mutex
	pending map[string]int
	order   []string
	kick    chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

func newNotifier() *notifier {
	return &notifier{
		pending: make(map[string]int),
		kick:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (n *notifier) post(streamID string, viewers int) {
	n.mu.Lock()
	if _, ok := n.pending[streamID]; !ok {
		n.order = append(n.order, streamID)
	}
	n.pending[streamID] = viewers
	n.mu.Unlock()
	select {
	case n.kick <- struct{}{}:
	default:
	}
}

func (n *notifier) run(handler func() ViewerChangeHandler) {
	defer close(n.done)
	for {
		select {
		case <-n.kick:
			n.mu.Lock()
			batch, order := n.pending, n.order
			n.pending, n.order = make(map[string]int), nil
			n.mu.Unlock()
			fn := handler()
			if fn == nil {
				continue
			}
			for _, id := range order {
				fn(id, batch[id])
			}
		case <-n.quit:
			return
		}
	}
}

func (n *notifier) stop() {
	close(n.quit)
	<-n.done
}
