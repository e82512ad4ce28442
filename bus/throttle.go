package bus

import (
	"sync"
	"time"

	"github.com/petal-labs/sepal"
)

// ThrottleConfig controls the behavior of ThrottledPublisher.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced status events.
	// Default: 100ms
	CoalesceInterval time.Duration
}

// ThrottledPublisher wraps a sepal.EventPublisher and coalesces
// high-frequency workflow.status events. Non-status events pass through
// immediately. Status events are coalesced per run: only the latest status
// for each run is kept within each coalesce interval, since a long run
// oscillating between in-progress states can emit one per superstep. A
// background ticker flushes coalesced statuses at the configured interval.
type ThrottledPublisher struct {
	next     sepal.EventPublisher
	interval time.Duration

	mu      sync.Mutex
	pending map[string]sepal.Event // runID -> latest status event
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledPublisher creates a ThrottledPublisher that wraps the given
// publisher and coalesces workflow.status events at the configured interval.
func NewThrottledPublisher(next sepal.EventPublisher, cfg ThrottleConfig) *ThrottledPublisher {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	tp := &ThrottledPublisher{
		next:     next,
		interval: interval,
		pending:  make(map[string]sepal.Event),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go tp.run()

	return tp
}

// Publish sends an event through the throttled publisher. Non-status events
// pass through immediately. Status events with a terminal state also pass
// through immediately, after any coalesced status for the same run, so
// subscribers never miss a run's final state. Intermediate status events are
// coalesced.
func (tp *ThrottledPublisher) Publish(e sepal.Event) {
	if e.Kind != sepal.EventWorkflowStatus {
		tp.next.Publish(e)
		return
	}

	if e.State.Terminal() {
		tp.mu.Lock()
		delete(tp.pending, e.RunID)
		closed := tp.closed
		tp.mu.Unlock()
		if !closed {
			tp.next.Publish(e)
		}
		return
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.closed {
		return
	}

	tp.pending[e.RunID] = e
}

// Close flushes any pending status events and stops the background ticker.
// It is safe to call Close multiple times.
func (tp *ThrottledPublisher) Close() {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return
	}
	tp.closed = true
	tp.mu.Unlock()

	close(tp.stopCh)
	<-tp.doneCh
}

func (tp *ThrottledPublisher) run() {
	defer close(tp.doneCh)

	ticker := time.NewTicker(tp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tp.flush()
		case <-tp.stopCh:
			// Flush any remaining pending events before exiting.
			tp.flush()
			return
		}
	}
}

// flush sends all pending coalesced status events to the wrapped publisher
// and clears the pending map.
func (tp *ThrottledPublisher) flush() {
	tp.mu.Lock()
	if len(tp.pending) == 0 {
		tp.mu.Unlock()
		return
	}

	// Swap out the pending map so we can release the lock during publication.
	toFlush := tp.pending
	tp.pending = make(map[string]sepal.Event)
	tp.mu.Unlock()

	for _, e := range toFlush {
		tp.next.Publish(e)
	}
}

var _ sepal.EventPublisher = (*ThrottledPublisher)(nil)
