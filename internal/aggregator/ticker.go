package aggregator

import (
	"sync"
	"time"

	"github.com/runlens/runlens/internal/run"
)

// DefaultTickInterval is how often elapsed time advances between events.
const DefaultTickInterval = 100 * time.Millisecond

// elapsedTicker advances a displayed elapsed-time value independently of
// event delivery, so the value keeps moving smoothly between sparse engine
// events. It must be stopped on the terminal event, on explicit reset, and on
// consumer teardown; a leaked ticker keeps mutating a snapshot nobody is
// meant to observe.
type elapsedTicker struct {
	clock    run.Clock
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

func newElapsedTicker(clock run.Clock, interval time.Duration) *elapsedTicker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &elapsedTicker{clock: clock, interval: interval}
}

// start (re)starts the ticker anchored at startedAt. apply receives the
// recomputed elapsed duration on every tick; it is never invoked after stop
// returns.
func (t *elapsedTicker) start(startedAt time.Time, apply func(elapsed time.Duration)) {
	t.stop()

	t.mu.Lock()
	t.running = true
	stopCh := make(chan struct{})
	t.stopCh = stopCh
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				t.mu.Lock()
				if !t.running || t.stopCh != stopCh {
					t.mu.Unlock()
					return
				}
				apply(t.clock.Now().Sub(startedAt))
				t.mu.Unlock()
			}
		}
	}()
}

// stop cancels the ticker. After stop returns no apply callback is executing
// or will execute. Idempotent.
func (t *elapsedTicker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.stopCh)
	t.stopCh = nil
}
