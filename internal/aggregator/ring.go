package aggregator

import "github.com/runlens/runlens/internal/run"

// DefaultRecentCapacity bounds the rolling buffer of recent request outcomes.
const DefaultRecentCapacity = 100

// outcomeRing is a fixed-capacity FIFO of request outcomes. Pushing beyond
// capacity evicts the oldest entry, so memory stays bounded for arbitrarily
// long runs.
type outcomeRing struct {
	buf  []run.RequestOutcome
	head int
	size int
}

func newOutcomeRing(capacity int) *outcomeRing {
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}
	return &outcomeRing{buf: make([]run.RequestOutcome, capacity)}
}

func (r *outcomeRing) push(o run.RequestOutcome) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = o
		r.size++
		return
	}
	r.buf[r.head] = o
	r.head = (r.head + 1) % len(r.buf)
}

// items returns the retained outcomes oldest first.
func (r *outcomeRing) items() []run.RequestOutcome {
	out := make([]run.RequestOutcome, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

func (r *outcomeRing) len() int {
	return r.size
}

func (r *outcomeRing) reset() {
	r.head = 0
	r.size = 0
}
