package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering for the Bus.
//   - BufferSize: size of the internal channel (default 4096).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize int
	Logger     *zap.Logger
}

const (
	defaultBufferSize = 4096
	dropLogInterval   = 5 * time.Second
)

// Handler receives one delivered event. Handlers run on the bus's single
// dispatch goroutine, so a handler never races another handler and events
// are delivered in publication order.
type Handler func(evt Event)

// Bus routes engine events to channel subscribers. Publication never blocks;
// dispatch happens on one background goroutine so subscribers observe a
// single-threaded, in-order fold queue.
type Bus struct {
	cfg         Config
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool
	closeOnce   sync.Once

	mu     sync.RWMutex
	subs   map[Channel]map[int64]*Subscription
	nextID atomic.Int64
}

// NewBus initializes a Bus and starts its dispatch goroutine. The returned
// Bus is immediately ready to accept events and subscriptions.
func NewBus(cfg Config) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		cfg:         cfg,
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
		subs:        make(map[Channel]map[int64]*Subscription),
	}
	go b.run()
	return b
}

// Publish enqueues an Event for dispatch. It never blocks; if the buffer is
// full the event is dropped and a rate-limited warning is logged. Invalid
// events are discarded up front.
func (b *Bus) Publish(evt Event) {
	if b == nil || b.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		b.logger.Debug("discarding invalid event",
			zap.String("channel", string(evt.Channel)),
			zap.Error(err))
		return
	}
	select {
	case b.events <- evt:
	default:
		b.dropped.Add(1)
		if b.dropLimiter.Allow(time.Now()) {
			count := b.dropped.Swap(0)
			b.logger.Warn("events dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Subscribe registers handler for the named channels and returns a handle
// that unregisters all bindings on Dispose. Callers must guarantee Dispose
// runs on every exit path; a leaked subscription keeps receiving events.
func (b *Bus) Subscribe(handler Handler, channels ...Channel) *Subscription {
	sub := &Subscription{
		bus:      b,
		id:       b.nextID.Add(1),
		channels: append([]Channel(nil), channels...),
		handler:  handler,
	}
	b.mu.Lock()
	for _, ch := range channels {
		if b.subs[ch] == nil {
			b.subs[ch] = make(map[int64]*Subscription)
		}
		b.subs[ch][sub.id] = sub
	}
	b.mu.Unlock()
	return sub
}

// Close stops the dispatch goroutine after draining buffered events. Safe to
// call multiple times.
func (b *Bus) Close(ctx context.Context) error {
	if b == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.stopCh)
	})
	select {
	case <-b.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus close wait: %w", ctx.Err())
	}
}

func (b *Bus) run() {
	defer close(b.doneCh)
	for {
		select {
		case evt := <-b.events:
			b.dispatch(evt)
		case <-b.stopCh:
			b.drain()
			return
		}
	}
}

func (b *Bus) drain() {
	for {
		select {
		case evt := <-b.events:
			b.dispatch(evt)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[evt.Channel]))
	for _, sub := range b.subs[evt.Channel] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()
	for _, sub := range targets {
		sub.deliver(evt)
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	for _, ch := range sub.channels {
		delete(b.subs[ch], sub.id)
		if len(b.subs[ch]) == 0 {
			delete(b.subs, ch)
		}
	}
	b.mu.Unlock()
}

// Subscription binds one handler to a set of channels for the lifetime of an
// observing consumer.
type Subscription struct {
	bus      *Bus
	id       int64
	channels []Channel
	handler  Handler

	// mu serializes delivery against disposal: once Dispose returns, no
	// callback is executing or will execute, even for events already queued.
	mu       sync.Mutex
	disposed bool
}

// deliver runs the handler unless the subscription has been disposed. The
// disposed check happens at delivery time, not registration time, so events
// in flight at the moment of disposal are suppressed too.
func (s *Subscription) deliver(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.handler(evt)
}

// Dispose unregisters every channel binding and waits out any in-flight
// delivery. It is idempotent. Dispose must not be called from inside the
// subscription's own handler.
func (s *Subscription) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()
	s.bus.unsubscribe(s)
}

// Disposed reports whether Dispose has completed.
func (s *Subscription) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
