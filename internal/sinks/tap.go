package sinks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/runlens/runlens/internal/events"
)

// TapConfig controls buffering and batching for the Tap.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 500).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type TapConfig struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultTapBuffer    = 4096
	defaultTapBatch     = 500
	defaultTapBatchWait = 500 * time.Millisecond
	defaultTapTimeout   = 10 * time.Second
	tapDropLogInterval  = 5 * time.Second
)

// Tap subscribes to every channel on a bus and fans batches of events out to
// the registered sinks. Aggregators consume the bus directly; the Tap exists
// so metrics, logs, and run history never slow down the dispatch path.
type Tap struct {
	cfg    TapConfig
	sinks  []Sink
	buf    chan events.Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	sub     *events.Subscription
	dropped atomic.Int64
	lastLog atomic.Int64

	stopOnce sync.Once
	stopCtx  context.Context
}

// NewTap wires the sinks to bus and starts the batching goroutine. The
// subscription covers both the perf and the scenario channel families.
func NewTap(bus *events.Bus, cfg TapConfig, sinks ...Sink) *Tap {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultTapBuffer
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultTapBatch
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultTapBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultTapTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	t := &Tap{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		buf:    make(chan events.Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: cfg.Logger,
	}
	channels := append(events.PerfChannels(), events.ScenarioChannels()...)
	t.sub = bus.Subscribe(t.enqueue, channels...)
	go t.run()
	return t
}

// enqueue never blocks the bus dispatch goroutine; a full buffer drops the
// event with a rate-limited warning.
func (t *Tap) enqueue(evt events.Event) {
	select {
	case t.buf <- evt:
	default:
		t.dropped.Add(1)
		now := time.Now().UnixNano()
		last := t.lastLog.Load()
		if now-last >= tapDropLogInterval.Nanoseconds() && t.lastLog.CompareAndSwap(last, now) {
			count := t.dropped.Swap(0)
			t.logger.Warn("sink tap dropped events due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Stop unsubscribes from the bus, drains buffered events, flushes sinks, and
// blocks until the background goroutine exits. Safe to call multiple times.
func (t *Tap) Stop(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.stopOnce.Do(func() {
		t.sub.Dispose()
		t.stopCtx = ctx
		close(t.stopCh)
	})
	select {
	case <-t.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sink tap stop wait: %w", ctx.Err())
	}
}

func (t *Tap) run() {
	defer close(t.doneCh)
	batch := make([]events.Event, 0, t.cfg.MaxBatchEvents)
	timer := time.NewTimer(t.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case evt := <-t.buf:
			batch = append(batch, evt)
			if len(batch) >= t.cfg.MaxBatchEvents {
				t.flush(batch)
				batch = batch[:0]
				t.stopTimer(timer, &timerActive)
			} else {
				t.resetTimer(timer, &timerActive)
			}
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				t.flush(batch)
				batch = batch[:0]
			}
		case <-t.stopCh:
			t.stopTimer(timer, &timerActive)
			t.drain(batch)
			return
		}
	}
}

func (t *Tap) drain(batch []events.Event) {
	for {
		select {
		case evt := <-t.buf:
			batch = append(batch, evt)
			if len(batch) >= t.cfg.MaxBatchEvents {
				t.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				t.flush(batch)
			}
			t.closeSinks()
			return
		}
	}
}

func (t *Tap) resetTimer(timer *time.Timer, active *bool) {
	if *active {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	timer.Reset(t.cfg.MaxBatchWait)
	*active = true
}

func (t *Tap) stopTimer(timer *time.Timer, active *bool) {
	if !*active {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*active = false
}

func (t *Tap) flush(batch []events.Event) {
	if len(batch) == 0 {
		return
	}
	copyBatch := append([]events.Event(nil), batch...)
	for _, sink := range t.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(t.cfg.BaseContext, t.cfg.SinkTimeout)
		if err := sink.Consume(ctx, copyBatch); err != nil {
			t.logger.Warn("sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (t *Tap) closeSinks() {
	ctx := t.stopCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range t.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			t.logger.Warn("sink close failed", zap.Error(err))
		}
	}
}
