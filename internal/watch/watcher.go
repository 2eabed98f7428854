// Package watch ties one observing consumer to the event stream: it binds a
// bus subscription to the performance and scenario aggregators and guarantees
// that teardown unregisters the subscription, stops both elapsed tickers, and
// applies no further mutation, on every exit path.
package watch

import (
	"sync"

	"go.uber.org/zap"

	"github.com/runlens/runlens/internal/aggregator"
	"github.com/runlens/runlens/internal/events"
)

// Watcher owns an exclusive pair of aggregators fed by a single bus
// subscription. Multiple consumers of the same logical run each hold their
// own Watcher; snapshots are never shared mutable state across consumers.
type Watcher struct {
	perf     *aggregator.Perf
	scenario *aggregator.Scenario
	sub      *events.Subscription
	logger   *zap.Logger
	stopOnce sync.Once
}

// New subscribes to the full engine protocol and starts routing events into
// the supplied aggregators. Callers must call Stop when the consumer goes
// away; a leaked watcher keeps folding events forever.
func New(bus *events.Bus, perf *aggregator.Perf, scenario *aggregator.Scenario, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		perf:     perf,
		scenario: scenario,
		logger:   logger,
	}
	channels := append(events.PerfChannels(), events.ScenarioChannels()...)
	w.sub = bus.Subscribe(w.handle, channels...)
	return w
}

// handle runs on the bus dispatch goroutine, so folds are applied one at a
// time in delivery order.
func (w *Watcher) handle(evt events.Event) {
	switch evt.Channel {
	case events.ChanPerfStarted,
		events.ChanPerfProgress,
		events.ChanPerfStageChanged,
		events.ChanPerfRequestCompleted,
		events.ChanPerfCompleted:
		w.perf.Apply(evt)
	case events.ChanScenarioStarted,
		events.ChanStepStarted,
		events.ChanStepCompleted,
		events.ChanScenarioCompleted:
		w.scenario.Apply(evt)
	default:
		w.logger.Debug("watcher received event on unhandled channel",
			zap.String("channel", string(evt.Channel)))
	}
}

// PerfSnapshot returns the current performance view.
func (w *Watcher) PerfSnapshot() aggregator.PerfSnapshot {
	return w.perf.Snapshot()
}

// ScenarioSnapshot returns the current scenario view.
func (w *Watcher) ScenarioSnapshot() aggregator.ScenarioSnapshot {
	return w.scenario.Snapshot()
}

// ResetScenario clears the scenario view outside of any event, e.g. when the
// consumer switches the observed scenario identifier.
func (w *Watcher) ResetScenario() {
	w.scenario.Reset()
}

// ResetPerf clears the performance view.
func (w *Watcher) ResetPerf() {
	w.perf.Reset()
}

// Stop disposes the subscription and stops both tickers. After Stop returns
// no callback mutates either snapshot. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.sub.Dispose()
		w.perf.Close()
		w.scenario.Close()
	})
}
