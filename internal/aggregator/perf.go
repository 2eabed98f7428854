package aggregator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runlens/runlens/internal/events"
	"github.com/runlens/runlens/internal/run"
)

// PerfSnapshot is the consumer-facing view of a performance run. It is a
// derived, in-memory value: fully rebuilt by folding events, never persisted.
// FinalRun is held separately from the live numbers so a consumer can keep
// showing the last progress alongside the terminal summary.
type PerfSnapshot struct {
	RunID               string               `json:"run_id"`
	IsRunning           bool                 `json:"is_running"`
	StartedAt           time.Time            `json:"started_at"`
	ElapsedSecs         float64              `json:"elapsed_secs"`
	CurrentVUs          int                  `json:"current_vus"`
	TotalRequests       int64                `json:"total_requests"`
	FailedRequests      int64                `json:"failed_requests"`
	RPS                 float64              `json:"rps"`
	ErrorRate           float64              `json:"error_rate"`
	P95Duration         time.Duration        `json:"p95_duration"`
	IterationsCompleted int64                `json:"iterations_completed"`
	CurrentStage        *run.StageInfo       `json:"current_stage,omitempty"`
	RecentRequests      []run.RequestOutcome `json:"recent_requests"`
	FinalRun            *run.Run             `json:"final_run,omitempty"`
}

// PerfOption customizes a Perf aggregator.
type PerfOption func(*Perf)

// WithRecentCapacity overrides the recent-request buffer capacity.
func WithRecentCapacity(n int) PerfOption {
	return func(p *Perf) {
		p.recent = newOutcomeRing(n)
	}
}

// WithPerfTickInterval overrides the elapsed-time tick interval.
func WithPerfTickInterval(d time.Duration) PerfOption {
	return func(p *Perf) {
		p.ticker = newElapsedTicker(p.clock, d)
	}
}

// Perf folds performance-run events into a single snapshot. All statistics
// arrive pre-computed from the engine and are stored verbatim; the aggregator
// only adds run-identity gating, the bounded outcome buffer, and the elapsed
// ticker on top.
//
// Field ownership: event folds own every snapshot field. The ticker may raise
// ElapsedSecs between progress events but never lowers it and never touches a
// snapshot that is no longer running.
type Perf struct {
	clock      run.Clock
	logger     *zap.Logger
	correlator *Correlator
	ticker     *elapsedTicker

	mu     sync.Mutex
	snap   PerfSnapshot
	recent *outcomeRing
}

// NewPerf constructs a performance-run aggregator.
func NewPerf(clock run.Clock, logger *zap.Logger, opts ...PerfOption) *Perf {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Perf{
		clock:      clock,
		logger:     logger,
		correlator: &Correlator{},
	}
	p.ticker = newElapsedTicker(clock, DefaultTickInterval)
	p.recent = newOutcomeRing(DefaultRecentCapacity)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply folds one event into the snapshot. Events on other channels and
// events carrying a non-active run identifier are a deliberate no-op.
func (p *Perf) Apply(evt events.Event) {
	switch evt.Channel {
	case events.ChanPerfStarted:
		p.onStarted(evt)
	case events.ChanPerfProgress:
		p.onProgress(evt)
	case events.ChanPerfStageChanged:
		p.onStageChanged(evt)
	case events.ChanPerfRequestCompleted:
		p.onRequestCompleted(evt)
	case events.ChanPerfCompleted:
		p.onCompleted(evt)
	}
}

// onStarted supersedes any previous run atomically: the new identifier is
// adopted and every piece of accumulated per-run state resets to empty before
// any further event is applied.
func (p *Perf) onStarted(evt events.Event) {
	p.correlator.Adopt(evt.RunID)

	p.mu.Lock()
	startedAt := evt.TS
	if startedAt.IsZero() {
		startedAt = p.clock.Now()
	}
	p.recent.reset()
	p.snap = PerfSnapshot{
		RunID:     evt.RunID,
		IsRunning: true,
		StartedAt: startedAt,
	}
	p.mu.Unlock()

	// Started outside the aggregator lock: the tick callback re-acquires it.
	p.ticker.start(startedAt, p.advanceElapsed)
	p.logger.Debug("perf run adopted", zap.String("run_id", evt.RunID))
}

func (p *Perf) onProgress(evt events.Event) {
	if !p.correlator.Accepts(evt.RunID) {
		return
	}
	payload, ok := evt.Payload.(events.PerfProgress)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.ElapsedSecs = payload.ElapsedSecs
	p.snap.CurrentVUs = payload.CurrentVUs
	p.snap.TotalRequests = payload.TotalRequests
	p.snap.FailedRequests = payload.FailedRequests
	p.snap.RPS = payload.RPS
	p.snap.ErrorRate = payload.ErrorRate
	p.snap.P95Duration = payload.P95Duration
	p.snap.IterationsCompleted = payload.IterationsCompleted
}

func (p *Perf) onStageChanged(evt events.Event) {
	if !p.correlator.Accepts(evt.RunID) {
		return
	}
	payload, ok := evt.Payload.(events.StageChanged)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.CurrentStage = &run.StageInfo{
		Index:        payload.StageIndex,
		TargetVUs:    payload.TargetVUs,
		DurationSecs: payload.DurationSecs,
	}
}

func (p *Perf) onRequestCompleted(evt events.Event) {
	if !p.correlator.Accepts(evt.RunID) {
		return
	}
	payload, ok := evt.Payload.(events.RequestCompleted)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recent.push(payload.Outcome)
}

func (p *Perf) onCompleted(evt events.Event) {
	if !p.correlator.Accepts(evt.RunID) {
		return
	}
	payload, ok := evt.Payload.(events.RunCompleted)
	if !ok {
		return
	}
	p.mu.Lock()
	final := payload.Run
	p.snap.IsRunning = false
	p.snap.FinalRun = &final
	p.mu.Unlock()

	p.ticker.stop()
	p.logger.Debug("perf run completed", zap.String("run_id", evt.RunID))
}

// advanceElapsed runs on the ticker goroutine. It only ever raises the
// elapsed value and freezes the instant the run stops running.
func (p *Perf) advanceElapsed(elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.snap.IsRunning {
		return
	}
	if secs := elapsed.Seconds(); secs > p.snap.ElapsedSecs {
		p.snap.ElapsedSecs = secs
	}
}

// Snapshot returns a copy of the current view. The recent-request slice is
// materialized oldest first.
func (p *Perf) Snapshot() PerfSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := p.snap
	snap.RecentRequests = p.recent.items()
	if p.snap.CurrentStage != nil {
		stage := *p.snap.CurrentStage
		snap.CurrentStage = &stage
	}
	if p.snap.FinalRun != nil {
		final := *p.snap.FinalRun
		snap.FinalRun = &final
	}
	return snap
}

// Reset returns the aggregator to its zero state and clears the active run
// identifier so later stray events from a previous run are rejected.
func (p *Perf) Reset() {
	p.correlator.Clear()
	p.mu.Lock()
	p.recent.reset()
	p.snap = PerfSnapshot{}
	p.mu.Unlock()
	p.ticker.stop()
}

// Close stops the elapsed ticker. The aggregator must not be used afterward
// without a fresh started event.
func (p *Perf) Close() {
	p.ticker.stop()
}
