package aggregator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runlens/runlens/internal/events"
	"github.com/runlens/runlens/internal/run"
)

// ScenarioSnapshot is the consumer-facing view of a scenario run. StepResults
// grows monotonically over a run's lifetime: one entry per step, later
// results for the same key overwrite, nothing is ever removed mid-run.
type ScenarioSnapshot struct {
	RunID              string                    `json:"run_id"`
	ScenarioID         string                    `json:"scenario_id"`
	IsRunning          bool                      `json:"is_running"`
	TotalSteps         int                       `json:"total_steps"`
	CurrentStepIndex   int                       `json:"current_step_index"`
	ProgressPercentage float64                   `json:"progress_percentage"`
	StepResults        map[string]run.StepResult `json:"step_results"`
	StartedAt          time.Time                 `json:"started_at"`
	ElapsedSecs        float64                   `json:"elapsed_secs"`
	FinalRun           *run.Run                  `json:"final_run,omitempty"`
}

// ScenarioOption customizes a Scenario aggregator.
type ScenarioOption func(*Scenario)

// WithScenarioTickInterval overrides the elapsed-time tick interval.
func WithScenarioTickInterval(d time.Duration) ScenarioOption {
	return func(s *Scenario) {
		s.ticker = newElapsedTicker(s.clock, d)
	}
}

// Scenario folds scenario-run events into a per-step result map, the current
// step index, and the engine-supplied completion percentage. The percentage
// is stored verbatim rather than derived from step counts, so the display
// never drifts from the engine's own accounting; completion forces it to 100
// regardless of the last reported value.
//
// ElapsedSecs is the one ticker-owned field: no scenario event supplies it,
// so the ticker recomputes it from StartedAt on every tick while running.
type Scenario struct {
	clock      run.Clock
	logger     *zap.Logger
	correlator *Correlator
	ticker     *elapsedTicker

	mu   sync.Mutex
	snap ScenarioSnapshot
}

// NewScenario constructs a scenario-run aggregator.
func NewScenario(clock run.Clock, logger *zap.Logger, opts ...ScenarioOption) *Scenario {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scenario{
		clock:      clock,
		logger:     logger,
		correlator: &Correlator{},
	}
	s.ticker = newElapsedTicker(clock, DefaultTickInterval)
	s.snap = zeroScenarioSnapshot()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func zeroScenarioSnapshot() ScenarioSnapshot {
	return ScenarioSnapshot{
		CurrentStepIndex: -1,
		StepResults:      map[string]run.StepResult{},
	}
}

// Apply folds one event into the snapshot. Events carrying a non-active run
// identifier are ignored without any observable effect.
func (s *Scenario) Apply(evt events.Event) {
	switch evt.Channel {
	case events.ChanScenarioStarted:
		s.onStarted(evt)
	case events.ChanStepStarted:
		s.onStepStarted(evt)
	case events.ChanStepCompleted:
		s.onStepCompleted(evt)
	case events.ChanScenarioCompleted:
		s.onCompleted(evt)
	}
}

func (s *Scenario) onStarted(evt events.Event) {
	payload, ok := evt.Payload.(events.ScenarioStarted)
	if !ok {
		return
	}
	s.correlator.Adopt(evt.RunID)

	startedAt := payload.StartedAt
	if startedAt.IsZero() {
		startedAt = s.clock.Now()
	}
	s.mu.Lock()
	s.snap = zeroScenarioSnapshot()
	s.snap.RunID = evt.RunID
	s.snap.ScenarioID = payload.ScenarioID
	s.snap.TotalSteps = payload.TotalSteps
	s.snap.StartedAt = startedAt
	s.snap.IsRunning = true
	s.mu.Unlock()

	s.ticker.start(startedAt, s.advanceElapsed)
	s.logger.Debug("scenario run adopted",
		zap.String("run_id", evt.RunID),
		zap.String("scenario_id", payload.ScenarioID))
}

func (s *Scenario) onStepStarted(evt events.Event) {
	if !s.correlator.Accepts(evt.RunID) {
		return
	}
	payload, ok := evt.Payload.(events.StepStarted)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.CurrentStepIndex = payload.StepIndex
}

func (s *Scenario) onStepCompleted(evt events.Event) {
	if !s.correlator.Accepts(evt.RunID) {
		return
	}
	payload, ok := evt.Payload.(events.StepCompleted)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.StepResults[payload.StepID] = payload.Result
	s.snap.ProgressPercentage = payload.ProgressPercentage
}

func (s *Scenario) onCompleted(evt events.Event) {
	if !s.correlator.Accepts(evt.RunID) {
		return
	}
	payload, ok := evt.Payload.(events.RunCompleted)
	if !ok {
		return
	}
	s.mu.Lock()
	final := payload.Run
	s.snap.IsRunning = false
	s.snap.FinalRun = &final
	// Completion always reports full progress, even if the last reported
	// percentage stopped short (a stuck-at-99% display is worse than a
	// slightly optimistic final tick).
	s.snap.ProgressPercentage = 100
	s.mu.Unlock()

	s.ticker.stop()
	s.logger.Debug("scenario run completed", zap.String("run_id", evt.RunID))
}

// advanceElapsed runs on the ticker goroutine and freezes the instant the run
// stops running.
func (s *Scenario) advanceElapsed(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.snap.IsRunning {
		return
	}
	s.snap.ElapsedSecs = elapsed.Seconds()
}

// Snapshot returns a copy of the current view with its own result map.
func (s *Scenario) Snapshot() ScenarioSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	snap.StepResults = make(map[string]run.StepResult, len(s.snap.StepResults))
	for k, v := range s.snap.StepResults {
		snap.StepResults[k] = v
	}
	if s.snap.FinalRun != nil {
		final := *s.snap.FinalRun
		snap.FinalRun = &final
	}
	return snap
}

// Reset returns the aggregator to the zero-value snapshot outside of any
// event, e.g. when the consumer switches the observed scenario. The active
// run identifier is cleared too, so trailing events from the previous run are
// rejected.
func (s *Scenario) Reset() {
	s.correlator.Clear()
	s.mu.Lock()
	s.snap = zeroScenarioSnapshot()
	s.mu.Unlock()
	s.ticker.stop()
}

// Close stops the elapsed ticker on consumer teardown.
func (s *Scenario) Close() {
	s.ticker.stop()
}
