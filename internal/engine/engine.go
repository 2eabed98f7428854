// Package engine implements a built-in demo execution engine. It runs perf
// and scenario configs against synthetic targets and emits the same event
// protocol an external engine would, so the aggregation layer can be
// exercised end to end without real load infrastructure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/runlens/runlens/internal/events"
	"github.com/runlens/runlens/internal/run"
)

// Config tunes the synthetic workload.
type Config struct {
	// ProgressInterval is how often perf progress events are emitted.
	ProgressInterval time.Duration
	// MaxRPS caps the synthetic request rate.
	MaxRPS float64
	// StepDuration is how long each scenario step takes.
	StepDuration time.Duration
	// FailureRate is the probability a synthetic request or step fails.
	FailureRate float64
}

// failedRunThreshold is the error rate above which a perf run fails.
const failedRunThreshold = 0.25

// Engine launches runs and drives them to completion on background
// goroutines. It implements run.Starter.
type Engine struct {
	bus    *events.Bus
	clock  run.Clock
	ids    run.IDGenerator
	logger *zap.Logger
	cfg    Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// New constructs an Engine publishing onto bus.
func New(bus *events.Bus, clock run.Clock, ids run.IDGenerator, cfg Config, logger *zap.Logger) *Engine {
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = time.Second
	}
	if cfg.MaxRPS <= 0 {
		cfg.MaxRPS = 50
	}
	if cfg.StepDuration <= 0 {
		cfg.StepDuration = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		bus:     bus,
		clock:   clock,
		ids:     ids,
		logger:  logger,
		cfg:     cfg,
		cancels: make(map[string]context.CancelFunc),
	}
}

// StartRun validates cfg, mints a run ID, and launches the execution
// goroutine. The returned record is already in the running state; the run
// outlives the caller's context and ends via events on the bus.
func (e *Engine) StartRun(_ context.Context, cfg run.Config) (run.Run, error) {
	switch cfg.Kind {
	case run.KindPerf:
		if len(cfg.Stages) == 0 {
			return run.Run{}, errors.New("perf config requires at least one stage")
		}
		for i, st := range cfg.Stages {
			if st.TargetVUs <= 0 || st.DurationSecs <= 0 {
				return run.Run{}, fmt.Errorf("stage %d requires positive target_vus and duration_secs", i)
			}
		}
	case run.KindScenario:
		if len(cfg.Steps) == 0 {
			return run.Run{}, errors.New("scenario config requires at least one step")
		}
	default:
		return run.Run{}, fmt.Errorf("unknown run kind %q", cfg.Kind)
	}

	id, err := e.ids.NewID()
	if err != nil {
		return run.Run{}, fmt.Errorf("mint run id: %w", err)
	}
	rec := run.Run{
		ID:        id,
		ConfigID:  cfg.ID,
		Kind:      cfg.Kind,
		Status:    run.StatusRunning,
		StartedAt: e.clock.Now(),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return run.Run{}, errors.New("engine is shut down")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancels[id] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer e.release(id)
		switch cfg.Kind {
		case run.KindPerf:
			e.runPerf(runCtx, rec, cfg)
		case run.KindScenario:
			e.runScenario(runCtx, rec, cfg)
		}
	}()

	e.logger.Info("run started",
		zap.String("run_id", id),
		zap.String("config_id", cfg.ID),
		zap.String("kind", string(cfg.Kind)))
	return rec, nil
}

// Abort cancels a running run; the run then completes with a failed status.
func (e *Engine) Abort(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Stop aborts all runs and waits for their completion events to be published.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine stop wait: %w", ctx.Err())
	}
}

func (e *Engine) release(runID string) {
	e.mu.Lock()
	if cancel, ok := e.cancels[runID]; ok {
		cancel()
		delete(e.cancels, runID)
	}
	e.mu.Unlock()
}

func (e *Engine) publish(channel events.Channel, runID string, payload any) {
	e.bus.Publish(events.Event{
		Channel: channel,
		RunID:   runID,
		TS:      e.clock.Now(),
		Payload: payload,
	})
}

func (e *Engine) runPerf(ctx context.Context, rec run.Run, cfg run.Config) {
	e.publish(events.ChanPerfStarted, rec.ID, nil)

	burst := int(e.cfg.MaxRPS)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(e.cfg.MaxRPS), burst)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var total, failed int64
	var durations []time.Duration
	currentVUs := 0
	aborted := false

	progress := time.NewTicker(e.cfg.ProgressInterval)
	defer progress.Stop()

stages:
	for i, stage := range cfg.Stages {
		currentVUs = stage.TargetVUs
		e.publish(events.ChanPerfStageChanged, rec.ID, events.StageChanged{
			StageIndex:   i,
			TargetVUs:    stage.TargetVUs,
			DurationSecs: stage.DurationSecs,
		})

		stageTimer := time.NewTimer(time.Duration(stage.DurationSecs * float64(time.Second)))
		for {
			select {
			case <-ctx.Done():
				stageTimer.Stop()
				aborted = true
				break stages
			case <-stageTimer.C:
				continue stages
			case <-progress.C:
				e.publish(events.ChanPerfProgress, rec.ID,
					e.perfProgress(rec.StartedAt, currentVUs, total, failed, durations))
			default:
				if err := limiter.Wait(ctx); err != nil {
					stageTimer.Stop()
					aborted = true
					break stages
				}
				outcome := e.syntheticOutcome(rng)
				total++
				if outcome.Failed() {
					failed++
				}
				durations = append(durations, outcome.Duration)
				e.publish(events.ChanPerfRequestCompleted, rec.ID, events.RequestCompleted{Outcome: outcome})
			}
		}
	}

	finishedAt := e.clock.Now()
	elapsed := finishedAt.Sub(rec.StartedAt).Seconds()
	stats := run.Stats{
		TotalRequests:       total,
		FailedRequests:      failed,
		IterationsCompleted: total,
		P95Duration:         percentile95(durations),
	}
	if elapsed > 0 {
		stats.RPS = float64(total) / elapsed
	}
	if total > 0 {
		stats.ErrorRate = float64(failed) / float64(total)
	}

	rec.FinishedAt = &finishedAt
	rec.Stats = stats
	switch {
	case aborted:
		rec.Status = run.StatusFailed
		rec.Error = "run aborted"
	case stats.ErrorRate > failedRunThreshold:
		rec.Status = run.StatusFailed
		rec.Error = fmt.Sprintf("error rate %.2f above threshold", stats.ErrorRate)
	default:
		rec.Status = run.StatusPassed
	}

	e.publish(events.ChanPerfCompleted, rec.ID, events.RunCompleted{Run: rec})
	e.logger.Info("perf run finished",
		zap.String("run_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.Int64("requests", total))
}

func (e *Engine) perfProgress(startedAt time.Time, vus int, total, failed int64, durations []time.Duration) events.PerfProgress {
	p := events.PerfProgress{
		ElapsedSecs:         e.clock.Now().Sub(startedAt).Seconds(),
		CurrentVUs:          vus,
		TotalRequests:       total,
		FailedRequests:      failed,
		P95Duration:         percentile95(durations),
		IterationsCompleted: total,
	}
	if p.ElapsedSecs > 0 {
		p.RPS = float64(total) / p.ElapsedSecs
	}
	if total > 0 {
		p.ErrorRate = float64(failed) / float64(total)
	}
	return p
}

func (e *Engine) syntheticOutcome(rng *rand.Rand) run.RequestOutcome {
	latency := time.Duration(20+rng.Intn(180)) * time.Millisecond
	outcome := run.RequestOutcome{
		StatusCode: 200,
		Duration:   latency,
		TS:         e.clock.Now(),
	}
	if rng.Float64() < e.cfg.FailureRate {
		if rng.Float64() < 0.5 {
			outcome.StatusCode = 503
		} else {
			outcome.StatusCode = 0
			outcome.Error = "connection reset"
		}
	}
	return outcome
}

func (e *Engine) runScenario(ctx context.Context, rec run.Run, cfg run.Config) {
	scenarioID := cfg.ScenarioID
	if scenarioID == "" {
		scenarioID = cfg.ID
	}
	e.publish(events.ChanScenarioStarted, rec.ID, events.ScenarioStarted{
		ScenarioID: scenarioID,
		TotalSteps: len(cfg.Steps),
		StartedAt:  rec.StartedAt,
	})

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	passed, failed := 0, 0
	aborted := false

	for i, stepID := range cfg.Steps {
		e.publish(events.ChanStepStarted, rec.ID, events.StepStarted{StepIndex: i})

		stepStart := e.clock.Now()
		timer := time.NewTimer(e.cfg.StepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			aborted = true
		case <-timer.C:
		}
		if aborted {
			break
		}

		result := run.StepResult{
			Status:   "passed",
			Duration: e.clock.Now().Sub(stepStart),
		}
		if rng.Float64() < e.cfg.FailureRate {
			result.Status = "failed"
			result.Error = "assertion failed"
			failed++
		} else {
			passed++
		}
		e.publish(events.ChanStepCompleted, rec.ID, events.StepCompleted{
			StepID:             stepID,
			Result:             result,
			ProgressPercentage: float64(i+1) / float64(len(cfg.Steps)) * 100,
		})
	}

	finishedAt := e.clock.Now()
	rec.FinishedAt = &finishedAt
	rec.Stats = run.Stats{StepsPassed: passed, StepsFailed: failed}
	switch {
	case aborted:
		rec.Status = run.StatusFailed
		rec.Error = "run aborted"
	case failed > 0:
		rec.Status = run.StatusFailed
		rec.Error = fmt.Sprintf("%d of %d steps failed", failed, len(cfg.Steps))
	default:
		rec.Status = run.StatusPassed
	}

	e.publish(events.ChanScenarioCompleted, rec.ID, events.RunCompleted{Run: rec})
	e.logger.Info("scenario run finished",
		zap.String("run_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.Int("steps_passed", passed),
		zap.Int("steps_failed", failed))
}

func percentile95(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
