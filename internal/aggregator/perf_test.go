package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runlens/runlens/internal/events"
	"github.com/runlens/runlens/internal/run"
)

func perfStarted(runID string, ts time.Time) events.Event {
	return events.Event{Channel: events.ChanPerfStarted, RunID: runID, TS: ts}
}

func perfProgress(runID string, p events.PerfProgress) events.Event {
	return events.Event{Channel: events.ChanPerfProgress, RunID: runID, TS: time.Now(), Payload: p}
}

func perfRequest(runID string, o run.RequestOutcome) events.Event {
	return events.Event{
		Channel: events.ChanPerfRequestCompleted,
		RunID:   runID,
		TS:      time.Now(),
		Payload: events.RequestCompleted{Outcome: o},
	}
}

func perfCompleted(runID string, rec run.Run) events.Event {
	return events.Event{
		Channel: events.ChanPerfCompleted,
		RunID:   runID,
		TS:      time.Now(),
		Payload: events.RunCompleted{Run: rec},
	}
}

func newPerfForTest(t *testing.T) (*Perf, *manualClock) {
	t.Helper()
	clock := newManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := NewPerf(clock, nil, WithPerfTickInterval(time.Hour))
	t.Cleanup(p.Close)
	return p, clock
}

// TestPerfRunSupersession plays started(A), progress(A), started(B),
// progress(B) and asserts the final snapshot reflects only run B.
func TestPerfRunSupersession(t *testing.T) {
	t.Parallel()

	p, clock := newPerfForTest(t)
	p.Apply(perfStarted("a", clock.Now()))
	p.Apply(perfProgress("a", events.PerfProgress{TotalRequests: 500, CurrentVUs: 50, RPS: 99}))
	p.Apply(perfRequest("a", run.RequestOutcome{StatusCode: 200}))

	p.Apply(perfStarted("b", clock.Now()))
	p.Apply(perfProgress("b", events.PerfProgress{TotalRequests: 7, CurrentVUs: 2, RPS: 3.5}))

	snap := p.Snapshot()
	require.Equal(t, "b", snap.RunID)
	require.True(t, snap.IsRunning)
	require.EqualValues(t, 7, snap.TotalRequests)
	require.Equal(t, 2, snap.CurrentVUs)
	require.InDelta(t, 3.5, snap.RPS, 1e-9)
	require.Empty(t, snap.RecentRequests, "run A's outcomes must be cleared by supersession")
	require.Nil(t, snap.CurrentStage)
}

// TestPerfStaleEventsIgnored asserts events from a non-active run never
// mutate the snapshot, regardless of arrival order.
func TestPerfStaleEventsIgnored(t *testing.T) {
	t.Parallel()

	p, clock := newPerfForTest(t)
	p.Apply(perfStarted("live", clock.Now()))
	p.Apply(perfProgress("live", events.PerfProgress{TotalRequests: 10}))

	before := p.Snapshot()
	p.Apply(perfProgress("stale", events.PerfProgress{TotalRequests: 9999}))
	p.Apply(perfRequest("stale", run.RequestOutcome{StatusCode: 500}))
	p.Apply(perfCompleted("stale", run.Run{ID: "stale", Status: run.StatusFailed}))

	require.Equal(t, before, p.Snapshot())
}

// TestPerfProgressStoredVerbatim ensures the engine-supplied statistics land
// unmodified; the aggregator never recomputes them.
func TestPerfProgressStoredVerbatim(t *testing.T) {
	t.Parallel()

	p, clock := newPerfForTest(t)
	p.Apply(perfStarted("r1", clock.Now()))
	stats := events.PerfProgress{
		ElapsedSecs:         12.5,
		CurrentVUs:          40,
		TotalRequests:       1234,
		FailedRequests:      12,
		RPS:                 98.7,
		ErrorRate:           0.97,
		P95Duration:         340 * time.Millisecond,
		IterationsCompleted: 310,
	}
	p.Apply(perfProgress("r1", stats))

	snap := p.Snapshot()
	require.InDelta(t, 12.5, snap.ElapsedSecs, 1e-9)
	require.Equal(t, 40, snap.CurrentVUs)
	require.EqualValues(t, 1234, snap.TotalRequests)
	require.EqualValues(t, 12, snap.FailedRequests)
	require.InDelta(t, 98.7, snap.RPS, 1e-9)
	require.InDelta(t, 0.97, snap.ErrorRate, 1e-9)
	require.Equal(t, 340*time.Millisecond, snap.P95Duration)
	require.EqualValues(t, 310, snap.IterationsCompleted)
}

// TestPerfStageChanged tracks only the active stage metadata, not the list.
func TestPerfStageChanged(t *testing.T) {
	t.Parallel()

	p, clock := newPerfForTest(t)
	p.Apply(perfStarted("r1", clock.Now()))
	p.Apply(events.Event{
		Channel: events.ChanPerfStageChanged,
		RunID:   "r1",
		TS:      clock.Now(),
		Payload: events.StageChanged{StageIndex: 2, TargetVUs: 80, DurationSecs: 60},
	})

	snap := p.Snapshot()
	require.NotNil(t, snap.CurrentStage)
	require.Equal(t, run.StageInfo{Index: 2, TargetVUs: 80, DurationSecs: 60}, *snap.CurrentStage)
}

// TestPerfRecentRequestsBounded inserts more outcomes than the configured
// capacity and asserts only the most recent remain, oldest first.
func TestPerfRecentRequestsBounded(t *testing.T) {
	t.Parallel()

	clock := newManualClock(time.Now())
	p := NewPerf(clock, nil, WithRecentCapacity(3), WithPerfTickInterval(time.Hour))
	t.Cleanup(p.Close)

	p.Apply(perfStarted("r1", clock.Now()))
	for i := 0; i < 5; i++ {
		p.Apply(perfRequest("r1", run.RequestOutcome{StatusCode: 200 + i}))
	}

	snap := p.Snapshot()
	require.Len(t, snap.RecentRequests, 3)
	require.Equal(t, 202, snap.RecentRequests[0].StatusCode)
	require.Equal(t, 204, snap.RecentRequests[2].StatusCode)
}

// TestPerfCompletedKeepsLiveNumbers verifies the terminal record is surfaced
// separately from the last progress numbers.
func TestPerfCompletedKeepsLiveNumbers(t *testing.T) {
	t.Parallel()

	p, clock := newPerfForTest(t)
	p.Apply(perfStarted("r1", clock.Now()))
	p.Apply(perfProgress("r1", events.PerfProgress{TotalRequests: 400, RPS: 55}))

	finished := clock.Now().Add(time.Minute)
	rec := run.Run{
		ID:         "r1",
		ConfigID:   "cfg-1",
		Kind:       run.KindPerf,
		Status:     run.StatusPassed,
		StartedAt:  clock.Now(),
		FinishedAt: &finished,
		Stats:      run.Stats{TotalRequests: 400, RPS: 55},
	}
	p.Apply(perfCompleted("r1", rec))

	snap := p.Snapshot()
	require.False(t, snap.IsRunning)
	require.EqualValues(t, 400, snap.TotalRequests, "live numbers survive completion")
	require.NotNil(t, snap.FinalRun)
	require.Equal(t, rec, *snap.FinalRun)
}

// TestPerfElapsedFreezesOnCompletion asserts ticker ticks after the terminal
// event leave elapsed time untouched.
func TestPerfElapsedFreezesOnCompletion(t *testing.T) {
	t.Parallel()

	p, clock := newPerfForTest(t)
	p.Apply(perfStarted("r1", clock.Now()))
	p.Apply(perfProgress("r1", events.PerfProgress{ElapsedSecs: 9}))
	p.Apply(perfCompleted("r1", run.Run{ID: "r1", Status: run.StatusPassed}))

	frozen := p.Snapshot().ElapsedSecs
	p.advanceElapsed(time.Hour)
	require.InDelta(t, frozen, p.Snapshot().ElapsedSecs, 1e-9)
}

// TestPerfTickerOnlyRaisesElapsed asserts the ticker advances elapsed between
// progress events but never lowers an engine-supplied value.
func TestPerfTickerOnlyRaisesElapsed(t *testing.T) {
	t.Parallel()

	p, clock := newPerfForTest(t)
	p.Apply(perfStarted("r1", clock.Now()))
	p.Apply(perfProgress("r1", events.PerfProgress{ElapsedSecs: 30}))

	p.advanceElapsed(10 * time.Second)
	require.InDelta(t, 30, p.Snapshot().ElapsedSecs, 1e-9, "ticker must not regress elapsed")

	p.advanceElapsed(45 * time.Second)
	require.InDelta(t, 45, p.Snapshot().ElapsedSecs, 1e-9)
}

// TestPerfRunWithoutCompletionStaysRunning pins the intentional absence of a
// timeout: a run that never completes remains running indefinitely.
func TestPerfRunWithoutCompletionStaysRunning(t *testing.T) {
	t.Parallel()

	p, clock := newPerfForTest(t)
	p.Apply(perfStarted("r1", clock.Now()))

	p.advanceElapsed(24 * time.Hour)
	snap := p.Snapshot()
	require.True(t, snap.IsRunning)
	require.InDelta(t, (24 * time.Hour).Seconds(), snap.ElapsedSecs, 1e-9)
	require.Nil(t, snap.FinalRun)
}

// TestPerfReset clears everything and rejects trailing events.
func TestPerfReset(t *testing.T) {
	t.Parallel()

	p, clock := newPerfForTest(t)
	p.Apply(perfStarted("r1", clock.Now()))
	p.Apply(perfRequest("r1", run.RequestOutcome{StatusCode: 200}))

	p.Reset()
	require.Equal(t, PerfSnapshot{RecentRequests: []run.RequestOutcome{}}, p.Snapshot())

	p.Apply(perfProgress("r1", events.PerfProgress{TotalRequests: 5}))
	require.Zero(t, p.Snapshot().TotalRequests)
}
