package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/runlens/runlens/internal/run"
)

// Channel names an event stream in the engine protocol.
type Channel string

// Channels emitted by the execution engine.
const (
	ChanPerfStarted          Channel = "perf-started"
	ChanPerfProgress         Channel = "perf-progress"
	ChanPerfStageChanged     Channel = "perf-stage-changed"
	ChanPerfRequestCompleted Channel = "perf-request-completed"
	ChanPerfCompleted        Channel = "perf-completed"
	ChanScenarioStarted      Channel = "scenario-started"
	ChanStepStarted          Channel = "step-started"
	ChanStepCompleted        Channel = "step-completed"
	ChanScenarioCompleted    Channel = "scenario-completed"
)

// PerfChannels lists every performance-run channel in protocol order.
func PerfChannels() []Channel {
	return []Channel{
		ChanPerfStarted,
		ChanPerfProgress,
		ChanPerfStageChanged,
		ChanPerfRequestCompleted,
		ChanPerfCompleted,
	}
}

// ScenarioChannels lists every scenario-run channel in protocol order.
func ScenarioChannels() []Channel {
	return []Channel{
		ChanScenarioStarted,
		ChanStepStarted,
		ChanStepCompleted,
		ChanScenarioCompleted,
	}
}

// Event is the envelope delivered on the bus. Every event carries the run it
// belongs to so consumers can reject events from superseded runs.
type Event struct {
	// Channel identifies the payload schema.
	Channel Channel
	// RunID tags the event with its owning execution attempt.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Payload holds the channel-specific struct (e.g. PerfProgress).
	Payload any
}

// PerfProgress carries the engine-computed statistics for a performance run.
// The aggregator stores these verbatim; the engine is authoritative.
type PerfProgress struct {
	ElapsedSecs         float64       `json:"elapsed_secs"`
	CurrentVUs          int           `json:"current_vus"`
	TotalRequests       int64         `json:"total_requests"`
	FailedRequests      int64         `json:"failed_requests"`
	RPS                 float64       `json:"rps"`
	ErrorRate           float64       `json:"error_rate"`
	P95Duration         time.Duration `json:"p95_duration"`
	IterationsCompleted int64         `json:"iterations_completed"`
}

// StageChanged announces the active stage of a performance run.
type StageChanged struct {
	StageIndex   int     `json:"stage_index"`
	TargetVUs    int     `json:"target_vus"`
	DurationSecs float64 `json:"duration_secs"`
}

// RequestCompleted carries one finished request outcome.
type RequestCompleted struct {
	Outcome run.RequestOutcome `json:"outcome"`
}

// RunCompleted carries the finalized run record on the terminal channels.
type RunCompleted struct {
	Run run.Run `json:"run"`
}

// ScenarioStarted announces a new scenario run.
type ScenarioStarted struct {
	ScenarioID string    `json:"scenario_id"`
	TotalSteps int       `json:"total_steps"`
	StartedAt  time.Time `json:"started_at"`
}

// StepStarted marks a scenario step as active.
type StepStarted struct {
	StepIndex int `json:"step_index"`
}

// StepCompleted carries one step outcome plus the engine's own progress
// accounting (stored verbatim to avoid double-rounding drift).
type StepCompleted struct {
	StepID             string         `json:"step_id"`
	Result             run.StepResult `json:"result"`
	ProgressPercentage float64        `json:"progress_percentage"`
}

// Validate performs coarse validation on the envelope. Events failing
// validation are dropped by the bus with a rate-limited warning.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Channel {
	case ChanPerfStarted:
		if e.Payload != nil {
			return errors.New("perf-started carries no payload")
		}
	case ChanPerfProgress:
		p, ok := e.Payload.(PerfProgress)
		if !ok {
			return errors.New("perf-progress requires a PerfProgress payload")
		}
		if p.ElapsedSecs < 0 {
			return errors.New("elapsed seconds must be >= 0")
		}
	case ChanPerfStageChanged:
		p, ok := e.Payload.(StageChanged)
		if !ok {
			return errors.New("perf-stage-changed requires a StageChanged payload")
		}
		if p.StageIndex < 0 {
			return errors.New("stage index must be >= 0")
		}
	case ChanPerfRequestCompleted:
		p, ok := e.Payload.(RequestCompleted)
		if !ok {
			return errors.New("perf-request-completed requires a RequestCompleted payload")
		}
		if p.Outcome.Duration < 0 {
			return errors.New("outcome duration must be >= 0")
		}
	case ChanPerfCompleted, ChanScenarioCompleted:
		p, ok := e.Payload.(RunCompleted)
		if !ok {
			return fmt.Errorf("%s requires a RunCompleted payload", e.Channel)
		}
		if p.Run.ID == "" {
			return errors.New("completed run record requires an id")
		}
	case ChanScenarioStarted:
		p, ok := e.Payload.(ScenarioStarted)
		if !ok {
			return errors.New("scenario-started requires a ScenarioStarted payload")
		}
		if p.ScenarioID == "" {
			return errors.New("scenario id is required")
		}
		if p.TotalSteps < 0 {
			return errors.New("total steps must be >= 0")
		}
	case ChanStepStarted:
		p, ok := e.Payload.(StepStarted)
		if !ok {
			return errors.New("step-started requires a StepStarted payload")
		}
		if p.StepIndex < 0 {
			return errors.New("step index must be >= 0")
		}
	case ChanStepCompleted:
		p, ok := e.Payload.(StepCompleted)
		if !ok {
			return errors.New("step-completed requires a StepCompleted payload")
		}
		if p.StepID == "" {
			return errors.New("step id is required")
		}
	default:
		return fmt.Errorf("unknown channel %q", e.Channel)
	}
	return nil
}
