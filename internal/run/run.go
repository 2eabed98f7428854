// Package run defines the core domain types shared across the aggregation
// layer: run records, stages, request outcomes, step results, and the small
// interfaces (Clock, IDGenerator) that keep time and identity injectable.
package run

import (
	"context"
	"time"
)

// Kind distinguishes the two run flavors tracked by the service.
type Kind string

// Supported run kinds.
const (
	KindPerf     Kind = "perf"
	KindScenario Kind = "scenario"
)

// Status is the lifecycle state of a run.
type Status string

// Run lifecycle states. Terminal states carry the pass/fail outcome so an
// aborted run routes through the same completed channel with StatusFailed.
const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status is a final one.
func (s Status) Terminal() bool {
	return s == StatusPassed || s == StatusFailed
}

// Run is the finalized record of one execution attempt. The live view of an
// in-flight run is a snapshot owned by an aggregator, never this struct.
type Run struct {
	// ID uniquely identifies one execution attempt.
	ID string `json:"id"`
	// ConfigID references the config or scenario definition that was run.
	ConfigID string `json:"config_id"`
	// Kind is perf or scenario.
	Kind Kind `json:"kind"`
	// Status is the lifecycle state; terminal records are passed/failed.
	Status Status `json:"status"`
	// StartedAt is when the engine began executing.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil until the run reaches a terminal state.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// Stats carries the engine-computed summary, passed through verbatim.
	Stats Stats `json:"stats"`
	// Error optionally records the failure reason for failed runs.
	Error string `json:"error,omitempty"`
}

// Stats is the engine-computed summary for a finished run. The aggregation
// layer never recomputes these; the engine is authoritative.
type Stats struct {
	TotalRequests       int64         `json:"total_requests"`
	FailedRequests      int64         `json:"failed_requests"`
	RPS                 float64       `json:"rps"`
	ErrorRate           float64       `json:"error_rate"`
	P95Duration         time.Duration `json:"p95_duration"`
	IterationsCompleted int64         `json:"iterations_completed"`
	StepsPassed         int           `json:"steps_passed"`
	StepsFailed         int           `json:"steps_failed"`
}

// Stage is one time-boxed phase of a performance run.
type Stage struct {
	// TargetVUs is the concurrency level the engine ramps to for this stage.
	TargetVUs int `json:"target_vus"`
	// DurationSecs is how long the stage holds.
	DurationSecs float64 `json:"duration_secs"`
}

// StageInfo identifies the currently active stage inside a snapshot. The full
// stage list belongs to the config, not the snapshot.
type StageInfo struct {
	Index        int     `json:"index"`
	TargetVUs    int     `json:"target_vus"`
	DurationSecs float64 `json:"duration_secs"`
}

// RequestOutcome records one completed request during a performance run.
type RequestOutcome struct {
	// StatusCode is the HTTP status, or 0 when the request errored.
	StatusCode int `json:"status_code"`
	// Error holds the transport error text when StatusCode is 0.
	Error string `json:"error,omitempty"`
	// Duration is the request latency.
	Duration time.Duration `json:"duration"`
	// TS is when the request completed.
	TS time.Time `json:"ts"`
}

// Failed reports whether the outcome counts as a failure.
func (o RequestOutcome) Failed() bool {
	return o.Error != "" || o.StatusCode >= 400 || o.StatusCode == 0
}

// StepResult is the outcome of one scenario step, keyed by step ID in the
// snapshot's result map. Later results for the same key overwrite.
type StepResult struct {
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Config is a stored test definition served by the command backend.
type Config struct {
	ID         string    `json:"id"`
	ScenarioID string    `json:"scenario_id"`
	Name       string    `json:"name"`
	Kind       Kind      `json:"kind"`
	// Stages drives performance runs; ignored for scenario configs.
	Stages []Stage `json:"stages,omitempty"`
	// Steps names the ordered steps of a scenario config.
	Steps     []string  `json:"steps,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clock abstracts time.Now so aggregators and tickers are testable.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints run and config identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Starter launches a run for a config; implemented by the demo engine and
// consumed by the command backend so a failed start surfaces to the caller.
type Starter interface {
	StartRun(ctx context.Context, cfg Config) (Run, error)
}
