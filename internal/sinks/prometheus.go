package sinks

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runlens/runlens/internal/events"
	"github.com/runlens/runlens/internal/run"
)

// PrometheusSink exports run progress metrics via Prometheus. It owns all
// collectors for runs started/completed/running, request outcomes, and step
// completions.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	stepsCompleted *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runlens_runs_started_total",
			Help: "Total runs that have started, partitioned by kind.",
		}, []string{"kind"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runlens_runs_completed_total",
			Help: "Total runs completed, partitioned by kind and status.",
		}, []string{"kind", "status"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runlens_runs_running",
			Help: "Current number of running runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runlens_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"kind", "status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runlens_requests_total",
			Help: "Request completions partitioned by status class.",
		}, []string{"status_class"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runlens_request_duration_seconds",
			Help:    "Request duration partitioned by status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"status_class"}),
		stepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runlens_steps_completed_total",
			Help: "Scenario step completions partitioned by status.",
		}, []string{"status"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.requests,
		s.requestDuration,
		s.stepsCompleted,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register run collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Channel {
	case events.ChanPerfStarted:
		s.handleStart(evt.RunID, run.KindPerf)
	case events.ChanScenarioStarted:
		s.handleStart(evt.RunID, run.KindScenario)
	case events.ChanPerfCompleted, events.ChanScenarioCompleted:
		s.handleCompleted(evt)
	case events.ChanPerfRequestCompleted:
		s.handleRequest(evt)
	case events.ChanStepCompleted:
		s.handleStep(evt)
	}
}

func (s *PrometheusSink) handleStart(runID string, kind run.Kind) {
	s.runsStarted.WithLabelValues(string(kind)).Inc()
	if s.tracker.start(runID) {
		s.runsRunning.Inc()
	}
}

func (s *PrometheusSink) handleCompleted(evt events.Event) {
	p, ok := evt.Payload.(events.RunCompleted)
	if !ok {
		return
	}
	kind := string(p.Run.Kind)
	status := string(p.Run.Status)
	s.runsCompleted.WithLabelValues(kind, status).Inc()
	if p.Run.FinishedAt != nil && !p.Run.StartedAt.IsZero() {
		dur := p.Run.FinishedAt.Sub(p.Run.StartedAt)
		if dur > 0 {
			s.runDuration.WithLabelValues(kind, status).Observe(dur.Seconds())
		}
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) handleRequest(evt events.Event) {
	p, ok := evt.Payload.(events.RequestCompleted)
	if !ok {
		return
	}
	s.requests.WithLabelValues(statusClass(p.Outcome)).Inc()
	if p.Outcome.Duration > 0 {
		s.requestDuration.WithLabelValues(statusClass(p.Outcome)).Observe(p.Outcome.Duration.Seconds())
	}
}

func (s *PrometheusSink) handleStep(evt events.Event) {
	p, ok := evt.Payload.(events.StepCompleted)
	if !ok {
		return
	}
	s.stepsCompleted.WithLabelValues(p.Result.Status).Inc()
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func statusClass(o run.RequestOutcome) string {
	if o.Error != "" {
		return "error"
	}
	if o.StatusCode >= 100 && o.StatusCode < 600 {
		return strconv.Itoa(o.StatusCode/100) + "xx"
	}
	return "other"
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
