package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/runlens/runlens/internal/events"
)

// LogSink emits structured logs for debugging event streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("channel", string(evt.Channel)),
			zap.String("run_id", evt.RunID),
			zap.Time("ts", evt.TS),
		}
		switch p := evt.Payload.(type) {
		case events.PerfProgress:
			fields = append(fields,
				zap.Float64("elapsed_secs", p.ElapsedSecs),
				zap.Int("vus", p.CurrentVUs),
				zap.Int64("requests", p.TotalRequests),
				zap.Float64("rps", p.RPS),
			)
		case events.StageChanged:
			fields = append(fields,
				zap.Int("stage_index", p.StageIndex),
				zap.Int("target_vus", p.TargetVUs),
			)
		case events.RequestCompleted:
			fields = append(fields,
				zap.Int("status_code", p.Outcome.StatusCode),
				zap.Duration("duration", p.Outcome.Duration),
			)
		case events.StepStarted:
			fields = append(fields, zap.Int("step_index", p.StepIndex))
		case events.StepCompleted:
			fields = append(fields,
				zap.String("step_id", p.StepID),
				zap.String("step_status", p.Result.Status),
				zap.Float64("progress_pct", p.ProgressPercentage),
			)
		case events.RunCompleted:
			fields = append(fields, zap.String("status", string(p.Run.Status)))
		}
		s.logger.Info("run event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
