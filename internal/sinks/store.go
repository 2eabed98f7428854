package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/runlens/runlens/internal/events"
	"github.com/runlens/runlens/internal/run"
	"github.com/runlens/runlens/internal/store"
)

// StoreSink persists run lifecycle transitions via a store.Repository so run
// history survives restarts. Progress and request events are intentionally
// not persisted; only start and completion touch the database.
type StoreSink struct {
	repo   store.Repository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.Repository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards lifecycle events to the repository. It respects ctx
// deadlines and returns repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		switch evt.Channel {
		case events.ChanPerfStarted:
			if err := s.recordStart(ctx, evt, run.KindPerf); err != nil {
				return err
			}
		case events.ChanScenarioStarted:
			if err := s.recordStart(ctx, evt, run.KindScenario); err != nil {
				return err
			}
		case events.ChanPerfCompleted, events.ChanScenarioCompleted:
			if err := s.recordCompletion(ctx, evt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *StoreSink) recordStart(ctx context.Context, evt events.Event, kind run.Kind) error {
	rec := run.Run{
		ID:        evt.RunID,
		Kind:      kind,
		Status:    run.StatusRunning,
		StartedAt: evt.TS,
	}
	if p, ok := evt.Payload.(events.ScenarioStarted); ok && !p.StartedAt.IsZero() {
		rec.StartedAt = p.StartedAt
	}
	if err := s.repo.UpsertRunStart(ctx, rec); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

func (s *StoreSink) recordCompletion(ctx context.Context, evt events.Event) error {
	p, ok := evt.Payload.(events.RunCompleted)
	if !ok {
		return nil
	}
	finishedAt := evt.TS
	if p.Run.FinishedAt != nil {
		finishedAt = *p.Run.FinishedAt
	}
	err := s.repo.CompleteRun(ctx, evt.RunID, finishedAt, p.Run.Status, p.Run.Stats, p.Run.Error)
	if err != nil {
		// A completion for a run the store never saw is not fatal; the stream
		// may have started mid-run.
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("completion for unknown run", zap.String("run_id", evt.RunID))
			return nil
		}
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
