package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/runlens/runlens/internal/run"
	"github.com/runlens/runlens/internal/store"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithPool(mock), mock
}

func TestCreateConfigInsertsRow(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	now := time.Now().UTC()
	cfg := run.Config{
		ID:         "cfg-1",
		ScenarioID: "scn-1",
		Name:       "checkout load",
		Kind:       run.KindPerf,
		Stages:     []run.Stage{{TargetVUs: 50, DurationSecs: 60}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	stages, _ := json.Marshal(cfg.Stages)
	steps, _ := json.Marshal(cfg.Steps)

	mock.ExpectExec("INSERT INTO test_configs").
		WithArgs(cfg.ID, cfg.ScenarioID, cfg.Name, "perf", stages, steps, now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CreateConfig(context.Background(), cfg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateConfigDuplicate(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO test_configs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.CreateConfig(context.Background(), run.Config{ID: "cfg-1", Kind: run.KindPerf})
	require.ErrorIs(t, err, store.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetConfigNotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, scenario_id, name, kind").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "scenario_id", "name", "kind", "stages", "steps", "created_at", "updated_at",
		}))

	_, err := s.GetConfig(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunRoundTrip(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	started := time.Date(2025, 10, 3, 12, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	stats, _ := json.Marshal(run.Stats{TotalRequests: 1200, FailedRequests: 12, RPS: 13.3})
	errMsg := "threshold breached"

	mock.ExpectQuery("SELECT id, config_id, kind, status").
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "config_id", "kind", "status", "started_at", "finished_at", "stats", "error_message",
		}).AddRow("run-1", "cfg-1", "perf", "failed", started, &finished, stats, &errMsg))

	rec, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, rec.Status)
	require.Equal(t, int64(1200), rec.Stats.TotalRequests)
	require.Equal(t, "threshold breached", rec.Error)
	require.NotNil(t, rec.FinishedAt)
	require.Equal(t, finished, *rec.FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRunNotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE test_runs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteRun(context.Background(), "missing", time.Now().UTC(), run.StatusPassed, run.Stats{}, "")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunsScansRows(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	started := time.Now().UTC()
	mock.ExpectQuery("SELECT id, config_id, kind, status").
		WithArgs("cfg-1", 50, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "config_id", "kind", "status", "started_at", "finished_at", "stats", "error_message",
		}).
			AddRow("run-2", "cfg-1", "perf", "running", started, (*time.Time)(nil), []byte(nil), (*string)(nil)).
			AddRow("run-1", "cfg-1", "perf", "passed", started.Add(-time.Hour), &started, []byte(`{}`), (*string)(nil)))

	runs, err := s.ListRuns(context.Background(), "cfg-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run-2", runs[0].ID)
	require.Equal(t, run.StatusRunning, runs[0].Status)
	require.Nil(t, runs[0].FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
