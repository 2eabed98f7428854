// Package postgres provides the Postgres-backed repository implementation.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runlens/runlens/internal/run"
	"github.com/runlens/runlens/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements store.Repository using Postgres. Expected schema:
//
//	CREATE TABLE test_configs (
//	    id UUID PRIMARY KEY,
//	    scenario_id TEXT NOT NULL,
//	    name TEXT NOT NULL,
//	    kind TEXT NOT NULL,
//	    stages JSONB,
//	    steps JSONB,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE test_runs (
//	    id UUID PRIMARY KEY,
//	    config_id UUID NOT NULL,
//	    kind TEXT NOT NULL,
//	    status TEXT NOT NULL,
//	    started_at TIMESTAMPTZ NOT NULL,
//	    finished_at TIMESTAMPTZ,
//	    stats JSONB,
//	    error_message TEXT
//	);
type Store struct {
	pool querier
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wires an externally constructed pool; used by tests.
func NewWithPool(pool querier) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateConfig stores a new config row.
func (s *Store) CreateConfig(ctx context.Context, cfg run.Config) error {
	stages, steps, err := marshalDefinition(cfg)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO test_configs (id, scenario_id, name, kind, stages, steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING;
	`
	tag, err := s.pool.Exec(ctx, query,
		cfg.ID, cfg.ScenarioID, cfg.Name, string(cfg.Kind), stages, steps, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

// GetConfig loads one config row.
func (s *Store) GetConfig(ctx context.Context, id string) (run.Config, error) {
	query := `
		SELECT id, scenario_id, name, kind, stages, steps, created_at, updated_at
		FROM test_configs WHERE id = $1;
	`
	return scanConfig(s.pool.QueryRow(ctx, query, id))
}

// ListConfigs returns configs newest first, optionally scoped to a scenario.
func (s *Store) ListConfigs(ctx context.Context, scenarioID string, limit, offset int) ([]run.Config, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, scenario_id, name, kind, stages, steps, created_at, updated_at
		FROM test_configs
		WHERE ($1 = '' OR scenario_id = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, scenarioID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer rows.Close()
	out := []run.Config{}
	for rows.Next() {
		cfg, scanErr := scanConfig(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate configs: %w", err)
	}
	return out, nil
}

// UpdateConfig applies the partial update and returns the stored row.
func (s *Store) UpdateConfig(ctx context.Context, id string, upd store.ConfigUpdate) (run.Config, error) {
	var stages, steps []byte
	var err error
	if upd.Stages != nil {
		stages, err = json.Marshal(*upd.Stages)
		if err != nil {
			return run.Config{}, fmt.Errorf("marshal stages: %w", err)
		}
	}
	if upd.Steps != nil {
		steps, err = json.Marshal(*upd.Steps)
		if err != nil {
			return run.Config{}, fmt.Errorf("marshal steps: %w", err)
		}
	}
	query := `
		UPDATE test_configs
		SET name = COALESCE($2, name),
		    stages = COALESCE($3, stages),
		    steps = COALESCE($4, steps),
		    updated_at = $5
		WHERE id = $1
		RETURNING id, scenario_id, name, kind, stages, steps, created_at, updated_at;
	`
	return scanConfig(s.pool.QueryRow(ctx, query, id, upd.Name, stages, steps, time.Now().UTC()))
}

// DeleteConfig removes one config row.
func (s *Store) DeleteConfig(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM test_configs WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpsertRunStart records a run entering the running state. A terminal row is
// never reverted by a late duplicate start.
func (s *Store) UpsertRunStart(ctx context.Context, rec run.Run) error {
	query := `
		INSERT INTO test_runs (id, config_id, kind, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, started_at = EXCLUDED.started_at
		WHERE test_runs.status = 'running';
	`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.ConfigID, string(rec.Kind), string(run.StatusRunning), rec.StartedAt)
	if err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks the run finished with its terminal status and stats.
func (s *Store) CompleteRun(ctx context.Context, id string, finishedAt time.Time, status run.Status, stats run.Stats, errMsg string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	query := `
		UPDATE test_runs
		SET finished_at = $2, status = $3, stats = $4, error_message = NULLIF($5, '')
		WHERE id = $1;
	`
	tag, err := s.pool.Exec(ctx, query, id, finishedAt, string(status), statsJSON, errMsg)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetRun loads a single run row.
func (s *Store) GetRun(ctx context.Context, id string) (run.Run, error) {
	query := `
		SELECT id, config_id, kind, status, started_at, finished_at, stats, error_message
		FROM test_runs WHERE id = $1;
	`
	return scanRun(s.pool.QueryRow(ctx, query, id))
}

// ListRuns returns a config's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, configID string, limit, offset int) ([]run.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, config_id, kind, status, started_at, finished_at, stats, error_message
		FROM test_runs
		WHERE ($1 = '' OR config_id = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, configID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	out := []run.Run{}
	for rows.Next() {
		rec, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func marshalDefinition(cfg run.Config) (stages, steps []byte, err error) {
	stages, err = json.Marshal(cfg.Stages)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal stages: %w", err)
	}
	steps, err = json.Marshal(cfg.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal steps: %w", err)
	}
	return stages, steps, nil
}

func scanConfig(row pgx.Row) (run.Config, error) {
	var cfg run.Config
	var kind string
	var stages, steps []byte
	err := row.Scan(&cfg.ID, &cfg.ScenarioID, &cfg.Name, &kind, &stages, &steps, &cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return run.Config{}, store.ErrNotFound
	}
	if err != nil {
		return run.Config{}, fmt.Errorf("scan config: %w", err)
	}
	cfg.Kind = run.Kind(kind)
	if len(stages) > 0 {
		if err := json.Unmarshal(stages, &cfg.Stages); err != nil {
			return run.Config{}, fmt.Errorf("unmarshal stages: %w", err)
		}
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &cfg.Steps); err != nil {
			return run.Config{}, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	return cfg, nil
}

func scanRun(row pgx.Row) (run.Run, error) {
	var rec run.Run
	var kind, status string
	var stats []byte
	var errMsg *string
	err := row.Scan(&rec.ID, &rec.ConfigID, &kind, &status, &rec.StartedAt, &rec.FinishedAt, &stats, &errMsg)
	if errors.Is(err, pgx.ErrNoRows) {
		return run.Run{}, store.ErrNotFound
	}
	if err != nil {
		return run.Run{}, fmt.Errorf("scan run: %w", err)
	}
	rec.Kind = run.Kind(kind)
	rec.Status = run.Status(status)
	if errMsg != nil {
		rec.Error = *errMsg
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &rec.Stats); err != nil {
			return run.Run{}, fmt.Errorf("unmarshal stats: %w", err)
		}
	}
	return rec, nil
}
