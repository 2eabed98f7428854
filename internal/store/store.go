// Package store declares the repository contract for test configs and run
// history. Implementations live in subpackages (memory for development and
// the demo backend, postgres for durable deployments).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/runlens/runlens/internal/run"
)

// ErrNotFound signals that the requested record does not exist. Handlers and
// the command gateway translate it into a not-found failure the caller can
// distinguish from validation or transport errors.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists signals a create with a duplicate identifier.
var ErrAlreadyExists = errors.New("record already exists")

// ConfigUpdate carries the partial fields of an update; nil members leave the
// stored value untouched.
type ConfigUpdate struct {
	Name   *string
	Stages *[]run.Stage
	Steps  *[]string
}

// Repository persists test configs and run records.
type Repository interface {
	// CreateConfig stores a new config or returns ErrAlreadyExists.
	CreateConfig(ctx context.Context, cfg run.Config) error
	// GetConfig loads one config or returns ErrNotFound.
	GetConfig(ctx context.Context, id string) (run.Config, error)
	// ListConfigs returns configs, optionally filtered by scenario ID,
	// newest first.
	ListConfigs(ctx context.Context, scenarioID string, limit, offset int) ([]run.Config, error)
	// UpdateConfig applies the partial update and returns the stored result.
	UpdateConfig(ctx context.Context, id string, upd ConfigUpdate) (run.Config, error)
	// DeleteConfig removes one config or returns ErrNotFound.
	DeleteConfig(ctx context.Context, id string) error

	// UpsertRunStart records a run entering the running state; idempotent.
	UpsertRunStart(ctx context.Context, rec run.Run) error
	// CompleteRun marks the run finished with its terminal status and stats.
	CompleteRun(ctx context.Context, id string, finishedAt time.Time, status run.Status, stats run.Stats, errMsg string) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, id string) (run.Run, error)
	// ListRuns returns a config's runs, newest first.
	ListRuns(ctx context.Context, configID string, limit, offset int) ([]run.Run, error)
}
