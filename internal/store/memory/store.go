// Package memory provides an in-memory repository for development, tests,
// and the bundled demo backend.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/runlens/runlens/internal/run"
	"github.com/runlens/runlens/internal/store"
)

// Store implements store.Repository with maps guarded by one mutex.
type Store struct {
	mu      sync.RWMutex
	configs map[string]run.Config
	runs    map[string]run.Run
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		configs: make(map[string]run.Config),
		runs:    make(map[string]run.Run),
	}
}

// CreateConfig stores a new config.
func (s *Store) CreateConfig(_ context.Context, cfg run.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.configs[cfg.ID]; exists {
		return store.ErrAlreadyExists
	}
	s.configs[cfg.ID] = cloneConfig(cfg)
	return nil
}

// GetConfig loads one config.
func (s *Store) GetConfig(_ context.Context, id string) (run.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[id]
	if !ok {
		return run.Config{}, store.ErrNotFound
	}
	return cloneConfig(cfg), nil
}

// ListConfigs returns configs newest first, optionally scoped to a scenario.
func (s *Store) ListConfigs(_ context.Context, scenarioID string, limit, offset int) ([]run.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]run.Config, 0, len(s.configs))
	for _, cfg := range s.configs {
		if scenarioID != "" && cfg.ScenarioID != scenarioID {
			continue
		}
		out = append(out, cloneConfig(cfg))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, limit, offset), nil
}

// UpdateConfig applies the partial update.
func (s *Store) UpdateConfig(_ context.Context, id string, upd store.ConfigUpdate) (run.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return run.Config{}, store.ErrNotFound
	}
	if upd.Name != nil {
		cfg.Name = *upd.Name
	}
	if upd.Stages != nil {
		cfg.Stages = append([]run.Stage(nil), (*upd.Stages)...)
	}
	if upd.Steps != nil {
		cfg.Steps = append([]string(nil), (*upd.Steps)...)
	}
	cfg.UpdatedAt = time.Now().UTC()
	s.configs[id] = cfg
	return cloneConfig(cfg), nil
}

// DeleteConfig removes one config.
func (s *Store) DeleteConfig(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.configs, id)
	return nil
}

// UpsertRunStart records a run entering the running state.
func (s *Store) UpsertRunStart(_ context.Context, rec run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[rec.ID]; ok {
		if existing.Status.Terminal() {
			// A terminal record never reverts to running.
			return nil
		}
		// Duplicate starts keep identity fields the first writer knew.
		if rec.ConfigID == "" {
			rec.ConfigID = existing.ConfigID
		}
		if rec.Kind == "" {
			rec.Kind = existing.Kind
		}
	}
	rec.Status = run.StatusRunning
	rec.FinishedAt = nil
	s.runs[rec.ID] = rec
	return nil
}

// CompleteRun marks the run finished.
func (s *Store) CompleteRun(_ context.Context, id string, finishedAt time.Time, status run.Status, stats run.Stats, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = status
	rec.FinishedAt = &finishedAt
	rec.Stats = stats
	rec.Error = errMsg
	s.runs[id] = rec
	return nil
}

// GetRun loads a single run.
func (s *Store) GetRun(_ context.Context, id string) (run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[id]
	if !ok {
		return run.Run{}, store.ErrNotFound
	}
	return rec, nil
}

// ListRuns returns a config's runs, newest first.
func (s *Store) ListRuns(_ context.Context, configID string, limit, offset int) ([]run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]run.Run, 0, 8)
	for _, rec := range s.runs {
		if configID != "" && rec.ConfigID != configID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return page(out, limit, offset), nil
}

func cloneConfig(cfg run.Config) run.Config {
	cp := cfg
	cp.Stages = append([]run.Stage(nil), cfg.Stages...)
	cp.Steps = append([]string(nil), cfg.Steps...)
	return cp
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
