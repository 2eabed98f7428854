package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/runlens/runlens/internal/run"
	"github.com/runlens/runlens/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	repoTimeout      = 3 * time.Second
)

type configRequest struct {
	ScenarioID string      `json:"scenario_id"`
	Name       string      `json:"name"`
	Kind       run.Kind    `json:"kind"`
	Stages     []run.Stage `json:"stages,omitempty"`
	Steps      []string    `json:"steps,omitempty"`
}

type configUpdateRequest struct {
	Name   *string      `json:"name,omitempty"`
	Stages *[]run.Stage `json:"stages,omitempty"`
	Steps  *[]string    `json:"steps,omitempty"`
}

func (s *Server) listConfigs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()

	configs, err := s.repo.ListConfigs(ctx, strings.TrimSpace(r.URL.Query().Get("scenario_id")), limit, offset)
	if err != nil {
		s.logger.Error("list configs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list configs")
		return
	}
	writeJSON(w, http.StatusOK, configs)
}

func (s *Server) createConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if fields := validateConfigRequest(req); len(fields) > 0 {
		writeValidationError(w, "invalid config", fields)
		return
	}

	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Error("mint config id failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create config")
		return
	}
	now := s.clock.Now()
	cfg := run.Config{
		ID:         id,
		ScenarioID: req.ScenarioID,
		Name:       req.Name,
		Kind:       req.Kind,
		Stages:     req.Stages,
		Steps:      req.Steps,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()
	if err := s.repo.CreateConfig(ctx, cfg); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "config already exists")
			return
		}
		s.logger.Error("create config failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create config")
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()

	cfg, err := s.repo.GetConfig(ctx, chi.URLParam(r, "config_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "config not found")
			return
		}
		s.logger.Error("get config failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load config")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req configUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == nil && req.Stages == nil && req.Steps == nil {
		writeValidationError(w, "no fields to update", nil)
		return
	}
	if req.Stages != nil {
		if fields := validateStages(*req.Stages); len(fields) > 0 {
			writeValidationError(w, "invalid stages", fields)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()
	cfg, err := s.repo.UpdateConfig(ctx, chi.URLParam(r, "config_id"), store.ConfigUpdate{
		Name:   req.Name,
		Stages: req.Stages,
		Steps:  req.Steps,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "config not found")
			return
		}
		s.logger.Error("update config failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update config")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) deleteConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()

	if err := s.repo.DeleteConfig(ctx, chi.URLParam(r, "config_id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "config not found")
			return
		}
		s.logger.Error("delete config failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete config")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()

	configID := chi.URLParam(r, "config_id")
	if _, err := s.repo.GetConfig(ctx, configID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "config not found")
			return
		}
		s.logger.Error("load config failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	runs, err := s.repo.ListRuns(ctx, configID, limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// startRun loads the config and hands it to the engine. On failure nothing is
// recorded: the caller's view of running state only changes on success.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	if s.starter == nil {
		writeError(w, http.StatusServiceUnavailable, "no execution engine configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()

	cfg, err := s.repo.GetConfig(ctx, chi.URLParam(r, "config_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "config not found")
			return
		}
		s.logger.Error("load config failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	rec, err := s.starter.StartRun(r.Context(), cfg)
	if err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	if err := s.repo.UpsertRunStart(ctx, rec); err != nil {
		s.logger.Error("record run start failed", zap.Error(err), zap.String("run_id", rec.ID))
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()

	rec, err := s.repo.GetRun(ctx, chi.URLParam(r, "run_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) abortRun(w http.ResponseWriter, r *http.Request) {
	if s.aborter == nil {
		writeError(w, http.StatusServiceUnavailable, "no execution engine configured")
		return
	}
	runID := chi.URLParam(r, "run_id")
	if !s.aborter.Abort(runID) {
		writeError(w, http.StatusNotFound, "run not found or already finished")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "aborting"})
}

func (s *Server) perfProgress(w http.ResponseWriter, _ *http.Request) {
	if s.watcher == nil {
		writeError(w, http.StatusServiceUnavailable, "progress watcher unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.watcher.PerfSnapshot())
}

func (s *Server) scenarioProgress(w http.ResponseWriter, _ *http.Request) {
	if s.watcher == nil {
		writeError(w, http.StatusServiceUnavailable, "progress watcher unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.watcher.ScenarioSnapshot())
}

func (s *Server) resetPerf(w http.ResponseWriter, _ *http.Request) {
	if s.watcher == nil {
		writeError(w, http.StatusServiceUnavailable, "progress watcher unavailable")
		return
	}
	s.watcher.ResetPerf()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) resetScenario(w http.ResponseWriter, _ *http.Request) {
	if s.watcher == nil {
		writeError(w, http.StatusServiceUnavailable, "progress watcher unavailable")
		return
	}
	s.watcher.ResetScenario()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func validateConfigRequest(req configRequest) map[string]string {
	fields := map[string]string{}
	if strings.TrimSpace(req.Name) == "" {
		fields["name"] = "name is required"
	}
	switch req.Kind {
	case run.KindPerf:
		if len(req.Stages) == 0 {
			fields["stages"] = "at least one stage is required"
		} else {
			for k, v := range validateStages(req.Stages) {
				fields[k] = v
			}
		}
	case run.KindScenario:
		if len(req.Steps) == 0 {
			fields["steps"] = "at least one step is required"
		}
	default:
		fields["kind"] = "kind must be perf or scenario"
	}
	return fields
}

func validateStages(stages []run.Stage) map[string]string {
	fields := map[string]string{}
	for i, st := range stages {
		if st.TargetVUs <= 0 {
			fields["stages["+strconv.Itoa(i)+"].target_vus"] = "must be > 0"
		}
		if st.DurationSecs <= 0 {
			fields["stages["+strconv.Itoa(i)+"].duration_secs"] = "must be > 0"
		}
	}
	return fields
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encode errors after WriteHeader can only be logged by the caller's
	// middleware; the status line is already gone.
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeValidationError(w http.ResponseWriter, msg string, fields map[string]string) {
	writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: msg, Fields: fields})
}
