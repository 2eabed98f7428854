package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runlens/runlens/internal/aggregator"
	"github.com/runlens/runlens/internal/clock/system"
	"github.com/runlens/runlens/internal/config"
	"github.com/runlens/runlens/internal/events"
	"github.com/runlens/runlens/internal/id/uuid"
	"github.com/runlens/runlens/internal/run"
	"github.com/runlens/runlens/internal/store/memory"
	"github.com/runlens/runlens/internal/watch"
)

type stubStarter struct {
	rec  run.Run
	err  error
	last run.Config
}

func (s *stubStarter) StartRun(_ context.Context, cfg run.Config) (run.Run, error) {
	s.last = cfg
	if s.err != nil {
		return run.Run{}, s.err
	}
	return s.rec, nil
}

type stubAborter struct {
	aborted []string
	ok      bool
}

func (s *stubAborter) Abort(runID string) bool {
	s.aborted = append(s.aborted, runID)
	return s.ok
}

type testEnv struct {
	server  *httptest.Server
	repo    *memory.Store
	starter *stubStarter
	aborter *stubAborter
	bus     *events.Bus
	watcher *watch.Watcher
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	if mutate != nil {
		mutate(&cfg)
	}

	bus := events.NewBus(events.Config{BufferSize: 64})
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	clock := system.New()
	perf := aggregator.NewPerf(clock, zap.NewNop(), aggregator.WithPerfTickInterval(time.Hour))
	scenario := aggregator.NewScenario(clock, zap.NewNop(), aggregator.WithScenarioTickInterval(time.Hour))
	watcher := watch.New(bus, perf, scenario, zap.NewNop())
	t.Cleanup(watcher.Stop)

	env := &testEnv{
		repo:    memory.New(),
		starter: &stubStarter{},
		aborter: &stubAborter{ok: true},
		bus:     bus,
		watcher: watcher,
	}
	srv := NewServer(env.repo, env.starter, env.aborter, watcher, uuid.New(), clock, cfg, zap.NewNop())
	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestConfigCRUD(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp := env.request(t, http.MethodPost, "/v1/configs", configRequest{
		ScenarioID: "scn-1",
		Name:       "checkout load",
		Kind:       run.KindPerf,
		Stages:     []run.Stage{{TargetVUs: 20, DurationSecs: 30}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[run.Config](t, resp)
	require.NotEmpty(t, created.ID)

	resp = env.request(t, http.MethodGet, "/v1/configs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fetched := decodeBody[run.Config](t, resp)
	require.Equal(t, "checkout load", fetched.Name)

	resp = env.request(t, http.MethodGet, "/v1/configs?scenario_id=scn-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decodeBody[[]run.Config](t, resp)
	require.Len(t, listed, 1)

	newName := "checkout soak"
	resp = env.request(t, http.MethodPatch, "/v1/configs/"+created.ID, configUpdateRequest{Name: &newName})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeBody[run.Config](t, resp)
	require.Equal(t, newName, updated.Name)

	resp = env.request(t, http.MethodDelete, "/v1/configs/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodGet, "/v1/configs/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateConfigValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp := env.request(t, http.MethodPost, "/v1/configs", configRequest{
		Name: "broken",
		Kind: run.KindPerf,
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	require.Contains(t, body.Fields, "stages")
}

func TestStartRunRecordsAndReturnsRun(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp := env.request(t, http.MethodPost, "/v1/configs", configRequest{
		Name: "smoke", Kind: run.KindScenario, Steps: []string{"login"},
	})
	cfg := decodeBody[run.Config](t, resp)

	env.starter.rec = run.Run{
		ID: "run-1", ConfigID: cfg.ID, Kind: run.KindScenario,
		Status: run.StatusRunning, StartedAt: time.Now().UTC(),
	}
	resp = env.request(t, http.MethodPost, fmt.Sprintf("/v1/configs/%s/runs", cfg.ID), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	started := decodeBody[run.Run](t, resp)
	require.Equal(t, "run-1", started.ID)
	require.Equal(t, cfg.ID, env.starter.last.ID)

	resp = env.request(t, http.MethodGet, "/v1/runs/run-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := decodeBody[run.Run](t, resp)
	require.Equal(t, run.StatusRunning, rec.Status)

	resp = env.request(t, http.MethodGet, fmt.Sprintf("/v1/configs/%s/runs", cfg.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := decodeBody[[]run.Run](t, resp)
	require.Len(t, runs, 1)
}

func TestStartRunFailureRecordsNothing(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp := env.request(t, http.MethodPost, "/v1/configs", configRequest{
		Name: "smoke", Kind: run.KindScenario, Steps: []string{"login"},
	})
	cfg := decodeBody[run.Config](t, resp)

	env.starter.err = errors.New("engine unavailable")
	resp = env.request(t, http.MethodPost, fmt.Sprintf("/v1/configs/%s/runs", cfg.ID), nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodGet, fmt.Sprintf("/v1/configs/%s/runs", cfg.ID), nil)
	runs := decodeBody[[]run.Run](t, resp)
	require.Empty(t, runs)
}

func TestStartRunUnknownConfig(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp := env.request(t, http.MethodPost, "/v1/configs/missing/runs", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAbortRun(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp := env.request(t, http.MethodPost, "/v1/runs/run-9/abort", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	require.Equal(t, []string{"run-9"}, env.aborter.aborted)

	env.aborter.ok = false
	resp = env.request(t, http.MethodPost, "/v1/runs/run-gone/abort", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestProgressEndpointsServeSnapshots(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	now := time.Now().UTC()
	env.bus.Publish(events.Event{Channel: events.ChanPerfStarted, RunID: "run-1", TS: now})
	env.bus.Publish(events.Event{Channel: events.ChanPerfProgress, RunID: "run-1", TS: now,
		Payload: events.PerfProgress{ElapsedSecs: 5, CurrentVUs: 25, TotalRequests: 400}})

	require.Eventually(t, func() bool {
		resp := env.request(t, http.MethodGet, "/v1/progress/perf", nil)
		snap := decodeBody[aggregator.PerfSnapshot](t, resp)
		return snap.IsRunning && snap.TotalRequests == 400
	}, time.Second, 10*time.Millisecond)

	resp := env.request(t, http.MethodPost, "/v1/progress/perf/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodGet, "/v1/progress/perf", nil)
	snap := decodeBody[aggregator.PerfSnapshot](t, resp)
	require.False(t, snap.IsRunning)
	require.Zero(t, snap.TotalRequests)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "sekrit"
	})

	resp := env.request(t, http.MethodGet, "/v1/configs", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/configs", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sekrit")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, authed.StatusCode)
	authed.Body.Close()
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp := env.request(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}
}
