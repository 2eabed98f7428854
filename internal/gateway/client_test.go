package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runlens/runlens/internal/run"
)

func TestStartRunReturnsRecord(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/configs/cfg-1/runs", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("X-API-Key"))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(run.Run{ID: "run-1", ConfigID: "cfg-1", Kind: run.KindPerf, Status: run.StatusRunning})
	}))
	defer srv.Close()

	c := New(srv.URL, zap.NewNop(), WithAPIKey("secret"))
	rec, err := c.StartRun(context.Background(), run.Config{ID: "cfg-1", Kind: run.KindPerf})
	require.NoError(t, err)
	require.Equal(t, "run-1", rec.ID)
	require.Equal(t, run.StatusRunning, rec.Status)
}

func TestStartRunNotFound(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"config not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, zap.NewNop())
	rec, err := c.StartRun(context.Background(), run.Config{ID: "missing"})
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, rec)
}

func TestCreateConfigValidationError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(errorBody{
			Error:  "invalid config",
			Fields: map[string]string{"stages": "at least one stage is required"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, zap.NewNop())
	_, err := c.CreateConfig(context.Background(), run.Config{ID: "cfg-1", Kind: run.KindPerf})

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "invalid config", vErr.Message)
	require.Contains(t, vErr.Fields, "stages")
}

func TestTransportErrorOnServerFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, zap.NewNop())
	_, err := c.ListConfigs(context.Background(), "", 0, 0)

	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	require.Equal(t, http.StatusBadGateway, tErr.StatusCode)
}

func TestTransportErrorOnUnreachableBackend(t *testing.T) {
	t.Parallel()
	c := New("http://127.0.0.1:1", zap.NewNop(), WithHTTPClient(&http.Client{Timeout: time.Second}))
	_, err := c.ListRuns(context.Background(), "cfg-1", 10, 0)

	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	require.False(t, errors.Is(err, ErrNotFound))
}

func TestNilLoggerDefaultsToNop(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.ListConfigs(context.Background(), "", 0, 0)

	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
}

func TestDeleteConfigSendsQueryAndSucceeds(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, zap.NewNop())
	require.NoError(t, c.DeleteConfig(context.Background(), "cfg-1"))
}
