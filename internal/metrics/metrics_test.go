package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsRequests(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ok")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	resp, err = http.Get(ts.URL + "/missing")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.Equal(t, 1.0, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")))
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
