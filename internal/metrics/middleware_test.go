package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/v1/jobs/{jobType}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Delete("/v1/jobs/{jobType}/{jobId}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	accepted := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "202"))
	conflicts := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("DELETE", "409"))
	series := testutil.CollectAndCount(httpRequestDurationSeconds)

	for _, jobType := range []string{"crawl_site", "other"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobType, nil))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/jobs/crawl_site/job-1", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	require.Equal(t, accepted+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "202")))
	require.Equal(t, conflicts+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("DELETE", "409")))
	// Both job types share one route series.
	require.Equal(t, series+2, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestMiddlewareWithoutRouter(t *testing.T) {
	Init()
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("PATCH", "418"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/anything", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("PATCH", "418")))
}
