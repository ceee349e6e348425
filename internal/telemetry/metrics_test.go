package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveScale(t *testing.T) {
	ok := testutil.ToFloat64(ScaleOperations.WithLabelValues("up", "ok"))
	failed := testutil.ToFloat64(ScaleOperations.WithLabelValues("up", "error"))

	ObserveScale("up", time.Now(), nil)
	ObserveScale("up", time.Now(), errors.New("boom"))
	ObserveScale("up", time.Now(), errors.New("boom"))

	assert.Equal(t, ok+1, testutil.ToFloat64(ScaleOperations.WithLabelValues("up", "ok")))
	assert.Equal(t, failed+2, testutil.ToFloat64(ScaleOperations.WithLabelValues("up", "error")))
}

func TestInstrumentRecordsStatusClass(t *testing.T) {
	h := Instrument("probe", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("probe", "4xx"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(RequestsTotal.WithLabelValues("probe", "4xx")))
	assert.Zero(t, testutil.ToFloat64(InFlight.WithLabelValues("probe")))
}

func TestMetricsHandlerExposesNamespace(t *testing.T) {
	SetBuildInfo("v0.0.0-test", "abc123")
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `replscale_build_info{git_sha="abc123",version="v0.0.0-test"} 1`))
	assert.Contains(t, body, "replscale_uptime_seconds")
}
