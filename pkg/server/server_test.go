package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/replscale/pkg/membership"
	"github.com/ryandielhenn/replscale/pkg/provision"
	"github.com/ryandielhenn/replscale/pkg/scaler"
)

type fakeScaler struct {
	upRes          scaler.Result
	upErr, downErr error
	gotN           int
	gotAllow       bool
}

func (f *fakeScaler) ScaleUp(_ context.Context, n int) (scaler.Result, error) {
	f.gotN = n
	if f.upErr != nil {
		return f.upRes, f.upErr
	}
	return scaler.Result{Direction: "up", Nodes: []provision.Node{{ID: "i-1", PrivateAddress: "10.0.1.1"}}, DatabaseVersion: 4}, nil
}

func (f *fakeScaler) ScaleDown(_ context.Context, n int, allow bool) (scaler.Result, error) {
	f.gotN, f.gotAllow = n, allow
	return scaler.Result{Direction: "down"}, f.downErr
}

func (f *fakeScaler) Snapshot(context.Context) (scaler.Snapshot, error) {
	var s scaler.Snapshot
	s.Database.Config = membership.ReplicaSetConfig{Version: 9, Members: []membership.Member{{ID: 0, Host: "10.0.0.1:27017"}}}
	return s, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := do(t, New(&fakeScaler{}, nil).Routes(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestScaleUp(t *testing.T) {
	sc := &fakeScaler{}
	rec := do(t, New(sc, nil).Routes(), http.MethodPost, "/scale/up", `{"count":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, sc.gotN)

	var res scaler.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "up", res.Direction)
	assert.EqualValues(t, 4, res.DatabaseVersion)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, "10.0.1.1", res.Nodes[0].PrivateAddress)
}

func TestScaleDownPassesOverride(t *testing.T) {
	sc := &fakeScaler{}
	rec := do(t, New(sc, nil).Routes(), http.MethodPost, "/scale/down", `{"count":1,"allow_disaster":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sc.gotN)
	assert.True(t, sc.gotAllow)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: got 0", scaler.ErrInvalidCount), http.StatusBadRequest},
		{fmt.Errorf("%w: 4", scaler.ErrInvalidParity), http.StatusConflict},
		{scaler.ErrDisasterPrevented, http.StatusConflict},
		{&scaler.ProvisioningError{Requested: 2, Err: provision.ErrProvisioningFailure}, http.StatusBadGateway},
		{fmt.Errorf("acquire scale lock: %w", context.DeadlineExceeded), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rec := do(t, New(&fakeScaler{upErr: tt.err}, nil).Routes(), http.MethodPost, "/scale/up", `{"count":1}`)
			assert.Equal(t, tt.want, rec.Code)
			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.err.Error(), body.Error)
		})
	}
}

func TestBadJSON(t *testing.T) {
	rec := do(t, New(&fakeScaler{}, nil).Routes(), http.MethodPost, "/scale/up", `{"count":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	rec := do(t, New(&fakeScaler{}, nil).Routes(), http.MethodGet, "/scale/up", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatus(t *testing.T) {
	rec := do(t, New(&fakeScaler{}, nil).Routes(), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":9`)
	assert.Contains(t, rec.Body.String(), `"host":"10.0.0.1:27017"`)
}

func TestScaleUpFailureReportsRunningNodes(t *testing.T) {
	sc := &fakeScaler{
		upRes: scaler.Result{Direction: "up", Nodes: []provision.Node{{ID: "i-7", PrivateAddress: "10.0.1.7"}}},
		upErr: &scaler.ReconfigurationError{Role: "config", Attempts: 1, Err: fmt.Errorf("InvalidReplicaSetConfig")},
	}
	rec := do(t, New(sc, nil).Routes(), http.MethodPost, "/scale/up", `{"count":2}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Leaked, 1)
	assert.Equal(t, "i-7", body.Leaked[0].ID)
	assert.Equal(t, "10.0.1.7", body.Leaked[0].PrivateAddress)
}

func TestErrorBodyOmitsEmptyLeak(t *testing.T) {
	rec := do(t, New(&fakeScaler{upErr: scaler.ErrInvalidParity}, nil).Routes(), http.MethodPost, "/scale/up", `{"count":2}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NotContains(t, rec.Body.String(), "leaked_nodes")
}
