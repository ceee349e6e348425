package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ryandielhenn/replscale/pkg/provision"
	"github.com/ryandielhenn/replscale/pkg/scaler"
)

type scaleRequest struct {
	Count         int  `json:"count"`
	AllowDisaster bool `json:"allow_disaster"`
}

type errorResponse struct {
	Error string `json:"error"`
	// Nodes created before the failure that are still running.
	Leaked []provision.Node `json:"leaked_nodes,omitempty"`
}

// Healthz returns 200 OK to indicate the process is alive.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Status writes both replica sets' configuration and status.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sc.Snapshot(r.Context())
	if err != nil {
		s.fail(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) ScaleUp(w http.ResponseWriter, r *http.Request) {
	req, ok := decode(w, r)
	if !ok {
		return
	}
	res, err := s.sc.ScaleUp(r.Context(), req.Count)
	if err != nil {
		s.fail(w, "scale up", err, res.Nodes...)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) ScaleDown(w http.ResponseWriter, r *http.Request) {
	req, ok := decode(w, r)
	if !ok {
		return
	}
	res, err := s.sc.ScaleDown(r.Context(), req.Count, req.AllowDisaster)
	if err != nil {
		s.fail(w, "scale down", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decode(w http.ResponseWriter, r *http.Request) (scaleRequest, bool) {
	var req scaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return req, false
	}
	return req, true
}

// fail maps orchestrator errors onto status codes: rejected requests are
// 400/409, cancellation 503, anything from the cluster or provider 502.
func (s *Server) fail(w http.ResponseWriter, op string, err error, leaked ...provision.Node) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, scaler.ErrInvalidCount):
		code = http.StatusBadRequest
	case scaler.IsValidation(err):
		code = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	if len(leaked) > 0 {
		s.log.Error(op+" left nodes running", zap.Strings("ids", nodeIDs(leaked)))
	}
	if code >= 500 {
		s.log.Error(op+" failed", zap.Int("status", code), zap.Error(err))
	} else {
		s.log.Info(op+" rejected", zap.Int("status", code), zap.Error(err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), Leaked: leaked})
}

func nodeIDs(nodes []provision.Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
