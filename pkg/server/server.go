// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/ryandielhenn/replscale/internal/telemetry"
	"github.com/ryandielhenn/replscale/pkg/scaler"
)

type Scaler interface {
	ScaleUp(ctx context.Context, n int) (scaler.Result, error)
	ScaleDown(ctx context.Context, n int, allowDisaster bool) (scaler.Result, error)
	Snapshot(ctx context.Context) (scaler.Snapshot, error)
}

type Server struct {
	sc  Scaler
	log *zap.Logger
}

func New(sc Scaler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{sc: sc, log: log.Named("http")}
}

// Routes mounts every endpoint, instrumented under its op label.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.Healthz)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	mux.Handle("GET /status", telemetry.Instrument("status", http.HandlerFunc(s.Status)))
	mux.Handle("POST /scale/up", telemetry.Instrument("scale_up", http.HandlerFunc(s.ScaleUp)))
	mux.Handle("POST /scale/down", telemetry.Instrument("scale_down", http.HandlerFunc(s.ScaleDown)))
	return mux
}
