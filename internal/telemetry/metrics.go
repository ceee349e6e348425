package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	ScaleOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replscale",
			Name:      "scale_operations_total",
			Help:      "Scale operations by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)

	ScaleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "replscale",
			Name:      "scale_duration_seconds",
			Help:      "Wall time of scale operations.",
			// Provisioning dominates; 0.5s .. ~17min.
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"direction"},
	)

	NodesProvisioned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "replscale",
		Name:      "nodes_provisioned_total",
		Help:      "Nodes created through the provisioning gateway.",
	})

	NodesTerminated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "replscale",
		Name:      "nodes_terminated_total",
		Help:      "Nodes terminated through the provisioning gateway.",
	})

	ReconfigureAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replscale",
			Name:      "reconfigure_attempts_total",
			Help:      "replSetReconfig submissions by replica set role and outcome.",
		},
		[]string{"role", "outcome"},
	)

	BeaconArrivals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replscale",
			Name:      "beacon_arrivals_total",
			Help:      "Presence beacons received, split by whether a node was expected.",
		},
		[]string{"tracked"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replscale",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "replscale",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "replscale",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "replscale",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "replscale",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		ScaleOperations, ScaleDuration, NodesProvisioned, NodesTerminated,
		ReconfigureAttempts, BeaconArrivals,
		RequestsTotal, RequestDuration, InFlight, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ObserveScale records one finished scale operation.
func ObserveScale(direction string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ScaleOperations.WithLabelValues(direction, outcome).Inc()
	ScaleDuration.WithLabelValues(direction).Observe(time.Since(start).Seconds())
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
