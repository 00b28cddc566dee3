package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "momentcore",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "momentcore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "momentcore",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	momentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "momentcore",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Moment lifecycle transitions by event and outcome.",
		},
		[]string{"event", "result"},
	)

	escrowResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "momentcore",
			Subsystem: "escrow",
			Name:      "resolutions_total",
			Help:      "Escrow resolutions by outcome.",
		},
		[]string{"outcome"},
	)

	providerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "momentcore",
			Subsystem: "providers",
			Name:      "soft_failures_total",
			Help:      "Side-channel provider calls that failed after retries.",
		},
		[]string{"provider"},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "momentcore",
			Subsystem: "sweeper",
			Name:      "items_total",
			Help:      "Items processed by the timeout sweeper.",
		},
		[]string{"kind", "success"},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "momentcore",
			Subsystem: "sweeper",
			Name:      "run_duration_seconds",
			Help:      "Duration of sweeper runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		momentTransitions,
		escrowResolutions,
		providerFailures,
		sweepRuns,
		sweepDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordTransition counts a lifecycle event attempt.
func RecordTransition(event string, ok bool) {
	result := "rejected"
	if ok {
		result = "applied"
	}
	momentTransitions.WithLabelValues(event, result).Inc()
}

// RecordEscrowResolution counts an escrow moving to a terminal state.
func RecordEscrowResolution(outcome string) {
	escrowResolutions.WithLabelValues(outcome).Inc()
}

// RecordProviderFailure counts a soft failure of a side-channel provider.
func RecordProviderFailure(provider string) {
	if provider == "" {
		provider = "unknown"
	}
	providerFailures.WithLabelValues(provider).Inc()
}

// RecordSweep records one sweeper pass.
func RecordSweep(kind string, processed, failed int, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	sweepRuns.WithLabelValues(kind, "true").Add(float64(processed))
	sweepRuns.WithLabelValues(kind, "false").Add(float64(failed))
	sweepDuration.Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// canonicalPath collapses entity IDs so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		if i == 0 {
			continue
		}
		if isEntitySegment(parts[i-1]) && p != "me" {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func isEntitySegment(s string) bool {
	switch s {
	case "moments", "claims", "proofs", "escrow", "accounts", "unlock":
		return true
	}
	return false
}
