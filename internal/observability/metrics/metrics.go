package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devicegate"

// Recorder owns a private Prometheus registry holding the request, admission,
// rate limit, upstream and lock table series. Each Recorder is independent so
// tests can assert on counters without touching global state.
type Recorder struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	admissions       *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	upstreamRequests *prometheus.CounterVec
	upstreamDuration prometheus.Histogram
	locksSwept       prometheus.Counter
	activeLocks      prometheus.Gauge
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed, by method, route and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Single-device admission decisions by route class and outcome.",
		}, []string{"route", "decision"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limiter, by scope.",
		}, []string{"scope"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Calls to the generative AI upstream by outcome.",
		}, []string{"outcome"}),
		upstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of calls to the generative AI upstream.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		locksSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_locks_swept_total",
			Help:      "Expired address locks removed by the background sweep.",
		}),
		activeLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_locks_active",
			Help:      "Address locks held after the most recent sweep.",
		}),
	}
	r.registry.MustRegister(
		r.requests,
		r.requestDuration,
		r.admissions,
		r.rateLimited,
		r.upstreamRequests,
		r.upstreamDuration,
		r.locksSwept,
		r.activeLocks,
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Passing nil is a no-op.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying registry, e.g. for registering Go runtime collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest counts a completed request and records its latency.
func (r *Recorder) ObserveRequest(method, route string, status int, duration time.Duration) {
	m := strings.ToUpper(strings.TrimSpace(method))
	rt := normalizeName(route)
	r.requests.WithLabelValues(m, rt, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(m, rt).Observe(duration.Seconds())
}

// ObserveAdmission records an admission outcome ("allow", "deny" or "error").
func (r *Recorder) ObserveAdmission(route, decision string) {
	r.admissions.WithLabelValues(normalizeName(route), normalizeName(decision)).Inc()
}

// ObserveRateLimited records a rejection by the named limiter scope.
func (r *Recorder) ObserveRateLimited(scope string) {
	r.rateLimited.WithLabelValues(normalizeName(scope)).Inc()
}

// ObserveUpstream records an upstream call outcome ("ok", "status", "timeout", "error").
func (r *Recorder) ObserveUpstream(outcome string, duration time.Duration) {
	r.upstreamRequests.WithLabelValues(normalizeName(outcome)).Inc()
	r.upstreamDuration.Observe(duration.Seconds())
}

// ObserveSweep records a completed lock sweep. A negative remaining count
// means the backend cannot report its size and leaves the gauge untouched.
func (r *Recorder) ObserveSweep(removed, remaining int) {
	if removed > 0 {
		r.locksSwept.Add(float64(removed))
	}
	if remaining >= 0 {
		r.activeLocks.Set(float64(remaining))
	}
}

// Handler exposes the Recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
