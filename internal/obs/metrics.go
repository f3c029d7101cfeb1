package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	phaseDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sif_phase_dispatch_total",
			Help: "Phase operations dispatched to phase actions.",
		},
		[]string{"service", "operation", "result"},
	)

	jobTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sif_job_timeouts_total",
			Help: "Expired jobs handled by the timeout sweep.",
		},
		[]string{"service", "result"},
	)

	authVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sif_auth_verifications_total",
			Help: "Authorization header verifications by scheme and outcome.",
		},
		[]string{"scheme", "result"},
	)

	schedulerServices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sif_scheduler_services",
		Help: "Functional services currently registered with the scheduler.",
	})
)

// Init registers all collectors with the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			phaseDispatchTotal, jobTimeoutsTotal, authVerificationsTotal, schedulerServices,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records in-flight, count and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses ids and phase names so label cardinality stays bounded.
// Service names are kept: they come from the registered set.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "api" && parts[1] == "environments" && parts[2] != "environment":
		return "/api/environments/:id"
	case len(parts) >= 4 && parts[0] == "api" && parts[1] == "services":
		out := []string{"", "api", "services", parts[2], ":id"}
		switch {
		case len(parts) == 4:
		case len(parts) == 5:
			out = append(out, ":phase")
		case len(parts) == 7 && parts[5] == "states" && parts[6] == "state":
			out = append(out, ":phase", "states", "state")
		default:
			return path
		}
		return strings.Join(out, "/")
	}
	return path
}

// ObservePhaseDispatch counts one phase operation outcome.
func ObservePhaseDispatch(service, operation, result string) {
	phaseDispatchTotal.WithLabelValues(service, operation, result).Inc()
}

// ObserveJobTimeout counts one expired job outcome ("deleted" or "failed").
func ObserveJobTimeout(service, result string) {
	jobTimeoutsTotal.WithLabelValues(service, result).Inc()
}

// ObserveAuthVerification counts one Authorization header check.
func ObserveAuthVerification(scheme, result string) {
	authVerificationsTotal.WithLabelValues(scheme, result).Inc()
}

// SetSchedulerServices sets the number of registered functional services.
func SetSchedulerServices(n int) {
	schedulerServices.Set(float64(n))
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
