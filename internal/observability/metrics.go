package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	opDurationBuckets   = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Instance metrics
	InstancesCreatedTotal     *prometheus.CounterVec
	TransitionsTotal          *prometheus.CounterVec
	TransitionRejectionsTotal *prometheus.CounterVec
	TransitionDuration        *prometheus.HistogramVec
	InstancesClosedTotal      *prometheus.CounterVec
	LockWaitDuration          prometheus.Histogram

	// SLA metrics
	SLAOverdueInstances *prometheus.GaugeVec
	SLABreachesTotal    *prometheus.CounterVec
	SLAScanDuration     prometheus.Histogram

	// Role cache metrics
	RoleCacheHitsTotal   prometheus.Counter
	RoleCacheMissesTotal prometheus.Counter

	// Definition metrics
	DefinitionLifecycleTotal *prometheus.CounterVec
	DefinitionsLoaded        *prometheus.GaugeVec
	ValidationFailuresTotal  *prometheus.CounterVec

	// Event metrics
	EventsPublishedTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maintflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maintflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maintflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Instances
		InstancesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintflow_instances_created_total",
			Help: "Total number of workflow instances created.",
		}, []string{"definition_id"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintflow_transitions_total",
			Help: "Total number of applied transitions.",
		}, []string{"definition_id", "transition_id"}),
		TransitionRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintflow_transition_rejections_total",
			Help: "Total number of rejected transition attempts by reason.",
		}, []string{"definition_id", "code"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maintflow_transition_duration_seconds",
			Help:    "Time to load, apply and persist a transition.",
			Buckets: opDurationBuckets,
		}, []string{"definition_id"}),
		InstancesClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintflow_instances_closed_total",
			Help: "Total number of instances that reached a closed status.",
		}, []string{"definition_id", "final_status"}),
		LockWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "maintflow_instance_lock_wait_seconds",
			Help:    "Time spent waiting for an instance lock.",
			Buckets: opDurationBuckets,
		}),

		// SLA
		SLAOverdueInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maintflow_sla_overdue_instances",
			Help: "Number of open instances past their state's SLA at the last scan.",
		}, []string{"tenant_id"}),
		SLABreachesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintflow_sla_breaches_total",
			Help: "Total number of newly detected SLA breaches.",
		}, []string{"definition_id", "state_id"}),
		SLAScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "maintflow_sla_scan_duration_seconds",
			Help:    "SLA scan duration in seconds.",
			Buckets: opDurationBuckets,
		}),

		// Roles
		RoleCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maintflow_role_cache_hits_total",
			Help: "Total role directory cache hits.",
		}),
		RoleCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maintflow_role_cache_misses_total",
			Help: "Total role directory cache misses.",
		}),

		// Definitions
		DefinitionLifecycleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintflow_definition_lifecycle_total",
			Help: "Total definition lifecycle operations.",
		}, []string{"action", "status"}),
		DefinitionsLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maintflow_definitions_loaded",
			Help: "Number of definitions held by the registry.",
		}, []string{"status"}),
		ValidationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintflow_definition_violations_total",
			Help: "Total structural violations reported by the validator.",
		}, []string{"code"}),

		// Events
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintflow_events_published_total",
			Help: "Total domain events handed to the publisher.",
		}, []string{"event_type", "status"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Instances
		m.InstancesCreatedTotal,
		m.TransitionsTotal,
		m.TransitionRejectionsTotal,
		m.TransitionDuration,
		m.InstancesClosedTotal,
		m.LockWaitDuration,
		// SLA
		m.SLAOverdueInstances,
		m.SLABreachesTotal,
		m.SLAScanDuration,
		// Roles
		m.RoleCacheHitsTotal,
		m.RoleCacheMissesTotal,
		// Definitions
		m.DefinitionLifecycleTotal,
		m.DefinitionsLoaded,
		m.ValidationFailuresTotal,
		// Events
		m.EventsPublishedTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordInstanceCreated records a new instance.
func (m *Metrics) RecordInstanceCreated(definitionID string) {
	if m == nil {
		return
	}
	m.InstancesCreatedTotal.WithLabelValues(definitionID).Inc()
}

// RecordTransition records an applied transition and, when it closed the
// instance, the closing status.
func (m *Metrics) RecordTransition(definitionID, transitionID, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(definitionID, transitionID).Inc()
	m.TransitionDuration.WithLabelValues(definitionID).Observe(duration.Seconds())
	if status == "COMPLETED" {
		m.InstancesClosedTotal.WithLabelValues(definitionID, status).Inc()
	}
}

// RecordTransitionRejected records a refused transition attempt.
func (m *Metrics) RecordTransitionRejected(definitionID, code string) {
	if m == nil {
		return
	}
	m.TransitionRejectionsTotal.WithLabelValues(definitionID, code).Inc()
}

// RecordInstanceCancelled records an administrative cancellation.
func (m *Metrics) RecordInstanceCancelled(definitionID string) {
	if m == nil {
		return
	}
	m.InstancesClosedTotal.WithLabelValues(definitionID, "CANCELLED").Inc()
}

// RecordLockWait records time spent acquiring an instance lock.
func (m *Metrics) RecordLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitDuration.Observe(d.Seconds())
}

// SetSLAOverdue replaces the overdue gauge with the counts from one scan.
// Tenants absent from counts are reset to zero.
func (m *Metrics) SetSLAOverdue(counts map[string]int) {
	if m == nil {
		return
	}
	m.SLAOverdueInstances.Reset()
	for tenantID, n := range counts {
		m.SLAOverdueInstances.WithLabelValues(tenantID).Set(float64(n))
	}
}

// RecordSLABreach records a newly detected breach.
func (m *Metrics) RecordSLABreach(definitionID, stateID string) {
	if m == nil {
		return
	}
	m.SLABreachesTotal.WithLabelValues(definitionID, stateID).Inc()
}

// RecordSLAScan records the duration of an SLA scan.
func (m *Metrics) RecordSLAScan(d time.Duration) {
	if m == nil {
		return
	}
	m.SLAScanDuration.Observe(d.Seconds())
}

// RecordRoleCacheHit records a role cache hit.
func (m *Metrics) RecordRoleCacheHit() {
	if m == nil {
		return
	}
	m.RoleCacheHitsTotal.Inc()
}

// RecordRoleCacheMiss records a role cache miss.
func (m *Metrics) RecordRoleCacheMiss() {
	if m == nil {
		return
	}
	m.RoleCacheMissesTotal.Inc()
}

// RecordDefinitionLifecycle records a definition operation (create, update,
// activate, archive, seed) and its outcome.
func (m *Metrics) RecordDefinitionLifecycle(action, status string) {
	if m == nil {
		return
	}
	m.DefinitionLifecycleTotal.WithLabelValues(action, status).Inc()
}

// SetDefinitionsLoaded sets the number of definitions per lifecycle status.
func (m *Metrics) SetDefinitionsLoaded(byStatus map[string]int) {
	if m == nil {
		return
	}
	for status, n := range byStatus {
		m.DefinitionsLoaded.WithLabelValues(status).Set(float64(n))
	}
}

// RecordViolations counts structural violations by code.
func (m *Metrics) RecordViolations(codes []string) {
	if m == nil {
		return
	}
	for _, c := range codes {
		m.ValidationFailuresTotal.WithLabelValues(c).Inc()
	}
}

// RecordEventPublished records a publish attempt.
func (m *Metrics) RecordEventPublished(eventType string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.EventsPublishedTotal.WithLabelValues(eventType, status).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
