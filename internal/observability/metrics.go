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
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	transitionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Metrics holds all Prometheus metric instruments for the approval service.
type Metrics struct {
	// Ops HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflow metrics
	InstancesCreatedTotal *prometheus.CounterVec
	ActionsTotal          *prometheus.CounterVec
	ActionRejectionsTotal *prometheus.CounterVec
	CompletionsTotal      *prometheus.CounterVec
	ActiveInstances       *prometheus.GaugeVec
	LockRetriesTotal      prometheus.Counter
	TransitionDuration    *prometheus.HistogramVec

	// Side effects
	DispatchFailuresTotal *prometheus.CounterVec

	// Definitions
	DefinitionSyncTotal *prometheus.CounterVec
	TemplatesLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assent_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assent_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		InstancesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assent_instances_created_total",
			Help: "Total number of workflow instances created.",
		}, []string{"template_code"}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assent_actions_total",
			Help: "Total number of recorded approval actions.",
		}, []string{"template_code", "decision"}),
		ActionRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assent_action_rejections_total",
			Help: "Total number of refused operations by error code.",
		}, []string{"code"}),
		CompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assent_completions_total",
			Help: "Total number of instances reaching a terminal status.",
		}, []string{"template_code", "final_status"}),
		ActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "assent_active_instances",
			Help: "Number of non-terminal instances seen by this process.",
		}, []string{"template_code"}),
		LockRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assent_lock_retries_total",
			Help: "Total number of optimistic lock conflicts retried.",
		}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assent_transition_duration_seconds",
			Help:    "Duration of engine operations in seconds.",
			Buckets: transitionDurationBuckets,
		}, []string{"operation"}),

		DispatchFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assent_dispatch_failures_total",
			Help: "Total number of intents that could not be delivered.",
		}, []string{"intent_kind"}),

		DefinitionSyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assent_definition_sync_total",
			Help: "Total template definition syncs.",
		}, []string{"status"}),
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assent_templates_loaded",
			Help: "Number of templates found in the definition directories.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.InstancesCreatedTotal,
		m.ActionsTotal,
		m.ActionRejectionsTotal,
		m.CompletionsTotal,
		m.ActiveInstances,
		m.LockRetriesTotal,
		m.TransitionDuration,
		m.DispatchFailuresTotal,
		m.DefinitionSyncTotal,
		m.TemplatesLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordInstanceCreated records a new instance.
func (m *Metrics) RecordInstanceCreated(templateCode string) {
	m.InstancesCreatedTotal.WithLabelValues(templateCode).Inc()
	m.ActiveInstances.WithLabelValues(templateCode).Inc()
}

// RecordAction records an action appended to the ledger.
func (m *Metrics) RecordAction(templateCode, decision string) {
	m.ActionsTotal.WithLabelValues(templateCode, decision).Inc()
}

// RecordRejection records an operation refused with the given error code.
func (m *Metrics) RecordRejection(code string) {
	m.ActionRejectionsTotal.WithLabelValues(code).Inc()
}

// RecordCompletion records an instance reaching a terminal status.
func (m *Metrics) RecordCompletion(templateCode, finalStatus string) {
	m.CompletionsTotal.WithLabelValues(templateCode, finalStatus).Inc()
	m.ActiveInstances.WithLabelValues(templateCode).Dec()
}

// RecordLockRetry records an optimistic lock conflict that was retried.
func (m *Metrics) RecordLockRetry() {
	m.LockRetriesTotal.Inc()
}

// RecordTransitionDuration records how long an engine operation took.
func (m *Metrics) RecordTransitionDuration(operation string, duration time.Duration) {
	m.TransitionDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDispatchFailure records an intent that could not be delivered.
func (m *Metrics) RecordDispatchFailure(intentKind string) {
	m.DispatchFailuresTotal.WithLabelValues(intentKind).Inc()
}

// RecordDefinitionSync records a definition sync.
func (m *Metrics) RecordDefinitionSync(status string) {
	m.DefinitionSyncTotal.WithLabelValues(status).Inc()
}

// SetTemplatesLoaded sets the number of templates found on disk.
func (m *Metrics) SetTemplatesLoaded(count float64) {
	m.TemplatesLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &newStatusRecorder(w)

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a Prometheus HTTP handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
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

// statusRecorder wraps http.ResponseWriter to capture the status. Shared by
// the metrics, tracing and request logging middleware.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
