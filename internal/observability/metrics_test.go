package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"assent_http_requests_total",
		"assent_http_request_duration_seconds",
		"assent_instances_created_total",
		"assent_actions_total",
		"assent_action_rejections_total",
		"assent_completions_total",
		"assent_active_instances",
		"assent_lock_retries_total",
		"assent_transition_duration_seconds",
		"assent_dispatch_failures_total",
		"assent_definition_sync_total",
		"assent_templates_loaded",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/healthz", 200, time.Millisecond)
	m.RecordInstanceCreated("PRICE_APPROVAL")
	m.RecordAction("PRICE_APPROVAL", "approve")
	m.RecordRejection("STEP_MISMATCH")
	m.RecordCompletion("PRICE_APPROVAL", "approved")
	m.RecordLockRetry()
	m.RecordTransitionDuration("submit_action", time.Millisecond)
	m.RecordDispatchFailure("notify_actor")
	m.RecordDefinitionSync("success")
	m.SetTemplatesLoaded(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordInstanceLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordInstanceCreated("DOC_APPROVAL")
	active := testutil.ToFloat64(m.ActiveInstances.WithLabelValues("DOC_APPROVAL"))
	if active != 1 {
		t.Errorf("active instances = %v, want 1", active)
	}

	m.RecordAction("DOC_APPROVAL", "approve")
	m.RecordAction("DOC_APPROVAL", "approve")
	actions := testutil.ToFloat64(m.ActionsTotal.WithLabelValues("DOC_APPROVAL", "approve"))
	if actions != 2 {
		t.Errorf("actions = %v, want 2", actions)
	}

	m.RecordCompletion("DOC_APPROVAL", "approved")
	active = testutil.ToFloat64(m.ActiveInstances.WithLabelValues("DOC_APPROVAL"))
	if active != 0 {
		t.Errorf("active instances after completion = %v, want 0", active)
	}
	completions := testutil.ToFloat64(m.CompletionsTotal.WithLabelValues("DOC_APPROVAL", "approved"))
	if completions != 1 {
		t.Errorf("completions = %v, want 1", completions)
	}
}

func TestRecordRejection(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRejection("ROLE_MISMATCH")
	m.RecordRejection("ROLE_MISMATCH")
	m.RecordRejection("TERMINAL_STATE")

	if v := testutil.ToFloat64(m.ActionRejectionsTotal.WithLabelValues("ROLE_MISMATCH")); v != 2 {
		t.Errorf("ROLE_MISMATCH = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.ActionRejectionsTotal.WithLabelValues("TERMINAL_STATE")); v != 1 {
		t.Errorf("TERMINAL_STATE = %v, want 1", v)
	}
}

func TestRecordLockRetry(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordLockRetry()
	m.RecordLockRetry()
	if v := testutil.ToFloat64(m.LockRetriesTotal); v != 2 {
		t.Errorf("lock retries = %v, want 2", v)
	}
}

func TestRecordTransitionDuration(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTransitionDuration("create_instance", 20*time.Millisecond)

	if count := testutil.CollectAndCount(m.TransitionDuration); count == 0 {
		t.Error("expected transition duration histogram to have observations")
	}
}

func TestRecordDispatchFailure(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordDispatchFailure("target_status_changed")
	if v := testutil.ToFloat64(m.DispatchFailuresTotal.WithLabelValues("target_status_changed")); v != 1 {
		t.Errorf("dispatch failures = %v, want 1", v)
	}
}

func TestRecordDefinitionSync(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordDefinitionSync("success")
	m.RecordDefinitionSync("failure")
	m.SetTemplatesLoaded(4)

	if v := testutil.ToFloat64(m.DefinitionSyncTotal.WithLabelValues("success")); v != 1 {
		t.Errorf("sync success = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.DefinitionSyncTotal.WithLabelValues("failure")); v != 1 {
		t.Errorf("sync failure = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.TemplatesLoaded); v != 4 {
		t.Errorf("templates loaded = %v, want 4", v)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/instances/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/instances/{id}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/readyz", "503"))
	if val != 1 {
		t.Errorf("503 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Use middleware directly without chi router.
	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/raw/path", nil))

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	handler := Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	// Prometheus handler should return at least go runtime metrics.
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHandlerFor_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordLockRetry()

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "assent_lock_retries_total 1") {
		t.Errorf("body should contain the lock retry counter, got:\n%s", rec.Body.String())
	}
}

func TestHistogramBuckets(t *testing.T) {
	for _, buckets := range [][]float64{httpDurationBuckets, transitionDurationBuckets} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("buckets not sorted at index %d: %v", i, buckets)
			}
		}
	}
}
