package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/assent/internal/config"
	"github.com/pitabwire/assent/model"
)

// recordSpans installs a global provider that samples everything into an
// in-memory exporter for the duration of the test.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exp),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exp
}

func onlySpan(t *testing.T, exp *tracetest.InMemoryExporter) tracetest.SpanStub {
	t.Helper()
	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	return spans[0]
}

func attrs(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, kv := range s.Attributes {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{"disabled", config.TracingConfig{}, false},
		{"stdout", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, false},
		{"unknown exporter", config.TracingConfig{Enabled: true, Exporter: "zipkin"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracing(context.Background(), tt.cfg, "assent-test", "dev")
			if tt.wantErr {
				assert.ErrorContains(t, err, "unsupported exporter")
				return
			}
			require.NoError(t, err)
			assert.NoError(t, shutdown(context.Background()))
		})
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "root:TraceIDRatioBased{0.1}"},
		{-3, "root:TraceIDRatioBased{0.1}"},
		{0.5, "root:TraceIDRatioBased{0.5}"},
		{1.0, "root:AlwaysOnSampler"},
		{2.0, "root:AlwaysOnSampler"},
	}
	for _, tt := range tests {
		desc := newSampler(config.TracingConfig{SamplingRate: tt.rate}).Description()
		if !strings.HasPrefix(desc, "ParentBased{") || !strings.Contains(desc, tt.want) {
			t.Errorf("newSampler(%v).Description() = %q, want ParentBased with %q", tt.rate, desc, tt.want)
		}
	}
}

func TestStartSpan_carriesApprovalAttributes(t *testing.T) {
	exp := recordSpans(t)

	ctx, span := StartSpan(context.Background(), "approval.submit_action",
		AttrInstanceID.String("inst-1"),
		AttrStepOrder.Int(2),
		AttrDecision.String("approve"),
	)
	assert.Equal(t, span, trace.SpanFromContext(ctx))
	span.End()

	got := attrs(onlySpan(t, exp))
	assert.Equal(t, "inst-1", got["assent.instance_id"])
	assert.Equal(t, "2", got["assent.step_order"])
	assert.Equal(t, "approve", got["assent.decision"])
}

func TestStartSpan_nestsUnderParent(t *testing.T) {
	exp := recordSpans(t)

	ctx, root := StartSpan(context.Background(), "approval.submit_action")
	_, child := StartSpan(ctx, "approval.dispatch_intents", attribute.Int("intents", 2))
	child.End()
	root.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "approval.dispatch_intents", spans[0].Name)
	assert.Equal(t, spans[1].SpanContext.TraceID(), spans[0].SpanContext.TraceID())
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
}

func TestEndSpanWithError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"nil", nil, ""},
		{"envelope", fmt.Errorf("submit: %w", model.NewStepMismatchError("inst-1", 2, 3)), model.ErrStepMismatch},
		{"plain", errors.New("connection reset"), model.ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := recordSpans(t)
			_, span := StartSpan(context.Background(), "approval.op")
			EndSpanWithError(span, tt.err)

			s := onlySpan(t, exp)
			if tt.err == nil {
				assert.NotEqual(t, codes.Error, s.Status.Code)
				assert.Empty(t, s.Events)
				return
			}
			assert.Equal(t, codes.Error, s.Status.Code)
			assert.Equal(t, tt.err.Error(), s.Status.Description)
			assert.NotEmpty(t, s.Events, "error event")
			assert.Equal(t, tt.wantCode, attrs(s)["assent.error_code"])
		})
	}
}

func TestTraceIDFromContext(t *testing.T) {
	assert.Empty(t, TraceIDFromContext(context.Background()))

	recordSpans(t)
	ctx, span := StartSpan(context.Background(), "approval.get_instance")
	defer span.End()
	assert.Equal(t, span.SpanContext().TraceID().String(), TraceIDFromContext(ctx))
}

func TestTracingMiddleware_responseStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantError bool
	}{
		{http.StatusOK, false},
		{http.StatusServiceUnavailable, true},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			exp := recordSpans(t)
			h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))

			s := onlySpan(t, exp)
			assert.Equal(t, trace.SpanKindServer, s.SpanKind)
			got := attrs(s)
			assert.Equal(t, "GET", got["http.request.method"])
			assert.Equal(t, "/readyz", got["url.path"])
			assert.Equal(t, fmt.Sprint(tt.status), got["http.response.status_code"])
			assert.Equal(t, tt.wantError, s.Status.Code == codes.Error)
		})
	}
}

func TestTracingMiddleware_namesSpanByRoutePattern(t *testing.T) {
	exp := recordSpans(t)

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Get("/instances/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/instances/inst-42", nil))

	s := onlySpan(t, exp)
	assert.Equal(t, "GET /instances/{id}", s.Name)
	assert.Equal(t, "/instances/inst-42", attrs(s)["url.path"])
}

func TestTracingMiddleware_continuesCallerTrace(t *testing.T) {
	exp := recordSpans(t)

	const (
		traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
		spanID  = "00f067aa0ba902b7"
	)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+spanID+"-01")
	rec := httptest.NewRecorder()

	TracingMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rec, req)

	s := onlySpan(t, exp)
	assert.Equal(t, traceID, s.SpanContext.TraceID().String())
	assert.Equal(t, spanID, s.Parent.SpanID().String())
	assert.Contains(t, rec.Header().Get("Traceparent"), traceID)
}

func TestAttributeKeys_namespaced(t *testing.T) {
	for _, k := range []attribute.Key{
		AttrInstanceID, AttrTemplateCode, AttrStepOrder, AttrDecision,
		AttrActorID, AttrEntityKind, AttrEntityID, AttrReplayed, AttrErrorCode,
	} {
		if !strings.HasPrefix(string(k), "assent.") {
			t.Errorf("attribute key %q is not in the assent namespace", k)
		}
	}
}
