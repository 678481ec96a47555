package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/assent/model"
)

// OpsDependencies holds what the operations router needs.
type OpsDependencies struct {
	Logger   *zap.Logger
	Metrics  *Metrics
	Gatherer prometheus.Gatherer
	Checks   ReadinessChecks
	// MetricsPath defaults to /metrics.
	MetricsPath string
}

// NewOpsRouter creates the chi router serving /healthz, /readyz and the
// metrics endpoint.
func NewOpsRouter(deps OpsDependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(CorrelationID)
	r.Use(TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(RequestLogging(logger))

	r.Get("/healthz", HandleHealth())
	r.Get("/readyz", HandleReady(deps.Checks))

	path := deps.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	if deps.Gatherer != nil {
		r.Handle(path, HandlerFor(deps.Gatherer))
	} else {
		r.Handle(path, Handler())
	}

	return r
}

// Recovery catches panics in downstream handlers, logs them, and returns a
// 500 response.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
					)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CorrelationID reads X-Correlation-Id from the request or generates one,
// stores it in a model.RequestContext and echoes it in the response.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", id)

		ctx := model.WithRequestContext(r.Context(), &model.RequestContext{
			CorrelationID: id,
			IPAddress:     r.RemoteAddr,
			TraceID:       TraceIDFromContext(r.Context()),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestLogging logs each request at debug level with method, path, status
// and duration.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := newStatusRecorder(w)
			next.ServeHTTP(sw, r)
			RequestLogger(r.Context(), logger).Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully
// within shutdownTimeout.
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
