package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(msg string) HealthChecker {
	return HealthCheckFunc(func(context.Context) error { return errors.New(msg) })
}

var healthy = HealthCheckFunc(func(context.Context) error { return nil })

func loaded(v bool) func() bool { return func() bool { return v } }

func getReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var resp ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func TestHandleHealth(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version, Commit = "0.4.0", "9f1c2ab"
	t.Cleanup(func() { Version, Commit = origVersion, origCommit })

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, HealthResponse{Status: "ok", Version: "0.4.0", Commit: "9f1c2ab"}, resp)
}

func TestHandleReady(t *testing.T) {
	tests := []struct {
		name       string
		checks     ReadinessChecks
		wantStatus int
		wantChecks map[string]string // check name -> error message, "" for ok
	}{
		{
			name:       "definitions only",
			checks:     ReadinessChecks{DefinitionsLoaded: loaded(true)},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"definitions": ""},
		},
		{
			name:       "nothing synced yet",
			checks:     ReadinessChecks{},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"definitions": errNoDefinitions.Error()},
		},
		{
			name: "every dependency healthy",
			checks: ReadinessChecks{
				DefinitionsLoaded: loaded(true),
				WorkflowStore:     healthy,
				RoleCache:         healthy,
				Notifier:          healthy,
			},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"definitions": "", "workflow_store": "", "role_cache": "", "notifier": ""},
		},
		{
			name: "store down",
			checks: ReadinessChecks{
				DefinitionsLoaded: loaded(true),
				WorkflowStore:     failing("connection refused"),
				Notifier:          healthy,
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"definitions": "", "workflow_store": "connection refused", "notifier": ""},
		},
		{
			name: "notifier circuit open",
			checks: ReadinessChecks{
				DefinitionsLoaded: loaded(true),
				Notifier:          failing("dispatch: notifier circuit is open"),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"definitions": "", "notifier": "dispatch: notifier circuit is open"},
		},
		{
			name: "several failures",
			checks: ReadinessChecks{
				DefinitionsLoaded: loaded(false),
				WorkflowStore:     failing("pg down"),
				RoleCache:         failing("redis timeout"),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{
				"definitions":    errNoDefinitions.Error(),
				"workflow_store": "pg down",
				"role_cache":     "redis timeout",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := getReady(t, tt.checks)
			assert.Equal(t, tt.wantStatus, code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "ready", resp.Status)
			} else {
				assert.Equal(t, "not_ready", resp.Status)
			}

			require.Len(t, resp.Checks, len(tt.wantChecks))
			for name, wantErr := range tt.wantChecks {
				got, ok := resp.Checks[name]
				require.True(t, ok, "missing check %q", name)
				assert.GreaterOrEqual(t, got.LatencyMs, int64(0))
				if wantErr == "" {
					assert.Equal(t, "ok", got.Status, name)
					assert.Empty(t, got.Error, name)
					continue
				}
				assert.Equal(t, "error", got.Status, name)
				assert.Equal(t, wantErr, got.Error, name)
			}
		})
	}
}

func TestHandleReady_runsChecksConcurrently(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	blocking := HealthCheckFunc(func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	handler := HandleReady(ReadinessChecks{
		DefinitionsLoaded: loaded(true),
		WorkflowStore:     blocking,
		RoleCache:         blocking,
	})
	done := make(chan int)
	go func() {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		done <- rec.Code
	}()

	for range 2 {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("both checks should be in flight at once")
		}
	}
	close(release)
	assert.Equal(t, http.StatusOK, <-done)
}
