package roles

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/assent/model"
)

// countingResolver counts lookups that reach it.
type countingResolver struct {
	next  model.RoleResolver
	calls atomic.Int32
}

func (c *countingResolver) ResolveRole(ctx context.Context, actor string) (string, error) {
	c.calls.Add(1)
	return c.next.ResolveRole(ctx, actor)
}

// --- StaticDirectory ---

func TestStaticDirectory_ResolveRole(t *testing.T) {
	d, err := NewStaticDirectory("testdata/actors.yaml")
	if err != nil {
		t.Fatalf("NewStaticDirectory() error = %v", err)
	}

	role, err := d.ResolveRole(context.Background(), "sup-1")
	if err != nil {
		t.Fatalf("ResolveRole() error = %v", err)
	}
	if role != "supervisor" {
		t.Errorf("role = %q, want supervisor", role)
	}
	if d.Len() != 5 {
		t.Errorf("Len() = %d, want 5", d.Len())
	}

	_, err = d.ResolveRole(context.Background(), "nobody")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("ResolveRole(unknown) error = %v, want NOT_FOUND", err)
	}
}

func TestStaticDirectory_errors(t *testing.T) {
	if _, err := NewStaticDirectory("testdata/missing.yaml"); err == nil {
		t.Error("missing file should return error")
	}
	if _, err := NewStaticDirectory("testdata/invalid.yaml"); err == nil {
		t.Error("invalid YAML should return error")
	}
}

func TestStaticDirectory_Sync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actors.yaml")
	if err := os.WriteFile(path, []byte("actors:\n  alice: supervisor\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	d, err := NewStaticDirectory(path)
	if err != nil {
		t.Fatalf("NewStaticDirectory() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("actors:\n  alice: manager\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := d.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if role, _ := d.ResolveRole(context.Background(), "alice"); role != "manager" {
		t.Errorf("role after Sync = %q, want manager", role)
	}
}

// --- CachedResolver ---

func TestCachedResolver(t *testing.T) {
	backend := &countingResolver{next: NewDirectory(map[string]string{"alice": "supervisor"})}
	r := NewCachedResolver(backend, time.Minute)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	for range 3 {
		role, err := r.ResolveRole(ctx, "alice")
		if err != nil || role != "supervisor" {
			t.Fatalf("ResolveRole() = %q, %v", role, err)
		}
	}
	if backend.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", backend.calls.Load())
	}

	now = now.Add(2 * time.Minute)
	r.ResolveRole(ctx, "alice") //nolint:errcheck
	if backend.calls.Load() != 2 {
		t.Errorf("backend calls after expiry = %d, want 2", backend.calls.Load())
	}

	r.Invalidate("alice")
	r.ResolveRole(ctx, "alice") //nolint:errcheck
	if backend.calls.Load() != 3 {
		t.Errorf("backend calls after Invalidate = %d, want 3", backend.calls.Load())
	}

	// Misses are not cached.
	for range 2 {
		if _, err := r.ResolveRole(ctx, "bob"); !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("ResolveRole(bob) error = %v, want NOT_FOUND", err)
		}
	}
	if backend.calls.Load() != 5 {
		t.Errorf("backend calls = %d, want 5", backend.calls.Load())
	}
}

// --- RedisCachedResolver ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	return mr, client
}

func TestRedisCachedResolver(t *testing.T) {
	mr, client := newTestRedis(t)
	backend := &countingResolver{next: NewDirectory(map[string]string{"alice": "manager"})}
	r := NewRedisCachedResolver(client, backend, time.Minute, "")
	ctx := context.Background()

	role, err := r.ResolveRole(ctx, "alice")
	if err != nil || role != "manager" {
		t.Fatalf("ResolveRole() = %q, %v", role, err)
	}
	if got, _ := mr.Get("assent:role:alice"); got != "manager" {
		t.Errorf("redis value = %q, want manager", got)
	}
	if ttl := mr.TTL("assent:role:alice"); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}

	r.ResolveRole(ctx, "alice") //nolint:errcheck
	if backend.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1 (served from redis)", backend.calls.Load())
	}

	mr.FastForward(2 * time.Minute)
	r.ResolveRole(ctx, "alice") //nolint:errcheck
	if backend.calls.Load() != 2 {
		t.Errorf("backend calls after TTL = %d, want 2", backend.calls.Load())
	}

	if err := r.Invalidate(ctx, "alice"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if mr.Exists("assent:role:alice") {
		t.Error("key should be deleted")
	}

	if _, err := r.ResolveRole(ctx, "bob"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("ResolveRole(bob) error = %v, want NOT_FOUND", err)
	}
	if mr.Exists("assent:role:bob") {
		t.Error("misses should not be cached")
	}

	if err := r.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestRedisCachedResolver_redis_down(t *testing.T) {
	mr, client := newTestRedis(t)
	r := NewRedisCachedResolver(client, NewDirectory(map[string]string{"alice": "manager"}), time.Minute, "roles:")
	mr.Close()

	if _, err := r.ResolveRole(context.Background(), "alice"); err == nil {
		t.Error("ResolveRole() with redis down should return error")
	}
}

// readOnlyRedis refuses writes like a replica would.
type readOnlyRedis struct {
	*redis.Client
}

func (readOnlyRedis) Set(context.Context, string, any, time.Duration) *redis.StatusCmd {
	return redis.NewStatusResult("", errors.New("READONLY You can't write against a read only replica."))
}

func TestRedisCachedResolver_failedWriteStillResolves(t *testing.T) {
	mr, client := newTestRedis(t)
	core, logs := observer.New(zap.WarnLevel)
	r := NewRedisCachedResolver(readOnlyRedis{client}, NewDirectory(map[string]string{"alice": "manager"}), time.Minute, "").
		WithLogger(zap.New(core))

	role, err := r.ResolveRole(context.Background(), "alice")
	if err != nil || role != "manager" {
		t.Fatalf("ResolveRole() = %q, %v, want manager", role, err)
	}
	if mr.Exists("assent:role:alice") {
		t.Error("nothing should be cached when the write fails")
	}
	if n := logs.FilterMessage("role cache write failed").Len(); n != 1 {
		t.Errorf("write failure logs = %d, want 1", n)
	}
}
