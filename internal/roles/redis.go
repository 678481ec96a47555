package roles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/assent/model"
)

const defaultKeyPrefix = "assent:role:"

// RedisCachedResolver shares resolved roles between processes through Redis
// keys with a TTL. Lookup failures are not cached.
type RedisCachedResolver struct {
	client redis.Cmdable
	next   model.RoleResolver
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

var _ model.RoleResolver = (*RedisCachedResolver)(nil)

// NewRedisCachedResolver creates a Redis-backed cache in front of next. An
// empty prefix selects "assent:role:".
func NewRedisCachedResolver(client redis.Cmdable, next model.RoleResolver, ttl time.Duration, prefix string) *RedisCachedResolver {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisCachedResolver{client: client, next: next, ttl: ttl, prefix: prefix, logger: zap.NewNop()}
}

// WithLogger sets the logger that reports failed cache writes.
func (r *RedisCachedResolver) WithLogger(logger *zap.Logger) *RedisCachedResolver {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// ResolveRole reads the role from Redis, falling back to the wrapped
// resolver on a miss. A failed cache write is logged and the resolved role
// is still returned.
func (r *RedisCachedResolver) ResolveRole(ctx context.Context, actor string) (string, error) {
	key := r.prefix + actor

	role, err := r.client.Get(ctx, key).Result()
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("roles: redis get %s: %w", key, err)
	}

	role, err = r.next.ResolveRole(ctx, actor)
	if err != nil {
		return "", err
	}

	if err := r.client.Set(ctx, key, role, r.ttl).Err(); err != nil {
		r.logger.Warn("role cache write failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
	return role, nil
}

// Invalidate deletes the cached role of actor.
func (r *RedisCachedResolver) Invalidate(ctx context.Context, actor string) error {
	return r.client.Del(ctx, r.prefix+actor).Err()
}

// HealthCheck pings Redis.
func (r *RedisCachedResolver) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
