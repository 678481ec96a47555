// Package dispatch delivers the side-effect intents produced by workflow
// transitions: actor notifications and target status updates.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/assent/model"
)

// Notifier tells the holder of a role (or a named assignee) that a step is
// waiting for them.
type Notifier interface {
	Notify(ctx context.Context, n model.NotifyActor) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n model.NotifyActor) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n model.NotifyActor) error {
	return f(ctx, n)
}

// --- LogNotifier ---

// LogNotifier writes notifications to the log. It is the default when no
// messaging backend is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, n model.NotifyActor) error {
	l.logger.Info("approval step awaiting action",
		zap.String("instance_id", n.InstanceID),
		zap.String("target", n.Target.String()),
		zap.Int("step", n.Step),
		zap.String("step_name", n.StepName),
		zap.String("role", n.Role),
		zap.String("assignee", n.Assignee),
		zap.Bool("optional", n.Optional),
	)
	return nil
}

// --- RedisNotifier ---

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "assent:notifications"

// RedisNotifier publishes notifications as JSON on a Redis pub/sub channel.
type RedisNotifier struct {
	client  redis.Cmdable
	channel string
}

// NewRedisNotifier creates a RedisNotifier. An empty channel selects
// DefaultChannel.
func NewRedisNotifier(client redis.Cmdable, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Channel returns the channel messages are published on.
func (r *RedisNotifier) Channel() string { return r.channel }

// Notify implements Notifier.
func (r *RedisNotifier) Notify(ctx context.Context, n model.NotifyActor) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("dispatch: marshaling notification: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("dispatch: publishing to %s: %w", r.channel, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (r *RedisNotifier) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// --- MultiNotifier ---

// MultiNotifier fans a notification out to every wrapped notifier. All of
// them are attempted; failures are joined.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, n model.NotifyActor) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
