package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/assent/model"
)

// TargetHandler mirrors an instance's status onto the record it governs,
// e.g. marking a price entry as approved.
type TargetHandler interface {
	SetStatus(ctx context.Context, entityID string, status model.Status) error
}

// TargetHandlerFunc adapts a function to TargetHandler.
type TargetHandlerFunc func(ctx context.Context, entityID string, status model.Status) error

// SetStatus implements TargetHandler.
func (f TargetHandlerFunc) SetStatus(ctx context.Context, entityID string, status model.Status) error {
	return f(ctx, entityID, status)
}

// LogTargetHandler records status changes of one entity kind in the log.
// Hosts that do not own the governed records use it so status changes stay
// visible.
type LogTargetHandler struct {
	logger     *zap.Logger
	entityKind string
}

// NewLogTargetHandler creates a LogTargetHandler for entityKind.
func NewLogTargetHandler(logger *zap.Logger, entityKind string) *LogTargetHandler {
	return &LogTargetHandler{logger: logger, entityKind: entityKind}
}

// SetStatus implements TargetHandler.
func (h *LogTargetHandler) SetStatus(_ context.Context, entityID string, status model.Status) error {
	h.logger.Info("target status changed",
		zap.String("target", model.TargetRef{EntityKind: h.entityKind, EntityID: entityID}.String()),
		zap.String("status", string(status)),
	)
	return nil
}

// TargetRegistry maps entity kinds to their handlers.
type TargetRegistry struct {
	mu       sync.RWMutex
	handlers map[string]TargetHandler
	fallback func(entityKind string) TargetHandler
}

// NewTargetRegistry creates an empty TargetRegistry.
func NewTargetRegistry() *TargetRegistry {
	return &TargetRegistry{handlers: make(map[string]TargetHandler)}
}

// Register binds a handler to an entity kind, replacing any previous one.
func (r *TargetRegistry) Register(entityKind string, h TargetHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[entityKind] = h
}

// Fallback installs fn to build handlers for kinds with no registered handler.
func (r *TargetRegistry) Fallback(fn func(entityKind string) TargetHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

// Handler returns the handler for entityKind, or the fallback's when none
// is registered.
func (r *TargetRegistry) Handler(entityKind string) (TargetHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[entityKind]; ok {
		return h, true
	}
	if r.fallback != nil {
		return r.fallback(entityKind), true
	}
	return nil, false
}

// Kinds returns the number of registered entity kinds.
func (r *TargetRegistry) Kinds() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// FailureRecorder is notified of every intent that could not be delivered.
type FailureRecorder func(kind model.IntentKind)

// Dispatcher delivers intents in the order the engine emitted them.
type Dispatcher struct {
	notifier Notifier
	targets  *TargetRegistry
	logger   *zap.Logger
	onFail   FailureRecorder
}

// NewDispatcher creates a Dispatcher. A nil notifier logs notifications and a
// nil registry skips every status change.
func NewDispatcher(notifier Notifier, targets *TargetRegistry, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	if targets == nil {
		targets = NewTargetRegistry()
	}
	return &Dispatcher{notifier: notifier, targets: targets, logger: logger}
}

// OnFailure installs a callback invoked once per failed intent.
func (d *Dispatcher) OnFailure(fn FailureRecorder) {
	d.onFail = fn
}

// Dispatch attempts every intent and returns the joined delivery errors.
// The transition that produced the intents is already committed, so a
// failure here never rolls anything back.
func (d *Dispatcher) Dispatch(ctx context.Context, intents []model.Intent) error {
	var errs []error
	for _, intent := range intents {
		if err := d.deliver(ctx, intent); err != nil {
			if d.onFail != nil {
				d.onFail(intent.Kind())
			}
			d.logger.Error("intent delivery failed",
				zap.String("kind", string(intent.Kind())),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, intent model.Intent) error {
	switch in := intent.(type) {
	case model.NotifyActor:
		return d.notifier.Notify(ctx, in)
	case model.TargetStatusChanged:
		h, ok := d.targets.Handler(in.Target.EntityKind)
		if !ok {
			d.logger.Debug("no target handler registered, skipping status change",
				zap.String("target", in.Target.String()),
				zap.String("status", string(in.NewStatus)),
			)
			return nil
		}
		if err := h.SetStatus(ctx, in.Target.EntityID, in.NewStatus); err != nil {
			return fmt.Errorf("dispatch: setting status of %s: %w", in.Target, err)
		}
		return nil
	default:
		d.logger.Warn("unknown intent kind", zap.String("kind", string(intent.Kind())))
		return nil
	}
}
