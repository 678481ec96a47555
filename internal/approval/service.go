// Package approval is the entry point collaborators call: it runs engine
// transitions, delivers the resulting intents and records logs, metrics and
// spans around each call.
package approval

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/assent/internal/definition"
	"github.com/pitabwire/assent/internal/dispatch"
	"github.com/pitabwire/assent/internal/observability"
	"github.com/pitabwire/assent/internal/workflow"
	"github.com/pitabwire/assent/model"
)

// DeliveryError reports intents that could not be delivered after the
// transition was committed. The result returned alongside it is valid.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return "approval: transition committed but intent delivery failed: " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Service wires the engine, template registry and intent dispatcher.
type Service struct {
	engine     *workflow.Engine
	registry   *definition.Registry
	dispatcher *dispatch.Dispatcher
	loader     *definition.Loader
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// NewService creates a Service. metrics may be nil.
func NewService(
	engine *workflow.Engine,
	registry *definition.Registry,
	dispatcher *dispatch.Dispatcher,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dispatcher == nil {
		dispatcher = dispatch.NewDispatcher(nil, nil, logger)
	}
	if metrics != nil {
		dispatcher.OnFailure(func(kind model.IntentKind) {
			metrics.RecordDispatchFailure(string(kind))
		})
	}
	return &Service{
		engine:     engine,
		registry:   registry,
		dispatcher: dispatcher,
		loader:     definition.NewLoader(),
		logger:     logger,
		metrics:    metrics,
	}
}

// CreateInstance starts a workflow for target on the latest active version
// of templateCode.
func (s *Service) CreateInstance(ctx context.Context, templateCode string, target model.TargetRef, initiator, notes string) (model.TransitionResult, error) {
	return s.Create(ctx, workflow.CreateRequest{
		TemplateCode: templateCode,
		Target:       target,
		InitiatedBy:  initiator,
		Notes:        notes,
	})
}

// Create starts a workflow, optionally pinned to a template version.
func (s *Service) Create(ctx context.Context, req workflow.CreateRequest) (model.TransitionResult, error) {
	ctx, span := observability.StartSpan(ctx, "approval.create_instance",
		observability.AttrTemplateCode.String(req.TemplateCode),
		observability.AttrEntityKind.String(req.Target.EntityKind),
		observability.AttrEntityID.String(req.Target.EntityID),
		observability.AttrActorID.String(req.InitiatedBy),
	)
	start := time.Now()

	res, err := s.engine.Create(ctx, req)
	s.observe("create_instance", start)
	if err != nil {
		s.refused(ctx, "create instance refused", err,
			zap.String("template_code", req.TemplateCode),
			zap.String("target", req.Target.String()),
		)
		observability.EndSpanWithError(span, err)
		return res, err
	}

	span.SetAttributes(observability.AttrInstanceID.String(res.Instance.ID))
	observability.RequestLogger(ctx, s.logger).Info("workflow instance created",
		zap.String("instance_id", res.Instance.ID),
		zap.String("template_code", res.Instance.TemplateCode),
		zap.Int("template_version", res.Instance.TemplateVersion),
		zap.String("target", res.Instance.Target.String()),
		zap.String("initiated_by", res.Instance.InitiatedBy),
	)
	if s.metrics != nil {
		s.metrics.RecordInstanceCreated(res.Instance.TemplateCode)
	}

	err = s.deliver(ctx, res)
	observability.EndSpanWithError(span, err)
	return res, err
}

// SubmitAction records an approver decision and delivers its intents.
func (s *Service) SubmitAction(ctx context.Context, req workflow.ActionRequest) (model.TransitionResult, error) {
	if req.IPAddress == "" {
		if rctx := model.RequestContextFrom(ctx); rctx != nil {
			req.IPAddress = rctx.IPAddress
		}
	}

	ctx, span := observability.StartSpan(ctx, "approval.submit_action",
		observability.AttrInstanceID.String(req.InstanceID),
		observability.AttrStepOrder.Int(req.StepOrder),
		observability.AttrDecision.String(string(req.Decision)),
		observability.AttrActorID.String(req.Actor),
	)
	start := time.Now()

	res, err := s.engine.SubmitAction(ctx, req)
	s.observe("submit_action", start)
	if err != nil {
		s.refused(ctx, "action refused", err,
			zap.String("instance_id", req.InstanceID),
			zap.Int("step", req.StepOrder),
			zap.String("actor", req.Actor),
			zap.String("decision", string(req.Decision)),
		)
		observability.EndSpanWithError(span, err)
		return res, err
	}

	span.SetAttributes(observability.AttrReplayed.Bool(res.Replayed))
	if res.Replayed {
		observability.RequestLogger(ctx, s.logger).Debug("duplicate action replayed",
			zap.String("instance_id", req.InstanceID),
			zap.Int("step", req.StepOrder),
			zap.String("actor", req.Actor),
		)
		observability.EndSpanWithError(span, nil)
		return res, nil
	}

	s.recordTransition(ctx, res)
	err = s.deliver(ctx, res)
	observability.EndSpanWithError(span, err)
	return res, err
}

// CancelInstance stops an active instance.
func (s *Service) CancelInstance(ctx context.Context, instanceID, actor, reason string) (model.TransitionResult, error) {
	ctx, span := observability.StartSpan(ctx, "approval.cancel_instance",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrActorID.String(actor),
	)
	start := time.Now()

	res, err := s.engine.Cancel(ctx, instanceID, actor, reason)
	s.observe("cancel_instance", start)
	if err != nil {
		s.refused(ctx, "cancel refused", err,
			zap.String("instance_id", instanceID),
			zap.String("actor", actor),
		)
		observability.EndSpanWithError(span, err)
		return res, err
	}

	s.recordTransition(ctx, res)
	err = s.deliver(ctx, res)
	observability.EndSpanWithError(span, err)
	return res, err
}

// GetInstance returns an instance by ID.
func (s *Service) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	return s.engine.Get(ctx, id)
}

// ActiveForTarget returns the pending or in-progress instance of target.
func (s *Service) ActiveForTarget(ctx context.Context, target model.TargetRef) (model.WorkflowInstance, error) {
	return s.engine.FindActiveByTarget(ctx, target)
}

// ListInstances returns instances matching filters, newest first.
func (s *Service) ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	return s.engine.List(ctx, filters)
}

// History returns a lazy, restartable view of an instance's ledger.
func (s *Service) History(ctx context.Context, instanceID string) iter.Seq2[model.ApprovalAction, error] {
	return s.engine.History(ctx, instanceID)
}

// GetHistory returns the full ledger of an instance in order.
func (s *Service) GetHistory(ctx context.Context, instanceID string) ([]model.ApprovalAction, error) {
	if _, err := s.engine.Get(ctx, instanceID); err != nil {
		return nil, err
	}
	var actions []model.ApprovalAction
	for a, err := range s.engine.History(ctx, instanceID) {
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// AuditTrail renders the ledger with step names and RFC 3339 timestamps.
func (s *Service) AuditTrail(ctx context.Context, instanceID string) ([]model.AuditEntry, error) {
	inst, err := s.engine.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	tmpl, err := s.engine.Template(ctx, inst)
	if err != nil {
		return nil, err
	}
	actions, err := s.GetHistory(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	entries := make([]model.AuditEntry, 0, len(actions))
	for _, a := range actions {
		name := ""
		if step := tmpl.Step(a.StepOrder); step != nil {
			name = step.Name
		}
		entries = append(entries, model.AuditEntry{
			StepOrder: a.StepOrder,
			StepName:  name,
			Decision:  string(a.Decision),
			Actor:     a.Actor,
			Timestamp: a.ActedAt.UTC().Format(time.RFC3339),
			Comment:   a.Comment,
		})
	}
	return entries, nil
}

// Templates returns the registry the service resolves templates from.
func (s *Service) Templates() *definition.Registry {
	return s.registry
}

// SyncDefinitions loads template files from dirs and registers or
// publishes whatever changed. An unchanged directory set is a no-op.
func (s *Service) SyncDefinitions(ctx context.Context, dirs []string, actor string) ([]definition.SyncResult, error) {
	ctx, span := observability.StartSpan(ctx, "approval.sync_definitions")

	files, err := s.loader.LoadAll(dirs)
	if err != nil {
		s.recordSync("failure")
		observability.EndSpanWithError(span, err)
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SetTemplatesLoaded(float64(len(definition.Templates(files))))
	}

	results, err := s.registry.SyncFiles(ctx, files, actor)
	if err != nil {
		s.recordSync("failure")
		s.logger.Error("template sync failed", zap.Error(err))
		observability.EndSpanWithError(span, err)
		return results, err
	}

	s.recordSync("success")
	for _, r := range results {
		if r.Outcome == definition.SyncUnchanged {
			continue
		}
		s.logger.Info("template synced",
			zap.String("code", r.Code),
			zap.Int("version", r.Version),
			zap.String("outcome", string(r.Outcome)),
		)
	}
	observability.EndSpanWithError(span, nil)
	return results, nil
}

func (s *Service) deliver(ctx context.Context, res model.TransitionResult) error {
	if len(res.Intents) == 0 {
		return nil
	}
	ctx, span := observability.StartSpan(ctx, "approval.dispatch_intents",
		attribute.Int("intents", len(res.Intents)),
	)
	err := s.dispatcher.Dispatch(ctx, res.Intents)
	observability.EndSpanWithError(span, err)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	return nil
}

func (s *Service) recordTransition(ctx context.Context, res model.TransitionResult) {
	inst := res.Instance
	fields := []zap.Field{
		zap.String("instance_id", inst.ID),
		zap.String("template_code", inst.TemplateCode),
		zap.String("status", string(inst.Status)),
		zap.Int("current_step", inst.CurrentStepOrder),
	}
	if res.Action != nil {
		fields = append(fields,
			zap.String("decision", string(res.Action.Decision)),
			zap.String("actor", res.Action.Actor),
			zap.Int("step", res.Action.StepOrder),
		)
	}
	observability.RequestLogger(ctx, s.logger).Info("workflow transition", fields...)

	if s.metrics == nil {
		return
	}
	if res.Action != nil {
		s.metrics.RecordAction(inst.TemplateCode, string(res.Action.Decision))
	}
	if inst.Status.IsTerminal() {
		s.metrics.RecordCompletion(inst.TemplateCode, string(inst.Status))
	}
}

// refused logs business refusals at warn and infrastructure failures at
// error.
func (s *Service) refused(ctx context.Context, msg string, err error, fields ...zap.Field) {
	logger := observability.RequestLogger(ctx, s.logger)
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) && ee.Code != model.ErrInternalError {
		if s.metrics != nil {
			s.metrics.RecordRejection(ee.Code)
		}
		logger.Warn(msg, append(fields, zap.String("code", ee.Code), zap.String("reason", ee.Message))...)
		return
	}
	logger.Error(msg, append(fields, zap.Error(err))...)
}

func (s *Service) observe(operation string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordTransitionDuration(operation, time.Since(start))
	}
}

func (s *Service) recordSync(status string) {
	if s.metrics != nil {
		s.metrics.RecordDefinitionSync(status)
	}
}
