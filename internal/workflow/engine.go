// Package workflow runs approval instances through the steps of their
// template and keeps the append-only approval ledger.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/assent/internal/definition"
	"github.com/pitabwire/assent/model"
)

const defaultLockRetries = 3

var defaultAdminRoles = []string{"super_admin", "admin"}

// Engine validates and applies transitions. It performs no side effects
// other than store writes; notifications are returned as intents.
type Engine struct {
	registry *definition.Registry
	store    Store
	roles    model.RoleResolver

	policy             model.RolePolicy
	adminRoles         map[string]bool
	maxDelegationDepth int
	lockRetries        int
	now                func() time.Time
	onRetry            func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithRolePolicy replaces the default exact-match role policy.
func WithRolePolicy(p model.RolePolicy) Option {
	return func(e *Engine) {
		if p != nil {
			e.policy = p
		}
	}
}

// WithAdminRoles sets the roles that may cancel any active instance.
func WithAdminRoles(roles ...string) Option {
	return func(e *Engine) {
		e.adminRoles = make(map[string]bool, len(roles))
		for _, r := range roles {
			e.adminRoles[r] = true
		}
	}
}

// WithMaxDelegationDepth limits how many times one step may be delegated.
// Zero means unlimited.
func WithMaxDelegationDepth(n int) Option {
	return func(e *Engine) { e.maxDelegationDepth = n }
}

// WithLockRetries sets how many times a transition is re-validated after
// losing an optimistic-lock race.
func WithLockRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.lockRetries = n
		}
	}
}

// WithClock overrides time.Now. For tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetryHook registers fn to be called on every lock retry.
func WithRetryHook(fn func()) Option {
	return func(e *Engine) { e.onRetry = fn }
}

// NewEngine creates a new workflow engine.
func NewEngine(registry *definition.Registry, store Store, roles model.RoleResolver, opts ...Option) *Engine {
	e := &Engine{
		registry:    registry,
		store:       store,
		roles:       roles,
		policy:      model.ExactRole,
		lockRetries: defaultLockRetries,
		now:         time.Now,
		onRetry:     func() {},
	}
	WithAdminRoles(defaultAdminRoles...)(e)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateRequest starts a workflow for one target.
type CreateRequest struct {
	TemplateCode string
	// TemplateVersion pins a version; zero selects the latest active one.
	TemplateVersion int
	Target          model.TargetRef
	InitiatedBy     string
	Notes           string
}

// ActionRequest is one approver decision.
type ActionRequest struct {
	InstanceID string
	StepOrder  int
	Actor      string
	Decision   model.Decision
	DelegateTo string
	Comment    string
	IPAddress  string
}

// Create starts a new instance at step 1.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (model.TransitionResult, error) {
	var details []model.FieldError
	if req.TemplateCode == "" {
		details = append(details, model.FieldError{Field: "template_code", Code: "REQUIRED", Message: "template code is required"})
	}
	if req.Target.IsZero() {
		details = append(details, model.FieldError{Field: "target", Code: "REQUIRED", Message: "entity kind and entity id are required"})
	}
	if req.InitiatedBy == "" {
		details = append(details, model.FieldError{Field: "initiated_by", Code: "REQUIRED", Message: "initiator is required"})
	}
	if len(details) > 0 {
		return model.TransitionResult{}, model.NewValidationError(details)
	}

	tmpl, err := e.registry.Resolve(ctx, req.TemplateCode, req.TemplateVersion)
	if err != nil {
		return model.TransitionResult{}, err
	}
	if !tmpl.IsActive {
		return model.TransitionResult{}, model.NewInvalidFieldError("template_version", "INACTIVE",
			fmt.Sprintf("template %s v%d is not active", tmpl.Code, tmpl.Version))
	}
	if tmpl.AppliesTo != req.Target.EntityKind {
		return model.TransitionResult{}, model.NewInvalidFieldError("target.entity_kind", "KIND_MISMATCH",
			fmt.Sprintf("template %s applies to %q, not %q", tmpl.Code, tmpl.AppliesTo, req.Target.EntityKind))
	}

	now := e.clock()
	inst := model.WorkflowInstance{
		ID:               uuid.NewString(),
		TemplateID:       tmpl.ID,
		TemplateCode:     tmpl.Code,
		TemplateVersion:  tmpl.Version,
		Target:           req.Target,
		CurrentStepOrder: 1,
		Status:           model.StatusPending,
		InitiatedBy:      req.InitiatedBy,
		InitiatedAt:      now,
		UpdatedAt:        now,
		Notes:            req.Notes,
		Version:          1,
	}

	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return model.TransitionResult{}, err
	}

	return model.TransitionResult{
		Instance: inst,
		Intents:  intentsFor(tmpl, inst),
	}, nil
}

// SubmitAction records an approver decision on the current step. Repeating
// an already recorded (instance, step, actor, decision) tuple returns the
// current state with Replayed set and changes nothing.
func (e *Engine) SubmitAction(ctx context.Context, req ActionRequest) (model.TransitionResult, error) {
	if err := validateAction(req); err != nil {
		return model.TransitionResult{}, err
	}

	var role string
	var roleErr error
	roleResolved := false

	for attempt := 0; attempt <= e.lockRetries; attempt++ {
		if attempt > 0 {
			e.onRetry()
		}

		inst, err := e.store.GetInstance(ctx, req.InstanceID)
		if err != nil {
			return model.TransitionResult{}, err
		}

		prior, found, err := e.store.FindAction(ctx, req.InstanceID, req.StepOrder, req.Actor, req.Decision)
		if err != nil {
			return model.TransitionResult{}, fmt.Errorf("lookup prior action: %w", err)
		}
		if found {
			return model.TransitionResult{Instance: inst, Action: &prior, Replayed: true}, nil
		}

		if inst.Status.IsTerminal() {
			return model.TransitionResult{}, model.NewTerminalStateError(inst.ID, inst.Status)
		}
		if req.StepOrder != inst.CurrentStepOrder {
			return model.TransitionResult{}, model.NewStepMismatchError(inst.ID, inst.CurrentStepOrder, req.StepOrder)
		}

		tmpl, err := e.registry.Get(ctx, inst.TemplateID)
		if err != nil {
			return model.TransitionResult{}, fmt.Errorf("load template %s: %w", inst.TemplateID, err)
		}
		step := tmpl.Step(inst.CurrentStepOrder)
		if step == nil {
			return model.TransitionResult{}, fmt.Errorf("template %s v%d has no step %d", tmpl.Code, tmpl.Version, inst.CurrentStepOrder)
		}

		if !roleResolved {
			role, roleErr = e.resolveRole(ctx, req.Actor)
			roleResolved = true
		}
		if roleErr != nil {
			return model.TransitionResult{}, roleErr
		}
		if err := e.authorize(inst, *step, req.Actor, role); err != nil {
			return model.TransitionResult{}, err
		}

		if req.Decision == model.DecisionDelegate && req.DelegateTo != "" {
			if err := e.authorizeDelegate(ctx, inst, *step, req.DelegateTo); err != nil {
				return model.TransitionResult{}, err
			}
		}

		if req.Decision == model.DecisionDelegate && e.maxDelegationDepth > 0 {
			depth, err := e.delegationDepth(ctx, inst.ID, inst.CurrentStepOrder)
			if err != nil {
				return model.TransitionResult{}, err
			}
			if depth >= e.maxDelegationDepth {
				return model.TransitionResult{}, model.NewDelegationLimitError(inst.ID, inst.CurrentStepOrder, e.maxDelegationDepth)
			}
		}

		action := e.newAction(inst, req.StepOrder, req.Actor, req.Decision)
		action.DelegateTo = req.DelegateTo
		action.Comment = req.Comment
		action.IPAddress = req.IPAddress

		result, err := e.commit(ctx, tmpl, inst, action)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return result, err
	}

	return model.TransitionResult{}, model.NewConflictError(
		fmt.Sprintf("workflow instance %q kept changing; retry the action", req.InstanceID),
	)
}

// Cancel stops an active instance. Admin roles may always cancel; otherwise
// the actor must be the initiator or be able to act on the current step.
func (e *Engine) Cancel(ctx context.Context, instanceID, actor, reason string) (model.TransitionResult, error) {
	if actor == "" {
		return model.TransitionResult{}, model.NewInvalidFieldError("actor", "REQUIRED", "actor is required")
	}

	for attempt := 0; attempt <= e.lockRetries; attempt++ {
		if attempt > 0 {
			e.onRetry()
		}

		inst, err := e.store.GetInstance(ctx, instanceID)
		if err != nil {
			return model.TransitionResult{}, err
		}
		if inst.Status.IsTerminal() {
			return model.TransitionResult{}, model.NewTerminalStateError(inst.ID, inst.Status)
		}

		tmpl, err := e.registry.Get(ctx, inst.TemplateID)
		if err != nil {
			return model.TransitionResult{}, fmt.Errorf("load template %s: %w", inst.TemplateID, err)
		}

		if err := e.authorizeCancel(ctx, tmpl, inst, actor); err != nil {
			return model.TransitionResult{}, err
		}

		action := e.newAction(inst, inst.CurrentStepOrder, actor, model.DecisionCancel)
		action.Comment = reason

		result, err := e.commit(ctx, tmpl, inst, action)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return result, err
	}

	return model.TransitionResult{}, model.NewConflictError(
		fmt.Sprintf("workflow instance %q kept changing; retry the cancellation", instanceID),
	)
}

// Get returns an instance by ID.
func (e *Engine) Get(ctx context.Context, id string) (model.WorkflowInstance, error) {
	return e.store.GetInstance(ctx, id)
}

// FindActiveByTarget returns the pending or in-progress instance of target.
func (e *Engine) FindActiveByTarget(ctx context.Context, target model.TargetRef) (model.WorkflowInstance, error) {
	return e.store.FindActiveInstance(ctx, target)
}

// List returns instances matching filters, newest first.
func (e *Engine) List(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	return e.store.ListInstances(ctx, filters)
}

// Template returns the template version an instance is bound to.
func (e *Engine) Template(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowTemplate, error) {
	return e.registry.Get(ctx, inst.TemplateID)
}

// History returns the ledger of one instance in the order it was written.
// Nothing is read until the sequence is ranged over, and every range reads
// the ledger afresh.
func (e *Engine) History(ctx context.Context, instanceID string) iter.Seq2[model.ApprovalAction, error] {
	return func(yield func(model.ApprovalAction, error) bool) {
		actions, err := e.store.ListActions(ctx, instanceID)
		if err != nil {
			yield(model.ApprovalAction{}, err)
			return
		}
		for _, a := range actions {
			if !yield(a, nil) {
				return
			}
		}
	}
}

// Replay folds a ledger over a fresh instance of tmpl. Applying the recorded
// actions of an instance reproduces its status, current step and assignee.
func Replay(tmpl model.WorkflowTemplate, actions []model.ApprovalAction) (model.WorkflowInstance, error) {
	inst := model.WorkflowInstance{
		TemplateID:       tmpl.ID,
		TemplateCode:     tmpl.Code,
		TemplateVersion:  tmpl.Version,
		CurrentStepOrder: 1,
		Status:           model.StatusPending,
	}
	if len(actions) > 0 {
		inst.ID = actions[0].InstanceID
	}

	for _, a := range actions {
		if inst.Status.IsTerminal() {
			return inst, model.NewTerminalStateError(inst.ID, inst.Status)
		}
		if a.Decision != model.DecisionCancel && a.StepOrder != inst.CurrentStepOrder {
			return inst, model.NewStepMismatchError(inst.ID, inst.CurrentStepOrder, a.StepOrder)
		}
		next, err := advance(tmpl, inst, a)
		if err != nil {
			return inst, err
		}
		inst = next
	}
	return inst, nil
}

// advance applies an already validated action to inst.
func advance(tmpl model.WorkflowTemplate, inst model.WorkflowInstance, a model.ApprovalAction) (model.WorkflowInstance, error) {
	next := inst
	next.UpdatedAt = a.ActedAt

	switch a.Decision {
	case model.DecisionApprove:
		// On reject_only steps an approve means "no objection" and advances
		// the same way.
		next.Assignee = ""
		if inst.CurrentStepOrder >= tmpl.LastOrder() {
			next.Status = model.StatusApproved
			next.CurrentStepOrder = tmpl.LastOrder() + 1
			next.CompletedAt = completedAt(a.ActedAt)
		} else {
			next.Status = model.StatusInProgress
			next.CurrentStepOrder = inst.CurrentStepOrder + 1
		}
	case model.DecisionReject:
		next.Status = model.StatusRejected
		next.Assignee = ""
		next.CompletedAt = completedAt(a.ActedAt)
	case model.DecisionDelegate:
		next.Status = model.StatusInProgress
		next.Assignee = a.DelegateTo
	case model.DecisionCancel:
		next.Status = model.StatusCancelled
		next.Assignee = ""
		next.CompletedAt = completedAt(a.ActedAt)
	default:
		return inst, model.NewInvalidFieldError("decision", "INVALID_ENUM", fmt.Sprintf("unknown decision %q", a.Decision))
	}
	return next, nil
}

func (e *Engine) commit(ctx context.Context, tmpl model.WorkflowTemplate, inst model.WorkflowInstance, action model.ApprovalAction) (model.TransitionResult, error) {
	next, err := advance(tmpl, inst, action)
	if err != nil {
		return model.TransitionResult{}, err
	}

	stored, err := e.store.Commit(ctx, next, action)
	if err != nil {
		return model.TransitionResult{}, err
	}
	next.Version++

	return model.TransitionResult{
		Instance: next,
		Action:   &stored,
		Intents:  intentsFor(tmpl, next),
	}, nil
}

// authorize checks that actor may act on step. A delegated step narrows who
// may act to the assignee; the assignee still needs the step's role.
func (e *Engine) authorize(inst model.WorkflowInstance, step model.StepDefinition, actor, role string) error {
	if inst.Assignee != "" && actor != inst.Assignee {
		return model.NewRoleMismatchError(inst.ID, step.Order, "assignee "+inst.Assignee, actor)
	}
	if !e.policy(role, step.RequiredRole) {
		return model.NewRoleMismatchError(inst.ID, step.Order, step.RequiredRole, roleLabel(role))
	}
	return nil
}

// authorizeDelegate refuses a delegation to an actor who could not act on
// the step afterwards.
func (e *Engine) authorizeDelegate(ctx context.Context, inst model.WorkflowInstance, step model.StepDefinition, delegateTo string) error {
	role, err := e.resolveRole(ctx, delegateTo)
	if err != nil {
		return err
	}
	if !e.policy(role, step.RequiredRole) {
		return model.NewRoleMismatchError(inst.ID, step.Order, step.RequiredRole, delegateTo+" ("+roleLabel(role)+")")
	}
	return nil
}

func (e *Engine) authorizeCancel(ctx context.Context, tmpl model.WorkflowTemplate, inst model.WorkflowInstance, actor string) error {
	if actor == inst.InitiatedBy || actor == inst.Assignee {
		return nil
	}

	role, err := e.resolveRole(ctx, actor)
	if err != nil {
		return err
	}
	if e.adminRoles[role] {
		return nil
	}
	if step := tmpl.Step(inst.CurrentStepOrder); step != nil && inst.Assignee == "" && e.policy(role, step.RequiredRole) {
		return nil
	}
	return model.NewRoleMismatchError(inst.ID, inst.CurrentStepOrder, "an admin role, the initiator or the current approver", roleLabel(role))
}

// resolveRole maps an unknown actor to the empty role, which no step
// accepts.
func (e *Engine) resolveRole(ctx context.Context, actor string) (string, error) {
	role, err := e.roles.ResolveRole(ctx, actor)
	if model.IsCode(err, model.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve role of %q: %w", actor, err)
	}
	return role, nil
}

// delegationDepth counts delegations recorded on step. Steps never repeat,
// so every delegation on the current step is part of the current chain.
func (e *Engine) delegationDepth(ctx context.Context, instanceID string, step int) (int, error) {
	actions, err := e.store.ListActions(ctx, instanceID)
	if err != nil {
		return 0, fmt.Errorf("load ledger: %w", err)
	}
	depth := 0
	for _, a := range actions {
		if a.StepOrder == step && a.Decision == model.DecisionDelegate {
			depth++
		}
	}
	return depth, nil
}

func (e *Engine) newAction(inst model.WorkflowInstance, step int, actor string, decision model.Decision) model.ApprovalAction {
	now := e.clock()
	// Keep the ledger monotone even if the wall clock steps backwards.
	if now.Before(inst.UpdatedAt) {
		now = inst.UpdatedAt
	}
	return model.ApprovalAction{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		StepOrder:  step,
		Actor:      actor,
		Decision:   decision,
		ActedAt:    now,
	}
}

// clock returns the current time at the precision every store keeps.
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

func intentsFor(tmpl model.WorkflowTemplate, inst model.WorkflowInstance) []model.Intent {
	var intents []model.Intent
	if !inst.Status.IsTerminal() {
		n := model.NotifyActor{
			InstanceID: inst.ID,
			Target:     inst.Target,
			Step:       inst.CurrentStepOrder,
			Assignee:   inst.Assignee,
		}
		if step := tmpl.Step(inst.CurrentStepOrder); step != nil {
			n.Role = step.RequiredRole
			n.StepName = step.Name
			n.Optional = step.Optional
		}
		intents = append(intents, n)
	}
	intents = append(intents, model.TargetStatusChanged{
		InstanceID: inst.ID,
		Target:     inst.Target,
		NewStatus:  inst.Status,
	})
	return intents
}

func validateAction(req ActionRequest) error {
	var details []model.FieldError
	if req.InstanceID == "" {
		details = append(details, model.FieldError{Field: "instance_id", Code: "REQUIRED", Message: "instance id is required"})
	}
	if req.Actor == "" {
		details = append(details, model.FieldError{Field: "actor", Code: "REQUIRED", Message: "actor is required"})
	}
	if req.StepOrder < 1 {
		details = append(details, model.FieldError{Field: "step_order", Code: "OUT_OF_RANGE", Message: "step order must be at least 1"})
	}
	switch {
	case req.Decision == model.DecisionCancel:
		details = append(details, model.FieldError{Field: "decision", Code: "NOT_SUBMITTABLE", Message: "use instance cancellation instead of a cancel decision"})
	case !req.Decision.Submittable():
		details = append(details, model.FieldError{Field: "decision", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown decision %q", req.Decision)})
	}
	if req.Decision == model.DecisionDelegate && req.DelegateTo == req.Actor {
		details = append(details, model.FieldError{Field: "delegate_to", Code: "SELF_DELEGATION", Message: "cannot delegate to yourself"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

func completedAt(t time.Time) *time.Time {
	return &t
}

func roleLabel(role string) string {
	if role == "" {
		return "no role"
	}
	return role
}
